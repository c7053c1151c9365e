// Package api serves read-only views of a running node over TCP: the Arrow
// IPC snapshot of the committed chain, the same bytes the checkpoint digest
// is computed from, and the driver status.
package api
