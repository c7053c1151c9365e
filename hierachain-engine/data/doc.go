// Package data provides Arrow IPC serialization for committed chain state.
// This package implements:
// - Arrow schema definitions for block headers
// - Block header to Arrow conversion
// - IPC serialization used for checkpoint snapshots
package data
