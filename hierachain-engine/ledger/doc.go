// Package ledger provides the local block store that consensus orders.
// This package implements:
// - Priority mempool of pending transactions
// - LevelDB backed chain with block building and validation
// - Arrow snapshots of committed headers for checkpoints
package ledger
