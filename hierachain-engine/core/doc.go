// Package core provides concurrent processing shared by the consensus driver.
// This package implements:
// - Worker pool that validates candidate blocks off the driver goroutine
// - Pool statistics for monitoring
package core
