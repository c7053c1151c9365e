// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for the consensus driver
// - Health checks
// - Structured logger construction
package monitoring
