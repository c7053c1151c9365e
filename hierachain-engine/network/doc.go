// Package network provides the transports PBFT messages travel over.
//
// This package implements:
//   - ZmqNode: ZeroMQ transport with ROUTER/DEALER pattern
//   - NetworkService: static peer set over a ZmqNode, used by the driver
//   - LocalHub: in-process transport for tests and simulations
package network
