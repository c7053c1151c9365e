// Package node drives a consensus.State: it owns the message log, runs the
// three-phase round, view changes and checkpoints, and talks to the ledger
// and the network through small interfaces.
//
// All state is confined to the goroutine running Run. Deliver and Status are
// the only methods safe to call from other goroutines.
package node
