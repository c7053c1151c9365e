// Package consensus provides the node-local PBFT state machine.
// This package implements:
// - Message kind classification
// - Working block lifecycle
// - Static membership, fault bound and primary selection
// - Phase/mode/role state machine with a liveness timeout
//
// State is not safe for concurrent use. It is owned by a single driver loop
// (see package node) which serializes every mutation.
package consensus
