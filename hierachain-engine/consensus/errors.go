package consensus

import "errors"

// Common errors for consensus state operations
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrUnknownLocalNode  = errors.New("local node id is not a network member")
	ErrInvalidMembership = errors.New("invalid membership")
)
