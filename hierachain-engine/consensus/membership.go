package consensus

import (
	"encoding/hex"
	"fmt"
)

// PeerID is the opaque transport-level identifier of a network member.
type PeerID []byte

func (p PeerID) String() string {
	return hex.EncodeToString(p)
}

// ParsePeerID decodes a hex encoded peer id.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid peer id %q: empty", s)
	}
	return PeerID(b), nil
}

// PeerMapping pairs a peer id with its logical node id.
type PeerMapping struct {
	PeerID PeerID
	NodeID uint64
}

// Membership is the static network membership. It is immutable after
// construction; primary selection and the fault bound are pure functions of
// the view.
type Membership struct {
	peers  []PeerID          // indexed by node id
	byPeer map[string]uint64 // string(peer id) -> node id
	f      uint64
}

// NewMembership builds the bidirectional node id <-> peer id index.
// Node ids must be exactly 0..n-1 and both sides must be unique.
func NewMembership(mappings []PeerMapping) (*Membership, error) {
	n := len(mappings)
	if n == 0 {
		return nil, fmt.Errorf("%w: no peers configured", ErrInvalidMembership)
	}

	peers := make([]PeerID, n)
	byPeer := make(map[string]uint64, n)

	for _, m := range mappings {
		if len(m.PeerID) == 0 {
			return nil, fmt.Errorf("%w: empty peer id for node %d", ErrInvalidMembership, m.NodeID)
		}
		if m.NodeID >= uint64(n) {
			return nil, fmt.Errorf("%w: node id %d out of range 0..%d", ErrInvalidMembership, m.NodeID, n-1)
		}
		if peers[m.NodeID] != nil {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrInvalidMembership, m.NodeID)
		}
		key := string(m.PeerID)
		if _, dup := byPeer[key]; dup {
			return nil, fmt.Errorf("%w: duplicate peer id %s", ErrInvalidMembership, m.PeerID)
		}

		id := make(PeerID, len(m.PeerID))
		copy(id, m.PeerID)
		peers[m.NodeID] = id
		byPeer[key] = m.NodeID
	}

	return &Membership{
		peers:  peers,
		byPeer: byPeer,
		f:      uint64((n - 1) / 3),
	}, nil
}

// Size returns the number of members.
func (m *Membership) Size() int {
	return len(m.peers)
}

// FaultBound returns f, the maximum number of Byzantine members tolerated.
func (m *Membership) FaultBound() uint64 {
	return m.f
}

// QuorumSize returns the number of matching votes needed to advance (2f+1).
func (m *Membership) QuorumSize() int {
	return int(2*m.f + 1)
}

// PeerID returns the peer id of a node.
func (m *Membership) PeerID(nodeID uint64) (PeerID, bool) {
	if nodeID >= uint64(len(m.peers)) {
		return nil, false
	}
	return m.peers[nodeID], true
}

// PrimaryNodeID returns the node id of the primary for a view.
func (m *Membership) PrimaryNodeID(view uint64) uint64 {
	return view % uint64(len(m.peers))
}

// PrimaryPeerID returns the peer id of the primary for a view.
func (m *Membership) PrimaryPeerID(view uint64) PeerID {
	return m.peers[m.PrimaryNodeID(view)]
}

// NodeIDOf resolves a peer id to its node id.
func (m *Membership) NodeIDOf(peerID []byte) (uint64, error) {
	id, ok := m.byPeer[string(peerID)]
	if !ok {
		return 0, fmt.Errorf("%w: %x", ErrNodeNotFound, peerID)
	}
	return id, nil
}

// Peers returns a copy of the member list ordered by node id.
func (m *Membership) Peers() []PeerMapping {
	out := make([]PeerMapping, len(m.peers))
	for i, p := range m.peers {
		out[i] = PeerMapping{PeerID: p, NodeID: uint64(i)}
	}
	return out
}
