package consensus

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Phase is the progress of one consensus round.
type Phase int

const (
	NotStarted Phase = iota
	PrePreparing
	Preparing
	Checking
	Committing
	Finished
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "NS"
	case PrePreparing:
		return "PP"
	case Preparing:
		return "Pr"
	case Checking:
		return "Ch"
	case Committing:
		return "Co"
	case Finished:
		return "Fi"
	default:
		return "??"
	}
}

// Next returns the single legal successor of p.
func (p Phase) Next() Phase {
	switch p {
	case NotStarted:
		return PrePreparing
	case PrePreparing:
		return Preparing
	case Preparing:
		return Checking
	case Checking:
		return Committing
	case Committing:
		return Finished
	default:
		return NotStarted
	}
}

// Mode governs whether ordinary round processing is suspended.
type Mode int

const (
	Normal Mode = iota
	ViewChanging
	Checkpointing
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "N"
	case ViewChanging:
		return "V"
	case Checkpointing:
		return "C"
	default:
		return "?"
	}
}

// Role is the node's role in the current view.
type Role int

const (
	Secondary Role = iota
	Primary
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "secondary"
}

// Config is the static configuration the state is built from.
type Config struct {
	Peers             []PeerMapping
	ViewChangeTimeout time.Duration
}

// StateOption customizes a State.
type StateOption func(*State)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) StateOption {
	return func(s *State) {
		s.logger = logger
	}
}

// WithClock replaces the clock driving the liveness timeout.
func WithClock(now func() time.Time) StateOption {
	return func(s *State) {
		s.Timeout.now = now
	}
}

// State is the PBFT state of one node.
//
// Exported fields are managed directly by the driver. Phase changes go
// through SwitchPhase and role changes through UpgradeRole/DowngradeRole.
type State struct {
	ID     uint64
	SeqNum uint64 // 0 means unknown
	View   uint64

	phase Phase
	role  Role

	Mode              Mode
	PreCheckpointMode Mode

	membership *Membership

	// F is the maximum number of faulty nodes in the network.
	F uint64

	Timeout      Timeout
	WorkingBlock WorkingBlock

	logger *zap.Logger
}

// NewState creates the state of node id. It fails when the membership is
// invalid or does not contain id; both are startup misconfigurations.
func NewState(id uint64, cfg Config, opts ...StateOption) (*State, error) {
	membership, err := NewMembership(cfg.Peers)
	if err != nil {
		return nil, err
	}
	if _, ok := membership.PeerID(id); !ok {
		return nil, fmt.Errorf("%w: node %d", ErrUnknownLocalNode, id)
	}

	s := &State{
		ID:                id,
		phase:             NotStarted,
		role:              Secondary,
		Mode:              Normal,
		PreCheckpointMode: Normal,
		membership:        membership,
		F:                 membership.FaultBound(),
		Timeout:           NewTimeout(cfg.ViewChangeTimeout),
		WorkingBlock:      NoWorkingBlock(),
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if membership.PrimaryNodeID(0) == id {
		s.role = Primary
	}

	if s.F == 0 {
		s.logger.Warn("network does not contain enough nodes to be fault tolerant",
			zap.Int("nodes", membership.Size()))
	}

	return s, nil
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return s.phase
}

// Membership returns the static membership.
func (s *State) Membership() *Membership {
	return s.membership
}

// QuorumSize returns 2f+1.
func (s *State) QuorumSize() int {
	return s.membership.QuorumSize()
}

// CheckMsgType returns the kind of message expected or sent in the current
// phase, Unset when none is.
func (s *State) CheckMsgType() MessageKind {
	switch s.phase {
	case PrePreparing:
		return PrePrepare
	case Preparing, Checking:
		return Prepare
	case Committing:
		return Commit
	default:
		return Unset
	}
}

// SwitchPhase moves to desired if it is the successor of the current phase.
// On any other request the state is left untouched and ok is false.
func (s *State) SwitchPhase(desired Phase) (Phase, bool) {
	if desired != s.phase.Next() {
		s.logger.Debug("phase change refused", zap.Stringer("state", s), zap.Stringer("desired", desired))
		return s.phase, false
	}
	s.logger.Debug("phase change", zap.Stringer("state", s), zap.Stringer("desired", desired))
	s.phase = desired
	return desired, true
}

// ResetRound aborts or concludes the current round.
func (s *State) ResetRound() {
	s.phase = NotStarted
	s.WorkingBlock = NoWorkingBlock()
}

// EnterMode starts a mode excursion, saving the current mode.
func (s *State) EnterMode(m Mode) {
	s.PreCheckpointMode = s.Mode
	s.Mode = m
}

// RestoreMode ends a mode excursion and returns the restored mode.
func (s *State) RestoreMode() Mode {
	s.Mode = s.PreCheckpointMode
	s.PreCheckpointMode = Normal
	return s.Mode
}

// IsPrimary reports whether the node currently acts as primary.
func (s *State) IsPrimary() bool {
	return s.role == Primary
}

// Role returns the cached role.
func (s *State) Role() Role {
	return s.role
}

// UpgradeRole makes this node primary.
func (s *State) UpgradeRole() {
	s.role = Primary
}

// DowngradeRole makes this node secondary.
func (s *State) DowngradeRole() {
	s.role = Secondary
}

// RoleMatchesView reports whether the cached role agrees with the view.
func (s *State) RoleMatchesView() bool {
	return s.IsPrimary() == (s.membership.PrimaryNodeID(s.View) == s.ID)
}

// OwnPeerID returns this node's peer id.
func (s *State) OwnPeerID() PeerID {
	id, _ := s.membership.PeerID(s.ID)
	return id
}

// PrimaryPeerID returns the peer id of the primary for the current view.
func (s *State) PrimaryPeerID() PeerID {
	return s.membership.PrimaryPeerID(s.View)
}

// PrimaryNodeID returns the node id of the primary for the current view.
func (s *State) PrimaryNodeID() uint64 {
	return s.membership.PrimaryNodeID(s.View)
}

// NodeIDFromBytes resolves a serialized peer id to a node id.
func (s *State) NodeIDFromBytes(peerID []byte) (uint64, error) {
	return s.membership.NodeIDOf(peerID)
}

func (s *State) String() string {
	ast := " "
	if s.IsPrimary() {
		ast = "*"
	}
	return fmt.Sprintf("(%s %s %d, seq %d, wb %s), Node %s%02d",
		s.phase, s.Mode, s.View, s.SeqNum, s.WorkingBlock, ast, s.ID)
}
