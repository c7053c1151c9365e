package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var allPhases = []Phase{NotStarted, PrePreparing, Preparing, Checking, Committing, Finished}

func newTestState(t *testing.T, id uint64, n int) *State {
	t.Helper()
	s, err := NewState(id, testConfig(n))
	require.NoError(t, err)
	return s
}

func TestNewStateDefaults(t *testing.T) {
	s := newTestState(t, 0, 4)

	assert.Equal(t, uint64(0), s.SeqNum)
	assert.Equal(t, uint64(0), s.View)
	assert.Equal(t, NotStarted, s.Phase())
	assert.Equal(t, Normal, s.Mode)
	assert.Equal(t, Normal, s.PreCheckpointMode)
	assert.Equal(t, uint64(1), s.F)
	assert.True(t, s.IsPrimary())
	assert.True(t, s.WorkingBlock.IsNone())
	assert.False(t, s.Timeout.IsActive())
	assert.Equal(t, 4*time.Second, s.Timeout.Duration())

	assert.False(t, newTestState(t, 3, 4).IsPrimary())
}

func TestNewStateUnknownLocalNode(t *testing.T) {
	_, err := NewState(4, testConfig(4))
	assert.ErrorIs(t, err, ErrUnknownLocalNode)

	_, err = NewState(0, Config{})
	assert.ErrorIs(t, err, ErrInvalidMembership)
}

func TestNewStateWarnsWithoutFaultTolerance(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	s, err := NewState(0, testConfig(3), WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), s.F)
	assert.Equal(t, 1, logs.FilterMessageSnippet("fault tolerant").Len())
}

func TestSwitchPhaseFollowsCycle(t *testing.T) {
	s := newTestState(t, 1, 4)

	for round := 0; round < 3; round++ {
		for i := range allPhases {
			next := allPhases[(i+1)%len(allPhases)]
			got, ok := s.SwitchPhase(next)
			require.True(t, ok, "%s -> %s", allPhases[i], next)
			require.Equal(t, next, got)
		}
	}
	assert.Equal(t, NotStarted, s.Phase())
}

func TestSwitchPhaseRejectsSkipsAndRegressions(t *testing.T) {
	for _, from := range allPhases {
		for _, desired := range allPhases {
			if desired == from.Next() {
				continue
			}
			s := newTestState(t, 1, 4)
			driveTo(t, s, from)

			got, ok := s.SwitchPhase(desired)
			assert.False(t, ok, "%s -> %s must be refused", from, desired)
			assert.Equal(t, from, got)
			assert.Equal(t, from, s.Phase(), "refused transitions must not mutate")
		}
	}
}

func TestCheckMsgType(t *testing.T) {
	expected := map[Phase]MessageKind{
		NotStarted:   Unset,
		PrePreparing: PrePrepare,
		Preparing:    Prepare,
		Checking:     Prepare,
		Committing:   Commit,
		Finished:     Unset,
	}
	for phase, kind := range expected {
		s := newTestState(t, 0, 4)
		driveTo(t, s, phase)
		assert.Equal(t, kind, s.CheckMsgType(), phase.String())
	}
}

func TestCheckpointModeRoundTrip(t *testing.T) {
	s := newTestState(t, 2, 4)

	before := s.Mode
	s.EnterMode(Checkpointing)
	assert.Equal(t, Checkpointing, s.Mode)
	assert.Equal(t, before, s.PreCheckpointMode)

	assert.Equal(t, before, s.RestoreMode())
	assert.Equal(t, before, s.Mode)
}

func TestViewChangeInsideCheckpointKeepsTrack(t *testing.T) {
	s := newTestState(t, 2, 4)

	s.EnterMode(Checkpointing)
	s.EnterMode(ViewChanging)
	assert.Equal(t, Checkpointing, s.PreCheckpointMode)

	assert.Equal(t, Checkpointing, s.RestoreMode(), "view change must return to the checkpoint")
	assert.Equal(t, Normal, s.RestoreMode(), "checkpoint must return to normal operation")
}

func TestExactlyOnePrimaryPerView(t *testing.T) {
	const n = 4
	states := make([]*State, n)
	for i := range states {
		states[i] = newTestState(t, uint64(i), n)
	}

	for view := uint64(0); view < 12; view++ {
		primaries := 0
		for _, s := range states {
			s.View = view
			if s.Membership().PrimaryNodeID(view) == s.ID {
				s.UpgradeRole()
			} else {
				s.DowngradeRole()
			}
			require.True(t, s.RoleMatchesView())
			assert.Equal(t, s.Membership().PrimaryPeerID(view), s.PrimaryPeerID())
			if s.IsPrimary() {
				primaries++
			}
		}
		assert.Equal(t, 1, primaries, "view %d", view)
	}
}

func TestRoleIsCachedUntilExplicitUpdate(t *testing.T) {
	s := newTestState(t, 0, 4)

	s.View = 1
	assert.True(t, s.IsPrimary(), "role only changes through upgrade/downgrade")
	assert.False(t, s.RoleMatchesView())

	s.DowngradeRole()
	assert.True(t, s.RoleMatchesView())
	assert.Equal(t, Secondary, s.Role())
}

func TestPeerLookups(t *testing.T) {
	s := newTestState(t, 2, 4)

	assert.Equal(t, PeerID("peer-2"), s.OwnPeerID())
	assert.Equal(t, PeerID("peer-0"), s.PrimaryPeerID())

	id, err := s.NodeIDFromBytes([]byte("peer-3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	_, err = s.NodeIDFromBytes([]byte("peer-9"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// Four nodes, node 0 primary in view 0: BlockNew, PrePrepare, then a prepare
// quorum advances the phase exactly once.
func TestFourNodeRoundScenario(t *testing.T) {
	s := newTestState(t, 0, 4)
	require.Equal(t, uint64(1), s.F)
	require.True(t, s.IsPrimary())

	block := PbftBlock{BlockID: []byte{1, 2, 3, 4, 5, 6, 7}, BlockNum: 1, SignerID: s.OwnPeerID()}

	// BlockNew
	s.WorkingBlock = TentativeWorkingBlock(block.BlockID)
	assert.True(t, s.WorkingBlock.IsTentative())

	// PrePrepare
	_, ok := s.SwitchPhase(PrePreparing)
	require.True(t, ok)
	s.SeqNum = block.BlockNum
	s.WorkingBlock = BoundWorkingBlock(block)
	assert.True(t, s.WorkingBlock.IsSome())
	assert.Equal(t, PrePrepare, s.CheckMsgType())

	// 2f+1 matching prepares tallied by the driver
	prepares := 3
	require.GreaterOrEqual(t, prepares, s.QuorumSize())

	phase, ok := s.SwitchPhase(Preparing)
	require.True(t, ok)
	assert.Equal(t, Preparing, phase)

	_, ok = s.SwitchPhase(Preparing)
	assert.False(t, ok, "a duplicate quorum trigger must not advance")
	assert.Equal(t, Preparing, s.Phase())
}

// A timeout in Preparing moves to the next view and its primary.
func TestTimeoutDuringPreparingScenario(t *testing.T) {
	clock := newFakeClock()
	s, err := NewState(2, testConfig(4), WithClock(clock.Now))
	require.NoError(t, err)

	driveTo(t, s, Preparing)
	s.Timeout.Start()
	clock.Advance(s.Timeout.Duration())
	require.True(t, s.Timeout.IsExpired())

	s.EnterMode(ViewChanging)
	s.View++
	s.ResetRound()

	assert.Equal(t, ViewChanging, s.Mode)
	assert.Equal(t, Normal, s.PreCheckpointMode)
	assert.Equal(t, uint64(1), s.View)
	assert.Equal(t, testPeers(4)[1].PeerID, s.PrimaryPeerID())
	assert.Equal(t, NotStarted, s.Phase())
	assert.True(t, s.WorkingBlock.IsNone())
}

func TestStateString(t *testing.T) {
	s := newTestState(t, 0, 4)
	assert.Equal(t, "(NS N 0, seq 0, wb ~none~), Node *00", s.String())

	s.SwitchPhase(PrePreparing)
	s.SeqNum = 7
	s.View = 5
	s.DowngradeRole()
	s.EnterMode(Checkpointing)
	s.WorkingBlock = BoundWorkingBlock(PbftBlock{BlockID: []byte{0xde, 0xad, 0xbe, 0xef}})
	assert.Equal(t, "(PP C 5, seq 7, wb deadbe), Node  00", s.String())
}

// driveTo advances s through the legal cycle until it reaches phase.
func driveTo(t *testing.T, s *State, phase Phase) {
	t.Helper()
	for s.Phase() != phase {
		_, ok := s.SwitchPhase(s.Phase().Next())
		require.True(t, ok)
	}
}
