package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// withPool gives a hand-driven node the validation pool Run would create.
func withPool(t *testing.T, h *harness) {
	t.Helper()
	h.node.pool = core.NewWorkerPool("test", 1, h.chain.CheckBlock, nil)
	t.Cleanup(h.node.pool.Shutdown)
}

func awaitValidation(t *testing.T, h *harness) {
	t.Helper()
	select {
	case res := <-h.node.pool.Results():
		h.node.handleValidation(context.Background(), res)
	case <-time.After(5 * time.Second):
		t.Fatal("validation result not received")
	}
}

// preparedOnSecondary drives node 2 into Preparing on block.
func preparedOnSecondary(t *testing.T, h *harness, block consensus.PbftBlock) {
	t.Helper()
	h.deliver(t, peerID(0), messaging.New(consensus.BlockNew, 0, 1, nil, peerID(0)).WithBlock(block))
	require.Equal(t, consensus.PrePreparing, h.node.state.Phase())
	require.True(t, h.node.state.WorkingBlock.IsTentative())
	require.True(t, h.node.state.Timeout.IsActive())

	h.deliver(t, peerID(0), messaging.New(consensus.PrePrepare, 0, 1, nil, peerID(0)).WithBlock(block))
	require.Equal(t, consensus.Preparing, h.node.state.Phase())
}

func commitOnSecondary(t *testing.T, h *harness, block consensus.PbftBlock) {
	t.Helper()
	preparedOnSecondary(t, h, block)
	finishRound(t, h, block)
}

// finishRound feeds the prepares and commits of the other members.
func finishRound(t *testing.T, h *harness, block consensus.PbftBlock) {
	t.Helper()
	for _, p := range []int{0, 1} {
		h.deliver(t, peerID(p), messaging.New(consensus.Prepare, 0, 1, block.BlockID, peerID(p)))
	}
	require.Equal(t, consensus.Checking, h.node.state.Phase())

	awaitValidation(t, h)
	require.Equal(t, consensus.Committing, h.node.state.Phase())

	for _, p := range []int{0, 3} {
		h.deliver(t, peerID(p), messaging.New(consensus.Commit, 0, 1, block.BlockID, peerID(p)))
	}
}

func TestNewStartsAtChainHead(t *testing.T) {
	h := newHarness(t, 1)

	st := h.node.Status()
	assert.Equal(t, uint64(1), st.NodeID)
	assert.Equal(t, consensus.NotStarted, st.Phase)
	assert.Equal(t, consensus.Normal, st.Mode)
	assert.Equal(t, uint64(0), st.Height)
	assert.False(t, st.Primary)
	assert.NoError(t, h.node.Health())

	_, err := New(Config{NodeID: 7, Consensus: consensus.Config{Peers: testPeers(4)}}, h.chain, h.net)
	assert.ErrorIs(t, err, consensus.ErrUnknownLocalNode)

	_, err = New(Config{}, nil, h.net)
	assert.Error(t, err)
}

func TestSecondaryRoundCommits(t *testing.T) {
	h := newHarness(t, 2)
	withPool(t, h)
	block := proposal(t, 2)

	preparedOnSecondary(t, h, block)
	assert.Equal(t, uint64(1), h.node.state.SeqNum)
	prepares := h.net.sent(consensus.Prepare)
	require.Len(t, prepares, 1)
	assert.Equal(t, block.BlockID, prepares[0].BlockID)

	finishRound(t, h, block)

	assert.Equal(t, uint64(1), h.chain.Height())
	assert.Equal(t, consensus.NotStarted, h.node.state.Phase())
	assert.True(t, h.node.state.WorkingBlock.IsNone())
	assert.False(t, h.node.state.Timeout.IsActive())
	assert.Len(t, h.net.sent(consensus.Commit), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BlocksCommitted))

	h.deliver(t, peerID(1), messaging.New(consensus.Commit, 0, 1, block.BlockID, peerID(1)))
	assert.Equal(t, 1.0, h.rejected(reasonStaleSeq), "votes for committed blocks are stale")
}

func TestInvalidBlockStartsViewChange(t *testing.T) {
	h := newHarness(t, 2)
	withPool(t, h)

	block := proposal(t, 1)
	block.Payload = append(block.Payload, 0xff)

	preparedOnSecondary(t, h, block)
	for _, p := range []int{0, 1} {
		h.deliver(t, peerID(p), messaging.New(consensus.Prepare, 0, 1, block.BlockID, peerID(p)))
	}
	awaitValidation(t, h)

	assert.Equal(t, consensus.ViewChanging, h.node.state.Mode)
	assert.Equal(t, uint64(1), h.node.state.View)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ValidationFailures))
	assert.Equal(t, uint64(0), h.chain.Height())
}

func TestRejections(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	h.node.handleInbound(ctx, inbound{from: peerID(1), payload: []byte{0xc1}})
	assert.Equal(t, 1.0, h.rejected(reasonMalformed))

	h.deliver(t, peerID(9), messaging.New(consensus.Prepare, 0, 1, []byte("a"), peerID(9)))
	assert.Equal(t, 1.0, h.rejected(reasonUnknownSender))

	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, []byte("a"), peerID(3)))
	assert.Equal(t, 1.0, h.rejected(reasonSpoofed))

	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 0, []byte("a"), peerID(1)))
	assert.Equal(t, 1.0, h.rejected(reasonStaleSeq))

	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, nil, peerID(1)))
	assert.Equal(t, 2.0, h.rejected(reasonMalformed), "prepare without block id")

	block := proposal(t, 1)
	h.deliver(t, peerID(1), messaging.New(consensus.BlockNew, 0, 1, nil, peerID(1)).WithBlock(block))
	assert.Equal(t, 1.0, h.rejected(reasonNotPrimary))
	assert.Equal(t, consensus.NotStarted, h.node.state.Phase())

	assert.Equal(t, 0, h.node.log.Len())
}

func TestUnknownKindIsLogged(t *testing.T) {
	logCore, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, 2, WithLogger(zap.New(logCore)))

	msg := messaging.New(consensus.Prepare, 0, 1, []byte("a"), peerID(1))
	msg.Kind = "Flibbertigibbet"
	h.deliver(t, peerID(1), msg)

	assert.Equal(t, 1.0, h.rejected(reasonUnknownKind))
	assert.Equal(t, 1, logs.FilterMessageSnippet("unhandled PBFT message kind").Len())
}

func TestDuplicateAndConflictingVotes(t *testing.T) {
	h := newHarness(t, 2)

	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, []byte("a"), peerID(1)))
	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, []byte("a"), peerID(1)))
	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, []byte("b"), peerID(1)))

	assert.Equal(t, 1.0, h.rejected(reasonDuplicate))
	assert.Equal(t, 1.0, h.rejected(reasonConflict))
	assert.Equal(t, 1, h.node.log.CountBlock(consensus.Prepare, 0, 1, []byte("a")))
	assert.Equal(t, 0, h.node.log.CountBlock(consensus.Prepare, 0, 1, []byte("b")))
}

func TestPrePrepareMustMatchAnnouncedBlock(t *testing.T) {
	h := newHarness(t, 2)
	announced := proposal(t, 1)
	other := proposal(t, 2)

	h.deliver(t, peerID(0), messaging.New(consensus.BlockNew, 0, 1, nil, peerID(0)).WithBlock(announced))
	h.deliver(t, peerID(0), messaging.New(consensus.PrePrepare, 0, 1, nil, peerID(0)).WithBlock(other))

	assert.Equal(t, consensus.PrePreparing, h.node.state.Phase())
	assert.Equal(t, 1.0, h.rejected(reasonBlockMismatch))
	assert.Nil(t, h.node.log.From(consensus.PrePrepare, 0, 1, peerID(0)))
}

// Four nodes, timeout while Preparing: the node moves to view 1, whose
// primary is the second member, and forgets everything from view 0.
func TestTimeoutInPreparingStartsViewChange(t *testing.T) {
	h := newHarness(t, 2)
	block := proposal(t, 2)

	preparedOnSecondary(t, h, block)
	h.deliver(t, peerID(1), messaging.New(consensus.Prepare, 0, 1, block.BlockID, peerID(1)))
	require.Equal(t, consensus.Preparing, h.node.state.Phase())

	h.clock.Advance(time.Second)
	h.node.handleTick(context.Background())

	s := h.node.state
	assert.Equal(t, consensus.ViewChanging, s.Mode)
	assert.Equal(t, consensus.Normal, s.PreCheckpointMode)
	assert.Equal(t, uint64(1), s.View)
	assert.Equal(t, peerID(1), s.PrimaryPeerID())
	assert.Equal(t, consensus.NotStarted, s.Phase())
	assert.True(t, s.WorkingBlock.IsNone())
	assert.Equal(t, uint64(0), s.SeqNum)
	assert.True(t, s.Timeout.IsActive())

	assert.Equal(t, 0, h.node.log.CountBlock(consensus.Prepare, 0, 1, block.BlockID))
	assert.Nil(t, h.node.log.From(consensus.BlockNew, 0, 1, peerID(0)))
	assert.Equal(t, 1, h.node.log.Len(), "only the own view change vote remains")

	votes := h.net.sent(consensus.ViewChange)
	require.Len(t, votes, 1)
	assert.Equal(t, uint64(1), votes[0].View)

	h.deliver(t, peerID(3), messaging.New(consensus.Prepare, 0, 1, block.BlockID, peerID(3)))
	assert.Equal(t, 1.0, h.rejected(reasonStaleView))

	// expiry while still changing views moves on to the next one
	h.clock.Advance(time.Second)
	h.node.handleTick(context.Background())
	assert.Equal(t, uint64(2), s.View)
	assert.Equal(t, consensus.ViewChanging, s.Mode)
	assert.Equal(t, consensus.Normal, s.PreCheckpointMode)
}

func TestViewChangeCompletesWithNewView(t *testing.T) {
	h := newHarness(t, 2)
	h.node.state.Timeout.Start()
	h.clock.Advance(time.Second)
	h.node.handleTick(context.Background())
	require.Equal(t, consensus.ViewChanging, h.node.state.Mode)
	own := h.net.sent(consensus.ViewChange)[0]

	h.deliver(t, peerID(0), viewChangeVote(1, 0, 0))
	assert.Equal(t, consensus.ViewChanging, h.node.state.Mode)

	h.deliver(t, peerID(3), viewChangeVote(1, 0, 3))
	assert.Equal(t, consensus.ViewChanging, h.node.state.Mode, "a quorum waits for the new primary")
	assert.Empty(t, h.net.sent(consensus.NewView))

	h.deliver(t, peerID(1), announcement(1, 1, 1, own, viewChangeVote(1, 0, 0), viewChangeVote(1, 0, 3)))

	s := h.node.state
	assert.Equal(t, consensus.Normal, s.Mode)
	assert.Equal(t, uint64(1), s.View)
	assert.False(t, s.IsPrimary())
	assert.True(t, s.RoleMatchesView())
	assert.False(t, s.Timeout.IsActive())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ViewChanges))
}

func TestNewPrimaryTakesOver(t *testing.T) {
	h := newHarness(t, 1)
	for _, p := range []int{0, 2} {
		h.deliver(t, peerID(p), viewChangeVote(1, 0, p))
	}

	assert.Equal(t, uint64(1), h.node.state.View)
	assert.Equal(t, consensus.Normal, h.node.state.Mode)
	assert.True(t, h.node.state.IsPrimary())

	announced := h.net.sent(consensus.NewView)
	require.Len(t, announced, 1)
	assert.Equal(t, uint64(1), announced[0].View)
	assert.Equal(t, uint64(1), announced[0].SeqNum)
	assert.Len(t, announced[0].Proof, 3)
	assert.Nil(t, announced[0].Block, "nothing was prepared")
}

func TestJoinsViewChangeBackedByEnoughVotes(t *testing.T) {
	h := newHarness(t, 3)

	h.deliver(t, peerID(0), viewChangeVote(1, 0, 0))
	assert.Equal(t, uint64(0), h.node.state.View, "a single vote could be faulty")
	assert.Empty(t, h.net.sent(consensus.ViewChange))

	h.deliver(t, peerID(1), viewChangeVote(1, 0, 1))
	assert.Len(t, h.net.sent(consensus.ViewChange), 1)
	assert.Equal(t, uint64(1), h.node.state.View)
	assert.Equal(t, consensus.ViewChanging, h.node.state.Mode, "only the primary of view 1 announces it")

	// a peer stuck in an older view gets this node's vote directly
	h.deliver(t, peerID(2), viewChangeVote(0, 0, 2))
	assert.Equal(t, 1.0, h.rejected(reasonStaleView))
	direct := h.net.direct[string(peerID(2))]
	require.Len(t, direct, 1)
	assert.Equal(t, uint64(1), direct[0].View)
}

func TestCheckpointBecomesStable(t *testing.T) {
	h := newHarness(t, 2)
	h.node.cfg.CheckpointPeriod = 1
	withPool(t, h)
	block := proposal(t, 1)

	commitOnSecondary(t, h, block)
	require.Equal(t, uint64(1), h.chain.Height())
	assert.Equal(t, consensus.Checkpointing, h.node.state.Mode)

	votes := h.net.sent(consensus.Checkpoint)
	require.Len(t, votes, 1)
	digest := votes[0].Digest
	assert.Len(t, digest, 32)

	h.deliver(t, peerID(3), messaging.New(consensus.Checkpoint, 0, 1, nil, peerID(3)).WithDigest([]byte("another ledger")))
	h.deliver(t, peerID(0), messaging.New(consensus.Checkpoint, 0, 1, nil, peerID(0)).WithDigest(digest))
	assert.Equal(t, consensus.Checkpointing, h.node.state.Mode, "mismatching digests do not count")

	h.deliver(t, peerID(1), messaging.New(consensus.Checkpoint, 0, 1, nil, peerID(1)).WithDigest(digest))
	assert.Equal(t, consensus.Normal, h.node.state.Mode)
	assert.Equal(t, uint64(1), h.node.stableCheckpoint)
	assert.Equal(t, 0, h.node.log.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StableCheckpoints))

	h.deliver(t, peerID(3), messaging.New(consensus.Checkpoint, 0, 1, nil, peerID(3)).WithDigest(digest))
	assert.Equal(t, 1.0, h.rejected(reasonStaleSeq))
}

func TestCheckpointTimeoutResumesNormalOperation(t *testing.T) {
	h := newHarness(t, 2)
	h.node.cfg.CheckpointPeriod = 1
	withPool(t, h)

	commitOnSecondary(t, h, proposal(t, 1))
	require.Equal(t, consensus.Checkpointing, h.node.state.Mode)

	h.clock.Advance(time.Second)
	h.node.handleTick(context.Background())

	assert.Equal(t, consensus.Normal, h.node.state.Mode)
	assert.Equal(t, uint64(0), h.node.state.View, "an incomplete checkpoint does not suspect the primary")
	assert.Equal(t, uint64(0), h.node.stableCheckpoint)
}

func TestDeliverNeverBlocks(t *testing.T) {
	h := newHarness(t, 2, WithInboxSize(1))

	require.NoError(t, h.node.Deliver(peerID(1), []byte{1}))
	assert.ErrorIs(t, h.node.Deliver(peerID(1), []byte{2}), ErrInboxFull)
	assert.Equal(t, 1.0, h.rejected(reasonInboxFull))
}
