package node

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// maybeCheckpoint starts a checkpoint when seq closes a checkpoint period.
func (n *Node) maybeCheckpoint(ctx context.Context, seq uint64) {
	if seq%n.cfg.CheckpointPeriod == 0 {
		n.startCheckpoint(ctx, seq)
	}
}

// startCheckpoint digests the ledger at seq and votes for it. A newer
// checkpoint replaces one still pending. During a view change the checkpoint
// is collected in the background and the node returns to Checkpointing once
// the view change completes.
func (n *Node) startCheckpoint(ctx context.Context, seq uint64) {
	snapshot, err := n.ledger.Snapshot()
	if err != nil {
		n.logger.Error("failed to snapshot ledger, skipping checkpoint", zap.Uint64("seq", seq), zap.Error(err))
		return
	}
	sum := sha3.Sum256(snapshot)
	digest := sum[:]

	n.checkpoint = &pendingCheckpoint{seq: seq, digest: digest}
	switch n.state.Mode {
	case consensus.Normal:
		n.state.EnterMode(consensus.Checkpointing)
		n.state.Timeout.Start()
	case consensus.Checkpointing:
		n.state.Timeout.Start()
	case consensus.ViewChanging:
		n.state.PreCheckpointMode = consensus.Checkpointing
	}

	vote := n.newMessage(consensus.Checkpoint, seq, nil).WithDigest(digest)
	n.log.Add(consensus.Checkpoint, vote)
	n.broadcast(vote)

	n.logger.Debug("checkpoint started", zap.Uint64("seq", seq), zap.Binary("digest", digest[:6]))
	n.checkCheckpoint(ctx)
}

// handleCheckpoint records a checkpoint vote. Votes for sequence numbers this
// node has not reached yet are kept until it gets there, within the log
// window.
func (n *Node) handleCheckpoint(ctx context.Context, msg *messaging.PbftMessage) {
	if msg.SeqNum <= n.stableCheckpoint {
		n.reject(reasonStaleSeq, zap.Stringer("msg", msg))
		return
	}
	if msg.SeqNum%n.cfg.CheckpointPeriod != 0 {
		n.reject(reasonMalformed, zap.Stringer("msg", msg))
		return
	}
	if msg.SeqNum > n.height+n.cfg.LogWindow {
		n.reject(reasonOutOfWindow, zap.Stringer("msg", msg))
		return
	}
	if !n.record(consensus.Checkpoint, msg) {
		return
	}
	n.checkCheckpoint(ctx)
}

func (n *Node) checkCheckpoint(ctx context.Context) {
	cp := n.checkpoint
	if cp == nil || n.log.CountCheckpoint(cp.seq, cp.digest) < n.state.QuorumSize() {
		return
	}

	n.checkpoint = nil
	n.stableCheckpoint = cp.seq
	dropped := n.log.GarbageCollect(cp.seq)

	switch {
	case n.state.Mode == consensus.Checkpointing:
		n.state.RestoreMode()
		n.state.Timeout.Stop()
	case n.state.PreCheckpointMode == consensus.Checkpointing:
		// the view change in progress returns straight to normal operation
		n.state.PreCheckpointMode = consensus.Normal
	}

	n.metrics.StableCheckpoints.Inc()
	n.logger.Info("checkpoint stable",
		zap.Uint64("seq", cp.seq),
		zap.Int("collected", dropped),
		zap.Int("log_size", n.log.Len()))

	n.process(ctx)
}

func (n *Node) checkpointSeq() uint64 {
	if n.checkpoint == nil {
		return 0
	}
	return n.checkpoint.seq
}
