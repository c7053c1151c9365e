package node

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/core"
)

// roundSeq is the sequence number of the round in progress or about to start.
func (n *Node) roundSeq() uint64 {
	return n.height + 1
}

// propose lets the primary start a round when the ledger has a candidate.
// The first round of a view re-proposes the certified block it inherited.
func (n *Node) propose(ctx context.Context) {
	if !n.state.IsPrimary() || n.state.Mode != consensus.Normal || n.state.Phase() != consensus.NotStarted {
		return
	}

	seq := n.roundSeq()
	var block consensus.PbftBlock
	if n.reproposal != nil && n.reproposal.BlockNum == seq {
		block = *n.reproposal
	} else {
		candidate, ok, err := n.ledger.BuildBlock(ctx)
		if err != nil {
			n.logger.Error("failed to build block", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		block = candidate
	}
	if block.BlockNum != seq {
		n.logger.Error("candidate does not extend the agreed head",
			zap.Uint64("block_num", block.BlockNum), zap.Uint64("seq", seq))
		return
	}

	n.roundStart = n.now()
	n.state.WorkingBlock = consensus.TentativeWorkingBlock(block.BlockID)
	if !n.switchPhase(consensus.PrePreparing) {
		return
	}
	n.broadcast(n.newMessage(consensus.BlockNew, seq, nil).WithBlock(block))
	n.broadcast(n.newMessage(consensus.PrePrepare, seq, nil).WithBlock(block))

	n.bind(block)
	n.logger.Info("proposed block",
		zap.Uint64("seq", seq),
		zap.Uint64("view", n.state.View),
		zap.String("block", block.ShortID(6)),
		zap.Bool("reproposal", n.reproposal != nil))

	n.process(ctx)
}

// bind fixes the working block, votes Prepare and starts Preparing.
func (n *Node) bind(block consensus.PbftBlock) {
	n.state.WorkingBlock = consensus.BoundWorkingBlock(block)
	n.state.SeqNum = block.BlockNum
	if !n.switchPhase(consensus.Preparing) {
		return
	}

	prepare := n.newMessage(consensus.Prepare, block.BlockNum, block.BlockID)
	n.log.Add(consensus.Prepare, prepare)
	n.broadcast(prepare)
	n.state.Timeout.Start()
}

// process advances the round as far as the log allows.
func (n *Node) process(ctx context.Context) {
	for n.fatal == nil && n.step(ctx) {
	}
}

func (n *Node) step(ctx context.Context) bool {
	if n.state.Mode != consensus.Normal {
		return false
	}

	switch n.state.Phase() {
	case consensus.NotStarted:
		return n.stepNotStarted()
	case consensus.PrePreparing:
		return n.stepPrePreparing()
	case consensus.Preparing:
		return n.stepPreparing(ctx)
	case consensus.Committing:
		return n.stepCommitting(ctx)
	default:
		return false
	}
}

// stepNotStarted starts a round on a secondary once the primary announced a
// block.
func (n *Node) stepNotStarted() bool {
	if n.state.IsPrimary() {
		return false
	}
	seq := n.roundSeq()
	primary := n.state.PrimaryPeerID()
	announce := n.log.From(consensus.BlockNew, n.state.View, seq, primary)
	if announce == nil {
		return false
	}
	if c := n.constraint; c != nil && c.BlockNum == seq && !bytes.Equal(announce.BlockID, c.BlockID) {
		n.logger.Warn("announced block differs from the block the new view carries",
			zap.Stringer("msg", announce), zap.String("required", c.ShortID(6)))
		n.metrics.RecordRejected(reasonBlockMismatch)
		n.log.Remove(consensus.BlockNew, n.state.View, seq, primary)
		return false
	}

	n.roundStart = n.now()
	n.state.WorkingBlock = consensus.TentativeWorkingBlock(announce.BlockID)
	if !n.switchPhase(consensus.PrePreparing) {
		return false
	}
	n.state.Timeout.Start()
	return true
}

// stepPrePreparing binds the block once the primary's PrePrepare matches the
// announced one.
func (n *Node) stepPrePreparing() bool {
	seq := n.roundSeq()
	primary := n.state.PrimaryPeerID()
	prePrepare := n.log.From(consensus.PrePrepare, n.state.View, seq, primary)
	if prePrepare == nil {
		return false
	}

	if !bytes.Equal(prePrepare.BlockID, n.state.WorkingBlock.BlockID()) || prePrepare.Block.BlockNum != seq {
		n.logger.Warn("pre-prepare does not match the announced block",
			zap.Stringer("msg", prePrepare), zap.Stringer("state", n.state))
		n.metrics.RecordRejected(reasonBlockMismatch)
		n.log.Remove(consensus.PrePrepare, n.state.View, seq, primary)
		return false
	}

	n.bind(*prePrepare.Block)
	return true
}

// stepPreparing records the prepared certificate and hands the block to
// validation once a Prepare quorum exists.
func (n *Node) stepPreparing(ctx context.Context) bool {
	block, _ := n.state.WorkingBlock.Block()
	count := n.log.CountBlock(consensus.Prepare, n.state.View, block.BlockNum, block.BlockID)
	if count < n.state.QuorumSize() {
		return false
	}
	if !n.switchPhase(consensus.Checking) {
		return false
	}

	cert := &certificate{
		view:     n.state.View,
		block:    block,
		prepares: n.log.Votes(consensus.Prepare, n.state.View, block.BlockNum, block.BlockID),
	}
	if cert.above(n.prepared) {
		n.prepared = cert
	}

	task := core.NewTask(n.state.View, block.BlockNum, block)
	if err := n.pool.Submit(task); err != nil {
		n.logger.Error("failed to submit block for validation", zap.String("task", task.ID), zap.Error(err))
		n.startViewChange(ctx, n.state.View+1)
		return false
	}
	n.logger.Debug("prepared", zap.Stringer("state", n.state), zap.Int("prepares", count))
	return false
}

// handleValidation consumes a validation result for the current round.
func (n *Node) handleValidation(ctx context.Context, res *core.Result) {
	if n.dead {
		return
	}
	task := res.Task
	if n.state.Phase() != consensus.Checking || task.View != n.state.View ||
		!bytes.Equal(task.Block.BlockID, n.state.WorkingBlock.BlockID()) {
		n.logger.Debug("discarding stale validation result", zap.String("task", task.ID))
		return
	}

	if !res.Valid() {
		n.metrics.ValidationFailures.Inc()
		n.logger.Warn("block failed validation, suspecting primary",
			zap.String("task", task.ID), zap.Error(res.Err))
		n.startViewChange(ctx, n.state.View+1)
		return
	}

	if !n.switchPhase(consensus.Committing) {
		return
	}
	commit := n.newMessage(consensus.Commit, task.SeqNum, task.Block.BlockID)
	n.log.Add(consensus.Commit, commit)
	n.broadcast(commit)
	n.state.Timeout.Start()

	n.process(ctx)
}

// stepCommitting commits the block once a Commit quorum exists.
func (n *Node) stepCommitting(ctx context.Context) bool {
	block, _ := n.state.WorkingBlock.Block()
	if n.log.CountBlock(consensus.Commit, n.state.View, block.BlockNum, block.BlockID) < n.state.QuorumSize() {
		return false
	}
	if !n.switchPhase(consensus.Finished) {
		return false
	}
	if !n.commitBlock(ctx, block) {
		return false
	}

	n.switchPhase(consensus.NotStarted)
	n.state.ResetRound()
	n.state.Timeout.Stop()

	elapsed := n.now().Sub(n.roundStart)
	n.metrics.RecordCommit(block.BlockNum, elapsed)
	n.logger.Info("committed block",
		zap.Uint64("seq", block.BlockNum),
		zap.Uint64("view", n.state.View),
		zap.String("block", block.ShortID(6)),
		zap.Duration("elapsed", elapsed))

	n.maybeCheckpoint(ctx, block.BlockNum)
	return true
}

// commitBlock appends block to the ledger and moves the head. Round messages
// at or below the new head are dropped.
func (n *Node) commitBlock(ctx context.Context, block consensus.PbftBlock) bool {
	if err := n.ledger.CommitBlock(ctx, block); err != nil {
		n.fatal = fmt.Errorf("commit block %d: %w", block.BlockNum, err)
		n.logger.Error("failed to commit agreed block", zap.Error(err))
		return false
	}

	n.height = block.BlockNum
	n.state.SeqNum = block.BlockNum
	n.log.DiscardRounds(block.BlockNum)
	if n.constraint != nil && n.constraint.BlockNum <= n.height {
		n.constraint = nil
	}
	if n.reproposal != nil && n.reproposal.BlockNum <= n.height {
		n.reproposal = nil
	}
	if n.fetch != nil && n.fetch.target <= n.height {
		n.fetch = nil
	}
	return true
}
