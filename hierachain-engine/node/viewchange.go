package node

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// moveToView abandons the current round and enters view in ViewChanging mode.
func (n *Node) moveToView(view uint64) {
	if n.state.Mode != consensus.ViewChanging {
		n.state.EnterMode(consensus.ViewChanging)
	}
	n.state.View = view
	n.state.ResetRound()
	n.state.SeqNum = n.height
	n.newView = nil
	n.constraint = nil
	n.reproposal = nil

	if dropped := n.log.DiscardBefore(view); dropped > 0 {
		n.logger.Debug("discarded messages from older views", zap.Int("count", dropped))
	}
	n.metrics.UpdatePosition(n.state.View, n.state.SeqNum)
}

// startViewChange abandons the current round and votes for view. The vote
// carries the highest prepared certificate of this node.
func (n *Node) startViewChange(ctx context.Context, view uint64) {
	n.moveToView(view)

	vote := n.newMessage(consensus.ViewChange, n.height, nil)
	if cert := n.prepared; cert != nil {
		vote.WithBlock(cert.block).WithProof(cert.prepares)
	}
	n.log.Add(consensus.ViewChange, vote)
	n.broadcast(vote)
	n.state.Timeout.Start()

	n.logger.Info("starting view change",
		zap.Uint64("view", view),
		zap.Uint64("primary", n.state.PrimaryNodeID()),
		zap.Uint64("prepared", n.preparedSeq()))

	n.checkViewChange(ctx)
}

// handleViewChange records a view change vote for the current or a later view.
func (n *Node) handleViewChange(ctx context.Context, msg *messaging.PbftMessage) {
	changing := n.state.Mode == consensus.ViewChanging
	if msg.View < n.state.View || (msg.View == n.state.View && !changing) {
		n.reject(reasonStaleView, zap.Stringer("msg", msg))
		n.helpLaggingPeer(msg)
		return
	}
	if _, err := n.certificateFrom(msg); err != nil {
		n.reject(reasonInvalidProof, zap.Stringer("msg", msg), zap.Error(err))
		return
	}

	switch n.log.Add(consensus.ViewChange, msg) {
	case duplicate:
		n.reject(reasonDuplicate, zap.Stringer("msg", msg))
		return
	case outdated:
		n.reject(reasonStaleView, zap.Stringer("msg", msg))
		return
	}

	n.checkViewChange(ctx)
	n.process(ctx)
}

// checkViewChange joins a later view backed by f+1 votes. Once the current
// view change has a quorum the new primary announces the view; the others
// wait for that announcement.
func (n *Node) checkViewChange(ctx context.Context) {
	if view, ok := n.log.views.JoinView(n.state.View, int(n.state.F)+1); ok {
		n.logger.Info("joining view change", zap.Uint64("view", view))
		n.startViewChange(ctx, view)
		return
	}

	if n.state.Mode != consensus.ViewChanging || n.log.CountViewChange(n.state.View) < n.state.QuorumSize() {
		return
	}
	if n.state.Membership().PrimaryNodeID(n.state.View) == n.state.ID {
		n.announceNewView(ctx)
	}
}

// announceNewView is run by the primary of the view being changed to. The
// first round of the view re-proposes the highest certified block when it
// sits right above the local head; a higher one is fetched first.
func (n *Node) announceNewView(ctx context.Context) {
	votes := n.log.views.For(n.state.View)

	var best *certificate
	for _, vote := range votes {
		cert, err := n.certificateFrom(vote)
		if err != nil {
			n.logger.Error("stored view change vote has an invalid certificate", zap.Stringer("msg", vote), zap.Error(err))
			continue
		}
		if cert != nil && cert.above(best) {
			best = cert
		}
	}
	if best != nil && best.seq() > n.roundSeq() {
		n.logger.Info("behind the prepared certificate, fetching before the new view",
			zap.Uint64("height", n.height), zap.Uint64("prepared", best.seq()))
		n.requestBlocks(best.seq() - 1)
		return
	}

	seq := n.roundSeq()
	msg := n.newMessage(consensus.NewView, seq, nil).WithProof(votes)
	if block, ok := reproposalFor(best, seq); ok {
		msg.WithBlock(block)
		n.reproposal = &block
	}
	n.newView = msg
	n.broadcast(msg)

	n.logger.Info("announced new view",
		zap.Uint64("view", n.state.View),
		zap.Uint64("seq", seq),
		zap.Int("votes", len(votes)),
		zap.Bool("reproposal", n.reproposal != nil))

	n.completeViewChange()
	n.propose(ctx)
}

// handleNewView adopts the view announced by its primary once the announcement
// is backed by a quorum of votes and honours their certificates.
func (n *Node) handleNewView(ctx context.Context, msg *messaging.PbftMessage) {
	if msg.View < n.state.View || (msg.View == n.state.View && n.state.Mode != consensus.ViewChanging) {
		n.reject(reasonStaleView, zap.Stringer("msg", msg))
		return
	}
	if !bytes.Equal(msg.SignerID, n.state.Membership().PrimaryPeerID(msg.View)) {
		n.logger.Warn("new view from a node that is not its primary", zap.Stringer("msg", msg))
		n.metrics.RecordRejected(reasonNotPrimary)
		return
	}

	best, err := n.verifyNewView(msg)
	if err != nil {
		n.logger.Warn("rejecting new view", zap.Stringer("msg", msg), zap.Error(err))
		n.metrics.RecordRejected(reasonInvalidProof)
		return
	}
	block, constrained := reproposalFor(best, msg.SeqNum)
	switch {
	case best != nil && best.seq() > msg.SeqNum,
		constrained && (msg.Block == nil || !msg.Block.Equal(block)),
		!constrained && msg.Block != nil:
		n.logger.Warn("new view ignores the highest prepared certificate",
			zap.Stringer("msg", msg), zap.Uint64("prepared", best.seqOrZero()))
		n.metrics.RecordRejected(reasonBlockMismatch)
		return
	}

	if msg.View > n.state.View || n.state.Mode != consensus.ViewChanging {
		n.moveToView(msg.View)
	}
	n.newView = msg
	if constrained {
		n.constraint = &block
	}
	n.completeViewChange()
	n.process(ctx)
}

func (n *Node) completeViewChange() {
	n.state.RestoreMode()
	if n.state.Membership().PrimaryNodeID(n.state.View) == n.state.ID {
		n.state.UpgradeRole()
	} else {
		n.state.DowngradeRole()
	}
	if !n.state.RoleMatchesView() {
		n.logger.Error("role does not match view after view change", zap.Stringer("state", n.state))
	}
	n.state.Timeout.Stop()
	if n.state.Mode == consensus.Checkpointing || n.constraint != nil {
		n.state.Timeout.Start()
	}

	n.metrics.RecordViewChange(n.state.View)
	n.logger.Info("view change complete",
		zap.Uint64("view", n.state.View),
		zap.Uint64("primary", n.state.PrimaryNodeID()),
		zap.Stringer("role", n.state.Role()))
}

// helpLaggingPeer answers a vote for a view this node already left. A peer
// behind by whole views gets this node's own vote, and a peer still changing
// to the current view gets its announcement.
func (n *Node) helpLaggingPeer(msg *messaging.PbftMessage) {
	if msg.View < n.state.View {
		if vote := n.log.views.Latest(n.state.OwnPeerID()); vote != nil && vote.View == n.state.View {
			n.sendTo(msg.SignerID, vote)
		}
	}
	if n.newView != nil && n.newView.View == n.state.View {
		n.sendTo(msg.SignerID, n.newView)
	}
}

func (n *Node) preparedSeq() uint64 {
	if n.prepared == nil {
		return 0
	}
	return n.prepared.seq()
}
