package node

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// Rejection reasons reported on messages_rejected_total.
const (
	reasonMalformed     = "malformed"
	reasonUnknownSender = "unknown_sender"
	reasonSpoofed       = "spoofed_signer"
	reasonUnknownKind   = "unknown_kind"
	reasonStaleView     = "stale_view"
	reasonStaleSeq      = "stale_seq"
	reasonDuplicate     = "duplicate"
	reasonConflict      = "conflicting_vote"
	reasonNotPrimary    = "not_primary"
	reasonBlockMismatch = "block_mismatch"
	reasonInboxFull     = "inbox_full"
	reasonDead          = "dead"
	reasonOutOfWindow   = "out_of_window"
	reasonInvalidProof  = "invalid_proof"
	reasonUnsolicited   = "unsolicited"
)

// viewWindow is how many views ahead of the current one round messages are
// still logged.
const viewWindow = 2

func (n *Node) reject(reason string, fields ...zap.Field) {
	n.metrics.RecordRejected(reason)
	n.logger.Debug("message rejected", append(fields, zap.String("reason", reason))...)
}

// handleInbound authenticates, classifies and dispatches one payload.
func (n *Node) handleInbound(ctx context.Context, in inbound) {
	if n.checkDeath() {
		n.metrics.RecordRejected(reasonDead)
		return
	}

	msg, err := messaging.Decode(in.payload)
	if err != nil {
		n.reject(reasonMalformed, zap.Stringer("from", in.from), zap.Error(err))
		return
	}
	if _, err := n.state.NodeIDFromBytes(in.from); err != nil {
		n.reject(reasonUnknownSender, zap.Stringer("from", in.from))
		return
	}
	if !bytes.Equal(msg.SignerID, in.from) {
		n.logger.Warn("signer does not match sender",
			zap.Stringer("from", in.from), zap.Stringer("msg", msg))
		n.metrics.RecordRejected(reasonSpoofed)
		return
	}

	kind := consensus.Classify(msg.Kind, n.logger)
	if kind == consensus.Unset {
		n.metrics.RecordRejected(reasonUnknownKind)
		return
	}
	if err := msg.Check(kind); err != nil {
		n.reject(reasonMalformed, zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	n.metrics.RecordReceived(msg.Kind)
	n.notePeerHeight(kind, msg)

	switch kind {
	case consensus.ViewChange:
		n.handleViewChange(ctx, msg)
	case consensus.NewView:
		n.handleNewView(ctx, msg)
	case consensus.Checkpoint:
		n.handleCheckpoint(ctx, msg)
	case consensus.BlockRequest:
		n.handleBlockRequest(msg)
	case consensus.BlockResponse:
		n.handleBlockResponse(ctx, msg)
	default:
		n.handleRoundMessage(ctx, kind, msg)
	}

	n.maybeCatchUp()
}

// inWindow reports whether a round message falls inside the range this node
// is willing to log: sequences up to the log window above the head and views
// up to viewWindow above the current one.
func (n *Node) inWindow(msg *messaging.PbftMessage) bool {
	return msg.SeqNum <= n.height+n.cfg.LogWindow && msg.View <= n.state.View+viewWindow
}

// handleRoundMessage logs BlockNew, PrePrepare, Prepare and Commit messages
// and re-evaluates the round.
func (n *Node) handleRoundMessage(ctx context.Context, kind consensus.MessageKind, msg *messaging.PbftMessage) {
	if msg.View < n.state.View {
		n.reject(reasonStaleView, zap.Stringer("msg", msg))
		return
	}
	if msg.SeqNum <= n.height {
		n.reject(reasonStaleSeq, zap.Stringer("msg", msg))
		return
	}
	if !n.inWindow(msg) {
		n.reject(reasonOutOfWindow, zap.Stringer("msg", msg))
		return
	}
	if kind == consensus.BlockNew || kind == consensus.PrePrepare {
		if !bytes.Equal(msg.SignerID, n.state.Membership().PrimaryPeerID(msg.View)) {
			n.logger.Warn("proposal from a node that is not primary", zap.Stringer("msg", msg))
			n.metrics.RecordRejected(reasonNotPrimary)
			return
		}
	}

	if !n.record(kind, msg) {
		return
	}

	if msg.View == n.state.View && msg.SeqNum == n.roundSeq() &&
		kind == n.state.CheckMsgType() && n.state.Timeout.IsActive() {
		n.state.Timeout.Start()
	}

	n.process(ctx)
}

// record adds msg to the log, rejecting duplicates and conflicting votes.
func (n *Node) record(kind consensus.MessageKind, msg *messaging.PbftMessage) bool {
	switch n.log.Add(kind, msg) {
	case duplicate:
		n.reject(reasonDuplicate, zap.Stringer("msg", msg))
		return false
	case conflict:
		n.logger.Warn("conflicting vote", zap.Stringer("msg", msg))
		n.metrics.RecordRejected(reasonConflict)
		return false
	}
	return true
}
