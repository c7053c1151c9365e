package node

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// blockFetch tracks committed blocks requested from peers. Replies are kept
// per sequence and responder, only for the range right above the head.
type blockFetch struct {
	from    uint64
	target  uint64
	sentAt  time.Time
	replies map[uint64]map[string]consensus.PbftBlock
}

// agreed returns a block at seq whose identity at least threshold responders
// sent, and one responder that sent it.
func (f *blockFetch) agreed(seq uint64, threshold int) (string, consensus.PbftBlock, bool) {
	counts := make(map[string]int)
	for _, block := range f.replies[seq] {
		counts[string(block.BlockID)]++
	}
	for signer, block := range f.replies[seq] {
		if counts[string(block.BlockID)] >= threshold {
			return signer, block, true
		}
	}
	return "", consensus.PbftBlock{}, false
}

// claimedHeight is the committed height a message implies for its signer.
func claimedHeight(kind consensus.MessageKind, msg *messaging.PbftMessage) uint64 {
	switch kind {
	case consensus.Checkpoint, consensus.ViewChange:
		return msg.SeqNum
	case consensus.BlockResponse:
		return msg.Blocks[len(msg.Blocks)-1].BlockNum
	default:
		if msg.SeqNum == 0 {
			return 0
		}
		return msg.SeqNum - 1
	}
}

func (n *Node) notePeerHeight(kind consensus.MessageKind, msg *messaging.PbftMessage) {
	signer := string(msg.SignerID)
	if h := claimedHeight(kind, msg); h > n.peerHeights[signer] {
		n.peerHeights[signer] = h
	}
}

// catchUpTarget is the highest height claimed by at least f+1 peers, so at
// least one correct peer has committed it.
func (n *Node) catchUpTarget() uint64 {
	need := int(n.state.F) + 1
	if len(n.peerHeights) < need {
		return 0
	}
	heights := make([]uint64, 0, len(n.peerHeights))
	for _, h := range n.peerHeights {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	return heights[need-1]
}

// maybeCatchUp requests committed blocks once enough peers are ahead. Being
// one block behind is normal while the round for that block is still running.
func (n *Node) maybeCatchUp() {
	if n.dead || n.fatal != nil {
		return
	}
	target := n.catchUpTarget()
	if target <= n.height {
		return
	}
	if target == n.height+1 && n.state.Mode == consensus.Normal && n.state.Phase() != consensus.NotStarted {
		return
	}
	n.requestBlocks(target)
}

func (n *Node) fetchRetry() time.Duration {
	if d := n.state.Timeout.Duration() / 2; d > 0 {
		return d
	}
	return n.cfg.ProposeInterval
}

// requestBlocks asks every peer for the blocks above the head, up to target.
// A request for the same range is repeated at most every fetchRetry.
func (n *Node) requestBlocks(target uint64) {
	from := n.height + 1
	if f := n.fetch; f != nil {
		if target > f.target {
			f.target = target
		}
		if f.from == from && n.now().Sub(f.sentAt) < n.fetchRetry() {
			return
		}
	} else {
		n.fetch = &blockFetch{
			target:  target,
			replies: make(map[uint64]map[string]consensus.PbftBlock),
		}
	}
	n.fetch.from = from
	n.fetch.sentAt = n.now()

	n.broadcast(n.newMessage(consensus.BlockRequest, from, nil))
	n.logger.Info("requesting committed blocks",
		zap.Uint64("from", from), zap.Uint64("target", n.fetch.target))
}

// handleBlockRequest serves committed blocks starting at the requested
// sequence.
func (n *Node) handleBlockRequest(msg *messaging.PbftMessage) {
	if msg.SeqNum > n.height {
		n.logger.Debug("cannot serve blocks above the head",
			zap.Stringer("msg", msg), zap.Uint64("height", n.height))
		return
	}

	last := min(n.height, msg.SeqNum+messaging.MaxBlocksPerResponse-1)
	blocks := make([]consensus.PbftBlock, 0, last-msg.SeqNum+1)
	for num := msg.SeqNum; num <= last; num++ {
		block, err := n.ledger.Block(num)
		if err != nil {
			n.logger.Error("failed to read committed block", zap.Uint64("num", num), zap.Error(err))
			break
		}
		blocks = append(blocks, block)
	}
	if len(blocks) == 0 {
		return
	}
	n.sendTo(msg.SignerID, n.newMessage(consensus.BlockResponse, msg.SeqNum, nil).WithBlocks(blocks))
}

// handleBlockResponse records the blocks a peer served and commits every
// block right above the head that f+1 peers agree on.
func (n *Node) handleBlockResponse(ctx context.Context, msg *messaging.PbftMessage) {
	f := n.fetch
	if f == nil {
		n.reject(reasonUnsolicited, zap.Stringer("msg", msg))
		return
	}

	signer := string(msg.SignerID)
	for _, block := range msg.Blocks {
		if block.BlockNum <= n.height || block.BlockNum > n.height+messaging.MaxBlocksPerResponse {
			continue
		}
		if f.replies[block.BlockNum] == nil {
			f.replies[block.BlockNum] = make(map[string]consensus.PbftBlock)
		}
		f.replies[block.BlockNum][signer] = block
	}

	n.applyFetched(ctx)
}

func (n *Node) applyFetched(ctx context.Context) {
	f := n.fetch
	threshold := int(n.state.F) + 1
	start := n.height

	for n.fatal == nil {
		signer, block, ok := f.agreed(n.height+1, threshold)
		if !ok {
			break
		}
		if err := n.ledger.CheckBlock(ctx, block); err != nil {
			// same identity, different content: only this copy is dropped
			n.logger.Warn("fetched block does not extend the head",
				zap.Uint64("num", block.BlockNum),
				zap.Stringer("from", consensus.PeerID(signer)),
				zap.Error(err))
			delete(f.replies[block.BlockNum], signer)
			continue
		}

		n.abandonRound()
		if !n.commitBlock(ctx, block) {
			return
		}
		n.metrics.BlocksFetched.Inc()
		n.metrics.RecordCommit(block.BlockNum, 0)
		n.logger.Info("committed fetched block",
			zap.Uint64("seq", block.BlockNum),
			zap.String("block", block.ShortID(6)))
		n.maybeCheckpoint(ctx, block.BlockNum)
	}
	if n.height == start {
		return
	}

	for seq := range f.replies {
		if seq <= n.height {
			delete(f.replies, seq)
		}
	}
	if n.height >= f.target {
		n.fetch = nil
	} else {
		n.requestBlocks(f.target)
	}

	n.checkViewChange(ctx)
	n.process(ctx)
}

// abandonRound drops the round in progress, whose block is about to be
// committed from fetched blocks.
func (n *Node) abandonRound() {
	if n.state.Phase() == consensus.NotStarted {
		return
	}
	n.logger.Info("abandoning round overtaken by fetched block", zap.Stringer("state", n.state))
	n.state.ResetRound()
	if n.state.Mode == consensus.Normal {
		n.state.Timeout.Stop()
	}
}
