package node

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

var (
	errBadCertificate = errors.New("invalid prepared certificate")
	errBadNewView     = errors.New("invalid new view")
)

// certificate is a block a quorum prepared in some view. A replica carries
// its highest certificate into every view change vote so that a block which
// may have committed somewhere is proposed again at the same sequence.
type certificate struct {
	view     uint64
	block    consensus.PbftBlock
	prepares []*messaging.PbftMessage
}

func (c *certificate) seq() uint64 {
	return c.block.BlockNum
}

func (c *certificate) seqOrZero() uint64 {
	if c == nil {
		return 0
	}
	return c.seq()
}

// above reports whether c supersedes other. Later sequences win, then later
// views.
func (c *certificate) above(other *certificate) bool {
	if other == nil {
		return true
	}
	if c.seq() != other.seq() {
		return c.seq() > other.seq()
	}
	return c.view > other.view
}

// certificateFrom verifies the certificate attached to a view change vote.
// It returns nil without error when the vote carries none.
func (n *Node) certificateFrom(vote *messaging.PbftMessage) (*certificate, error) {
	if vote.Block == nil {
		return nil, nil
	}
	block := *vote.Block
	if block.BlockNum == 0 {
		return nil, fmt.Errorf("%w: genesis block", errBadCertificate)
	}
	if len(vote.Proof) == 0 || vote.Proof[0] == nil {
		return nil, fmt.Errorf("%w: no prepares", errBadCertificate)
	}

	view := vote.Proof[0].View
	signers := make(map[string]struct{}, len(vote.Proof))
	for _, p := range vote.Proof {
		switch {
		case p == nil:
			return nil, fmt.Errorf("%w: empty entry", errBadCertificate)
		case consensus.Classify(p.Kind, nil) != consensus.Prepare:
			return nil, fmt.Errorf("%w: %q entry", errBadCertificate, p.Kind)
		case p.View != view || view >= vote.View:
			return nil, fmt.Errorf("%w: prepare in view %d for view change to %d", errBadCertificate, p.View, vote.View)
		case p.SeqNum != block.BlockNum || !bytes.Equal(p.BlockID, block.BlockID):
			return nil, fmt.Errorf("%w: prepare %s does not match block %d", errBadCertificate, p, block.BlockNum)
		}
		if _, err := n.state.NodeIDFromBytes(p.SignerID); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadCertificate, err)
		}
		signers[string(p.SignerID)] = struct{}{}
	}
	if len(signers) < n.state.QuorumSize() {
		return nil, fmt.Errorf("%w: %d prepares, need %d", errBadCertificate, len(signers), n.state.QuorumSize())
	}

	return &certificate{view: view, block: block, prepares: vote.Proof}, nil
}

// verifyNewView checks that msg carries a quorum of view change votes for its
// view and that its block follows from the highest certificate among them.
// It returns that certificate, nil when no vote carried one.
func (n *Node) verifyNewView(msg *messaging.PbftMessage) (*certificate, error) {
	var best *certificate
	voters := make(map[string]struct{}, len(msg.Proof))
	for _, vote := range msg.Proof {
		if vote == nil || consensus.Classify(vote.Kind, nil) != consensus.ViewChange || vote.View != msg.View {
			return nil, fmt.Errorf("%w: proof entry is not a vote for view %d", errBadNewView, msg.View)
		}
		if _, err := n.state.NodeIDFromBytes(vote.SignerID); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadNewView, err)
		}
		if err := vote.Check(consensus.ViewChange); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadNewView, err)
		}
		cert, err := n.certificateFrom(vote)
		if err != nil {
			return nil, fmt.Errorf("%w: vote of %s: %v", errBadNewView, consensus.PeerID(vote.SignerID), err)
		}
		if cert != nil && cert.above(best) {
			best = cert
		}
		voters[string(vote.SignerID)] = struct{}{}
	}
	if len(voters) < n.state.QuorumSize() {
		return nil, fmt.Errorf("%w: %d votes, need %d", errBadNewView, len(voters), n.state.QuorumSize())
	}
	return best, nil
}

// reproposalFor returns the block the first round at seq must carry given the
// highest certificate of the new view, and whether the round is constrained.
func reproposalFor(best *certificate, seq uint64) (consensus.PbftBlock, bool) {
	if best == nil || best.seq() != seq {
		return consensus.PbftBlock{}, false
	}
	return best.block, true
}
