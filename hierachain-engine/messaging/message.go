// Package messaging defines the PBFT wire message and its MessagePack codec.
package messaging

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

const (
	// MaxMessageSize bounds an encoded message.
	MaxMessageSize = 8 << 20
	// MaxBlocksPerResponse bounds the committed blocks served per request.
	MaxBlocksPerResponse = 16
)

// ErrMalformedMessage is returned for payloads that cannot be a PBFT message.
var ErrMalformedMessage = errors.New("malformed PBFT message")

// PbftMessage is the unit exchanged between nodes. Kind travels as the
// textual label of a consensus.MessageKind.
//
// Proof carries the Prepares certifying the block of a ViewChange, or the
// ViewChange votes justifying a NewView. Blocks carries committed blocks in
// a BlockResponse.
type PbftMessage struct {
	Kind     string                `msgpack:"kind"`
	View     uint64                `msgpack:"view"`
	SeqNum   uint64                `msgpack:"seq_num"`
	BlockID  []byte                `msgpack:"block_id,omitempty"`
	SignerID []byte                `msgpack:"signer_id"`
	Digest   []byte                `msgpack:"digest,omitempty"`
	Block    *consensus.PbftBlock  `msgpack:"block,omitempty"`
	Proof    []*PbftMessage        `msgpack:"proof,omitempty"`
	Blocks   []consensus.PbftBlock `msgpack:"blocks,omitempty"`
}

// New creates a message of the given kind signed by signer.
func New(kind consensus.MessageKind, view, seq uint64, blockID []byte, signer consensus.PeerID) *PbftMessage {
	return &PbftMessage{
		Kind:     kind.Label(),
		View:     view,
		SeqNum:   seq,
		BlockID:  blockID,
		SignerID: signer,
	}
}

// WithBlock attaches the full block and returns m.
func (m *PbftMessage) WithBlock(block consensus.PbftBlock) *PbftMessage {
	m.Block = &block
	m.BlockID = block.BlockID
	return m
}

// WithProof attaches supporting messages and returns m.
func (m *PbftMessage) WithProof(proof []*PbftMessage) *PbftMessage {
	m.Proof = proof
	return m
}

// WithBlocks attaches committed blocks and returns m.
func (m *PbftMessage) WithBlocks(blocks []consensus.PbftBlock) *PbftMessage {
	m.Blocks = blocks
	return m
}

// WithDigest attaches a checkpoint digest and returns m.
func (m *PbftMessage) WithDigest(digest []byte) *PbftMessage {
	m.Digest = digest
	return m
}

// Encode serializes m.
func Encode(m *PbftMessage) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("encoded %s message is %d bytes, limit %d", m.Kind, len(b), MaxMessageSize)
	}
	return b, nil
}

// Decode parses a payload. Unknown kinds are not rejected here; they are
// classified by the consensus core.
func Decode(payload []byte) (*PbftMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMalformedMessage, len(payload), MaxMessageSize)
	}

	var m PbftMessage
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	if len(m.SignerID) == 0 {
		return nil, fmt.Errorf("%w: missing signer", ErrMalformedMessage)
	}

	return &m, nil
}

// Check verifies the fields a message of kind must carry.
func (m *PbftMessage) Check(kind consensus.MessageKind) error {
	switch kind {
	case consensus.BlockNew, consensus.PrePrepare:
		if m.Block == nil {
			return fmt.Errorf("%w: %s without block", ErrMalformedMessage, kind.Label())
		}
		if !bytes.Equal(m.Block.BlockID, m.BlockID) {
			return fmt.Errorf("%w: %s block id mismatch", ErrMalformedMessage, kind.Label())
		}
	case consensus.Prepare, consensus.Commit:
		if len(m.BlockID) == 0 {
			return fmt.Errorf("%w: %s without block id", ErrMalformedMessage, kind.Label())
		}
	case consensus.Checkpoint:
		if len(m.Digest) == 0 {
			return fmt.Errorf("%w: checkpoint without digest", ErrMalformedMessage)
		}
	case consensus.ViewChange:
		// a prepared block travels with its certificate, or neither does
		if (m.Block == nil) != (len(m.Proof) == 0) {
			return fmt.Errorf("%w: view change with partial certificate", ErrMalformedMessage)
		}
		if m.Block != nil && !bytes.Equal(m.Block.BlockID, m.BlockID) {
			return fmt.Errorf("%w: view change block id mismatch", ErrMalformedMessage)
		}
	case consensus.NewView:
		if len(m.Proof) == 0 {
			return fmt.Errorf("%w: new view without view change votes", ErrMalformedMessage)
		}
		if m.Block != nil && !bytes.Equal(m.Block.BlockID, m.BlockID) {
			return fmt.Errorf("%w: new view block id mismatch", ErrMalformedMessage)
		}
	case consensus.BlockRequest:
		if m.SeqNum == 0 {
			return fmt.Errorf("%w: block request for genesis", ErrMalformedMessage)
		}
	case consensus.BlockResponse:
		if len(m.Blocks) == 0 || len(m.Blocks) > MaxBlocksPerResponse {
			return fmt.Errorf("%w: block response with %d blocks", ErrMalformedMessage, len(m.Blocks))
		}
		for i, block := range m.Blocks {
			if block.BlockNum != m.SeqNum+uint64(i) {
				return fmt.Errorf("%w: block response not contiguous at %d", ErrMalformedMessage, block.BlockNum)
			}
		}
	default:
		return fmt.Errorf("%w: unhandled kind %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

func (m *PbftMessage) String() string {
	return fmt.Sprintf("%s(view %d, seq %d, block %x, signer %x)",
		m.Kind, m.View, m.SeqNum, shortBytes(m.BlockID), m.SignerID)
}

func shortBytes(b []byte) []byte {
	if len(b) > 3 {
		return b[:3]
	}
	return b
}
