package consensus

import (
	"bytes"
	"encoding/hex"
)

// PbftBlock is the candidate block a round agrees on.
type PbftBlock struct {
	BlockID    []byte `msgpack:"block_id"`
	PreviousID []byte `msgpack:"previous_id"`
	SignerID   []byte `msgpack:"signer_id"`
	BlockNum   uint64 `msgpack:"block_num"`
	Summary    []byte `msgpack:"summary,omitempty"`
	Payload    []byte `msgpack:"payload,omitempty"`
}

// ShortID returns the first n hex characters of the block id.
func (b PbftBlock) ShortID(n int) string {
	return shortHex(b.BlockID, n)
}

// Equal reports whether two blocks carry the same identity.
func (b PbftBlock) Equal(other PbftBlock) bool {
	return bytes.Equal(b.BlockID, other.BlockID) &&
		bytes.Equal(b.PreviousID, other.PreviousID) &&
		b.BlockNum == other.BlockNum
}

// workingBlockState is the tri-state tag of a WorkingBlock.
type workingBlockState int

const (
	noWorkingBlock workingBlockState = iota
	tentativeWorkingBlock
	boundWorkingBlock
)

// WorkingBlock is the block currently under agreement.
//
// It is None when no candidate is known, Tentative when a block id was seen
// in a BlockNew notification but not yet bound to a sequence number, and
// Bound once the full block is the subject of the round.
type WorkingBlock struct {
	state   workingBlockState
	blockID []byte
	block   PbftBlock
}

// NoWorkingBlock returns the empty working block.
func NoWorkingBlock() WorkingBlock {
	return WorkingBlock{}
}

// TentativeWorkingBlock returns a working block that only knows the block id.
func TentativeWorkingBlock(blockID []byte) WorkingBlock {
	return WorkingBlock{state: tentativeWorkingBlock, blockID: blockID}
}

// BoundWorkingBlock returns a working block bound to the full block.
func BoundWorkingBlock(block PbftBlock) WorkingBlock {
	return WorkingBlock{state: boundWorkingBlock, blockID: block.BlockID, block: block}
}

// IsNone reports whether there is no working block.
func (w WorkingBlock) IsNone() bool { return w.state == noWorkingBlock }

// IsTentative reports whether only the block id is known.
func (w WorkingBlock) IsTentative() bool { return w.state == tentativeWorkingBlock }

// IsSome reports whether a full block is bound to the round.
func (w WorkingBlock) IsSome() bool { return w.state == boundWorkingBlock }

// BlockID returns the id of the tentative or bound block, nil for None.
func (w WorkingBlock) BlockID() []byte {
	return w.blockID
}

// Block returns the bound block. ok is false unless the working block is bound.
func (w WorkingBlock) Block() (PbftBlock, bool) {
	if w.state != boundWorkingBlock {
		return PbftBlock{}, false
	}
	return w.block, true
}

func (w WorkingBlock) String() string {
	switch w.state {
	case boundWorkingBlock:
		return shortHex(w.blockID, 6)
	case tentativeWorkingBlock:
		return shortHex(w.blockID, 5) + "~"
	default:
		return "~none~"
	}
}

func shortHex(b []byte, n int) string {
	s := hex.EncodeToString(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}
