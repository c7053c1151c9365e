package data

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// BlockHeaderSchema returns the Arrow schema for a committed block header.
//
// Fields:
//   - block_num: uint64 - Block height, genesis is 0
//   - block_id: binary - Block identifier
//   - previous_id: binary - Identifier of the parent block
//   - signer_id: binary - Peer id of the proposing primary
//   - summary: binary (nullable) - Opaque block summary
//   - tx_count: int64 - Number of transactions carried by the block
func BlockHeaderSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "block_num", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "block_id", Type: arrow.BinaryTypes.Binary},
			{Name: "previous_id", Type: arrow.BinaryTypes.Binary},
			{Name: "signer_id", Type: arrow.BinaryTypes.Binary},
			{Name: "summary", Type: arrow.BinaryTypes.Binary, Nullable: true},
			{Name: "tx_count", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
}
