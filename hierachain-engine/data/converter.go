package data

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BlockHeader is one row of a snapshot.
type BlockHeader struct {
	BlockNum   uint64
	BlockID    []byte
	PreviousID []byte
	SignerID   []byte
	Summary    []byte
	TxCount    int64
}

// Converter converts block headers to and from Arrow records.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
		schema:    BlockHeaderSchema(),
	}
}

// Schema returns the schema records are built with.
func (c *Converter) Schema() *arrow.Schema {
	return c.schema
}

// BlocksToRecord converts headers to an Arrow record. The caller owns the
// returned record and must Release it.
func (c *Converter) BlocksToRecord(headers []BlockHeader) (arrow.Record, error) {
	if len(headers) == 0 {
		return nil, errors.New("empty header slice")
	}

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	numBuilder := builder.Field(0).(*array.Uint64Builder)
	idBuilder := builder.Field(1).(*array.BinaryBuilder)
	prevBuilder := builder.Field(2).(*array.BinaryBuilder)
	signerBuilder := builder.Field(3).(*array.BinaryBuilder)
	summaryBuilder := builder.Field(4).(*array.BinaryBuilder)
	countBuilder := builder.Field(5).(*array.Int64Builder)

	for _, h := range headers {
		numBuilder.Append(h.BlockNum)
		idBuilder.Append(h.BlockID)
		prevBuilder.Append(h.PreviousID)
		signerBuilder.Append(h.SignerID)

		if h.Summary != nil {
			summaryBuilder.Append(h.Summary)
		} else {
			summaryBuilder.AppendNull()
		}

		countBuilder.Append(h.TxCount)
	}

	return builder.NewRecord(), nil
}

// RecordToBlocks converts an Arrow record back to headers.
func (c *Converter) RecordToBlocks(record arrow.Record) ([]BlockHeader, error) {
	if record == nil || record.NumRows() == 0 {
		return nil, nil
	}
	if err := ValidateSchema(record, c.schema); err != nil {
		return nil, err
	}

	numCol, ok := record.Column(0).(*array.Uint64)
	if !ok {
		return nil, errors.New("column 0 (block_num) is not a Uint64 array")
	}
	idCol, ok := record.Column(1).(*array.Binary)
	if !ok {
		return nil, errors.New("column 1 (block_id) is not a Binary array")
	}
	prevCol, ok := record.Column(2).(*array.Binary)
	if !ok {
		return nil, errors.New("column 2 (previous_id) is not a Binary array")
	}
	signerCol, ok := record.Column(3).(*array.Binary)
	if !ok {
		return nil, errors.New("column 3 (signer_id) is not a Binary array")
	}
	summaryCol, ok := record.Column(4).(*array.Binary)
	if !ok {
		return nil, errors.New("column 4 (summary) is not a Binary array")
	}
	countCol, ok := record.Column(5).(*array.Int64)
	if !ok {
		return nil, errors.New("column 5 (tx_count) is not an Int64 array")
	}

	headers := make([]BlockHeader, record.NumRows())
	for i := range headers {
		headers[i] = BlockHeader{
			BlockNum:   numCol.Value(i),
			BlockID:    cloneBytes(idCol.Value(i)),
			PreviousID: cloneBytes(prevCol.Value(i)),
			SignerID:   cloneBytes(signerCol.Value(i)),
			TxCount:    countCol.Value(i),
		}
		if !summaryCol.IsNull(i) {
			headers[i].Summary = cloneBytes(summaryCol.Value(i))
		}
	}

	return headers, nil
}

// cloneBytes copies a value out of an Arrow buffer so it outlives the record.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
