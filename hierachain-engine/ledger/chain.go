package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/data"
)

// Common errors for chain operations
var (
	ErrInvalidBlock  = errors.New("invalid block")
	ErrBlockNotFound = errors.New("block not found")
)

var (
	blockPrefix = []byte("block/")
	headKey     = []byte("head")
)

// ChainConfig configures a Chain.
type ChainConfig struct {
	// DataDir is the LevelDB directory; empty keeps the chain in memory.
	DataDir string
	// BlockSize caps the number of transactions per block.
	BlockSize int
	// Signer is the local peer id stamped on blocks built here.
	Signer consensus.PeerID
}

// Chain is a linear block store. It builds candidate blocks from the mempool,
// validates blocks proposed by others and persists committed blocks.
type Chain struct {
	db        *leveldb.DB
	mempool   *Mempool
	blockSize int
	signer    consensus.PeerID
	logger    *zap.Logger

	mu   sync.RWMutex
	head consensus.PbftBlock
}

// OpenChain opens or creates the chain. A new chain starts with the genesis
// block at height 0, which is identical on every node.
func OpenChain(cfg ChainConfig, mempool *Mempool, logger *zap.Logger) (*Chain, error) {
	if mempool == nil {
		return nil, errors.New("mempool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 1
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		db:        db,
		mempool:   mempool,
		blockSize: blockSize,
		signer:    cfg.Signer,
		logger:    logger,
	}

	if err := c.loadHead(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}

func openDB(dir string) (*leveldb.DB, error) {
	if dir == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		return db, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create %q: %w", dir, err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", dir, err)
	}
	return db, nil
}

func (c *Chain) loadHead() error {
	raw, err := c.db.Get(headKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		genesis := GenesisBlock()
		if err := c.persist(genesis); err != nil {
			return fmt.Errorf("write genesis: %w", err)
		}
		c.head = genesis
		c.logger.Info("initialized chain", zap.String("genesis", genesis.ShortID(6)))
		return nil
	case err != nil:
		return fmt.Errorf("read chain head: %w", err)
	}

	if len(raw) != 8 {
		return fmt.Errorf("corrupt chain head record of %d bytes", len(raw))
	}
	head, err := c.Block(binary.BigEndian.Uint64(raw))
	if err != nil {
		return fmt.Errorf("load chain head: %w", err)
	}
	c.head = head
	c.logger.Info("loaded chain", zap.Uint64("height", head.BlockNum), zap.String("head", head.ShortID(6)))
	return nil
}

// GenesisBlock returns the deterministic block at height 0.
func GenesisBlock() consensus.PbftBlock {
	summary := payloadSummary(nil)
	return consensus.PbftBlock{
		BlockID:    ComputeBlockID(0, nil, nil, summary),
		PreviousID: []byte{},
		SignerID:   []byte{},
		BlockNum:   0,
		Summary:    summary,
	}
}

// ComputeBlockID hashes the header fields with SHA3-256. Variable length
// fields are length prefixed.
func ComputeBlockID(num uint64, previousID, signerID, summary []byte) []byte {
	h := sha3.New256()
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], num)
	h.Write(buf[:])
	for _, field := range [][]byte{previousID, signerID, summary} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(field)))
		h.Write(buf[:])
		h.Write(field)
	}

	return h.Sum(nil)
}

func payloadSummary(payload []byte) []byte {
	sum := sha3.Sum256(payload)
	return sum[:]
}

// ChainHead returns the last committed block.
func (c *Chain) ChainHead() (consensus.PbftBlock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head, nil
}

// Height returns the number of the last committed block.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head.BlockNum
}

// Pending returns the number of transactions waiting in the mempool.
func (c *Chain) Pending() int {
	return c.mempool.Size()
}

// MempoolStats reports the occupancy of the local mempool.
func (c *Chain) MempoolStats() MempoolStats {
	return c.mempool.Stats()
}

// Submit adds a transaction to the local mempool.
func (c *Chain) Submit(tx *Transaction) error {
	return c.mempool.Add(tx)
}

// BuildBlock assembles a candidate on top of the head from the highest
// priority pending transactions. ok is false when nothing is pending.
// Transactions stay in the mempool until the block is committed.
func (c *Chain) BuildBlock(ctx context.Context) (consensus.PbftBlock, bool, error) {
	if err := ctx.Err(); err != nil {
		return consensus.PbftBlock{}, false, err
	}

	txs := c.mempool.Peek(c.blockSize)
	if len(txs) == 0 {
		return consensus.PbftBlock{}, false, nil
	}

	batch := make([]Transaction, len(txs))
	for i, tx := range txs {
		batch[i] = *tx
	}
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return consensus.PbftBlock{}, false, fmt.Errorf("encode block payload: %w", err)
	}

	head, _ := c.ChainHead()
	summary := payloadSummary(payload)
	num := head.BlockNum + 1

	block := consensus.PbftBlock{
		BlockID:    ComputeBlockID(num, head.BlockID, c.signer, summary),
		PreviousID: head.BlockID,
		SignerID:   c.signer,
		BlockNum:   num,
		Summary:    summary,
		Payload:    payload,
	}

	c.logger.Debug("built block",
		zap.Uint64("block_num", num),
		zap.String("block_id", block.ShortID(6)),
		zap.Int("tx_count", len(batch)))

	return block, true, nil
}

// CheckBlock verifies that block is a valid extension of the head.
func (c *Chain) CheckBlock(ctx context.Context, block consensus.PbftBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	head, _ := c.ChainHead()
	if err := checkExtends(head, block); err != nil {
		return err
	}
	if len(block.SignerID) == 0 {
		return fmt.Errorf("%w: missing signer", ErrInvalidBlock)
	}
	if !bytes.Equal(block.Summary, payloadSummary(block.Payload)) {
		return fmt.Errorf("%w: summary does not match payload", ErrInvalidBlock)
	}
	if !bytes.Equal(block.BlockID, ComputeBlockID(block.BlockNum, block.PreviousID, block.SignerID, block.Summary)) {
		return fmt.Errorf("%w: block id does not match header", ErrInvalidBlock)
	}

	txs, err := decodePayload(block.Payload)
	if err != nil {
		return err
	}
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return fmt.Errorf("%w: transaction %d: %v", ErrInvalidBlock, i, err)
		}
	}

	return nil
}

func checkExtends(head, block consensus.PbftBlock) error {
	if block.BlockNum != head.BlockNum+1 {
		return fmt.Errorf("%w: block num %d does not follow head %d", ErrInvalidBlock, block.BlockNum, head.BlockNum)
	}
	if !bytes.Equal(block.PreviousID, head.BlockID) {
		return fmt.Errorf("%w: previous id %x is not the head", ErrInvalidBlock, block.PreviousID)
	}
	return nil
}

func decodePayload(payload []byte) ([]Transaction, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var txs []Transaction
	if err := msgpack.Unmarshal(payload, &txs); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidBlock, err)
	}
	return txs, nil
}

// CommitBlock persists block as the new head and drops its transactions
// from the mempool.
func (c *Chain) CommitBlock(ctx context.Context, block consensus.PbftBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txs, err := decodePayload(block.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := checkExtends(c.head, block); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.persist(block); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist block %d: %w", block.BlockNum, err)
	}
	c.head = block
	c.mu.Unlock()

	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	removed := c.mempool.Remove(ids...)

	c.logger.Info("committed block",
		zap.Uint64("block_num", block.BlockNum),
		zap.String("block_id", block.ShortID(6)),
		zap.Int("tx_count", len(txs)),
		zap.Int("mempool_removed", removed))

	return nil
}

func (c *Chain) persist(block consensus.PbftBlock) error {
	raw, err := msgpack.Marshal(&block)
	if err != nil {
		return err
	}

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], block.BlockNum)

	batch := new(leveldb.Batch)
	batch.Put(blockKey(block.BlockNum), raw)
	batch.Put(headKey, height[:])
	return c.db.Write(batch, nil)
}

func blockKey(num uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], num)
	return key
}

// Block returns the committed block at height num.
func (c *Chain) Block(num uint64) (consensus.PbftBlock, error) {
	raw, err := c.db.Get(blockKey(num), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return consensus.PbftBlock{}, fmt.Errorf("%w: %d", ErrBlockNotFound, num)
	}
	if err != nil {
		return consensus.PbftBlock{}, err
	}

	var block consensus.PbftBlock
	if err := msgpack.Unmarshal(raw, &block); err != nil {
		return consensus.PbftBlock{}, fmt.Errorf("decode block %d: %w", num, err)
	}
	return block, nil
}

// Headers returns the headers of all committed blocks in height order.
func (c *Chain) Headers() ([]data.BlockHeader, error) {
	c.mu.RLock()
	height := c.head.BlockNum
	c.mu.RUnlock()

	headers := make([]data.BlockHeader, 0, height+1)

	it := c.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()
	for it.Next() {
		var block consensus.PbftBlock
		if err := msgpack.Unmarshal(it.Value(), &block); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		if block.BlockNum > height {
			break
		}
		txs, err := decodePayload(block.Payload)
		if err != nil {
			return nil, err
		}
		headers = append(headers, data.BlockHeader{
			BlockNum:   block.BlockNum,
			BlockID:    block.BlockID,
			PreviousID: block.PreviousID,
			SignerID:   block.SignerID,
			Summary:    block.Summary,
			TxCount:    int64(len(txs)),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	return headers, nil
}

// Snapshot serializes the committed headers as an Arrow IPC stream. Nodes
// with the same committed chain produce identical snapshots.
func (c *Chain) Snapshot() ([]byte, error) {
	headers, err := c.Headers()
	if err != nil {
		return nil, err
	}
	return data.EncodeSnapshot(headers)
}

// Close releases the underlying store.
func (c *Chain) Close() error {
	return c.db.Close()
}
