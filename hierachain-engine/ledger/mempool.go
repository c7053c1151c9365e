package ledger

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Common errors for mempool operations
var (
	ErrMempoolFull     = errors.New("mempool is full")
	ErrTxAlreadyExists = errors.New("transaction already exists")
	ErrInvalidTx       = errors.New("invalid transaction")
)

// Transaction is an opaque client request waiting to be ordered.
type Transaction struct {
	ID        string    `msgpack:"id"`
	Payload   []byte    `msgpack:"payload,omitempty"`
	Priority  int       `msgpack:"priority"`
	Timestamp time.Time `msgpack:"timestamp"`
}

// Validate checks if the transaction has required fields.
func (tx *Transaction) Validate() error {
	if tx.ID == "" {
		return errors.New("transaction ID is required")
	}
	return nil
}

// before reports whether a is packed into a block ahead of b. Every replica
// applies the same order so a block built by any primary is reproducible from
// the same pool contents.
func before(a, b *Transaction) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// queued is a pooled transaction and its position in the block queue.
type queued struct {
	tx    *Transaction
	index int
}

// blockQueue is a heap of queued transactions in block order. Each entry
// tracks its own index so a commit can drop it without rebuilding the heap.
type blockQueue []*queued

func (q blockQueue) Len() int           { return len(q) }
func (q blockQueue) Less(i, j int) bool { return before(q[i].tx, q[j].tx) }

func (q blockQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *blockQueue) Push(x any) {
	e := x.(*queued)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *blockQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Mempool holds transactions waiting for a block. Transactions leave the pool
// only when a block carrying them commits, never when a block is built, so a
// round abandoned by a view change loses nothing.
type Mempool struct {
	mu      sync.RWMutex
	byID    map[string]*queued
	queue   blockQueue
	maxSize int
}

// NewMempool creates a new Mempool holding at most maxSize transactions.
func NewMempool(maxSize int) *Mempool {
	return &Mempool{
		byID:    make(map[string]*queued),
		maxSize: maxSize,
	}
}

// Add queues a transaction.
// Returns error if mempool is full or transaction already exists.
func (m *Mempool) Add(tx *Transaction) error {
	if tx == nil {
		return ErrInvalidTx
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if already queued
	if _, exists := m.byID[tx.ID]; exists {
		return ErrTxAlreadyExists
	}

	// Check size limit
	if len(m.byID) >= m.maxSize {
		return ErrMempoolFull
	}

	// Set timestamp if not set
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	e := &queued{tx: tx}
	m.byID[tx.ID] = e
	heap.Push(&m.queue, e)

	return nil
}

// Remove drops committed transactions and returns how many were queued here.
func (m *Mempool) Remove(txIDs ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range txIDs {
		e, exists := m.byID[id]
		if !exists {
			continue
		}
		heap.Remove(&m.queue, e.index)
		delete(m.byID, id)
		removed++
	}
	return removed
}

// Peek returns up to n transactions in block order without removing them.
func (m *Mempool) Peek(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || len(m.queue) == 0 {
		return nil
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}

	// Work on a detached copy; the live heap keeps its indexes.
	scratch := make(blockQueue, len(m.queue))
	for i, e := range m.queue {
		scratch[i] = &queued{tx: e.tx, index: i}
	}

	batch := make([]*Transaction, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&scratch).(*queued).tx)
	}
	return batch
}

// Size returns the current number of transactions in the mempool.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// MempoolStats describes the mempool occupancy.
type MempoolStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
}

// Stats returns mempool statistics.
func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MempoolStats{
		Size:      len(m.byID),
		MaxSize:   m.maxSize,
		Available: m.maxSize - len(m.byID),
	}
}
