package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewMempool(t *testing.T) {
	m := NewMempool(100)
	if m == nil {
		t.Fatal("NewMempool returned nil")
	}
	if m.Size() != 0 {
		t.Errorf("Expected size 0, got %d", m.Size())
	}
	if m.maxSize != 100 {
		t.Errorf("Expected maxSize 100, got %d", m.maxSize)
	}
}

func TestMempoolAdd(t *testing.T) {
	m := NewMempool(10)

	if err := m.Add(&Transaction{ID: "tx-1", Priority: 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if m.Size() != 1 {
		t.Errorf("Expected size 1, got %d", m.Size())
	}
	if m.Peek(1)[0].Timestamp.IsZero() {
		t.Error("Expected Add to stamp the transaction")
	}
}

func TestMempoolAddInvalid(t *testing.T) {
	m := NewMempool(10)

	if err := m.Add(nil); err != ErrInvalidTx {
		t.Errorf("Expected ErrInvalidTx, got %v", err)
	}
	if err := m.Add(&Transaction{}); err == nil {
		t.Error("Expected error for missing ID")
	}
}

func TestMempoolAddDuplicate(t *testing.T) {
	m := NewMempool(10)

	tx := &Transaction{ID: "tx-1"}
	_ = m.Add(tx)
	if err := m.Add(tx); err != ErrTxAlreadyExists {
		t.Errorf("Expected ErrTxAlreadyExists, got %v", err)
	}
}

func TestMempoolFull(t *testing.T) {
	m := NewMempool(2)

	_ = m.Add(&Transaction{ID: "tx-1"})
	_ = m.Add(&Transaction{ID: "tx-2"})

	if stats := m.Stats(); stats.Available != 0 {
		t.Errorf("Expected mempool to be full, got %+v", stats)
	}
	if err := m.Add(&Transaction{ID: "tx-3"}); err != ErrMempoolFull {
		t.Errorf("Expected ErrMempoolFull, got %v", err)
	}
}

func TestMempoolPriorityOrder(t *testing.T) {
	m := NewMempool(10)
	base := time.Now()

	_ = m.Add(&Transaction{ID: "low", Priority: 1, Timestamp: base})
	_ = m.Add(&Transaction{ID: "high", Priority: 5, Timestamp: base})
	_ = m.Add(&Transaction{ID: "mid-late", Priority: 3, Timestamp: base.Add(time.Second)})
	_ = m.Add(&Transaction{ID: "mid-early", Priority: 3, Timestamp: base})

	peeked := m.Peek(4)
	expected := []string{"high", "mid-early", "mid-late", "low"}
	for i, id := range expected {
		if peeked[i].ID != id {
			t.Errorf("Peek position %d: expected %s, got %s", i, id, peeked[i].ID)
		}
	}
	if m.Size() != 4 {
		t.Errorf("Expected Peek to leave 4 transactions, got %d", m.Size())
	}

	if again := m.Peek(4); again[0].ID != "high" || again[3].ID != "low" {
		t.Error("Expected repeated Peek to return the same order")
	}
}

func TestMempoolRemove(t *testing.T) {
	m := NewMempool(10)
	for i := 0; i < 5; i++ {
		_ = m.Add(&Transaction{ID: fmt.Sprintf("tx-%d", i), Priority: i})
	}

	if removed := m.Remove("tx-1", "tx-3", "tx-missing"); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if removed := m.Remove("tx-missing"); removed != 0 {
		t.Errorf("Expected 0 removed, got %d", removed)
	}

	batch := m.Peek(10)
	expected := []string{"tx-4", "tx-2", "tx-0"}
	if len(batch) != len(expected) {
		t.Fatalf("Expected %d remaining, got %d", len(expected), len(batch))
	}
	for i, id := range expected {
		if batch[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, batch[i].ID)
		}
	}
}

func TestMempoolRemoveKeepsHeapOrder(t *testing.T) {
	m := NewMempool(100)
	base := time.Now()
	for i := 0; i < 50; i++ {
		_ = m.Add(&Transaction{ID: fmt.Sprintf("tx-%02d", i), Priority: i % 7, Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}

	// Drop every third entry, as commits of interleaved blocks would.
	var ids []string
	for i := 0; i < 50; i += 3 {
		ids = append(ids, fmt.Sprintf("tx-%02d", i))
	}
	if removed := m.Remove(ids...); removed != len(ids) {
		t.Fatalf("Expected %d removed, got %d", len(ids), removed)
	}

	batch := m.Peek(m.Size())
	if len(batch) != 50-len(ids) {
		t.Fatalf("Expected %d remaining, got %d", 50-len(ids), len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if before(batch[i], batch[i-1]) {
			t.Fatalf("Order broken at %d: %s before %s", i, batch[i-1].ID, batch[i].ID)
		}
	}
}

func TestMempoolStats(t *testing.T) {
	m := NewMempool(10)
	_ = m.Add(&Transaction{ID: "tx-1"})

	stats := m.Stats()
	if stats.Size != 1 || stats.MaxSize != 10 || stats.Available != 9 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	m.Remove("tx-1")
	if stats := m.Stats(); stats.Size != 0 || stats.Available != 10 {
		t.Errorf("Unexpected stats after Remove: %+v", stats)
	}
}

func TestMempoolConcurrentAdd(t *testing.T) {
	m := NewMempool(1000)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Add(&Transaction{ID: fmt.Sprintf("tx-%d-%d", worker, j)})
			}
		}(i)
	}
	wg.Wait()

	if m.Size() != 500 {
		t.Errorf("Expected 500 transactions, got %d", m.Size())
	}
}
