package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// Common errors for worker pool operations
var (
	ErrPoolShutdown = errors.New("worker pool is shut down")
	ErrQueueFull    = errors.New("task queue is full")
)

// ValidateFunc checks a candidate block.
type ValidateFunc func(ctx context.Context, block consensus.PbftBlock) error

// Task is a block waiting for validation. View and SeqNum identify the round
// that asked for it so stale results can be discarded.
type Task struct {
	ID        string
	Block     consensus.PbftBlock
	View      uint64
	SeqNum    uint64
	CreatedAt time.Time
}

// NewTask creates a validation task for the round (view, seq).
func NewTask(view, seq uint64, block consensus.PbftBlock) *Task {
	return &Task{
		ID:        fmt.Sprintf("%d/%d/%s", view, seq, block.ShortID(12)),
		Block:     block,
		View:      view,
		SeqNum:    seq,
		CreatedAt: time.Now(),
	}
}

// Result is the outcome of one validation.
type Result struct {
	Task     *Task
	Err      error
	Duration time.Duration
	WorkerID int
}

// Valid reports whether the block passed validation.
func (r *Result) Valid() bool {
	return r.Err == nil
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool validates blocks on a fixed set of goroutines and reports
// results on a channel.
type WorkerPool struct {
	name       string
	workers    int
	validate   ValidateFunc
	logger     *zap.Logger
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(name string, workers int, validate ValidateFunc, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:       name,
		workers:    workers,
		validate:   validate,
		logger:     logger,
		taskChan:   make(chan *Task, workers*16),
		resultChan: make(chan *Result, workers*16),
		ctx:        ctx,
		cancel:     cancel,
		running:    true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.processTask(id, task)
		}
	}
}

func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	result := &Result{Task: task, WorkerID: workerID}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic in block validation: %v", r)
			p.logger.Error("validation panicked", zap.String("task", task.ID), zap.Any("panic", r))
		}
		result.Duration = time.Since(start)
		if result.Err == nil {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
		}
		p.sendResult(result)
	}()

	if p.validate == nil {
		result.Err = errors.New("no validation function defined")
		return
	}
	result.Err = p.validate(p.ctx, task.Block)
}

// sendResult blocks until the result is consumed or the pool stops.
func (p *WorkerPool) sendResult(result *Result) {
	select {
	case p.resultChan <- result:
	case <-p.ctx.Done():
	}
}

// Submit queues a block for validation.
func (p *WorkerPool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolShutdown
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel. It is never closed; stop reading when
// the pool is shut down.
func (p *WorkerPool) Results() <-chan *Result {
	return p.resultChan
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting tasks, cancels in-flight validations and waits
// for the workers to exit.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.taskChan)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// ShutdownWithTimeout shuts down, giving up waiting after timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}
