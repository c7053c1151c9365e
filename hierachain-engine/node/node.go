package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/monitoring"
)

// Common errors for node operations
var (
	ErrInboxFull      = errors.New("node inbox is full")
	ErrAlreadyRunning = errors.New("node is already running")
)

const (
	defaultCheckpointPeriod = 100
	defaultProposeInterval  = 100 * time.Millisecond
	defaultInboxSize        = 1024
	poolShutdownTimeout     = 5 * time.Second
)

// Ledger is the block source and sink of the driver.
type Ledger interface {
	ChainHead() (consensus.PbftBlock, error)
	BuildBlock(ctx context.Context) (consensus.PbftBlock, bool, error)
	CheckBlock(ctx context.Context, block consensus.PbftBlock) error
	CommitBlock(ctx context.Context, block consensus.PbftBlock) error
	Block(num uint64) (consensus.PbftBlock, error)
	Pending() int
	Snapshot() ([]byte, error)
}

// Network carries encoded messages to the other members.
type Network interface {
	Broadcast(payload []byte) error
	SendTo(peer consensus.PeerID, payload []byte) error
}

// Config configures a Node.
type Config struct {
	NodeID    uint64
	Consensus consensus.Config

	// CheckpointPeriod is the number of committed blocks between checkpoints.
	CheckpointPeriod uint64
	// ProposeInterval is how often the primary asks the ledger for a block.
	ProposeInterval time.Duration
	// ValidationWorkers sizes the block validation pool.
	ValidationWorkers int
	// LogWindow is how far above the committed head round and checkpoint
	// messages are logged. Defaults to two checkpoint periods.
	LogWindow uint64
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithMetrics sets the metrics the node reports to.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithClock replaces the clock used for timeouts and death.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		n.now = now
	}
}

// WithDeathAfter makes the node stop reacting once d has elapsed since Run
// was called. Used for fault injection.
func WithDeathAfter(d time.Duration) Option {
	return func(n *Node) {
		n.deathAfter = d
	}
}

// WithInboxSize sets the capacity of the inbound message queue.
func WithInboxSize(size int) Option {
	return func(n *Node) {
		n.inboxSize = size
	}
}

type inbound struct {
	from    consensus.PeerID
	payload []byte
}

type pendingCheckpoint struct {
	seq    uint64
	digest []byte
}

// Node is a PBFT replica.
type Node struct {
	cfg     Config
	state   *consensus.State
	log     *msgLog
	ledger  Ledger
	network Network
	pool    *core.WorkerPool
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	inbox     chan inbound
	inboxSize int
	running   atomic.Bool

	// height is the number of the last committed block.
	height           uint64
	stableCheckpoint uint64
	checkpoint       *pendingCheckpoint
	roundStart       time.Time
	fatal            error

	// prepared is the highest certificate this node collected.
	prepared *certificate
	// newView is the announcement of the current view, once it has one.
	newView *messaging.PbftMessage
	// constraint is the block the first round of the view must carry, and
	// reproposal the same block on the primary.
	constraint *consensus.PbftBlock
	reproposal *consensus.PbftBlock

	peerHeights map[string]uint64
	fetch       *blockFetch

	deathAfter time.Duration
	deathAt    time.Time
	dead       bool

	statusMu sync.RWMutex
	status   Status
}

// New creates a node on top of ledger and network. The node starts at the
// ledger's current head.
func New(cfg Config, ledger Ledger, network Network, opts ...Option) (*Node, error) {
	if ledger == nil || network == nil {
		return nil, errors.New("ledger and network are required")
	}
	if cfg.CheckpointPeriod == 0 {
		cfg.CheckpointPeriod = defaultCheckpointPeriod
	}
	if cfg.ProposeInterval <= 0 {
		cfg.ProposeInterval = defaultProposeInterval
	}
	if cfg.ValidationWorkers <= 0 {
		cfg.ValidationWorkers = 1
	}
	if cfg.LogWindow == 0 {
		cfg.LogWindow = 2 * cfg.CheckpointPeriod
	}

	n := &Node{
		cfg:         cfg,
		log:         newMsgLog(),
		ledger:      ledger,
		network:     network,
		now:         time.Now,
		inboxSize:   defaultInboxSize,
		peerHeights: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.metrics == nil {
		n.metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	if n.inboxSize <= 0 {
		n.inboxSize = defaultInboxSize
	}
	n.logger = n.logger.With(zap.Uint64("node", cfg.NodeID))

	state, err := consensus.NewState(cfg.NodeID, cfg.Consensus,
		consensus.WithLogger(n.logger), consensus.WithClock(n.now))
	if err != nil {
		return nil, err
	}
	n.state = state

	head, err := ledger.ChainHead()
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	n.height = head.BlockNum
	n.state.SeqNum = head.BlockNum

	n.inbox = make(chan inbound, n.inboxSize)
	n.publishStatus()

	return n, nil
}

// Deliver queues a payload received from a peer. It never blocks.
func (n *Node) Deliver(from consensus.PeerID, payload []byte) error {
	select {
	case n.inbox <- inbound{from: from, payload: payload}:
		return nil
	default:
		n.metrics.RecordRejected(reasonInboxFull)
		return ErrInboxFull
	}
}

// Run processes messages, validation results and timers until ctx is done.
// It returns a non-nil error only when the local chain can no longer be
// trusted.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.running.Store(false)

	n.pool = core.NewWorkerPool("validation", n.cfg.ValidationWorkers, n.ledger.CheckBlock, n.logger)
	defer func() {
		if err := n.pool.ShutdownWithTimeout(poolShutdownTimeout); err != nil {
			n.logger.Warn("validation pool did not stop in time", zap.Error(err))
		}
	}()

	if n.deathAfter > 0 {
		n.deathAt = n.now().Add(n.deathAfter)
	}

	ticker := time.NewTicker(n.tickInterval())
	defer ticker.Stop()

	n.logger.Info("starting consensus",
		zap.Stringer("state", n.state),
		zap.Int("members", n.state.Membership().Size()),
		zap.Uint64("f", n.state.F))

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("stopping consensus", zap.Stringer("state", n.state))
			return nil
		case in := <-n.inbox:
			n.handleInbound(ctx, in)
		case res := <-n.pool.Results():
			n.handleValidation(ctx, res)
		case <-ticker.C:
			n.handleTick(ctx)
		}

		if n.fatal != nil {
			return n.fatal
		}
		n.publishStatus()
	}
}

func (n *Node) tickInterval() time.Duration {
	interval := n.cfg.ProposeInterval
	if quarter := n.state.Timeout.Duration() / 4; quarter > 0 && quarter < interval {
		interval = quarter
	}
	return interval
}

// handleTick checks for death and timeout expiry, lets the primary propose
// and arms the timer when work is waiting.
func (n *Node) handleTick(ctx context.Context) {
	if n.checkDeath() {
		return
	}

	if n.state.Timeout.IsExpired() {
		n.handleTimeout(ctx)
		n.process(ctx)
	}

	n.maybeCatchUp()
	n.propose(ctx)

	pending := n.ledger.Pending()
	if n.state.Mode == consensus.Normal && n.state.Phase() == consensus.NotStarted &&
		!n.state.Timeout.IsActive() && pending > 0 {
		n.state.Timeout.Start()
	}

	n.metrics.UpdateMempoolSize(pending)
	n.metrics.MessageLogSize.Set(float64(n.log.Len()))
	if n.pool != nil {
		stats := n.pool.GetStats()
		n.metrics.UpdateWorkerPool(int(stats.Active), stats.Pending)
	}
}

func (n *Node) handleTimeout(ctx context.Context) {
	switch n.state.Mode {
	case consensus.Checkpointing:
		n.logger.Warn("checkpoint timed out, resuming without it",
			zap.Uint64("seq", n.checkpointSeq()))
		n.checkpoint = nil
		n.state.RestoreMode()
		n.state.Timeout.Stop()
	default:
		n.logger.Warn("liveness timeout expired, suspecting primary",
			zap.Stringer("state", n.state))
		n.startViewChange(ctx, n.state.View+1)
	}
}

// checkDeath reports whether the node has stopped reacting.
func (n *Node) checkDeath() bool {
	if n.dead {
		return true
	}
	if n.deathAt.IsZero() || n.now().Before(n.deathAt) {
		return false
	}
	n.dead = true
	n.state.Timeout.Stop()
	n.logger.Warn("node is now dead and will ignore all messages", zap.Stringer("state", n.state))
	return true
}

// broadcast encodes msg and sends it to every other member.
func (n *Node) broadcast(msg *messaging.PbftMessage) {
	payload, err := messaging.Encode(msg)
	if err != nil {
		n.logger.Error("failed to encode message", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	if err := n.network.Broadcast(payload); err != nil {
		n.logger.Warn("broadcast failed", zap.Stringer("msg", msg), zap.Error(err))
	}
	n.metrics.RecordSent(msg.Kind)
}

// sendTo encodes msg and sends it to a single member.
func (n *Node) sendTo(peer []byte, msg *messaging.PbftMessage) {
	payload, err := messaging.Encode(msg)
	if err != nil {
		n.logger.Error("failed to encode message", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	if err := n.network.SendTo(consensus.PeerID(peer), payload); err != nil {
		n.logger.Debug("direct send failed", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	n.metrics.RecordSent(msg.Kind)
}

// newMessage creates a message signed by this node.
func (n *Node) newMessage(kind consensus.MessageKind, seq uint64, blockID []byte) *messaging.PbftMessage {
	return messaging.New(kind, n.state.View, seq, blockID, n.state.OwnPeerID())
}

// switchPhase advances the phase and records the transition.
func (n *Node) switchPhase(desired consensus.Phase) bool {
	if _, ok := n.state.SwitchPhase(desired); !ok {
		n.logger.Error("illegal phase transition", zap.Stringer("state", n.state), zap.Stringer("desired", desired))
		return false
	}
	n.metrics.RecordPhase(desired.String())
	return true
}
