package network

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// MaxNetworkMessageSize bounds the payload carried by one envelope.
const MaxNetworkMessageSize = 8 << 20

// Common errors for network operations
var (
	ErrNodeNotRunning  = errors.New("node is not running")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       consensus.PeerID `json:"id"`
	Address  string           `json:"address"`
	LastSeen time.Time        `json:"last_seen"`
}

// Envelope wraps a payload on the wire with replay protection data.
type Envelope struct {
	Nonce     string    `msgpack:"nonce"`
	Timestamp time.Time `msgpack:"timestamp"`
	Payload   []byte    `msgpack:"payload"`
}

// PayloadHandler receives a payload and the peer that sent it.
type PayloadHandler func(from consensus.PeerID, payload []byte)

// peerConn is the outbound side of one peer. Sends are queued so a slow or
// absent peer never blocks the caller.
type peerConn struct {
	info   *PeerInfo
	queue  chan []byte
	dealer zmq4.Socket
}

// ZmqNode is a ZeroMQ-based network node. Inbound messages arrive on a
// ROUTER socket; each peer is reached through its own DEALER whose identity
// is the hex encoded local peer id, so receivers attribute messages from the
// identity frame.
type ZmqNode struct {
	peerID   consensus.PeerID
	identity string
	address  string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router zmq4.Socket
	peers  map[string]*peerConn // hex peer id -> connection
	mu     sync.RWMutex

	handler PayloadHandler
	inbox   chan inbound

	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	nonce   uint64
	dropped int64

	running bool
	wg      sync.WaitGroup
}

type inbound struct {
	from    consensus.PeerID
	payload []byte
}

// NewZmqNode creates a node that will listen on address.
func NewZmqNode(peerID consensus.PeerID, address string, logger *zap.Logger) *ZmqNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		peerID:          peerID,
		identity:        peerID.String(),
		address:         address,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		peers:           make(map[string]*peerConn),
		inbox:           make(chan inbound, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// Start binds the ROUTER socket and starts the background loops.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.identity)))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	n.running = true
	for _, conn := range n.peers {
		n.startSender(conn)
	}
	n.mu.Unlock()

	n.wg.Add(3)
	go n.receiverLoop()
	go n.messageProcessor()
	go n.replayCacheCleaner()

	n.logger.Info("zmq node listening", zap.String("address", n.address), zap.String("peer_id", n.identity))
	return nil
}

// Stop gracefully shuts down the node.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()

	if n.router != nil {
		_ = n.router.Close()
	}

	n.wg.Wait()

	n.mu.Lock()
	for _, conn := range n.peers {
		if conn.dealer != nil {
			_ = conn.dealer.Close()
			conn.dealer = nil
		}
	}
	n.mu.Unlock()
}

// RegisterPeer adds a peer reachable at address.
func (n *ZmqNode) RegisterPeer(peerID consensus.PeerID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := peerID.String()
	if _, exists := n.peers[key]; exists {
		return
	}
	conn := &peerConn{
		info:  &PeerInfo{ID: peerID, Address: address},
		queue: make(chan []byte, 1000),
	}
	n.peers[key] = conn
	if n.running {
		n.startSender(conn)
	}
}

// SetHandler sets the inbound payload handler.
func (n *ZmqNode) SetHandler(handler PayloadHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// SendDirect queues payload for a single peer.
func (n *ZmqNode) SendDirect(peerID consensus.PeerID, payload []byte) error {
	if len(payload) > MaxNetworkMessageSize {
		return ErrMessageTooLarge
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.running {
		return ErrNodeNotRunning
	}
	conn, ok := n.peers[peerID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	select {
	case conn.queue <- payload:
		return nil
	default:
		atomic.AddInt64(&n.dropped, 1)
		return fmt.Errorf("%w: queue to %s is full", ErrSendFailed, peerID)
	}
}

// Broadcast queues payload for every registered peer. The local node is
// never a registered peer.
func (n *ZmqNode) Broadcast(payload []byte) error {
	n.mu.RLock()
	ids := make([]consensus.PeerID, 0, len(n.peers))
	for _, conn := range n.peers {
		ids = append(ids, conn.info.ID)
	}
	n.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := n.SendDirect(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() []PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(n.peers))
	for _, conn := range n.peers {
		peers = append(peers, *conn.info)
	}
	return peers
}

// startSender launches the outbound loop of conn. Callers hold n.mu.
func (n *ZmqNode) startSender(conn *peerConn) {
	n.wg.Add(1)
	go n.senderLoop(conn)
}

func (n *ZmqNode) senderLoop(conn *peerConn) {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case payload := <-conn.queue:
			if err := n.send(conn, payload); err != nil {
				atomic.AddInt64(&n.dropped, 1)
				n.logger.Debug("send failed",
					zap.String("peer", conn.info.ID.String()),
					zap.Error(err))
			}
		}
	}
}

func (n *ZmqNode) send(conn *peerConn, payload []byte) error {
	dealer, err := n.dealerFor(conn)
	if err != nil {
		return err
	}

	env := Envelope{
		Nonce:     fmt.Sprintf("%s-%d", n.identity, atomic.AddUint64(&n.nonce, 1)),
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		n.mu.Lock()
		_ = dealer.Close()
		conn.dealer = nil
		n.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// dealerFor returns the DEALER connected to conn, dialing on first use.
func (n *ZmqNode) dealerFor(conn *peerConn) (zmq4.Socket, error) {
	n.mu.RLock()
	dealer := conn.dealer
	n.mu.RUnlock()
	if dealer != nil {
		return dealer, nil
	}

	dealer = zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.identity)))
	if err := dealer.Dial(conn.info.Address); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", conn.info.Address, err)
	}

	n.mu.Lock()
	conn.dealer = dealer
	n.mu.Unlock()
	return dealer, nil
}

// receiverLoop reads ROUTER messages. The first frame is the sender's
// identity, the second the envelope.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}

		from, payload, ok := n.parseFrames(msg.Frames)
		if !ok {
			continue
		}

		n.mu.Lock()
		if conn, known := n.peers[from.String()]; known {
			conn.info.LastSeen = time.Now()
		}
		n.mu.Unlock()

		select {
		case n.inbox <- inbound{from: from, payload: payload}:
		default:
			atomic.AddInt64(&n.dropped, 1)
		}
	}
}

func (n *ZmqNode) parseFrames(frames [][]byte) (consensus.PeerID, []byte, bool) {
	if len(frames) < 2 {
		return nil, nil, false
	}

	from, err := hex.DecodeString(string(frames[0]))
	if err != nil || len(from) == 0 {
		n.logger.Debug("dropping message with invalid identity frame")
		return nil, nil, false
	}

	n.mu.RLock()
	_, known := n.peers[string(frames[0])]
	n.mu.RUnlock()
	if !known {
		n.logger.Debug("dropping message from unknown peer", zap.String("peer", string(frames[0])))
		return nil, nil, false
	}

	data := frames[len(frames)-1]
	if len(data) > MaxNetworkMessageSize+1024 {
		return nil, nil, false
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, nil, false
	}
	if len(env.Payload) > MaxNetworkMessageSize || !n.isValidReplay(&env) {
		return nil, nil, false
	}

	return consensus.PeerID(from), env.Payload, true
}

// messageProcessor hands inbound payloads to the handler in arrival order.
func (n *ZmqNode) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case in := <-n.inbox:
			n.mu.RLock()
			handler := n.handler
			n.mu.RUnlock()

			if handler != nil {
				handler(in.from, in.payload)
			}
		}
	}
}

// isValidReplay checks if an envelope is not a replay.
func (n *ZmqNode) isValidReplay(env *Envelope) bool {
	if env.Nonce == "" {
		return true
	}

	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	if _, seen := n.replayCache[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > n.replayTolerance {
		return false
	}

	n.replayCache[env.Nonce] = time.Now()
	return true
}

func (n *ZmqNode) replayCacheCleaner() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.cleanReplayCache()
		}
	}
}

func (n *ZmqNode) cleanReplayCache() {
	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-n.replayTolerance)
	for nonce, ts := range n.replayCache {
		if ts.Before(cutoff) {
			delete(n.replayCache, nonce)
		}
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
	Dropped   int64  `json:"dropped"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		PeerID:    n.identity,
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.inbox),
		Dropped:   atomic.LoadInt64(&n.dropped),
	}
}
