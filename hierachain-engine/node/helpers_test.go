package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/ledger"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/monitoring"
)

func peerID(i int) consensus.PeerID {
	return consensus.PeerID(fmt.Sprintf("peer-%d", i))
}

func testPeers(n int) []consensus.PeerMapping {
	peers := make([]consensus.PeerMapping, n)
	for i := range peers {
		peers[i] = consensus.PeerMapping{PeerID: peerID(i), NodeID: uint64(i)}
	}
	return peers
}

func testChain(t *testing.T, signer consensus.PeerID, blockSize int) *ledger.Chain {
	t.Helper()
	chain, err := ledger.OpenChain(ledger.ChainConfig{BlockSize: blockSize, Signer: signer}, ledger.NewMempool(1000), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	return chain
}

func submitTxs(t *testing.T, chain *ledger.Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, chain.Submit(&ledger.Transaction{
			ID:        fmt.Sprintf("tx-%03d", i),
			Payload:   []byte(fmt.Sprintf("payload %d", i)),
			Timestamp: time.Unix(int64(i), 0),
		}))
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNetwork captures everything a node sends.
type recordingNetwork struct {
	mu         sync.Mutex
	broadcasts []*messaging.PbftMessage
	direct     map[string][]*messaging.PbftMessage
}

func newRecordingNetwork() *recordingNetwork {
	return &recordingNetwork{direct: make(map[string][]*messaging.PbftMessage)}
}

func (r *recordingNetwork) Broadcast(payload []byte) error {
	msg, err := messaging.Decode(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, msg)
	return nil
}

func (r *recordingNetwork) SendTo(peer consensus.PeerID, payload []byte) error {
	msg, err := messaging.Decode(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[string(peer)] = append(r.direct[string(peer)], msg)
	return nil
}

func (r *recordingNetwork) sent(kind consensus.MessageKind) []*messaging.PbftMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*messaging.PbftMessage
	for _, msg := range r.broadcasts {
		if msg.Kind == kind.Label() {
			out = append(out, msg)
		}
	}
	return out
}

// harness is a single node driven by hand, without Run.
type harness struct {
	node    *Node
	chain   *ledger.Chain
	net     *recordingNetwork
	clock   *fakeClock
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T, id uint64, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		chain:   testChain(t, peerID(int(id)), 3),
		net:     newRecordingNetwork(),
		clock:   newFakeClock(),
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	}

	cfg := Config{
		NodeID: id,
		Consensus: consensus.Config{
			Peers:             testPeers(4),
			ViewChangeTimeout: time.Second,
		},
		CheckpointPeriod: 10,
	}
	base := []Option{WithClock(h.clock.Now), WithMetrics(h.metrics), WithLogger(zap.NewNop())}

	n, err := New(cfg, h.chain, h.net, append(base, opts...)...)
	require.NoError(t, err)
	h.node = n
	return h
}

func (h *harness) deliver(t *testing.T, from consensus.PeerID, msg *messaging.PbftMessage) {
	t.Helper()
	payload, err := messaging.Encode(msg)
	require.NoError(t, err)
	h.node.handleInbound(context.Background(), inbound{from: from, payload: payload})
}

func (h *harness) rejected(reason string) float64 {
	return testutil.ToFloat64(h.metrics.MessagesRejected.WithLabelValues(reason))
}

// proposal builds the block peer-0 would propose on an empty chain.
func proposal(t *testing.T, txs int) consensus.PbftBlock {
	t.Helper()
	chain := testChain(t, peerID(0), 3)
	submitTxs(t, chain, txs)
	block, ok, err := chain.BuildBlock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return block
}
