package network

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// PeerAddress is a member of the static network.
type PeerAddress struct {
	PeerID  consensus.PeerID `json:"peer_id"`
	Address string           `json:"address"`
}

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	PeerID consensus.PeerID `json:"peer_id"`
	Listen string           `json:"listen"`
	Peers  []PeerAddress    `json:"peers"`
	// HealthWindow is how recently a peer must have been heard from to count
	// as healthy.
	HealthWindow time.Duration `json:"health_window"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Listen:       "tcp://127.0.0.1:5050",
		Peers:        []PeerAddress{},
		HealthWindow: 30 * time.Second,
	}
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	PeerID       string    `json:"peer_id"`
	Address      string    `json:"address"`
	IsRunning    bool      `json:"is_running"`
	PeerCount    int       `json:"peer_count"`
	HealthyPeers int       `json:"healthy_peers"`
	NodeStats    NodeStats `json:"node_stats"`
}

// NetworkService connects the local node to a static set of peers over
// ZeroMQ. It satisfies the network interface of the consensus driver.
type NetworkService struct {
	config NetworkConfig
	node   *ZmqNode
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
}

// NewNetworkService creates a new network service with the given configuration.
func NewNetworkService(config NetworkConfig, logger *zap.Logger) *NetworkService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HealthWindow <= 0 {
		config.HealthWindow = DefaultNetworkConfig().HealthWindow
	}

	node := NewZmqNode(config.PeerID, config.Listen, logger.Named("zmq"))
	for _, peer := range config.Peers {
		if bytes.Equal(peer.PeerID, config.PeerID) {
			continue
		}
		node.RegisterPeer(peer.PeerID, peer.Address)
	}

	return &NetworkService{
		config: config,
		node:   node,
		logger: logger,
	}
}

// Start initializes and starts the network service.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return nil
	}

	if err := ns.node.Start(); err != nil {
		return fmt.Errorf("failed to start ZMQ node: %w", err)
	}

	ns.running = true
	ns.logger.Info("network service started",
		zap.String("peer_id", ns.config.PeerID.String()),
		zap.String("listen", ns.config.Listen),
		zap.Int("peers", len(ns.node.GetPeers())))
	return nil
}

// Stop gracefully shuts down the network service.
func (ns *NetworkService) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.running {
		return
	}

	ns.node.Stop()
	ns.running = false
	ns.logger.Info("network service stopped", zap.String("peer_id", ns.config.PeerID.String()))
}

// Broadcast sends payload to every other member.
func (ns *NetworkService) Broadcast(payload []byte) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.node.Broadcast(payload)
}

// SendTo sends payload to a single member.
func (ns *NetworkService) SendTo(peer consensus.PeerID, payload []byte) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.node.SendDirect(peer, payload)
}

// SetHandler sets the handler receiving inbound payloads.
func (ns *NetworkService) SetHandler(handler PayloadHandler) {
	ns.node.SetHandler(handler)
}

// GetPeers returns all known peers.
func (ns *NetworkService) GetPeers() []PeerInfo {
	return ns.node.GetPeers()
}

// GetHealthyPeers returns the peers heard from within the health window.
func (ns *NetworkService) GetHealthyPeers() []PeerInfo {
	cutoff := time.Now().Add(-ns.config.HealthWindow)

	var healthy []PeerInfo
	for _, peer := range ns.node.GetPeers() {
		if peer.LastSeen.After(cutoff) {
			healthy = append(healthy, peer)
		}
	}
	return healthy
}

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	running := ns.running
	ns.mu.RUnlock()

	return NetworkStatus{
		PeerID:       ns.config.PeerID.String(),
		Address:      ns.config.Listen,
		IsRunning:    running,
		PeerCount:    len(ns.node.GetPeers()),
		HealthyPeers: len(ns.GetHealthyPeers()),
		NodeStats:    ns.node.GetStats(),
	}
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}
