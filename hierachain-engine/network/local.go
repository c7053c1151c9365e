package network

import (
	"errors"
	"sync"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// ErrPeerDisconnected is returned when sending from a disconnected endpoint.
var ErrPeerDisconnected = errors.New("peer is disconnected")

// Filter decides whether a payload from one peer reaches another.
type Filter func(from, to consensus.PeerID, payload []byte) bool

// LocalHub connects endpoints inside one process. Delivery is synchronous:
// the receiver's handler runs on the sender's goroutine, so handlers must
// not block.
type LocalHub struct {
	mu           sync.RWMutex
	endpoints    map[string]*LocalEndpoint
	order        []string
	disconnected map[string]bool
	filter       Filter
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{
		endpoints:    make(map[string]*LocalEndpoint),
		disconnected: make(map[string]bool),
	}
}

// Endpoint returns the endpoint of peer, creating it on first use.
func (h *LocalHub) Endpoint(peer consensus.PeerID) *LocalEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := string(peer)
	if ep, ok := h.endpoints[key]; ok {
		return ep
	}
	ep := &LocalEndpoint{hub: h, id: peer}
	h.endpoints[key] = ep
	h.order = append(h.order, key)
	return ep
}

// Disconnect isolates peer: nothing it sends or is sent is delivered.
func (h *LocalHub) Disconnect(peer consensus.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected[string(peer)] = true
}

// Reconnect undoes Disconnect.
func (h *LocalHub) Reconnect(peer consensus.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.disconnected, string(peer))
}

// SetFilter installs a delivery filter; nil delivers everything.
func (h *LocalHub) SetFilter(filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = filter
}

func (h *LocalHub) deliver(from *LocalEndpoint, to string, payload []byte) error {
	h.mu.RLock()
	if h.disconnected[string(from.id)] {
		h.mu.RUnlock()
		return ErrPeerDisconnected
	}
	target, ok := h.endpoints[to]
	if !ok {
		h.mu.RUnlock()
		return ErrPeerNotFound
	}
	if h.disconnected[to] {
		h.mu.RUnlock()
		return nil
	}
	filter := h.filter
	h.mu.RUnlock()

	if filter != nil && !filter(from.id, target.id, payload) {
		return nil
	}

	target.mu.RLock()
	handler := target.handler
	target.mu.RUnlock()
	if handler != nil {
		handler(from.id, append([]byte(nil), payload...))
	}
	return nil
}

// LocalEndpoint is one peer's view of a LocalHub.
type LocalEndpoint struct {
	hub *LocalHub
	id  consensus.PeerID

	mu      sync.RWMutex
	handler PayloadHandler
}

// SetHandler sets the handler receiving inbound payloads.
func (e *LocalEndpoint) SetHandler(handler PayloadHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Broadcast sends payload to every other endpoint.
func (e *LocalEndpoint) Broadcast(payload []byte) error {
	e.hub.mu.RLock()
	targets := make([]string, 0, len(e.hub.order))
	for _, key := range e.hub.order {
		if key != string(e.id) {
			targets = append(targets, key)
		}
	}
	e.hub.mu.RUnlock()

	for _, key := range targets {
		if err := e.hub.deliver(e, key, payload); err != nil {
			return err
		}
	}
	return nil
}

// SendTo sends payload to one endpoint.
func (e *LocalEndpoint) SendTo(peer consensus.PeerID, payload []byte) error {
	return e.hub.deliver(e, string(peer), payload)
}
