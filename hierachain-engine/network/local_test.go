package network

import (
	"sync"
	"testing"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

type recorder struct {
	mu   sync.Mutex
	from []string
}

func (r *recorder) handle(from consensus.PeerID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, string(from)+":"+string(payload))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.from)
}

func setupHub(n int) (*LocalHub, []*LocalEndpoint, []*recorder) {
	hub := NewLocalHub()
	endpoints := make([]*LocalEndpoint, n)
	recorders := make([]*recorder, n)
	for i := 0; i < n; i++ {
		endpoints[i] = hub.Endpoint(consensus.PeerID{byte('a' + i)})
		recorders[i] = &recorder{}
		endpoints[i].SetHandler(recorders[i].handle)
	}
	return hub, endpoints, recorders
}

func TestLocalHubBroadcastSkipsSender(t *testing.T) {
	_, endpoints, recorders := setupHub(4)

	if err := endpoints[0].Broadcast([]byte("x")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if recorders[0].count() != 0 {
		t.Error("Sender must not receive its own broadcast")
	}
	for i := 1; i < 4; i++ {
		if recorders[i].count() != 1 {
			t.Errorf("Endpoint %d: expected 1 message, got %d", i, recorders[i].count())
		}
	}
	if recorders[1].from[0] != "a:x" {
		t.Errorf("Unexpected delivery %q", recorders[1].from[0])
	}
}

func TestLocalHubSendTo(t *testing.T) {
	_, endpoints, recorders := setupHub(3)

	if err := endpoints[0].SendTo(consensus.PeerID{'c'}, []byte("y")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if recorders[2].count() != 1 || recorders[1].count() != 0 {
		t.Error("Expected only endpoint c to receive")
	}
	if err := endpoints[0].SendTo(consensus.PeerID{'z'}, []byte("y")); err != ErrPeerNotFound {
		t.Errorf("Expected ErrPeerNotFound, got %v", err)
	}
}

func TestLocalHubDisconnect(t *testing.T) {
	hub, endpoints, recorders := setupHub(3)

	hub.Disconnect(consensus.PeerID{'b'})
	if err := endpoints[1].Broadcast([]byte("x")); err != ErrPeerDisconnected {
		t.Errorf("Expected ErrPeerDisconnected, got %v", err)
	}
	_ = endpoints[0].Broadcast([]byte("x"))
	if recorders[1].count() != 0 {
		t.Error("Disconnected endpoint must not receive")
	}
	if recorders[2].count() != 1 {
		t.Error("Connected endpoint must still receive")
	}

	hub.Reconnect(consensus.PeerID{'b'})
	_ = endpoints[0].Broadcast([]byte("x"))
	if recorders[1].count() != 1 {
		t.Error("Reconnected endpoint must receive")
	}
}

func TestLocalHubFilter(t *testing.T) {
	hub, endpoints, recorders := setupHub(3)

	hub.SetFilter(func(from, to consensus.PeerID, payload []byte) bool {
		return string(to) != "c"
	})
	_ = endpoints[0].Broadcast([]byte("x"))

	if recorders[1].count() != 1 || recorders[2].count() != 0 {
		t.Error("Filter was not applied")
	}
}
