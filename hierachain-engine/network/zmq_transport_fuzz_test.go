package network

import (
	"testing"
	"time"
)

// FuzzParseFrames tests inbound frame parsing with random envelopes.
// Run with: go test -fuzz=FuzzParseFrames -fuzztime=30s ./hierachain-engine/network/
func FuzzParseFrames(f *testing.F) {
	f.Add([]byte("02"), envelope(f, "seed", time.Now(), []byte("payload")))
	f.Add([]byte("02"), []byte{})
	f.Add([]byte(""), []byte{0x80})
	f.Add([]byte("0"), []byte{0xde, 0x00, 0x01})

	node := newParsingNode()

	f.Fuzz(func(t *testing.T, identity, data []byte) {
		// Should not panic regardless of input
		_, payload, ok := node.parseFrames([][]byte{identity, data})
		if ok && len(payload) > MaxNetworkMessageSize {
			t.Errorf("Accepted payload of %d bytes", len(payload))
		}
	})
}
