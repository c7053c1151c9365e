package messaging

import (
	"testing"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// FuzzDecode tests message decoding with random inputs.
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./hierachain-engine/messaging/
func FuzzDecode(f *testing.F) {
	valid, err := Encode(New(consensus.Commit, 1, 2, []byte{1, 2, 3}, consensus.PeerID("peer-0")))
	if err != nil {
		f.Fatalf("Encode failed: %v", err)
	}
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0x80})
	f.Add([]byte{0xdf, 0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(data)
		if err != nil {
			return
		}
		// Decoded messages must be checkable and re-encodable
		_ = msg.Check(consensus.Classify(msg.Kind, nil))
		if _, err := Encode(msg); err != nil {
			t.Errorf("Re-encoding decoded message failed: %v", err)
		}
	})
}
