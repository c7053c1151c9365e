package consensus

import (
	"fmt"
	"time"
)

// testPeers returns n peer mappings with peer ids "peer-<i>".
func testPeers(n int) []PeerMapping {
	peers := make([]PeerMapping, n)
	for i := 0; i < n; i++ {
		peers[i] = PeerMapping{PeerID: PeerID(fmt.Sprintf("peer-%d", i)), NodeID: uint64(i)}
	}
	return peers
}

func testConfig(n int) Config {
	return Config{Peers: testPeers(n), ViewChangeTimeout: 4 * time.Second}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
