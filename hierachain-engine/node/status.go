package node

import (
	"fmt"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
)

// Status is a point-in-time view of a node.
type Status struct {
	NodeID           uint64          `json:"node_id"`
	Phase            consensus.Phase `json:"-"`
	Mode             consensus.Mode  `json:"-"`
	View             uint64          `json:"view"`
	SeqNum           uint64          `json:"seq_num"`
	Height           uint64          `json:"height"`
	Primary          bool            `json:"primary"`
	WorkingBlock     string          `json:"working_block"`
	StableCheckpoint uint64          `json:"stable_checkpoint"`
	Dead             bool            `json:"dead"`
	Summary          string          `json:"summary"`
}

func (s Status) String() string {
	return s.Summary
}

// Status returns the latest snapshot published by the driver.
func (n *Node) Status() Status {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status
}

// Health reports an error when the node can no longer take part in consensus.
func (n *Node) Health() error {
	st := n.Status()
	if st.Dead {
		return fmt.Errorf("node %d is dead", st.NodeID)
	}
	return nil
}

func (n *Node) publishStatus() {
	st := Status{
		NodeID:           n.state.ID,
		Phase:            n.state.Phase(),
		Mode:             n.state.Mode,
		View:             n.state.View,
		SeqNum:           n.state.SeqNum,
		Height:           n.height,
		Primary:          n.state.IsPrimary(),
		WorkingBlock:     n.state.WorkingBlock.String(),
		StableCheckpoint: n.stableCheckpoint,
		Dead:             n.dead,
		Summary:          n.state.String(),
	}

	n.statusMu.Lock()
	n.status = st
	n.statusMu.Unlock()

	n.metrics.UpdatePosition(st.View, st.SeqNum)
}
