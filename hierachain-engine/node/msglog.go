package node

import (
	"bytes"
	"sort"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/messaging"
)

// voteKey groups messages that vote on the same thing. Checkpoints are view
// independent.
type voteKey struct {
	kind consensus.MessageKind
	view uint64
	seq  uint64
}

func keyFor(kind consensus.MessageKind, view, seq uint64) voteKey {
	if kind == consensus.Checkpoint {
		view = 0
	}
	return voteKey{kind: kind, view: view, seq: seq}
}

type addResult int

const (
	added addResult = iota
	duplicate
	conflict
	// outdated is a view change vote older than the signer's latest one.
	outdated
)

// msgLog holds accepted round and checkpoint messages, at most one per signer
// and key, until they are garbage collected. View change votes are kept apart,
// one per signer.
type msgLog struct {
	entries map[voteKey]map[string]*messaging.PbftMessage
	views   *viewChangeVotes
}

func newMsgLog() *msgLog {
	return &msgLog{
		entries: make(map[voteKey]map[string]*messaging.PbftMessage),
		views:   newViewChangeVotes(),
	}
}

// Add stores msg. A second message from the same signer for the same key is
// a duplicate when it votes the same way and a conflict otherwise.
func (l *msgLog) Add(kind consensus.MessageKind, msg *messaging.PbftMessage) addResult {
	if kind == consensus.ViewChange {
		return l.views.Add(msg)
	}

	key := keyFor(kind, msg.View, msg.SeqNum)
	votes, ok := l.entries[key]
	if !ok {
		votes = make(map[string]*messaging.PbftMessage)
		l.entries[key] = votes
	}

	signer := string(msg.SignerID)
	if prev, exists := votes[signer]; exists {
		if sameVote(kind, prev, msg) {
			return duplicate
		}
		return conflict
	}

	votes[signer] = msg
	return added
}

func sameVote(kind consensus.MessageKind, a, b *messaging.PbftMessage) bool {
	if kind == consensus.Checkpoint {
		return bytes.Equal(a.Digest, b.Digest)
	}
	return bytes.Equal(a.BlockID, b.BlockID)
}

// From returns the message of kind for (view, seq) sent by signer.
func (l *msgLog) From(kind consensus.MessageKind, view, seq uint64, signer []byte) *messaging.PbftMessage {
	return l.entries[keyFor(kind, view, seq)][string(signer)]
}

// Remove drops the message of kind for (view, seq) sent by signer.
func (l *msgLog) Remove(kind consensus.MessageKind, view, seq uint64, signer []byte) {
	key := keyFor(kind, view, seq)
	if votes, ok := l.entries[key]; ok {
		delete(votes, string(signer))
		if len(votes) == 0 {
			delete(l.entries, key)
		}
	}
}

// Votes returns the messages of kind voting for blockID at (view, seq),
// ordered by signer.
func (l *msgLog) Votes(kind consensus.MessageKind, view, seq uint64, blockID []byte) []*messaging.PbftMessage {
	var out []*messaging.PbftMessage
	for _, msg := range l.entries[keyFor(kind, view, seq)] {
		if bytes.Equal(msg.BlockID, blockID) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].SignerID, out[j].SignerID) < 0 })
	return out
}

// CountBlock counts distinct signers voting kind for blockID at (view, seq).
func (l *msgLog) CountBlock(kind consensus.MessageKind, view, seq uint64, blockID []byte) int {
	count := 0
	for _, msg := range l.entries[keyFor(kind, view, seq)] {
		if bytes.Equal(msg.BlockID, blockID) {
			count++
		}
	}
	return count
}

// CountCheckpoint counts distinct signers reporting digest at seq.
func (l *msgLog) CountCheckpoint(seq uint64, digest []byte) int {
	count := 0
	for _, msg := range l.entries[keyFor(consensus.Checkpoint, 0, seq)] {
		if bytes.Equal(msg.Digest, digest) {
			count++
		}
	}
	return count
}

// CountViewChange counts distinct signers whose latest vote asks for view.
func (l *msgLog) CountViewChange(view uint64) int {
	return l.views.Count(view)
}

// DiscardBefore drops every view dependent message older than view.
func (l *msgLog) DiscardBefore(view uint64) int {
	dropped := 0
	for key, votes := range l.entries {
		if key.kind != consensus.Checkpoint && key.view < view {
			dropped += len(votes)
			delete(l.entries, key)
		}
	}
	return dropped + l.views.DiscardBefore(view)
}

// DiscardRounds drops round messages up to and including seq. Checkpoint
// votes stay until their checkpoint is stable.
func (l *msgLog) DiscardRounds(seq uint64) int {
	dropped := 0
	for key, votes := range l.entries {
		if key.kind != consensus.Checkpoint && key.seq <= seq {
			dropped += len(votes)
			delete(l.entries, key)
		}
	}
	return dropped
}

// GarbageCollect drops round and checkpoint messages up to and including seq.
func (l *msgLog) GarbageCollect(seq uint64) int {
	dropped := 0
	for key, votes := range l.entries {
		if key.seq <= seq {
			dropped += len(votes)
			delete(l.entries, key)
		}
	}
	return dropped
}

// Len returns the number of stored messages.
func (l *msgLog) Len() int {
	n := l.views.Len()
	for _, votes := range l.entries {
		n += len(votes)
	}
	return n
}

// viewChangeVotes keeps the latest view change vote of every signer and the
// number of signers per requested view. Its size is bounded by the
// membership, however many votes a peer sends.
type viewChangeVotes struct {
	latest map[string]*messaging.PbftMessage
	count  map[uint64]int
}

func newViewChangeVotes() *viewChangeVotes {
	return &viewChangeVotes{
		latest: make(map[string]*messaging.PbftMessage),
		count:  make(map[uint64]int),
	}
}

// Add records msg as the signer's latest vote unless it already voted for the
// same or a later view.
func (v *viewChangeVotes) Add(msg *messaging.PbftMessage) addResult {
	signer := string(msg.SignerID)
	if prev, ok := v.latest[signer]; ok {
		switch {
		case msg.View == prev.View:
			return duplicate
		case msg.View < prev.View:
			return outdated
		}
		v.drop(prev)
	}
	v.latest[signer] = msg
	v.count[msg.View]++
	return added
}

func (v *viewChangeVotes) drop(msg *messaging.PbftMessage) {
	delete(v.latest, string(msg.SignerID))
	if v.count[msg.View]--; v.count[msg.View] <= 0 {
		delete(v.count, msg.View)
	}
}

// Count returns how many signers currently ask for view.
func (v *viewChangeVotes) Count(view uint64) int {
	return v.count[view]
}

// For returns the votes asking for view, ordered by signer.
func (v *viewChangeVotes) For(view uint64) []*messaging.PbftMessage {
	if v.count[view] == 0 {
		return nil
	}
	out := make([]*messaging.PbftMessage, 0, v.count[view])
	for _, msg := range v.latest {
		if msg.View == view {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].SignerID, out[j].SignerID) < 0 })
	return out
}

// Latest returns the latest vote of signer.
func (v *viewChangeVotes) Latest(signer []byte) *messaging.PbftMessage {
	return v.latest[string(signer)]
}

// JoinView returns the smallest view above current once at least threshold
// signers ask for some view above current.
func (v *viewChangeVotes) JoinView(current uint64, threshold int) (uint64, bool) {
	var (
		ahead int
		view  uint64
	)
	for later, n := range v.count {
		if later <= current {
			continue
		}
		ahead += n
		if view == 0 || later < view {
			view = later
		}
	}
	return view, ahead >= threshold && ahead > 0
}

// DiscardBefore drops votes for views older than view.
func (v *viewChangeVotes) DiscardBefore(view uint64) int {
	dropped := 0
	for _, msg := range v.latest {
		if msg.View < view {
			v.drop(msg)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of stored votes.
func (v *viewChangeVotes) Len() int {
	return len(v.latest)
}
