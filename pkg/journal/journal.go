// Package journal provides the append-only, hash-chained journal of
// economic events. Every balance mutation, task transition and treasury
// movement lands here exactly once; replaying the journal against a fresh
// state reconstructs identical balances and task states.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType categorizes a journal event.
type EventType string

const (
	EventStakeIncreased      EventType = "stake_increased"
	EventWithdrawalQueued    EventType = "withdrawal_queued"
	EventWithdrawalCancelled EventType = "withdrawal_cancelled"
	EventWithdrawalClaimed   EventType = "withdrawal_claimed"
	EventStakeLocked         EventType = "stake_locked"
	EventStakeUnlocked       EventType = "stake_unlocked"
	EventStakeSlashed        EventType = "stake_slashed"

	EventTaskPosted    EventType = "task_posted"
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskSubmitted EventType = "task_submitted"
	EventTaskCompleted EventType = "task_completed"
	EventTaskDisputed  EventType = "task_disputed"
	EventTaskResolved  EventType = "task_resolved"
	EventTaskCancelled EventType = "task_cancelled"

	EventTreasuryInflow  EventType = "treasury_inflow"
	EventRewardDeposited EventType = "reward_deposited"
	EventRewardPaid      EventType = "reward_paid"
	EventPoolWithdrawn   EventType = "pool_withdrawn"

	EventStreamOpened    EventType = "stream_opened"
	EventStreamWithdrawn EventType = "stream_withdrawn"
	EventStreamClosed    EventType = "stream_closed"
)

// Entry is one immutable journal event. The content hash covers the
// canonicalized payload, so two nodes journaling the same facts agree on
// the chain byte-for-byte.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Type        EventType       `json:"type"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prev_hash"`
	ContentHash string          `json:"content_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Journal is an append-only, hash-chained event log.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

func hashEntry(seq uint64, et EventType, canonical []byte, prev string) string {
	input := fmt.Sprintf("%d:%s:%s:%s", seq, et, canonical, prev)
	h := sha256.Sum256([]byte(input))
	return "sha256:" + hex.EncodeToString(h[:])
}

// Append records an event. The payload is marshaled and canonicalized per
// RFC 8785 before hashing so the chain is independent of map ordering.
func (j *Journal) Append(et EventType, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("journal: canonicalize payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries)) + 1
	entry := Entry{
		Sequence:    seq,
		Type:        et,
		Actor:       actor,
		Payload:     canonical,
		PrevHash:    j.headHash,
		ContentHash: hashEntry(seq, et, canonical, j.headHash),
		Timestamp:   j.clock(),
	}

	j.entries = append(j.entries, entry)
	j.headHash = entry.ContentHash
	return &entry, nil
}

// Get retrieves an entry by sequence number.
func (j *Journal) Get(seq uint64) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if seq < 1 || seq > uint64(len(j.entries)) {
		return nil, fmt.Errorf("journal: sequence %d out of range [1, %d]", seq, len(j.entries))
	}
	e := j.entries[seq-1]
	return &e, nil
}

// Head returns the current head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.headHash
}

// Length returns the number of entries.
func (j *Journal) Length() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify checks the integrity of the entire chain.
func (j *Journal) Verify() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := "genesis"
	for _, e := range j.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("journal: chain broken at seq %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		if computed := hashEntry(e.Sequence, e.Type, e.Payload, e.PrevHash); computed != e.ContentHash {
			return fmt.Errorf("journal: hash mismatch at seq %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}

// Restore installs persisted entries into an empty journal, verifying
// the chain before accepting it. Appends afterwards continue the chain
// from the restored head.
func (j *Journal) Restore(entries []Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) != 0 {
		return fmt.Errorf("journal: restore into non-empty journal (%d entries)", len(j.entries))
	}

	prev := "genesis"
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("journal: restore gap at index %d: sequence %d", i, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("journal: restore chain broken at seq %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		if computed := hashEntry(e.Sequence, e.Type, e.Payload, e.PrevHash); computed != e.ContentHash {
			return fmt.Errorf("journal: restore hash mismatch at seq %d", e.Sequence)
		}
		prev = e.ContentHash
	}

	j.entries = append(j.entries, entries...)
	j.headHash = prev
	return nil
}

// Replay feeds every entry, in order, to visit. A restarted node rebuilds
// its state by replaying a persisted journal. Replay stops at the first
// visit error.
func (j *Journal) Replay(visit func(Entry) error) error {
	j.mu.RLock()
	snapshot := make([]Entry, len(j.entries))
	copy(snapshot, j.entries)
	j.mu.RUnlock()

	for _, e := range snapshot {
		if err := visit(e); err != nil {
			return fmt.Errorf("journal: replay stopped at seq %d: %w", e.Sequence, err)
		}
	}
	return nil
}
