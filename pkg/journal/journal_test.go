package journal

import (
	"testing"
	"time"
)

func TestJournalAppend(t *testing.T) {
	j := New()
	e, err := j.Append(EventStakeIncreased, "agent-owner", map[string]any{"agent_id": 1, "amount": 100})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 1 {
		t.Fatalf("expected seq 1, got %d", e.Sequence)
	}
	if j.Length() != 1 {
		t.Fatalf("expected length 1, got %d", j.Length())
	}
}

func TestJournalChainIntegrity(t *testing.T) {
	j := New()
	j.Append(EventTaskPosted, "creator", map[string]any{"task_id": 1})
	j.Append(EventTaskClaimed, "owner", map[string]any{"task_id": 1, "agent_id": 7})
	j.Append(EventTaskSubmitted, "owner", map[string]any{"task_id": 1})

	if err := j.Verify(); err != nil {
		t.Fatalf("expected valid chain, got: %v", err)
	}
}

func TestJournalHead(t *testing.T) {
	j := New()
	if j.Head() != "genesis" {
		t.Fatal("expected genesis head")
	}
	j.Append(EventTreasuryInflow, "", map[string]any{"amount": 5})
	if j.Head() == "genesis" {
		t.Fatal("head should change after append")
	}
}

func TestJournalHashChaining(t *testing.T) {
	j := New()
	j.Append(EventStakeLocked, "escrow", map[string]any{"amount": 1})
	j.Append(EventStakeUnlocked, "escrow", map[string]any{"amount": 1})

	e1, _ := j.Get(1)
	e2, _ := j.Get(2)
	if e2.PrevHash != e1.ContentHash {
		t.Fatal("second entry prev_hash should match first content_hash")
	}
}

func TestJournalGetOutOfRange(t *testing.T) {
	j := New()
	if _, err := j.Get(99); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestJournalCanonicalPayload(t *testing.T) {
	// Identical payloads with different map insertion orders must hash the
	// same, otherwise two nodes diverge on the chain.
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	j1 := New().WithClock(func() time.Time { return fixed })
	j2 := New().WithClock(func() time.Time { return fixed })

	j1.Append(EventRewardPaid, "treasury", map[string]any{"a": 1, "b": 2})
	j2.Append(EventRewardPaid, "treasury", map[string]any{"b": 2, "a": 1})

	if j1.Head() != j2.Head() {
		t.Fatal("canonicalization should make heads identical")
	}
}

func TestJournalRestore(t *testing.T) {
	j := New()
	j.Append(EventStakeIncreased, "o", map[string]any{"amount": 10})
	j.Append(EventWithdrawalQueued, "o", map[string]any{"amount": 4})

	var entries []Entry
	j.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})

	j2 := New()
	if err := j2.Restore(entries); err != nil {
		t.Fatal(err)
	}
	if j2.Length() != j.Length() {
		t.Fatalf("expected length %d, got %d", j.Length(), j2.Length())
	}
	if j2.Head() != j.Head() {
		t.Fatal("restored head should match the original")
	}
	if err := j2.Verify(); err != nil {
		t.Fatalf("restored chain should verify: %v", err)
	}

	// Appends continue the chain from the restored head.
	e, err := j2.Append(EventStakeLocked, "escrow", map[string]any{"amount": 4})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 3 {
		t.Fatalf("expected seq 3, got %d", e.Sequence)
	}
	if e.PrevHash != j.Head() {
		t.Fatal("continued entry should chain off the restored head")
	}
}

func TestJournalRestoreRejectsTamperedChain(t *testing.T) {
	j := New()
	j.Append(EventStakeIncreased, "o", map[string]any{"amount": 10})
	j.Append(EventWithdrawalQueued, "o", map[string]any{"amount": 4})

	var entries []Entry
	j.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	entries[1].Payload = []byte(`{"amount":400}`)

	if err := New().Restore(entries); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestJournalRestoreRejectsNonEmptyTarget(t *testing.T) {
	src := New()
	src.Append(EventStakeIncreased, "o", map[string]any{"amount": 10})
	var entries []Entry
	src.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})

	dst := New()
	dst.Append(EventTreasuryInflow, "", map[string]any{"amount": 5})
	if err := dst.Restore(entries); err == nil {
		t.Fatal("expected error restoring into a non-empty journal")
	}
}

func TestJournalReplay(t *testing.T) {
	j := New()
	j.Append(EventStakeIncreased, "o", map[string]any{"amount": 10})
	j.Append(EventWithdrawalQueued, "o", map[string]any{"amount": 4})

	var seen []EventType
	err := j.Replay(func(e Entry) error {
		seen = append(seen, e.Type)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != EventStakeIncreased || seen[1] != EventWithdrawalQueued {
		t.Fatalf("unexpected replay order: %v", seen)
	}
}
