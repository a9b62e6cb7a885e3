package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/escrow"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/stake"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

// Snapshot flushes the node's live state: journal entries not yet
// persisted, every stake position with its withdrawal queue, all tasks,
// and the treasury pools of every tracked asset. Safe to call repeatedly;
// the journal flush is incremental and the rest is idempotent upserts.
func (s *Store) Snapshot(ctx context.Context, jrnl *journal.Journal, ledger *stake.Ledger, machine *escrow.Machine, trsy *treasury.Engine) error {
	persisted, err := s.JournalLength(ctx)
	if err != nil {
		return fmt.Errorf("store: journal length: %w", err)
	}
	if err := jrnl.Replay(func(e journal.Entry) error {
		if e.Sequence <= persisted {
			return nil
		}
		return s.AppendJournalEntry(ctx, e)
	}); err != nil {
		return err
	}

	if err := ledger.ForEachPosition(func(agentID uint64, a asset.ID, p stake.Position, queue []stake.WithdrawalEntry) error {
		if err := s.UpsertPosition(ctx, agentID, a, p); err != nil {
			return err
		}
		return s.ReplaceQueue(ctx, agentID, a, queue)
	}); err != nil {
		return fmt.Errorf("store: snapshot positions: %w", err)
	}

	for _, t := range machine.List(0, 0) {
		if err := s.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("store: snapshot task %d: %w", t.ID, err)
		}
	}

	for _, a := range ledger.TrackedAssets() {
		if err := s.UpsertPools(ctx, a, trsy.PoolsFor(a)); err != nil {
			return fmt.Errorf("store: snapshot pools %s: %w", a, err)
		}
	}
	return nil
}
