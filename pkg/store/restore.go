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

// PositionRecord is one persisted (agent, asset) stake position.
type PositionRecord struct {
	AgentID  uint64
	Asset    asset.ID
	Position stake.Position
}

// PoolsRecord is the persisted treasury pools of one asset.
type PoolsRecord struct {
	Asset asset.ID
	Pools treasury.Pools
}

// Restore rehydrates freshly constructed engines from the last snapshot:
// the journal chain is verified and reinstalled, then positions with
// their withdrawal queues, tasks, and treasury pools. The engines must
// be empty; call this after Init and before serving.
func (s *Store) Restore(ctx context.Context, jrnl *journal.Journal, ledger *stake.Ledger, machine *escrow.Machine, trsy *treasury.Engine) error {
	entries, err := s.JournalEntries(ctx, 0)
	if err != nil {
		return fmt.Errorf("store: restore journal: %w", err)
	}
	if err := jrnl.Restore(entries); err != nil {
		return err
	}

	positions, err := s.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("store: restore positions: %w", err)
	}
	for _, rec := range positions {
		queue, err := s.QueueFor(ctx, rec.AgentID, rec.Asset)
		if err != nil {
			return fmt.Errorf("store: restore queue for agent %d: %w", rec.AgentID, err)
		}
		ledger.RestorePosition(rec.AgentID, rec.Asset, rec.Position, queue)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("store: restore tasks: %w", err)
	}
	for _, t := range tasks {
		machine.Restore(t)
	}

	pools, err := s.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("store: restore pools: %w", err)
	}
	for _, rec := range pools {
		trsy.RestorePools(rec.Asset, rec.Pools)
	}
	return nil
}
