package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/escrow"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/stake"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// AppendJournalEntry persists one journal entry. The seq primary key
// rejects duplicates, so replaying an already-flushed prefix is harmless.
func (s *Store) AppendJournalEntry(ctx context.Context, e journal.Entry) error {
	query := `
		INSERT INTO journal_entries (seq, event_type, actor, payload, prev_hash, content_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, string(e.Type), e.Actor, string(e.Payload), e.PrevHash, e.ContentHash, e.Timestamp,
	)
	return err
}

// JournalEntries returns all persisted entries with seq > after, in order.
func (s *Store) JournalEntries(ctx context.Context, after uint64) ([]journal.Entry, error) {
	query := `
		SELECT seq, event_type, actor, payload, prev_hash, content_hash, recorded_at
		FROM journal_entries WHERE seq > $1 ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, after)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]journal.Entry, 0)
	for rows.Next() {
		var e journal.Entry
		var et, payload string
		if err := rows.Scan(&e.Sequence, &et, &e.Actor, &payload, &e.PrevHash, &e.ContentHash, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = journal.EventType(et)
		e.Payload = json.RawMessage(payload)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// JournalLength returns the highest persisted sequence number.
func (s *Store) JournalLength(ctx context.Context) (uint64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal_entries`).Scan(&n)
	if err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

// UpsertPosition writes one (agent, asset) stake position.
func (s *Store) UpsertPosition(ctx context.Context, agentID uint64, a asset.ID, p stake.Position) error {
	query := `
		INSERT INTO positions (agent_id, asset, total, locked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, asset) DO UPDATE SET total = $3, locked = $4
	`
	_, err := s.db.ExecContext(ctx, query, agentID, string(a), p.Total, p.Locked)
	return err
}

// GetPosition reads one (agent, asset) stake position.
func (s *Store) GetPosition(ctx context.Context, agentID uint64, a asset.ID) (stake.Position, error) {
	query := `SELECT total, locked FROM positions WHERE agent_id = $1 AND asset = $2`
	var p stake.Position
	err := s.db.QueryRowContext(ctx, query, agentID, string(a)).Scan(&p.Total, &p.Locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stake.Position{}, ErrNotFound
		}
		return stake.Position{}, err
	}
	return p, nil
}

// ReplaceQueue overwrites the persisted withdrawal queue for one
// (agent, asset). Tombstones are not persisted; positions are reindexed
// from zero.
func (s *Store) ReplaceQueue(ctx context.Context, agentID uint64, a asset.ID, entries []stake.WithdrawalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM withdrawal_entries WHERE agent_id = $1 AND asset = $2`,
		agentID, string(a),
	); err != nil {
		return err
	}
	pos := 0
	for _, e := range entries {
		if e.Amount == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO withdrawal_entries (agent_id, asset, position, amount, release_time) VALUES ($1, $2, $3, $4, $5)`,
			agentID, string(a), pos, e.Amount, e.ReleaseTime,
		); err != nil {
			return err
		}
		pos++
	}
	return tx.Commit()
}

// QueueFor reads the persisted withdrawal queue for one (agent, asset).
func (s *Store) QueueFor(ctx context.Context, agentID uint64, a asset.ID) ([]stake.WithdrawalEntry, error) {
	query := `
		SELECT amount, release_time FROM withdrawal_entries
		WHERE agent_id = $1 AND asset = $2 ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, string(a))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]stake.WithdrawalEntry, 0)
	for rows.Next() {
		var e stake.WithdrawalEntry
		if err := rows.Scan(&e.Amount, &e.ReleaseTime); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertTask writes one task record. The completion window is persisted
// in seconds so a restored open task still recomputes its deadline at
// claim time.
func (s *Store) UpsertTask(ctx context.Context, t escrow.Task) error {
	query := `
		INSERT INTO tasks (id, creator, asset, reward, bond, agent_id, status, commitment_id, metadata_ref, input_ref, paid_out, created_at, claim_deadline, completion_deadline, completion_window_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			reward = $4, bond = $5, agent_id = $6, status = $7, commitment_id = $8,
			paid_out = $11, claim_deadline = $13, completion_deadline = $14
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Creator, string(t.Asset), t.Reward, t.Bond, t.AgentID,
		string(t.Status), t.CommitmentID, t.MetadataRef, t.InputRef,
		t.PaidOut, t.CreatedAt, t.ClaimDeadline, t.CompletionDeadline,
		int64(t.CompletionWindow/time.Second),
	)
	return err
}

// GetTask reads one task record.
func (s *Store) GetTask(ctx context.Context, id uint64) (escrow.Task, error) {
	query := `
		SELECT id, creator, asset, reward, bond, agent_id, status, commitment_id, metadata_ref, input_ref, paid_out, created_at, claim_deadline, completion_deadline, completion_window_s
		FROM tasks WHERE id = $1
	`
	var t escrow.Task
	var a, status string
	var windowSecs int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Creator, &a, &t.Reward, &t.Bond, &t.AgentID,
		&status, &t.CommitmentID, &t.MetadataRef, &t.InputRef,
		&t.PaidOut, &t.CreatedAt, &t.ClaimDeadline, &t.CompletionDeadline,
		&windowSecs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return escrow.Task{}, ErrNotFound
		}
		return escrow.Task{}, err
	}
	t.Asset = asset.ID(a)
	t.Status = escrow.Status(status)
	t.CompletionWindow = time.Duration(windowSecs) * time.Second
	return t, nil
}

// ListTasks returns all persisted tasks ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]escrow.Task, error) {
	query := `
		SELECT id, creator, asset, reward, bond, agent_id, status, commitment_id, metadata_ref, input_ref, paid_out, created_at, claim_deadline, completion_deadline, completion_window_s
		FROM tasks ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]escrow.Task, 0)
	for rows.Next() {
		var t escrow.Task
		var a, status string
		var windowSecs int64
		if err := rows.Scan(
			&t.ID, &t.Creator, &a, &t.Reward, &t.Bond, &t.AgentID,
			&status, &t.CommitmentID, &t.MetadataRef, &t.InputRef,
			&t.PaidOut, &t.CreatedAt, &t.ClaimDeadline, &t.CompletionDeadline,
			&windowSecs,
		); err != nil {
			return nil, err
		}
		t.Asset = asset.ID(a)
		t.Status = escrow.Status(status)
		t.CompletionWindow = time.Duration(windowSecs) * time.Second
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListPositions returns every persisted (agent, asset) stake position.
func (s *Store) ListPositions(ctx context.Context) ([]PositionRecord, error) {
	query := `SELECT agent_id, asset, total, locked FROM positions ORDER BY agent_id, asset`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]PositionRecord, 0)
	for rows.Next() {
		var rec PositionRecord
		var a string
		if err := rows.Scan(&rec.AgentID, &a, &rec.Position.Total, &rec.Position.Locked); err != nil {
			return nil, err
		}
		rec.Asset = asset.ID(a)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListPools returns the persisted treasury pools of every asset.
func (s *Store) ListPools(ctx context.Context) ([]PoolsRecord, error) {
	query := `SELECT asset, treasury, insurance, rewards FROM pools ORDER BY asset`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]PoolsRecord, 0)
	for rows.Next() {
		var rec PoolsRecord
		var a string
		if err := rows.Scan(&a, &rec.Pools.Treasury, &rec.Pools.Insurance, &rec.Pools.Rewards); err != nil {
			return nil, err
		}
		rec.Asset = asset.ID(a)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertPools writes the treasury pool balances for one asset.
func (s *Store) UpsertPools(ctx context.Context, a asset.ID, p treasury.Pools) error {
	query := `
		INSERT INTO pools (asset, treasury, insurance, rewards)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset) DO UPDATE SET treasury = $2, insurance = $3, rewards = $4
	`
	_, err := s.db.ExecContext(ctx, query, string(a), p.Treasury, p.Insurance, p.Rewards)
	return err
}

// GetPools reads the treasury pool balances for one asset.
func (s *Store) GetPools(ctx context.Context, a asset.ID) (treasury.Pools, error) {
	query := `SELECT treasury, insurance, rewards FROM pools WHERE asset = $1`
	var p treasury.Pools
	err := s.db.QueryRowContext(ctx, query, string(a)).Scan(&p.Treasury, &p.Insurance, &p.Rewards)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return treasury.Pools{}, ErrNotFound
		}
		return treasury.Pools{}, err
	}
	return p, nil
}
