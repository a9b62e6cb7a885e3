// Package stake provides the multi-asset stake ledger: per-agent
// positions, task-bond locking, slashing, and the FIFO withdrawal queue
// with unbonding delays and early-exit penalties.
//
// The ledger is the sole owner of stake balances. The escrow machine
// locks and unlocks through it, the slash principal slashes through it;
// nothing else touches a balance. Every mutation preserves
// locked ≤ total, and every mutation is journaled.
//
// Slashing deliberately never reduces already-queued withdrawals: an
// agent that began exiting before the slash keeps its queued funds
// (safe-harbor rule). The slash journal event carries the live queue
// total so the exposure is auditable.
package stake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

const bpsDenominator = 10_000

type posKey struct {
	agent uint64
	asset asset.ID
}

// Ledger is the stake ledger.
type Ledger struct {
	mu  sync.Mutex
	cfg Config

	positions map[posKey]*Position
	queues    map[posKey]*withdrawalQueue

	// trackedSet/tracked bound iteration for aggregate views; the set
	// grows monotonically and never shrinks.
	trackedSet map[asset.ID]bool
	tracked    []asset.ID

	// globalTotals mirrors the sum of position totals per asset.
	globalTotals map[asset.ID]uint64

	directory Directory
	trsy      Treasury
	bank      asset.Bank
	jrnl      *journal.Journal
	logger    *slog.Logger
	clock     func() time.Time
}

// NewLedger creates a stake ledger.
func NewLedger(cfg Config, directory Directory, trsy Treasury, bank asset.Bank, jrnl *journal.Journal) *Ledger {
	return &Ledger{
		cfg:          cfg,
		positions:    make(map[posKey]*Position),
		queues:       make(map[posKey]*withdrawalQueue),
		trackedSet:   make(map[asset.ID]bool),
		globalTotals: make(map[asset.ID]uint64),
		directory:    directory,
		trsy:         trsy,
		bank:         bank,
		jrnl:         jrnl,
		logger:       slog.Default().With("component", "stake"),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) positionFor(k posKey) *Position {
	p, ok := l.positions[k]
	if !ok {
		p = &Position{}
		l.positions[k] = p
	}
	return p
}

func (l *Ledger) queueFor(k posKey) *withdrawalQueue {
	q, ok := l.queues[k]
	if !ok {
		q = &withdrawalQueue{}
		l.queues[k] = q
	}
	return q
}

func (l *Ledger) track(a asset.ID) {
	if !l.trackedSet[a] {
		l.trackedSet[a] = true
		l.tracked = append(l.tracked, a)
	}
}

func (l *Ledger) requireOwner(agentID uint64, caller string) error {
	owner, err := l.directory.Owner(agentID)
	if err != nil {
		return ErrUnknownAgent
	}
	if owner != caller {
		return ErrNotOwner
	}
	return nil
}

type balanceEvent struct {
	AgentID uint64   `json:"agent_id"`
	Asset   asset.ID `json:"asset"`
	Amount  uint64   `json:"amount"`
	Total   uint64   `json:"total"`
	Locked  uint64   `json:"locked"`
}

// Increase adds amount to the agent's stake, pulling the funds from the
// caller's account. Anyone may top up a registered agent.
func (l *Ledger) Increase(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if !a.Valid() {
		return asset.ErrEmptyAsset
	}
	if !l.directory.IsRegistered(agentID) {
		return ErrUnknownAgent
	}

	// Inbound transfer first: a rejected pull aborts with no state change.
	if err := asset.Pull(ctx, l.bank, a, caller, l.cfg.Account, amount); err != nil {
		return fmt.Errorf("stake: deposit transfer: %w", err)
	}

	l.mu.Lock()
	k := posKey{agentID, a}
	p := l.positionFor(k)
	p.Total += amount
	l.globalTotals[a] += amount
	l.track(a)
	total, locked := p.Total, p.Locked
	l.mu.Unlock()

	// Funds already moved; Append only fails on payload marshal, which a
	// fixed-shape struct cannot trigger.
	if _, err := l.jrnl.Append(journal.EventStakeIncreased, caller, balanceEvent{
		AgentID: agentID, Asset: a, Amount: amount, Total: total, Locked: locked,
	}); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "stake increased",
		"agent_id", agentID, "asset", string(a), "amount", amount, "total", total)
	return nil
}

// RequestWithdrawal moves amount out of the agent's stake into the
// withdrawal queue. The amount stops being available immediately; it is
// released after the asset's unbonding period. Owner only.
func (l *Ledger) RequestWithdrawal(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) (time.Time, error) {
	if amount == 0 {
		return time.Time{}, ErrZeroAmount
	}
	if err := l.requireOwner(agentID, caller); err != nil {
		return time.Time{}, err
	}

	l.mu.Lock()
	k := posKey{agentID, a}
	p := l.positionFor(k)
	if amount > p.Available() {
		l.mu.Unlock()
		return time.Time{}, ErrAmountTooLarge
	}
	release := l.clock().Add(l.cfg.UnbondingFor(a))
	p.Total -= amount
	l.globalTotals[a] -= amount
	l.queueFor(k).append(WithdrawalEntry{Amount: amount, ReleaseTime: release})
	l.mu.Unlock()

	if _, err := l.jrnl.Append(journal.EventWithdrawalQueued, caller, map[string]any{
		"agent_id": agentID, "asset": a, "amount": amount, "release_time": release,
	}); err != nil {
		return time.Time{}, err
	}
	return release, nil
}

// CancelWithdrawal cancels a queued entry addressed by its index relative
// to the current head, restoring its amount to the stake total. Owner
// only.
func (l *Ledger) CancelWithdrawal(ctx context.Context, caller string, agentID uint64, a asset.ID, relativeIndex uint64) error {
	if err := l.requireOwner(agentID, caller); err != nil {
		return err
	}

	l.mu.Lock()
	k := posKey{agentID, a}
	q := l.queueFor(k)
	abs := q.resolve(relativeIndex)
	if abs < 0 {
		l.mu.Unlock()
		return ErrIndexOutOfRange
	}
	entry := &q.entries[abs]
	if entry.Amount == 0 {
		l.mu.Unlock()
		return ErrAlreadyCancelled
	}
	amount := entry.Amount
	entry.Amount = 0
	p := l.positionFor(k)
	p.Total += amount
	l.globalTotals[a] += amount
	l.mu.Unlock()

	if _, err := l.jrnl.Append(journal.EventWithdrawalCancelled, caller, map[string]any{
		"agent_id": agentID, "asset": a, "amount": amount, "index": relativeIndex,
	}); err != nil {
		return err
	}
	return nil
}

// ClaimWithdrawals walks the queue from the head and releases matured
// entries to the receiver, up to maxEntries live entries (unbounded when
// zero). With forceEarly, unmatured entries are released too, minus the
// early-exit penalty routed to the treasury. Without forceEarly the walk
// stops at the first unmatured entry, preserving FIFO fairness. Owner
// only.
func (l *Ledger) ClaimWithdrawals(ctx context.Context, caller string, agentID uint64, a asset.ID, maxEntries uint64, receiver string, forceEarly bool) (released, penalty uint64, err error) {
	if err := l.requireOwner(agentID, caller); err != nil {
		return 0, 0, err
	}
	if receiver == "" {
		receiver = caller
	}

	l.mu.Lock()
	k := posKey{agentID, a}
	q := l.queueFor(k)
	backup := q.snapshot()
	now := l.clock()
	bps := uint64(l.cfg.EarlyExitBpsFor(a))

	var processed uint64
	for q.head < len(q.entries) {
		entry := &q.entries[q.head]
		if entry.Amount == 0 {
			q.head++
			continue
		}
		if maxEntries > 0 && processed == maxEntries {
			break
		}
		if entry.ReleaseTime.After(now) {
			if !forceEarly {
				break
			}
			cut := entry.Amount * bps / bpsDenominator
			penalty += cut
			released += entry.Amount - cut
		} else {
			released += entry.Amount
		}
		entry.Amount = 0
		q.head++
		processed++
	}
	// Sweep trailing tombstones so a drained queue collapses.
	for q.head < len(q.entries) && q.entries[q.head].Amount == 0 {
		q.head++
	}
	q.collapse()

	if released == 0 && penalty == 0 {
		*q = backup
		l.mu.Unlock()
		return 0, 0, ErrNothingToWithdraw
	}
	l.mu.Unlock()

	// Queue state is committed; transfers happen outside the lock. A
	// rejected transfer restores the queue and aborts the whole claim.
	rollback := func() {
		l.mu.Lock()
		*l.queueFor(k) = backup
		l.mu.Unlock()
	}
	if err := asset.Send(ctx, l.bank, a, l.cfg.Account, receiver, released); err != nil {
		rollback()
		return 0, 0, fmt.Errorf("stake: withdrawal transfer: %w", err)
	}
	if penalty > 0 {
		if err := asset.Send(ctx, l.bank, a, l.cfg.Account, l.trsy.Account(), penalty); err != nil {
			rollback()
			return 0, 0, fmt.Errorf("stake: penalty transfer: %w", err)
		}
		if err := l.trsy.Inflow(ctx, agentID, a, penalty, treasury.KindEarlyExit); err != nil {
			return 0, 0, err
		}
	}

	if _, err := l.jrnl.Append(journal.EventWithdrawalClaimed, caller, map[string]any{
		"agent_id": agentID, "asset": a, "released": released, "penalty": penalty,
		"receiver": receiver, "force_early": forceEarly,
	}); err != nil {
		return 0, 0, err
	}
	l.logger.InfoContext(ctx, "withdrawals claimed",
		"agent_id", agentID, "asset", string(a), "released", released, "penalty", penalty)
	return released, penalty, nil
}

// Lock reserves amount of available stake as a task bond. Escrow
// principal only. Locked stake never touches queued withdrawals.
func (l *Ledger) Lock(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error {
	if caller != l.cfg.EscrowPrincipal {
		return ErrNotAuthorized
	}
	if amount == 0 {
		return ErrZeroAmount
	}

	l.mu.Lock()
	p := l.positionFor(posKey{agentID, a})
	if amount > p.Available() {
		l.mu.Unlock()
		return ErrExceedsAvailable
	}
	p.Locked += amount
	total, locked := p.Total, p.Locked
	l.mu.Unlock()

	_, err := l.jrnl.Append(journal.EventStakeLocked, caller, balanceEvent{
		AgentID: agentID, Asset: a, Amount: amount, Total: total, Locked: locked,
	})
	return err
}

// Unlock releases previously locked stake. Escrow principal only.
func (l *Ledger) Unlock(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error {
	if caller != l.cfg.EscrowPrincipal {
		return ErrNotAuthorized
	}
	if amount == 0 {
		return ErrZeroAmount
	}

	l.mu.Lock()
	p := l.positionFor(posKey{agentID, a})
	if amount > p.Locked {
		l.mu.Unlock()
		return ErrExceedsLocked
	}
	p.Locked -= amount
	total, locked := p.Total, p.Locked
	l.mu.Unlock()

	_, err := l.jrnl.Append(journal.EventStakeUnlocked, caller, balanceEvent{
		AgentID: agentID, Asset: a, Amount: amount, Total: total, Locked: locked,
	})
	return err
}

// Slash confiscates amount of the agent's stake, consuming locked stake
// first, and routes the full amount through the treasury inflow split.
// Queued withdrawals are never reduced. Slash principal only.
func (l *Ledger) Slash(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error {
	if caller != l.cfg.SlashPrincipal {
		return ErrNotAuthorized
	}
	if amount == 0 {
		return ErrZeroAmount
	}

	l.mu.Lock()
	k := posKey{agentID, a}
	p := l.positionFor(k)
	if amount > p.Total {
		l.mu.Unlock()
		return ErrExceedsTotal
	}
	backup := *p
	p.Total -= amount
	if amount < p.Locked {
		p.Locked -= amount
	} else {
		p.Locked = 0
	}
	l.globalTotals[a] -= amount
	total, locked := p.Total, p.Locked
	queued := l.queueFor(k).liveAmount()
	l.mu.Unlock()

	if err := asset.Send(ctx, l.bank, a, l.cfg.Account, l.trsy.Account(), amount); err != nil {
		l.mu.Lock()
		*l.positionFor(k) = backup
		l.globalTotals[a] += amount
		l.mu.Unlock()
		return fmt.Errorf("stake: slash transfer: %w", err)
	}
	if err := l.trsy.Inflow(ctx, agentID, a, amount, treasury.KindSlash); err != nil {
		return err
	}

	if _, err := l.jrnl.Append(journal.EventStakeSlashed, caller, map[string]any{
		"agent_id": agentID, "asset": a, "amount": amount,
		"total": total, "locked": locked, "queued_untouched": queued,
	}); err != nil {
		return err
	}
	l.logger.WarnContext(ctx, "stake slashed",
		"agent_id", agentID, "asset", string(a), "amount", amount, "queued_untouched", queued)
	return nil
}

// PositionOf returns the agent's position for an asset.
func (l *Ledger) PositionOf(agentID uint64, a asset.ID) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[posKey{agentID, a}]; ok {
		return *p
	}
	return Position{}
}

// StakeOf returns the agent's total stake in an asset.
func (l *Ledger) StakeOf(agentID uint64, a asset.ID) uint64 {
	return l.PositionOf(agentID, a).Total
}

// QueuedWithdrawals returns the live view of the agent's queue (entries
// at and after the head; tombstones appear with a zero amount so
// relative indices line up with CancelWithdrawal).
func (l *Ledger) QueuedWithdrawals(agentID uint64, a asset.ID) []WithdrawalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[posKey{agentID, a}]; ok {
		return q.live()
	}
	return nil
}

// TrackedAssets returns every asset that has ever received stake, in
// first-seen order.
func (l *Ledger) TrackedAssets() []asset.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]asset.ID, len(l.tracked))
	copy(out, l.tracked)
	return out
}

// GlobalTotal returns the tracked sum of all agents' stake in an asset.
func (l *Ledger) GlobalTotal(a asset.ID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalTotals[a]
}

// PositionsOf returns the agent's positions across all tracked assets,
// skipping empty ones.
func (l *Ledger) PositionsOf(agentID uint64) map[asset.ID]Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[asset.ID]Position)
	for _, a := range l.tracked {
		if p, ok := l.positions[posKey{agentID, a}]; ok && (p.Total > 0 || p.Locked > 0) {
			out[a] = *p
		}
	}
	return out
}

// ForEachPosition visits every nonempty (agent, asset) position together
// with its live withdrawal queue. Visit order is unspecified. Used for
// state snapshots; visit must not call back into the ledger.
func (l *Ledger) ForEachPosition(visit func(agentID uint64, a asset.ID, p Position, queue []WithdrawalEntry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, p := range l.positions {
		if p.Total == 0 && p.Locked == 0 {
			if q, ok := l.queues[k]; !ok || q.liveAmount() == 0 {
				continue
			}
		}
		var queue []WithdrawalEntry
		if q, ok := l.queues[k]; ok {
			queue = q.live()
		}
		if err := visit(k.agent, k.asset, *p, queue); err != nil {
			return err
		}
	}
	return nil
}

// RestorePosition installs a persisted position and withdrawal queue for
// one (agent, asset), replacing any existing state for the pair. Global
// totals and the tracked-asset set are brought back in line. Used when
// rehydrating a node from its snapshot before serving.
func (l *Ledger) RestorePosition(agentID uint64, a asset.ID, p Position, queue []WithdrawalEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := posKey{agentID, a}
	if old, ok := l.positions[k]; ok {
		l.globalTotals[a] -= old.Total
	}

	pos := p
	l.positions[k] = &pos
	q := &withdrawalQueue{entries: make([]WithdrawalEntry, len(queue))}
	copy(q.entries, queue)
	l.queues[k] = q

	l.globalTotals[a] += p.Total
	l.track(a)
}
