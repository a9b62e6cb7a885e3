// Package treasury provides the fund-routing engine: slash and penalty
// inflows are split across the treasury, insurance and rewards pools by
// basis-point weights, and rewards are paid out under authorization.
//
// The split assigns the rewards share as the remainder after the other
// two, so the three shares always sum exactly to the inflow amount no
// matter how integer division rounds.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

const bpsDenominator = 10_000

var (
	// ErrNotAuthorized is returned when the caller is not the treasury authority.
	ErrNotAuthorized = errors.New("treasury: caller not authorized")
	// ErrInsufficientPool is returned when a payout exceeds the pool balance.
	ErrInsufficientPool = errors.New("treasury: amount exceeds pool balance")
	// ErrUnknownPool is returned for a pool name other than treasury or insurance.
	ErrUnknownPool = errors.New("treasury: unknown pool")
	// ErrBadDistribution is returned when the bps weights do not sum to 10000.
	ErrBadDistribution = errors.New("treasury: distribution bps must sum to 10000")
	// ErrUnknownAgent is returned when a default recipient cannot be resolved.
	ErrUnknownAgent = errors.New("treasury: unknown agent")
)

// Kind labels the origin of an inflow.
type Kind string

const (
	KindSlash     Kind = "slash"
	KindEarlyExit Kind = "early_exit"
)

// DistributionConfig holds the basis-point split weights.
type DistributionConfig struct {
	TreasuryBps  uint32 `json:"treasury_bps"`
	InsuranceBps uint32 `json:"insurance_bps"`
	RewardsBps   uint32 `json:"rewards_bps"`
}

// Validate checks that the weights sum to exactly 10000 bps.
func (c DistributionConfig) Validate() error {
	if c.TreasuryBps+c.InsuranceBps+c.RewardsBps != bpsDenominator {
		return ErrBadDistribution
	}
	return nil
}

// Split divides amount into treasury/insurance/rewards shares. The rewards
// share absorbs integer rounding so the shares sum exactly to amount.
func (c DistributionConfig) Split(amount uint64) (treasury, insurance, rewards uint64) {
	treasury = amount * uint64(c.TreasuryBps) / bpsDenominator
	insurance = amount * uint64(c.InsuranceBps) / bpsDenominator
	rewards = amount - treasury - insurance
	return treasury, insurance, rewards
}

// Pools are the per-asset running balances.
type Pools struct {
	Treasury  uint64 `json:"treasury"`
	Insurance uint64 `json:"insurance"`
	Rewards   uint64 `json:"rewards"`
}

// Total returns the sum of the three pools.
func (p Pools) Total() uint64 {
	return p.Treasury + p.Insurance + p.Rewards
}

// OwnerDirectory resolves an agent's current owner for default payout
// recipients.
type OwnerDirectory interface {
	Owner(id uint64) (string, error)
}

// Config wires an Engine.
type Config struct {
	// Account is the treasury's account at the asset backend. Inflow
	// callers move backing funds here before recording.
	Account string
	// Authority is the only principal allowed to pay rewards or withdraw
	// from pools.
	Authority    string
	Distribution DistributionConfig
}

// Engine is the treasury distribution engine.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	pools  map[asset.ID]*Pools
	bank   asset.Bank
	owners OwnerDirectory
	jrnl   *journal.Journal
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine creates a treasury engine. The distribution config must be
// valid.
func NewEngine(cfg Config, bank asset.Bank, owners OwnerDirectory, jrnl *journal.Journal) (*Engine, error) {
	if err := cfg.Distribution.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		pools:  make(map[asset.ID]*Pools),
		bank:   bank,
		owners: owners,
		jrnl:   jrnl,
		logger: slog.Default().With("component", "treasury"),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Account returns the treasury's backing account.
func (e *Engine) Account() string {
	return e.cfg.Account
}

func (e *Engine) poolsFor(a asset.ID) *Pools {
	p, ok := e.pools[a]
	if !ok {
		p = &Pools{}
		e.pools[a] = p
	}
	return p
}

type inflowEvent struct {
	AgentID   uint64   `json:"agent_id"`
	Asset     asset.ID `json:"asset"`
	Amount    uint64   `json:"amount"`
	Kind      Kind     `json:"kind"`
	Treasury  uint64   `json:"treasury_share"`
	Insurance uint64   `json:"insurance_share"`
	Rewards   uint64   `json:"rewards_share"`
}

// Inflow records a slash or early-exit penalty and splits it across the
// pools. The backing funds must already sit in the treasury account; the
// ledger moves them before calling here. A zero amount is a no-op.
func (e *Engine) Inflow(ctx context.Context, agentID uint64, a asset.ID, amount uint64, kind Kind) error {
	if amount == 0 {
		return nil
	}
	if !a.Valid() {
		return asset.ErrEmptyAsset
	}

	e.mu.Lock()
	t, i, r := e.cfg.Distribution.Split(amount)
	p := e.poolsFor(a)
	p.Treasury += t
	p.Insurance += i
	p.Rewards += r
	e.mu.Unlock()

	if _, err := e.jrnl.Append(journal.EventTreasuryInflow, "", inflowEvent{
		AgentID: agentID, Asset: a, Amount: amount, Kind: kind,
		Treasury: t, Insurance: i, Rewards: r,
	}); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "inflow recorded",
		"agent_id", agentID, "asset", string(a), "amount", amount, "kind", string(kind))
	return nil
}

// DepositReward pulls amount from the depositor and credits the rewards
// pool in full, without splitting.
func (e *Engine) DepositReward(ctx context.Context, from string, a asset.ID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if !a.Valid() {
		return asset.ErrEmptyAsset
	}
	if err := asset.Pull(ctx, e.bank, a, from, e.cfg.Account, amount); err != nil {
		return fmt.Errorf("treasury: deposit transfer: %w", err)
	}

	e.mu.Lock()
	e.poolsFor(a).Rewards += amount
	e.mu.Unlock()

	if _, err := e.jrnl.Append(journal.EventRewardDeposited, from, map[string]any{
		"asset": a, "amount": amount,
	}); err != nil {
		return err
	}
	return nil
}

type payoutEvent struct {
	ReceiptID string   `json:"receipt_id"`
	AgentID   uint64   `json:"agent_id"`
	Asset     asset.ID `json:"asset"`
	Amount    uint64   `json:"amount"`
	Recipient string   `json:"recipient"`
	Reason    string   `json:"reason,omitempty"`
}

// PayReward pays amount from the rewards pool. The recipient defaults to
// the agent's current owner. Authority only.
func (e *Engine) PayReward(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64, recipient, reason string) error {
	if caller != e.cfg.Authority {
		return ErrNotAuthorized
	}
	if recipient == "" {
		owner, err := e.owners.Owner(agentID)
		if err != nil {
			return fmt.Errorf("%w: %d", ErrUnknownAgent, agentID)
		}
		recipient = owner
	}

	e.mu.Lock()
	p := e.poolsFor(a)
	if amount > p.Rewards {
		e.mu.Unlock()
		return ErrInsufficientPool
	}
	p.Rewards -= amount
	e.mu.Unlock()

	// State committed before the external transfer; a failed transfer
	// restores the pool and aborts.
	if err := asset.Send(ctx, e.bank, a, e.cfg.Account, recipient, amount); err != nil {
		e.mu.Lock()
		e.poolsFor(a).Rewards += amount
		e.mu.Unlock()
		return fmt.Errorf("treasury: payout transfer: %w", err)
	}

	if _, err := e.jrnl.Append(journal.EventRewardPaid, caller, payoutEvent{
		ReceiptID: uuid.New().String(),
		AgentID:   agentID, Asset: a, Amount: amount,
		Recipient: recipient, Reason: reason,
	}); err != nil {
		return err
	}
	return nil
}

// WithdrawPool withdraws from the treasury or insurance pool. Authority
// only.
func (e *Engine) WithdrawPool(ctx context.Context, caller, pool string, a asset.ID, amount uint64, to string) error {
	if caller != e.cfg.Authority {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	p := e.poolsFor(a)
	var balance *uint64
	switch pool {
	case "treasury":
		balance = &p.Treasury
	case "insurance":
		balance = &p.Insurance
	default:
		e.mu.Unlock()
		return ErrUnknownPool
	}
	if amount > *balance {
		e.mu.Unlock()
		return ErrInsufficientPool
	}
	*balance -= amount
	e.mu.Unlock()

	if err := asset.Send(ctx, e.bank, a, e.cfg.Account, to, amount); err != nil {
		e.mu.Lock()
		switch pool {
		case "treasury":
			e.poolsFor(a).Treasury += amount
		case "insurance":
			e.poolsFor(a).Insurance += amount
		}
		e.mu.Unlock()
		return fmt.Errorf("treasury: pool withdrawal transfer: %w", err)
	}

	if _, err := e.jrnl.Append(journal.EventPoolWithdrawn, caller, map[string]any{
		"pool": pool, "asset": a, "amount": amount, "to": to,
	}); err != nil {
		return err
	}
	return nil
}

// PoolsFor returns a copy of the per-asset pool balances.
func (e *Engine) PoolsFor(a asset.ID) Pools {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[a]; ok {
		return *p
	}
	return Pools{}
}

// RestorePools installs persisted pool balances for one asset, replacing
// any existing ones. Used when rehydrating a node from its snapshot
// before serving.
func (e *Engine) RestorePools(a asset.ID, p Pools) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p
	e.pools[a] = &cp
}
