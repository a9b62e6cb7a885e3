package stake

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

var (
	// ErrUnknownAgent is returned when the agent id is not registered.
	ErrUnknownAgent = errors.New("stake: unknown agent")
	// ErrZeroAmount is returned when an operation is given a zero amount.
	ErrZeroAmount = errors.New("stake: amount must be positive")
	// ErrAmountTooLarge is returned when a withdrawal request exceeds the
	// available (unlocked) stake.
	ErrAmountTooLarge = errors.New("stake: amount exceeds available stake")
	// ErrExceedsAvailable is returned when a lock exceeds available stake.
	ErrExceedsAvailable = errors.New("stake: lock exceeds available stake")
	// ErrExceedsLocked is returned when an unlock exceeds the locked amount.
	ErrExceedsLocked = errors.New("stake: unlock exceeds locked stake")
	// ErrExceedsTotal is returned when a slash exceeds the total stake.
	ErrExceedsTotal = errors.New("stake: slash exceeds total stake")
	// ErrIndexOutOfRange is returned when a cancellation index does not
	// resolve to a queue entry.
	ErrIndexOutOfRange = errors.New("stake: withdrawal index out of range")
	// ErrAlreadyCancelled is returned when cancelling an entry that was
	// already cancelled or consumed.
	ErrAlreadyCancelled = errors.New("stake: withdrawal entry already cleared")
	// ErrNothingToWithdraw is returned when a claim releases and penalizes
	// nothing.
	ErrNothingToWithdraw = errors.New("stake: nothing to withdraw")
	// ErrNotAuthorized is returned when the caller may not lock, unlock or
	// slash.
	ErrNotAuthorized = errors.New("stake: caller not authorized")
	// ErrNotOwner is returned when the caller does not control the agent.
	ErrNotOwner = errors.New("stake: caller is not the agent owner")
)

// Position is the per-(agent, asset) stake balance. Locked never exceeds
// Total; Available is the difference.
type Position struct {
	Total  uint64 `json:"total"`
	Locked uint64 `json:"locked"`
}

// Available returns the stake that is neither locked nor queued.
func (p Position) Available() uint64 {
	return p.Total - p.Locked
}

// WithdrawalEntry is one queued withdrawal. A zero Amount is a tombstone:
// the entry was cancelled or consumed and is skipped by the claim walk.
type WithdrawalEntry struct {
	Amount      uint64    `json:"amount"`
	ReleaseTime time.Time `json:"release_time"`
}

// Directory is the agent lookup the ledger needs: existence and ownership.
type Directory interface {
	IsRegistered(id uint64) bool
	Owner(id uint64) (string, error)
}

// Treasury receives slash and early-exit inflows.
type Treasury interface {
	Account() string
	Inflow(ctx context.Context, agentID uint64, a asset.ID, amount uint64, kind treasury.Kind) error
}

// Config wires a Ledger.
type Config struct {
	// Account is the vault holding all staked funds at the asset backend.
	Account string
	// EscrowPrincipal is the only caller allowed to lock and unlock.
	EscrowPrincipal string
	// SlashPrincipal is the only caller allowed to slash.
	SlashPrincipal string

	DefaultUnbondingPeriod time.Duration
	UnbondingPeriods       map[asset.ID]time.Duration

	// DefaultEarlyExitBps is the penalty (basis points of the entry
	// amount) for claiming an unmatured withdrawal with forceEarly.
	DefaultEarlyExitBps uint32
	EarlyExitBps        map[asset.ID]uint32
}

// UnbondingFor returns the unbonding period for an asset.
func (c Config) UnbondingFor(a asset.ID) time.Duration {
	if d, ok := c.UnbondingPeriods[a]; ok {
		return d
	}
	return c.DefaultUnbondingPeriod
}

// EarlyExitBpsFor returns the early-exit penalty rate for an asset.
func (c Config) EarlyExitBpsFor(a asset.ID) uint32 {
	if bps, ok := c.EarlyExitBps[a]; ok {
		return bps
	}
	return c.DefaultEarlyExitBps
}
