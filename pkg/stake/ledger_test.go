package stake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

type fixture struct {
	ledger   *Ledger
	registry *agents.Registry
	bank     *asset.MemoryBank
	trsy     *treasury.Engine
	now      time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bank: asset.NewMemoryBank(),
		now:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.registry = agents.NewRegistry()
	require.NoError(t, f.registry.Register(1, "alice"))

	jrnl := journal.New().WithClock(clock)
	trsy, err := treasury.NewEngine(treasury.Config{
		Account:   "treasury-vault",
		Authority: "authority",
		Distribution: treasury.DistributionConfig{
			TreasuryBps: 4000, InsuranceBps: 3000, RewardsBps: 3000,
		},
	}, f.bank, f.registry, jrnl)
	require.NoError(t, err)
	f.trsy = trsy.WithClock(clock)

	f.ledger = NewLedger(Config{
		Account:                "stake-vault",
		EscrowPrincipal:        "escrow",
		SlashPrincipal:         "escrow",
		DefaultUnbondingPeriod: 24 * time.Hour,
		DefaultEarlyExitBps:    500,
	}, f.registry, f.trsy, f.bank, jrnl).WithClock(clock)

	f.bank.Mint(asset.Native, "alice", 1_000)
	return f
}

func TestIncreasePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 0), ErrZeroAmount)
	assert.ErrorIs(t, f.ledger.Increase(ctx, "alice", 99, asset.Native, 10), ErrUnknownAgent)
	assert.ErrorIs(t, f.ledger.Increase(ctx, "alice", 1, "", 10), asset.ErrEmptyAsset)

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 200))
	assert.Equal(t, uint64(200), f.ledger.StakeOf(1, asset.Native))
	assert.Equal(t, uint64(200), f.ledger.GlobalTotal(asset.Native))
	assert.Equal(t, []asset.ID{asset.Native}, f.ledger.TrackedAssets())
	assert.Equal(t, uint64(200), f.bank.Balance(asset.Native, "stake-vault"))
}

func TestWithdrawAfterUnbonding(t *testing.T) {
	// Stake 200, request 80, wait out the unbonding period, claim
	// non-early: released 80, remaining total 120.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 200))

	release, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 80)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(24*time.Hour), release)
	assert.Equal(t, uint64(120), f.ledger.StakeOf(1, asset.Native))

	// Not matured yet.
	_, _, err = f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	f.advance(25 * time.Hour)
	released, penalty, err := f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), released)
	assert.Zero(t, penalty)
	assert.Equal(t, uint64(120), f.ledger.StakeOf(1, asset.Native))
	assert.Equal(t, uint64(880), f.bank.Balance(asset.Native, "alice"))
	assert.Empty(t, f.ledger.QueuedWithdrawals(1, asset.Native), "drained queue collapses")
}

func TestCancelWithdrawal(t *testing.T) {
	// Stake 50, request 20, cancel it: total restored to 50; a later
	// claim finds nothing.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 50))

	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), f.ledger.StakeOf(1, asset.Native))

	require.NoError(t, f.ledger.CancelWithdrawal(ctx, "alice", 1, asset.Native, 0))
	assert.Equal(t, uint64(50), f.ledger.StakeOf(1, asset.Native))

	// Double cancel hits the tombstone.
	assert.ErrorIs(t, f.ledger.CancelWithdrawal(ctx, "alice", 1, asset.Native, 0), ErrAlreadyCancelled)
	assert.ErrorIs(t, f.ledger.CancelWithdrawal(ctx, "alice", 1, asset.Native, 5), ErrIndexOutOfRange)

	f.advance(48 * time.Hour)
	_, _, err = f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestForceEarlyClaimRoutesPenalty(t *testing.T) {
	// Stake 500, request 200, claim immediately with forceEarly at 5%:
	// released 190, penalty 10, pools split 40/30/30 of the penalty.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 500))
	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 200)
	require.NoError(t, err)

	released, penalty, err := f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(190), released)
	assert.Equal(t, uint64(10), penalty)

	pools := f.trsy.PoolsFor(asset.Native)
	assert.Equal(t, uint64(4), pools.Treasury)
	assert.Equal(t, uint64(3), pools.Insurance)
	assert.Equal(t, uint64(3), pools.Rewards)
	assert.Equal(t, uint64(10), f.bank.Balance(asset.Native, "treasury-vault"))
}

func TestFIFOFairness(t *testing.T) {
	// Entries e1, e2 with increasing release times: a non-forced claim
	// never releases e2 while e1 is live and unmatured.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 300))

	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 100)
	require.NoError(t, err)
	f.advance(12 * time.Hour)
	_, err = f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 50)
	require.NoError(t, err)

	// Move past e1's release but not e2's.
	f.advance(13 * time.Hour)
	released, _, err := f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), released, "only the matured head entry is released")

	// e2 still queued.
	live := f.ledger.QueuedWithdrawals(1, asset.Native)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(50), live[0].Amount)
}

func TestClaimStopsAtUnmaturedHeadEvenIfLaterMatured(t *testing.T) {
	// Cancel the head, then the walk may pass its tombstone but must stop
	// at the first live unmatured entry.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 300))

	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 100)
	require.NoError(t, err)
	f.advance(12 * time.Hour)
	_, err = f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 50)
	require.NoError(t, err)

	// Cancel e1; e2 is unmatured, so a non-forced claim releases nothing.
	require.NoError(t, f.ledger.CancelWithdrawal(ctx, "alice", 1, asset.Native, 0))
	f.advance(13 * time.Hour)
	_, _, err = f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestClaimMaxEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 300))
	for i := 0; i < 3; i++ {
		_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 10)
		require.NoError(t, err)
	}
	f.advance(25 * time.Hour)

	released, _, err := f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 2, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), released)
	assert.Len(t, f.ledger.QueuedWithdrawals(1, asset.Native), 1)
}

func TestLockUnlockBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))

	assert.ErrorIs(t, f.ledger.Lock(ctx, "mallory", 1, asset.Native, 10), ErrNotAuthorized)
	assert.ErrorIs(t, f.ledger.Lock(ctx, "escrow", 1, asset.Native, 101), ErrExceedsAvailable)

	require.NoError(t, f.ledger.Lock(ctx, "escrow", 1, asset.Native, 60))
	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(60), p.Locked)
	assert.Equal(t, uint64(40), p.Available())

	// Locked stake is not withdrawable.
	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 41)
	assert.ErrorIs(t, err, ErrAmountTooLarge)

	assert.ErrorIs(t, f.ledger.Unlock(ctx, "escrow", 1, asset.Native, 61), ErrExceedsLocked)
	require.NoError(t, f.ledger.Unlock(ctx, "escrow", 1, asset.Native, 60))
	assert.Zero(t, f.ledger.PositionOf(1, asset.Native).Locked)
}

func TestSlashConsumesLockedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	require.NoError(t, f.ledger.Lock(ctx, "escrow", 1, asset.Native, 40))

	assert.ErrorIs(t, f.ledger.Slash(ctx, "mallory", 1, asset.Native, 10), ErrNotAuthorized)
	assert.ErrorIs(t, f.ledger.Slash(ctx, "escrow", 1, asset.Native, 101), ErrExceedsTotal)

	require.NoError(t, f.ledger.Slash(ctx, "escrow", 1, asset.Native, 50))
	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(50), p.Total)
	assert.Zero(t, p.Locked, "slash consumes locked stake first")
	assert.Equal(t, uint64(50), f.ledger.GlobalTotal(asset.Native))

	// Full amount routed through the treasury split: 40/30/30 of 50.
	pools := f.trsy.PoolsFor(asset.Native)
	assert.Equal(t, uint64(50), pools.Total())
	assert.Equal(t, uint64(20), pools.Treasury)
}

func TestSlashSparesQueuedWithdrawals(t *testing.T) {
	// Safe-harbor rule: queued amounts survive a full slash.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 30)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Slash(ctx, "escrow", 1, asset.Native, 70))
	assert.Zero(t, f.ledger.StakeOf(1, asset.Native))

	f.advance(25 * time.Hour)
	released, _, err := f.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), released)
}

func TestWithdrawalRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))

	_, err := f.ledger.RequestWithdrawal(ctx, "mallory", 1, asset.Native, 10)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.ledger.RequestWithdrawal(ctx, "alice", 42, asset.Native, 10)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRestorePositionRebuildsLiveState(t *testing.T) {
	// First life: stake 200, queue 50, lock 40, then reinstall the
	// persisted view into a fresh ledger.
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 200))
	_, err := f.ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, 50)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Lock(ctx, "escrow", 1, asset.Native, 40))

	pos := f.ledger.PositionOf(1, asset.Native)
	queue := f.ledger.QueuedWithdrawals(1, asset.Native)

	g := newFixture(t)
	g.now = f.now
	g.ledger.RestorePosition(1, asset.Native, pos, queue)

	restored := g.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(150), restored.Total)
	assert.Equal(t, uint64(40), restored.Locked)
	assert.Equal(t, uint64(150), g.ledger.GlobalTotal(asset.Native))
	assert.Equal(t, []asset.ID{asset.Native}, g.ledger.TrackedAssets())

	gotQueue := g.ledger.QueuedWithdrawals(1, asset.Native)
	require.Len(t, gotQueue, 1)
	assert.Equal(t, uint64(50), gotQueue[0].Amount)

	// Restoring the same pair again replaces rather than accumulates.
	g.ledger.RestorePosition(1, asset.Native, pos, queue)
	assert.Equal(t, uint64(150), g.ledger.GlobalTotal(asset.Native))

	// The restored queue matures like the original. The vault needs the
	// backing funds the first life deposited.
	g.bank.Mint(asset.Native, "stake-vault", 200)
	g.advance(25 * time.Hour)
	released, _, err := g.ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, 0, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), released)
}
