package escrow

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/attest"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/reputation"
	"github.com/Mindburn-Labs/keel/pkg/stake"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

type fixture struct {
	machine  *Machine
	ledger   *stake.Ledger
	registry *agents.Registry
	attests  *attest.Registry
	trsy     *treasury.Engine
	bank     *asset.MemoryBank
	now      time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bank: asset.NewMemoryBank(),
		now:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	jrnl := journal.New().WithClock(f.clock)

	f.registry = agents.NewRegistry()
	require.NoError(t, f.registry.Register(1, "alice"))

	var err error
	f.trsy, err = treasury.NewEngine(treasury.Config{
		Account:   "treasury-vault",
		Authority: "authority",
		Distribution: treasury.DistributionConfig{
			TreasuryBps: 4000, InsuranceBps: 3000, RewardsBps: 3000,
		},
	}, f.bank, f.registry, jrnl)
	require.NoError(t, err)
	f.trsy.WithClock(f.clock)

	f.ledger = stake.NewLedger(stake.Config{
		Account:                "stake-vault",
		EscrowPrincipal:        "escrow",
		SlashPrincipal:         "escrow",
		DefaultUnbondingPeriod: 24 * time.Hour,
	}, f.registry, f.trsy, f.bank, jrnl).WithClock(f.clock)

	rep := reputation.NewTracker()
	f.attests = attest.NewRegistry(attest.Config{
		Principal: "attest",
		Verifiers: []string{"verifier"},
	}, f.registry, rep, jrnl).WithClock(f.clock)

	f.machine = NewMachine(Config{
		Account:           "escrow-vault",
		Principal:         "escrow",
		RegistryPrincipal: "attest",
		Authority:         "authority",
		Admin:             "admin",
	}, f.ledger, f.registry, f.trsy, f.attests, f.bank, jrnl).WithClock(f.clock)
	f.attests.BindTasks(f.machine)

	f.bank.Mint(asset.Native, "creator", 1_000)
	f.bank.Mint(asset.Native, "alice", 1_000)
	return f
}

// post + claim + submit up to the attestation step.
func (f *fixture) submittedTask(t *testing.T, reward, bond uint64) (taskID uint64, commitmentID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))

	taskID, err := f.machine.Post(ctx, "creator", asset.Native, reward, bond, time.Hour, time.Hour, "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Claim(ctx, "alice", taskID, 1))

	commitmentID, err = f.attests.Commit(ctx, "alice", 1, taskID, "in-hash", "out-hash", "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Submit(ctx, "alice", taskID, commitmentID))
	return taskID, commitmentID
}

func TestPostPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Post(ctx, "creator", asset.Native, 0, 10, 0, 0, "", "")
	assert.ErrorIs(t, err, ErrZeroReward)
	_, err = f.machine.Post(ctx, "creator", "", 60, 10, 0, 0, "", "")
	assert.ErrorIs(t, err, asset.ErrEmptyAsset)

	// Deposit failure leaves no task behind.
	_, err = f.machine.Post(ctx, "broke", asset.Native, 60, 10, 0, 0, "", "")
	assert.ErrorIs(t, err, asset.ErrInsufficientFunds)
	assert.Empty(t, f.machine.List(0, 0))
}

func TestPostEscrowsReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, time.Hour, 2*time.Hour, "meta", "input")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), f.bank.Balance(asset.Native, "escrow-vault"))

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, task.Status)
	assert.Equal(t, f.now.Add(time.Hour), task.ClaimDeadline)
	assert.Equal(t, f.now.Add(2*time.Hour), task.CompletionDeadline)
}

func TestClaimPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, time.Hour, 0, "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", 999, 1), ErrTaskNotFound)
	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", id, 7), ErrUnknownAgent)
	assert.ErrorIs(t, f.machine.Claim(ctx, "mallory", id, 1), ErrNotAuthorized)

	// No stake in the task's asset.
	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", id, 1), ErrNoStake)

	// Stake present but less than the bond: the ledger refuses the lock.
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 30))
	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", id, 1), stake.ErrExceedsAvailable)

	// Claim deadline is enforced.
	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 70))
	f.now = f.now.Add(2 * time.Hour)
	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", id, 1), ErrClaimExpired)
}

func TestClaimLocksBondAndRestartsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, time.Hour, 3*time.Hour, "", "")
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, f.machine.Claim(ctx, "alice", id, 1))

	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(40), p.Locked)

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, task.Status)
	assert.Equal(t, uint64(1), task.AgentID)
	// The completion window restarts from claim time.
	assert.Equal(t, f.now.Add(3*time.Hour), task.CompletionDeadline)

	assert.ErrorIs(t, f.machine.Claim(ctx, "alice", id, 1), ErrWrongState)
}

func TestClaimViaDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	require.NoError(t, f.registry.Delegate(1, "alice", "operator", agents.PermissionClaim))

	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, 0, 0, "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Claim(ctx, "operator", id, 1))
}

func TestSubmitBindsCommitment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, 0, time.Hour, "", "")
	require.NoError(t, err)

	cid, err := f.attests.Commit(ctx, "alice", 1, id, "in", "out", "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.machine.Submit(ctx, "alice", id, cid), ErrWrongState)
	require.NoError(t, f.machine.Claim(ctx, "alice", id, 1))

	assert.ErrorIs(t, f.machine.Submit(ctx, "mallory", id, cid), ErrNotAuthorized)
	_, err = f.machine.Get(999)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	// Commitment bound to another task is rejected.
	other, err := f.attests.Commit(ctx, "alice", 1, id+1, "in2", "out2", "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, f.machine.Submit(ctx, "alice", id, other), ErrCommitmentMismatch)

	require.NoError(t, f.machine.Submit(ctx, "alice", id, cid))
	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, task.Status)
	assert.Equal(t, cid, task.CommitmentID)
}

func TestSubmitAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 0, 0, time.Hour, "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Claim(ctx, "alice", id, 1))

	cid, err := f.attests.Commit(ctx, "alice", 1, id, "in", "out", "", "")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	assert.ErrorIs(t, f.machine.Submit(ctx, "alice", id, cid), ErrCompletionExpired)
}

func TestSuccessfulAttestationPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, cid := f.submittedTask(t, 60, 40)

	require.NoError(t, f.attests.Attest(ctx, "verifier", cid, true, "", nil))

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.True(t, task.PaidOut)

	// Bond released, reward paid to the agent's owner, escrow drained.
	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(0), p.Locked)
	assert.Equal(t, uint64(100), p.Total)
	assert.Equal(t, uint64(960), f.bank.Balance(asset.Native, "alice"))
	assert.Equal(t, uint64(0), f.bank.Balance(asset.Native, "escrow-vault"))

	// Re-attestation is single-shot at the registry.
	assert.ErrorIs(t, f.attests.Attest(ctx, "verifier", cid, true, "", nil), attest.ErrAlreadyAttested)

	// A direct repeat callback is a no-op, never a second payment.
	require.NoError(t, f.machine.OnAttestation(ctx, "attest", cid, true))
	assert.Equal(t, uint64(960), f.bank.Balance(asset.Native, "alice"))
}

func TestCallbackAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, cid := f.submittedTask(t, 60, 40)
	assert.ErrorIs(t, f.machine.OnAttestation(ctx, "mallory", cid, true), ErrNotAuthorized)
	assert.ErrorIs(t, f.machine.OnAttestation(ctx, "attest", "no-such-commitment", true), ErrTaskNotFound)
}

func TestFailedAttestationDisputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, cid := f.submittedTask(t, 60, 40)
	require.NoError(t, f.attests.Attest(ctx, "verifier", cid, false, "evidence", nil))

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, task.Status)
	assert.False(t, task.PaidOut)

	// Bond stays locked and reward stays escrowed until resolution.
	assert.Equal(t, uint64(40), f.ledger.PositionOf(1, asset.Native).Locked)
	assert.Equal(t, uint64(60), f.bank.Balance(asset.Native, "escrow-vault"))
}

func TestResolveDisputeSlashAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, cid := f.submittedTask(t, 60, 40)
	require.NoError(t, f.attests.Attest(ctx, "verifier", cid, false, "", nil))

	assert.ErrorIs(t, f.machine.ResolveDispute(ctx, "mallory", id, true, true), ErrNotAuthorized)

	creatorBefore := f.bank.Balance(asset.Native, "creator")
	require.NoError(t, f.machine.ResolveDispute(ctx, "authority", id, true, true))

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.True(t, task.PaidOut)
	assert.Zero(t, task.Reward)
	assert.Zero(t, task.Bond)

	// Reward refunded to the creator.
	assert.Equal(t, creatorBefore+60, f.bank.Balance(asset.Native, "creator"))

	// Bond slashed from the agent's stake into the treasury: 40/30/30
	// split of 40 is 16/12/12.
	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(60), p.Total)
	assert.Equal(t, uint64(0), p.Locked)
	pools := f.trsy.PoolsFor(asset.Native)
	assert.Equal(t, uint64(16), pools.Treasury)
	assert.Equal(t, uint64(12), pools.Insurance)
	assert.Equal(t, uint64(12), pools.Rewards)

	assert.ErrorIs(t, f.machine.ResolveDispute(ctx, "authority", id, true, true), ErrWrongState)
}

func TestResolveDisputeReleaseAndDonate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, cid := f.submittedTask(t, 60, 40)
	require.NoError(t, f.attests.Attest(ctx, "verifier", cid, false, "", nil))

	require.NoError(t, f.machine.ResolveDispute(ctx, "authority", id, false, false))

	// Bond released in full, reward donated to the rewards pool.
	p := f.ledger.PositionOf(1, asset.Native)
	assert.Equal(t, uint64(100), p.Total)
	assert.Equal(t, uint64(0), p.Locked)
	assert.Equal(t, uint64(60), f.trsy.PoolsFor(asset.Native).Rewards)
	assert.Equal(t, uint64(60), f.bank.Balance(asset.Native, "treasury-vault"))
}

func TestCancelRefundsOpenTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, 0, 0, "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.machine.Cancel(ctx, "mallory", id), ErrNotAuthorized)

	require.NoError(t, f.machine.Cancel(ctx, "creator", id))
	assert.Equal(t, uint64(1_000), f.bank.Balance(asset.Native, "creator"))

	task, err := f.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.True(t, task.Status.Terminal())

	// No cancellation after claim.
	id2, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, 0, 0, "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Claim(ctx, "alice", id2, 1))
	assert.ErrorIs(t, f.machine.Cancel(ctx, "creator", id2), ErrWrongState)
}

func TestAdminCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 0, 0, 0, "", "")
	require.NoError(t, err)
	require.NoError(t, f.machine.Cancel(ctx, "admin", id))
	assert.Equal(t, uint64(1_000), f.bank.Balance(asset.Native, "creator"))
}

func TestRestoreInstallsTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.machine.Post(ctx, "creator", asset.Native, 60, 40, time.Hour, 3*time.Hour, "", "")
	require.NoError(t, err)
	task, err := f.machine.Get(id)
	require.NoError(t, err)

	// A second machine, as after a restart, with the persisted record
	// installed.
	g := newFixture(t)
	g.machine.Restore(task)

	got, err := g.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	// The id sequence continues past restored tasks.
	next, err := g.machine.Post(ctx, "creator", asset.Native, 10, 0, 0, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, id+1, next)

	// The completion window survives the round trip, so claiming after a
	// restart still restarts the window from claim time.
	require.NoError(t, g.ledger.Increase(ctx, "alice", 1, asset.Native, 100))
	g.now = g.now.Add(30 * time.Minute)
	require.NoError(t, g.machine.Claim(ctx, "alice", id, 1))
	claimed, err := g.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, g.now.Add(3*time.Hour), claimed.CompletionDeadline)
}

func TestRestoreRebindsCommitmentIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, cid := f.submittedTask(t, 60, 40)
	task, err := f.machine.Get(id)
	require.NoError(t, err)

	g := newFixture(t)
	g.machine.Restore(task)

	// The callback resolves the restored task through its commitment.
	require.NoError(t, g.machine.OnAttestation(ctx, "attest", cid, false))
	got, err := g.machine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
}

type relockLedger struct {
	lockErr error
	locks   int
}

func (l *relockLedger) Lock(context.Context, string, uint64, asset.ID, uint64) error {
	l.locks++
	return l.lockErr
}
func (l *relockLedger) Unlock(context.Context, string, uint64, asset.ID, uint64) error {
	return nil
}

func (l *relockLedger) Slash(context.Context, string, uint64, asset.ID, uint64) error {
	return nil
}

func (l *relockLedger) StakeOf(uint64, asset.ID) uint64 { return 100 }

type ownerlessDirectory struct{}

func (ownerlessDirectory) IsRegistered(uint64) bool { return true }

func (ownerlessDirectory) Owner(uint64) (string, error) {
	return "", agents.ErrAgentNotFound
}

func (ownerlessDirectory) HasPermission(uint64, string, agents.Permission) bool { return true }

type nopTreasury struct{}

func (nopTreasury) DepositReward(context.Context, string, asset.ID, uint64) error { return nil }

type emptyCommitments struct{}

func (emptyCommitments) Get(string) (attest.Commitment, error) {
	return attest.Commitment{}, attest.ErrCommitmentNotFound
}

func TestRollbackRelockFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	led := &relockLedger{lockErr: stake.ErrExceedsAvailable}
	m := NewMachine(Config{
		Account:           "escrow-vault",
		Principal:         "escrow",
		RegistryPrincipal: "attest",
	}, led, ownerlessDirectory{}, nopTreasury{}, emptyCommitments{}, asset.NewMemoryBank(), journal.New())
	m.Restore(Task{
		ID: 1, Creator: "creator", Asset: asset.Native, Reward: 60, Bond: 40,
		AgentID: 1, Status: StatusSubmitted, CommitmentID: "cmt-1",
	})

	// The owner lookup fails after the bond was unlocked; the rollback
	// re-lock fails too, which must surface in the log rather than
	// vanish.
	err := m.OnAttestation(context.Background(), "attest", "cmt-1", true)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	task, err := m.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, task.Status)

	assert.Equal(t, 1, led.locks)
	assert.Contains(t, buf.String(), "bond re-lock failed during rollback")
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.machine.Post(ctx, "creator", asset.Native, 10, 0, 0, 0, "", "")
		require.NoError(t, err)
	}
	all := f.machine.List(0, 0)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(1), all[0].ID)

	page := f.machine.List(2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].ID)
	assert.Nil(t, f.machine.List(10, 2))
}
