// Package escrow provides the task escrow state machine. A task moves
// Open → Claimed → Submitted → Completed, with Submitted → Disputed on a
// failed attestation and Disputed → Completed on resolution; Open tasks
// can be cancelled. Rewards are escrowed at posting, bonds are locked in
// the stake ledger at claim, and every terminal transition re-enters the
// ledger and treasury exactly once.
//
// The machine's mutex is held for the full duration of every operation,
// external transfers included, so a hostile transfer recipient cannot
// re-enter mid-operation and observe intermediate state.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

// Machine is the task escrow state machine.
type Machine struct {
	mu     sync.Mutex
	cfg    Config
	tasks  map[uint64]*Task
	byCmt  map[string]uint64
	nextID uint64

	ledger      StakeLedger
	directory   Directory
	trsy        Treasury
	commitments CommitmentSource
	bank        asset.Bank
	jrnl        *journal.Journal
	logger      *slog.Logger
	clock       func() time.Time
}

// NewMachine creates an escrow machine.
func NewMachine(cfg Config, ledger StakeLedger, directory Directory, trsy Treasury, commitments CommitmentSource, bank asset.Bank, jrnl *journal.Journal) *Machine {
	return &Machine{
		cfg:         cfg,
		tasks:       make(map[uint64]*Task),
		byCmt:       make(map[string]uint64),
		nextID:      1,
		ledger:      ledger,
		directory:   directory,
		trsy:        trsy,
		commitments: commitments,
		bank:        bank,
		jrnl:        jrnl,
		logger:      slog.Default().With("component", "escrow"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Principal returns the identity the machine presents to the ledger.
func (m *Machine) Principal() string {
	return m.cfg.Principal
}

// Post escrows a new task. The creator deposits the full reward up
// front; claim and completion windows are relative and converted to
// absolute deadlines here (zero means the deadline never expires).
func (m *Machine) Post(ctx context.Context, creator string, a asset.ID, reward, bond uint64, claimWindow, completionWindow time.Duration, metadataRef, inputRef string) (uint64, error) {
	if reward == 0 {
		return 0, ErrZeroReward
	}
	if !a.Valid() {
		return 0, asset.ErrEmptyAsset
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Escrow the reward before the task exists; a rejected deposit
	// leaves no trace.
	if err := asset.Pull(ctx, m.bank, a, creator, m.cfg.Account, reward); err != nil {
		return 0, fmt.Errorf("escrow: reward deposit: %w", err)
	}

	now := m.clock()
	t := &Task{
		ID:               m.nextID,
		Creator:          creator,
		Asset:            a,
		Reward:           reward,
		Bond:             bond,
		CreatedAt:        now,
		Status:           StatusOpen,
		MetadataRef:      metadataRef,
		InputRef:         inputRef,
		CompletionWindow: completionWindow,
	}
	if claimWindow > 0 {
		t.ClaimDeadline = now.Add(claimWindow)
	}
	if completionWindow > 0 {
		t.CompletionDeadline = now.Add(completionWindow)
	}
	m.nextID++
	m.tasks[t.ID] = t

	if _, err := m.jrnl.Append(journal.EventTaskPosted, creator, map[string]any{
		"task_id": t.ID, "asset": a, "reward": reward, "bond": bond,
	}); err != nil {
		return 0, err
	}
	m.logger.InfoContext(ctx, "task posted",
		"task_id", t.ID, "asset", string(a), "reward", reward, "bond", bond)
	return t.ID, nil
}

// Claim assigns an open task to an agent. The caller must be the agent's
// owner or hold the claim delegation; the agent needs nonzero stake in
// the task's asset, and the bond (if any) is locked in the ledger. The
// claim deadline is single-use and the completion window restarts from
// claim time.
func (m *Machine) Claim(ctx context.Context, caller string, taskID, agentID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusOpen {
		return ErrWrongState
	}
	now := m.clock()
	if !t.ClaimDeadline.IsZero() && now.After(t.ClaimDeadline) {
		return ErrClaimExpired
	}
	if !m.directory.IsRegistered(agentID) {
		return ErrUnknownAgent
	}
	if !m.directory.HasPermission(agentID, caller, agents.PermissionClaim) {
		return ErrNotAuthorized
	}
	if m.ledger.StakeOf(agentID, t.Asset) == 0 {
		return ErrNoStake
	}
	if t.Bond > 0 {
		if err := m.ledger.Lock(ctx, m.cfg.Principal, agentID, t.Asset, t.Bond); err != nil {
			return err
		}
	}

	t.AgentID = agentID
	t.Status = StatusClaimed
	t.ClaimDeadline = time.Time{}
	if t.CompletionWindow > 0 {
		t.CompletionDeadline = now.Add(t.CompletionWindow)
	}

	if _, err := m.jrnl.Append(journal.EventTaskClaimed, caller, map[string]any{
		"task_id": taskID, "agent_id": agentID, "bond": t.Bond,
	}); err != nil {
		return err
	}
	return nil
}

// Submit binds a pre-existing inference commitment to a claimed task.
// Submission never creates the commitment; it must already exist and
// reference exactly this agent and task.
func (m *Machine) Submit(ctx context.Context, caller string, taskID uint64, commitmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusClaimed {
		return ErrWrongState
	}
	now := m.clock()
	if !t.CompletionDeadline.IsZero() && now.After(t.CompletionDeadline) {
		return ErrCompletionExpired
	}
	if !m.directory.HasPermission(t.AgentID, caller, agents.PermissionSubmit) {
		return ErrNotAuthorized
	}
	c, err := m.commitments.Get(commitmentID)
	if err != nil {
		return err
	}
	if c.AgentID != t.AgentID || c.TaskID != taskID {
		return ErrCommitmentMismatch
	}

	t.CommitmentID = commitmentID
	t.Status = StatusSubmitted
	m.byCmt[commitmentID] = taskID

	if _, err := m.jrnl.Append(journal.EventTaskSubmitted, caller, map[string]any{
		"task_id": taskID, "commitment_id": commitmentID,
	}); err != nil {
		return err
	}
	return nil
}

// OnAttestation is the attestation registry's callback. On success the
// bond is unlocked and the escrowed reward paid to the claiming agent's
// current owner, exactly once; on failure the task becomes Disputed with
// bond and reward held.
func (m *Machine) OnAttestation(ctx context.Context, caller, commitmentID string, success bool) error {
	if caller != m.cfg.RegistryPrincipal {
		return ErrNotAuthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	taskID, ok := m.byCmt[commitmentID]
	if !ok {
		return ErrTaskNotFound
	}
	t := m.tasks[taskID]

	// A repeated success callback after payout is a no-op, never a
	// second payment.
	if t.Status == StatusCompleted && t.PaidOut {
		return nil
	}
	if t.Status != StatusSubmitted {
		return ErrWrongState
	}

	if !success {
		t.Status = StatusDisputed
		if _, err := m.jrnl.Append(journal.EventTaskDisputed, caller, map[string]any{
			"task_id": taskID, "commitment_id": commitmentID,
		}); err != nil {
			return err
		}
		m.logger.WarnContext(ctx, "task disputed", "task_id", taskID)
		return nil
	}

	if t.Bond > 0 {
		if err := m.ledger.Unlock(ctx, m.cfg.Principal, t.AgentID, t.Asset, t.Bond); err != nil {
			return err
		}
	}
	owner, err := m.directory.Owner(t.AgentID)
	if err != nil {
		if t.Bond > 0 {
			if lockErr := m.ledger.Lock(ctx, m.cfg.Principal, t.AgentID, t.Asset, t.Bond); lockErr != nil {
				m.logger.ErrorContext(ctx, "bond re-lock failed during rollback",
					"task_id", taskID, "agent_id", t.AgentID, "bond", t.Bond, "error", lockErr)
			}
		}
		return ErrUnknownAgent
	}

	t.PaidOut = true
	t.Status = StatusCompleted
	if err := asset.Send(ctx, m.bank, t.Asset, m.cfg.Account, owner, t.Reward); err != nil {
		// Full rollback: the whole operation aborts with no side effects.
		t.PaidOut = false
		t.Status = StatusSubmitted
		if t.Bond > 0 {
			if lockErr := m.ledger.Lock(ctx, m.cfg.Principal, t.AgentID, t.Asset, t.Bond); lockErr != nil {
				m.logger.ErrorContext(ctx, "bond re-lock failed during rollback",
					"task_id", taskID, "agent_id", t.AgentID, "bond", t.Bond, "error", lockErr)
			}
		}
		return fmt.Errorf("escrow: reward payout: %w", err)
	}

	// The payout has settled; an Append error here cannot undo it. Append
	// only fails on payload marshal, unreachable for this fixed shape.
	if _, err := m.jrnl.Append(journal.EventTaskCompleted, caller, map[string]any{
		"task_id": taskID, "agent_id": t.AgentID, "reward": t.Reward, "recipient": owner,
	}); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "task completed",
		"task_id", taskID, "agent_id", t.AgentID, "reward", t.Reward)
	return nil
}

// ResolveDispute settles a disputed task. The authority independently
// decides whether the bond is slashed or unlocked, and whether the
// reward is refunded to the creator or donated to the treasury rewards
// pool. The task always lands in Completed with bond and reward cleared.
func (m *Machine) ResolveDispute(ctx context.Context, caller string, taskID uint64, slashBond, refundReward bool) error {
	if caller != m.cfg.Authority {
		return ErrNotAuthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusDisputed {
		return ErrWrongState
	}

	// Route the reward first: both destinations draw on the escrow
	// account only, so a rejected transfer aborts with nothing changed.
	if t.Reward > 0 {
		if refundReward {
			if err := asset.Send(ctx, m.bank, t.Asset, m.cfg.Account, t.Creator, t.Reward); err != nil {
				return fmt.Errorf("escrow: reward refund: %w", err)
			}
		} else {
			if err := m.trsy.DepositReward(ctx, m.cfg.Account, t.Asset, t.Reward); err != nil {
				return fmt.Errorf("escrow: reward donation: %w", err)
			}
		}
	}
	if t.Bond > 0 {
		var err error
		if slashBond {
			err = m.ledger.Slash(ctx, m.cfg.Principal, t.AgentID, t.Asset, t.Bond)
		} else {
			err = m.ledger.Unlock(ctx, m.cfg.Principal, t.AgentID, t.Asset, t.Bond)
		}
		if err != nil {
			return err
		}
	}

	reward, bond := t.Reward, t.Bond
	t.Reward = 0
	t.Bond = 0
	t.PaidOut = true
	t.Status = StatusCompleted

	if _, err := m.jrnl.Append(journal.EventTaskResolved, caller, map[string]any{
		"task_id": taskID, "slashed": slashBond, "refunded": refundReward,
		"reward": reward, "bond": bond,
	}); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "dispute resolved",
		"task_id", taskID, "slashed", slashBond, "refunded", refundReward)
	return nil
}

// Cancel refunds an open task's reward to its creator. Only legal while
// no agent has claimed; creator or admin only.
func (m *Machine) Cancel(ctx context.Context, caller string, taskID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusOpen {
		return ErrWrongState
	}
	if caller != t.Creator && caller != m.cfg.Admin {
		return ErrNotAuthorized
	}

	if err := asset.Send(ctx, m.bank, t.Asset, m.cfg.Account, t.Creator, t.Reward); err != nil {
		return fmt.Errorf("escrow: reward refund: %w", err)
	}
	refund := t.Reward
	t.Reward = 0
	t.Status = StatusCancelled

	if _, err := m.jrnl.Append(journal.EventTaskCancelled, caller, map[string]any{
		"task_id": taskID, "refund": refund,
	}); err != nil {
		return err
	}
	return nil
}

// Get returns a copy of the task record.
func (m *Machine) Get(taskID uint64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Restore installs a persisted task record, replacing any existing one
// and advancing the id counter past it. Used when rehydrating a node
// from its snapshot before serving.
func (m *Machine) Restore(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := t
	m.tasks[t.ID] = &cp
	if t.CommitmentID != "" {
		m.byCmt[t.CommitmentID] = t.ID
	}
	if t.ID >= m.nextID {
		m.nextID = t.ID + 1
	}
}

// List returns tasks ordered by id, paginated by offset/limit (zero
// limit returns everything from offset on).
func (m *Machine) List(offset, limit int) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for id := uint64(1); id < m.nextID; id++ {
		if t, ok := m.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
