package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/attest"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("escrow: task not found")
	// ErrWrongState is returned when a transition is requested from a state
	// that does not allow it.
	ErrWrongState = errors.New("escrow: wrong task state for this operation")
	// ErrClaimExpired is returned when the claim deadline has passed.
	ErrClaimExpired = errors.New("escrow: claim deadline passed")
	// ErrCompletionExpired is returned when the completion deadline has passed.
	ErrCompletionExpired = errors.New("escrow: completion deadline passed")
	// ErrNotAuthorized is returned when the caller may not drive the
	// requested transition.
	ErrNotAuthorized = errors.New("escrow: caller not authorized")
	// ErrUnknownAgent is returned when the claiming agent is not registered.
	ErrUnknownAgent = errors.New("escrow: unknown agent")
	// ErrNoStake is returned when the claiming agent has no stake in the
	// task's asset.
	ErrNoStake = errors.New("escrow: agent has no stake in the task asset")
	// ErrCommitmentMismatch is returned when the submitted commitment does
	// not bind this agent and task.
	ErrCommitmentMismatch = errors.New("escrow: commitment does not match task")
	// ErrZeroReward is returned when a task is posted without a reward.
	ErrZeroReward = errors.New("escrow: reward must be positive")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClaimed   Status = "CLAIMED"
	StatusSubmitted Status = "SUBMITTED"
	StatusCompleted Status = "COMPLETED"
	StatusDisputed  Status = "DISPUTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is one escrowed unit of work. The reward is escrowed by the
// machine's account at posting time; the bond is locked in the stake
// ledger at claim time.
type Task struct {
	ID      uint64   `json:"id"`
	Creator string   `json:"creator"`
	Asset   asset.ID `json:"asset"`
	Reward  uint64   `json:"reward"`
	Bond    uint64   `json:"bond"`
	AgentID uint64   `json:"agent_id,omitempty"`

	CreatedAt          time.Time `json:"created_at"`
	ClaimDeadline      time.Time `json:"claim_deadline"`      // zero: never expires
	CompletionDeadline time.Time `json:"completion_deadline"` // zero: never expires
	// CompletionWindow is the original relative window; the deadline is
	// recomputed from it at claim time.
	CompletionWindow time.Duration `json:"completion_window,omitempty"`

	Status       Status `json:"status"`
	MetadataRef  string `json:"metadata_ref,omitempty"`
	InputRef     string `json:"input_ref,omitempty"`
	CommitmentID string `json:"commitment_id,omitempty"`
	PaidOut      bool   `json:"paid_out"`
}

// StakeLedger is the slice of the stake ledger the machine drives. The
// machine never mutates a balance directly.
type StakeLedger interface {
	Lock(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error
	Unlock(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error
	Slash(ctx context.Context, caller string, agentID uint64, a asset.ID, amount uint64) error
	StakeOf(agentID uint64, a asset.ID) uint64
}

// Directory resolves agent ownership and delegated permissions.
type Directory interface {
	IsRegistered(id uint64) bool
	Owner(id uint64) (string, error)
	HasPermission(id uint64, operator string, p agents.Permission) bool
}

// Treasury receives donated rewards from dispute resolutions.
type Treasury interface {
	DepositReward(ctx context.Context, from string, a asset.ID, amount uint64) error
}

// CommitmentSource resolves commitments at submission time.
type CommitmentSource interface {
	Get(id string) (attest.Commitment, error)
}

// Config wires a Machine.
type Config struct {
	// Account is the machine's escrow account at the asset backend.
	Account string
	// Principal is the identity the machine presents to the stake ledger
	// for lock, unlock and slash calls.
	Principal string
	// RegistryPrincipal is the only caller accepted on the attestation
	// callback.
	RegistryPrincipal string
	// Authority is the dispute-resolution principal.
	Authority string
	// Admin may cancel open tasks alongside their creators.
	Admin string
}
