// Package attest records inference commitments and verifier attestations.
// A commitment binds an agent's reported work (input/output/model hashes)
// to a verification request; an attestation is a verifier's single-shot
// binary judgment on it. When a commitment is bound to a task, the
// attestation outcome is forwarded to the escrow machine, authenticated
// by the registry's own principal.
package attest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/keel/pkg/journal"
)

var (
	// ErrUnknownAgent is returned when the committing agent is not registered.
	ErrUnknownAgent = errors.New("attest: unknown agent")
	// ErrEmptyHash is returned when a commitment lacks input or output hashes.
	ErrEmptyHash = errors.New("attest: input and output hashes are required")
	// ErrCommitmentNotFound is returned for an unknown commitment id.
	ErrCommitmentNotFound = errors.New("attest: commitment not found")
	// ErrAlreadyAttested is returned on a second attestation for the same
	// commitment. Attestation is single-shot.
	ErrAlreadyAttested = errors.New("attest: commitment already attested")
	// ErrNotVerifier is returned when the caller is not an authorized verifier.
	ErrNotVerifier = errors.New("attest: caller is not an authorized verifier")
)

// Commitment is an immutable record of reported work. Created once, never
// mutated. A zero TaskID means the commitment is not bound to a task.
type Commitment struct {
	ID         string    `json:"id"`
	AgentID    uint64    `json:"agent_id"`
	Nonce      uint64    `json:"nonce"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash"`
	ModelHash  string    `json:"model_hash,omitempty"`
	TaskID     uint64    `json:"task_id,omitempty"`
	Reporter   string    `json:"reporter"`
	ProofRef   string    `json:"proof_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Attestation is a verifier's judgment on a commitment.
type Attestation struct {
	CommitmentID string    `json:"commitment_id"`
	Verifier     string    `json:"verifier"`
	Success      bool      `json:"success"`
	EvidenceRef  string    `json:"evidence_ref,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReputationDelta is a per-agent score adjustment carried by an
// attestation.
type ReputationDelta struct {
	AgentID uint64 `json:"agent_id"`
	Delta   int64  `json:"delta"`
	Weight  uint64 `json:"weight"`
}

// Directory is the agent existence check the registry needs.
type Directory interface {
	IsRegistered(id uint64) bool
}

// ReputationSink receives score adjustments.
type ReputationSink interface {
	Apply(agentID uint64, delta int64, weight uint64)
}

// TaskCallback is the escrow machine's attestation entry point. The
// caller argument carries the registry's principal so the machine can
// verify the callback's origin.
type TaskCallback interface {
	OnAttestation(ctx context.Context, caller, commitmentID string, success bool) error
}

// Config wires a Registry.
type Config struct {
	// Principal identifies this registry to the escrow machine.
	Principal string
	// Verifiers are the principals allowed to attest.
	Verifiers []string
}

// Registry stores commitments and attestations.
type Registry struct {
	mu           sync.RWMutex
	cfg          Config
	verifiers    map[string]bool
	commitments  map[string]Commitment
	attestations map[string]Attestation
	nonces       map[uint64]uint64

	directory  Directory
	reputation ReputationSink
	tasks      TaskCallback
	jrnl       *journal.Journal
	logger     *slog.Logger
	clock      func() time.Time
}

// NewRegistry creates an attestation registry. The task callback may be
// bound later via BindTasks to break the construction cycle with the
// escrow machine.
func NewRegistry(cfg Config, directory Directory, reputation ReputationSink, jrnl *journal.Journal) *Registry {
	verifiers := make(map[string]bool, len(cfg.Verifiers))
	for _, v := range cfg.Verifiers {
		verifiers[v] = true
	}
	return &Registry{
		cfg:          cfg,
		verifiers:    verifiers,
		commitments:  make(map[string]Commitment),
		attestations: make(map[string]Attestation),
		nonces:       make(map[uint64]uint64),
		directory:    directory,
		reputation:   reputation,
		jrnl:         jrnl,
		logger:       slog.Default().With("component", "attest"),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// BindTasks attaches the escrow callback target.
func (r *Registry) BindTasks(tasks TaskCallback) {
	r.tasks = tasks
}

// Principal returns the registry's own identity.
func (r *Registry) Principal() string {
	return r.cfg.Principal
}

// deriveID computes the commitment identifier from the agent id, the
// per-agent nonce and the reported hashes, over the RFC 8785 canonical
// form so the id is stable across implementations.
func deriveID(agentID, nonce uint64, inputHash, outputHash string) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"agent_id":    agentID,
		"nonce":       nonce,
		"input_hash":  inputHash,
		"output_hash": outputHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("attest: canonicalize commitment: %w", err)
	}
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:]), nil
}

// Commit records a new inference commitment and returns its id.
func (r *Registry) Commit(ctx context.Context, reporter string, agentID, taskID uint64, inputHash, outputHash, modelHash, proofRef string) (string, error) {
	if inputHash == "" || outputHash == "" {
		return "", ErrEmptyHash
	}
	if !r.directory.IsRegistered(agentID) {
		return "", ErrUnknownAgent
	}

	r.mu.Lock()
	nonce := r.nonces[agentID]
	id, err := deriveID(agentID, nonce, inputHash, outputHash)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.nonces[agentID] = nonce + 1
	c := Commitment{
		ID:         id,
		AgentID:    agentID,
		Nonce:      nonce,
		InputHash:  inputHash,
		OutputHash: outputHash,
		ModelHash:  modelHash,
		TaskID:     taskID,
		Reporter:   reporter,
		ProofRef:   proofRef,
		Timestamp:  r.clock(),
	}
	r.commitments[id] = c
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "commitment recorded",
		"commitment_id", id, "agent_id", agentID, "task_id", taskID)
	return id, nil
}

// Get returns a commitment by id.
func (r *Registry) Get(id string) (Commitment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commitments[id]
	if !ok {
		return Commitment{}, ErrCommitmentNotFound
	}
	return c, nil
}

// AttestationFor returns the attestation for a commitment, if any.
func (r *Registry) AttestationFor(id string) (Attestation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attestations[id]
	return a, ok
}

// Attest records the verifier's judgment on a commitment, applies any
// reputation deltas, and forwards the outcome to the escrow machine when
// the commitment is task-bound. Single-shot: a second attestation for the
// same commitment is rejected.
func (r *Registry) Attest(ctx context.Context, verifier, commitmentID string, success bool, evidenceRef string, deltas []ReputationDelta) error {
	if !r.verifiers[verifier] {
		return ErrNotVerifier
	}

	r.mu.Lock()
	c, ok := r.commitments[commitmentID]
	if !ok {
		r.mu.Unlock()
		return ErrCommitmentNotFound
	}
	if _, done := r.attestations[commitmentID]; done {
		r.mu.Unlock()
		return ErrAlreadyAttested
	}
	r.mu.Unlock()

	// The escrow callback runs outside the registry lock; it takes its
	// own lock and may read commitments back through Get.
	if c.TaskID != 0 && r.tasks != nil {
		if err := r.tasks.OnAttestation(ctx, r.cfg.Principal, commitmentID, success); err != nil {
			return fmt.Errorf("attest: task callback: %w", err)
		}
	}

	r.mu.Lock()
	if _, done := r.attestations[commitmentID]; done {
		r.mu.Unlock()
		return ErrAlreadyAttested
	}
	a := Attestation{
		CommitmentID: commitmentID,
		Verifier:     verifier,
		Success:      success,
		EvidenceRef:  evidenceRef,
		Timestamp:    r.clock(),
	}
	r.attestations[commitmentID] = a
	r.mu.Unlock()

	for _, d := range deltas {
		r.reputation.Apply(d.AgentID, d.Delta, d.Weight)
	}

	r.logger.InfoContext(ctx, "attestation recorded",
		"commitment_id", commitmentID, "verifier", verifier, "success", success)
	return nil
}
