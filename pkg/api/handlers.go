package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/attest"
	"github.com/Mindburn-Labs/keel/pkg/escrow"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/stake"
	"github.com/Mindburn-Labs/keel/pkg/streampay"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

// CallerFunc extracts the authenticated caller's account name from a
// request. It is a parameter so the handlers stay decoupled from the
// auth package; an empty return fails every ownership check downstream.
type CallerFunc func(r *http.Request) string

// GuardFunc wraps a handler with a role requirement checked against the
// request's token claims. A nil guard leaves the handler unwrapped; the
// domain engines still enforce their own principal checks.
type GuardFunc func(role string, next http.HandlerFunc) http.HandlerFunc

// Server exposes the node's operations over HTTP.
type Server struct {
	ledger   *stake.Ledger
	machine  *escrow.Machine
	trsy     *treasury.Engine
	attests  *attest.Registry
	registry *agents.Registry
	streams  *streampay.Book
	jrnl     *journal.Journal
	caller   CallerFunc
	guard    GuardFunc
}

// NewServer creates an API server over the node's components.
func NewServer(ledger *stake.Ledger, machine *escrow.Machine, trsy *treasury.Engine, attests *attest.Registry, registry *agents.Registry, streams *streampay.Book, jrnl *journal.Journal, caller CallerFunc, guard GuardFunc) *Server {
	return &Server{
		ledger:   ledger,
		machine:  machine,
		trsy:     trsy,
		attests:  attests,
		registry: registry,
		streams:  streams,
		jrnl:     jrnl,
		caller:   caller,
		guard:    guard,
	}
}

func (s *Server) guarded(role string, next http.HandlerFunc) http.HandlerFunc {
	if s.guard == nil {
		return next
	}
	return s.guard(role, next)
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /v1/agents/{id}/ownership", s.handleTransferOwnership)
	mux.HandleFunc("POST /v1/agents/{id}/delegations", s.handleDelegate)
	mux.HandleFunc("DELETE /v1/agents/{id}/delegations", s.handleRevoke)
	mux.HandleFunc("PUT /v1/agents/{id}/service-uri", s.handleSetServiceURI)
	mux.HandleFunc("PUT /v1/agents/{id}/metadata", s.handleSetMetadata)

	mux.HandleFunc("POST /v1/stake/{agent}/deposits", s.handleIncreaseStake)
	mux.HandleFunc("GET /v1/stake/{agent}", s.handleGetStake)
	mux.HandleFunc("POST /v1/stake/{agent}/withdrawals", s.handleRequestWithdrawal)
	mux.HandleFunc("DELETE /v1/stake/{agent}/withdrawals/{index}", s.handleCancelWithdrawal)
	mux.HandleFunc("POST /v1/stake/{agent}/claims", s.handleClaimWithdrawals)

	mux.HandleFunc("POST /v1/tasks", s.handlePostTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /v1/tasks/{id}/submission", s.handleSubmitTask)
	mux.HandleFunc("POST /v1/tasks/{id}/resolution", s.guarded("authority", s.handleResolveDispute))
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleCancelTask)

	mux.HandleFunc("POST /v1/commitments", s.handleCommit)
	mux.HandleFunc("GET /v1/commitments/{id}", s.handleGetCommitment)
	mux.HandleFunc("POST /v1/commitments/{id}/attestation", s.handleAttest)

	mux.HandleFunc("GET /v1/treasury/{asset}", s.handleGetPools)
	mux.HandleFunc("POST /v1/treasury/rewards", s.handleDepositReward)
	mux.HandleFunc("POST /v1/treasury/payments", s.guarded("authority", s.handlePayReward))
	mux.HandleFunc("POST /v1/treasury/withdrawals", s.guarded("authority", s.handleWithdrawPool))

	mux.HandleFunc("POST /v1/streams", s.handleOpenStream)
	mux.HandleFunc("GET /v1/streams/{id}", s.handleGetStream)
	mux.HandleFunc("POST /v1/streams/{id}/withdrawals", s.handleWithdrawStream)
	mux.HandleFunc("DELETE /v1/streams/{id}", s.handleCloseStream)

	mux.HandleFunc("GET /v1/journal/head", s.handleJournalHead)

	return mux
}

// writeDomainError maps domain sentinel errors onto problem responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stake.ErrNotOwner),
		errors.Is(err, stake.ErrNotAuthorized),
		errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, treasury.ErrNotAuthorized),
		errors.Is(err, attest.ErrNotVerifier),
		errors.Is(err, agents.ErrNotOwner),
		errors.Is(err, streampay.ErrNotParty):
		WriteForbidden(w, err.Error())
	case errors.Is(err, stake.ErrUnknownAgent),
		errors.Is(err, escrow.ErrTaskNotFound),
		errors.Is(err, escrow.ErrUnknownAgent),
		errors.Is(err, attest.ErrCommitmentNotFound),
		errors.Is(err, attest.ErrUnknownAgent),
		errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, treasury.ErrUnknownAgent),
		errors.Is(err, streampay.ErrStreamNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, attest.ErrAlreadyAttested),
		errors.Is(err, agents.ErrAgentExists),
		errors.Is(err, escrow.ErrWrongState),
		errors.Is(err, stake.ErrAlreadyCancelled),
		errors.Is(err, streampay.ErrStreamClosed):
		WriteConflict(w, err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathUint(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(r.PathValue(name), 10, 64)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    uint64 `json:"id"`
		Owner string `json:"owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == "" {
		req.Owner = s.caller(r)
	}
	if err := s.registry.Register(req.ID, req.Owner); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "owner": req.Owner})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.registry.List(offset, limit))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	a, err := s.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		NewOwner string `json:"new_owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.TransferOwnership(id, s.caller(r), req.NewOwner); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetServiceURI(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		ServiceURI string `json:"service_uri"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.SetServiceURI(id, s.caller(r), req.ServiceURI); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.SetMetadata(id, s.caller(r), req.Key, req.Value); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Operator   string `json:"operator"`
		Permission string `json:"permission"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.Delegate(id, s.caller(r), req.Operator, agents.Permission(req.Permission)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Operator   string `json:"operator"`
		Permission string `json:"permission"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.Revoke(id, s.caller(r), req.Operator, agents.Permission(req.Permission)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncreaseStake(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUint(r, "agent")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Asset  asset.ID `json:"asset"`
		Amount uint64   `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.ledger.Increase(r.Context(), s.caller(r), agentID, req.Asset, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.PositionOf(agentID, req.Asset))
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUint(r, "agent")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	positions := s.ledger.PositionsOf(agentID)
	queues := make(map[asset.ID][]stake.WithdrawalEntry)
	for a := range positions {
		if q := s.ledger.QueuedWithdrawals(agentID, a); len(q) > 0 {
			queues[a] = q
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions":   positions,
		"withdrawals": queues,
	})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUint(r, "agent")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Asset  asset.ID `json:"asset"`
		Amount uint64   `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	release, err := s.ledger.RequestWithdrawal(r.Context(), s.caller(r), agentID, req.Asset, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"release_time": release})
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUint(r, "agent")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	index, err := pathUint(r, "index")
	if err != nil {
		WriteBadRequest(w, "Invalid withdrawal index")
		return
	}
	a := asset.ID(r.URL.Query().Get("asset"))
	if err := s.ledger.CancelWithdrawal(r.Context(), s.caller(r), agentID, a, index); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaimWithdrawals(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUint(r, "agent")
	if err != nil {
		WriteBadRequest(w, "Invalid agent id")
		return
	}
	var req struct {
		Asset      asset.ID `json:"asset"`
		MaxEntries uint64   `json:"max_entries"`
		Receiver   string   `json:"receiver"`
		ForceEarly bool     `json:"force_early"`
	}
	if !decode(w, r, &req) {
		return
	}
	released, penalty, err := s.ledger.ClaimWithdrawals(r.Context(), s.caller(r), agentID, req.Asset, req.MaxEntries, req.Receiver, req.ForceEarly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released, "penalty": penalty})
}

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset             asset.ID `json:"asset"`
		Reward            uint64   `json:"reward"`
		Bond              uint64   `json:"bond"`
		ClaimWindowS      int64    `json:"claim_window_s"`
		CompletionWindowS int64    `json:"completion_window_s"`
		MetadataRef       string   `json:"metadata_ref"`
		InputRef          string   `json:"input_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.machine.Post(r.Context(), s.caller(r), req.Asset, req.Reward, req.Bond,
		time.Duration(req.ClaimWindowS)*time.Second,
		time.Duration(req.CompletionWindowS)*time.Second,
		req.MetadataRef, req.InputRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.machine.List(offset, limit))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid task id")
		return
	}
	task, err := s.machine.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid task id")
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.machine.Claim(r.Context(), s.caller(r), id, req.AgentID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid task id")
		return
	}
	var req struct {
		CommitmentID string `json:"commitment_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.machine.Submit(r.Context(), s.caller(r), id, req.CommitmentID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid task id")
		return
	}
	var req struct {
		SlashBond    bool `json:"slash_bond"`
		RefundReward bool `json:"refund_reward"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.machine.ResolveDispute(r.Context(), s.caller(r), id, req.SlashBond, req.RefundReward); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid task id")
		return
	}
	if err := s.machine.Cancel(r.Context(), s.caller(r), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    uint64 `json:"agent_id"`
		TaskID     uint64 `json:"task_id"`
		InputHash  string `json:"input_hash"`
		OutputHash string `json:"output_hash"`
		ModelHash  string `json:"model_hash"`
		ProofRef   string `json:"proof_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.attests.Commit(r.Context(), s.caller(r), req.AgentID, req.TaskID,
		req.InputHash, req.OutputHash, req.ModelHash, req.ProofRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleGetCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := s.attests.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"commitment": c}
	if a, ok := s.attests.AttestationFor(c.ID); ok {
		resp["attestation"] = a
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success     bool                     `json:"success"`
		EvidenceRef string                   `json:"evidence_ref"`
		Deltas      []attest.ReputationDelta `json:"reputation_deltas"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.attests.Attest(r.Context(), s.caller(r), r.PathValue("id"), req.Success, req.EvidenceRef, req.Deltas); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trsy.PoolsFor(asset.ID(r.PathValue("asset"))))
}

func (s *Server) handleDepositReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  asset.ID `json:"asset"`
		Amount uint64   `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.trsy.DepositReward(r.Context(), s.caller(r), req.Asset, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   uint64   `json:"agent_id"`
		Asset     asset.ID `json:"asset"`
		Amount    uint64   `json:"amount"`
		Recipient string   `json:"recipient"`
		Reason    string   `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.trsy.PayReward(r.Context(), s.caller(r), req.AgentID, req.Asset, req.Amount, req.Recipient, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pool   string   `json:"pool"`
		Asset  asset.ID `json:"asset"`
		Amount uint64   `json:"amount"`
		To     string   `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.trsy.WithdrawPool(r.Context(), s.caller(r), req.Pool, req.Asset, req.Amount, req.To); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayeeAgent uint64   `json:"payee_agent"`
		Asset      asset.ID `json:"asset"`
		RatePerSec uint64   `json:"rate_per_sec"`
		Deposit    uint64   `json:"deposit"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.streams.Open(r.Context(), s.caller(r), req.PayeeAgent, req.Asset, req.RatePerSec, req.Deposit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid stream id")
		return
	}
	stream, err := s.streams.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	accrued, _ := s.streams.Accrued(id)
	writeJSON(w, http.StatusOK, map[string]any{"stream": stream, "accrued": accrued})
}

func (s *Server) handleWithdrawStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid stream id")
		return
	}
	amount, err := s.streams.Withdraw(r.Context(), s.caller(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": amount})
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		WriteBadRequest(w, "Invalid stream id")
		return
	}
	refund, err := s.streams.Close(r.Context(), s.caller(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
}

func (s *Server) handleJournalHead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"head":   s.jrnl.Head(),
		"length": s.jrnl.Length(),
	})
}
