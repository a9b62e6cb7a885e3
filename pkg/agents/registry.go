// Package agents provides the agent identity registry: ownership,
// delegated permissions, service metadata and paginated discovery.
package agents

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAgentExists is returned when registering an id that is already owned.
	ErrAgentExists = errors.New("agents: id already registered")
	// ErrAgentNotFound is returned for operations on an unknown agent.
	ErrAgentNotFound = errors.New("agents: not found")
	// ErrNotOwner is returned when a caller is not the agent's owner.
	ErrNotOwner = errors.New("agents: caller is not the owner")
	// ErrEmptyOwner is returned when the owner address is empty.
	ErrEmptyOwner = errors.New("agents: owner must not be empty")
)

// Permission names a delegated capability.
type Permission string

const (
	// PermissionClaim allows an operator to claim tasks for the agent.
	PermissionClaim Permission = "claim"
	// PermissionSubmit allows an operator to submit work for the agent.
	PermissionSubmit Permission = "submit"
)

// Agent is a registered economic identity. Agents are never deleted.
type Agent struct {
	ID           uint64            `json:"id"`
	Owner        string            `json:"owner"`
	ServiceURI   string            `json:"service_uri,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Registry is a thread-safe in-memory agent registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[uint64]*Agent
	// agent id → operator → granted permissions
	delegations map[uint64]map[string]map[Permission]bool
	clock       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:      make(map[uint64]*Agent),
		delegations: make(map[uint64]map[string]map[Permission]bool),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register claims an agent id for an owner.
func (r *Registry) Register(id uint64, owner string) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return ErrAgentExists
	}
	r.agents[id] = &Agent{
		ID:           id,
		Owner:        owner,
		RegisteredAt: r.clock(),
	}
	return nil
}

// TransferOwnership moves control of an agent to a new owner. Only the
// current owner may transfer.
func (r *Registry) TransferOwnership(id uint64, caller, newOwner string) error {
	if newOwner == "" {
		return ErrEmptyOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	a.Owner = newOwner
	return nil
}

// Owner returns the controlling address of an agent.
func (r *Registry) Owner(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return "", ErrAgentNotFound
	}
	return a.Owner, nil
}

// IsRegistered reports whether an agent id is owned.
func (r *Registry) IsRegistered(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// SetServiceURI updates the agent's advertised endpoint. Owner only.
func (r *Registry) SetServiceURI(id uint64, caller, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	a.ServiceURI = uri
	return nil
}

// SetMetadata replaces a metadata key for the agent. Owner only.
func (r *Registry) SetMetadata(id uint64, caller, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]string)
	}
	a.Metadata[key] = value
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id uint64) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	out := *a
	return out, nil
}

// List returns agents ordered by id, paginated by offset/limit. A zero
// limit returns everything from offset on.
func (r *Registry) List(offset, limit int) []Agent {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.agents[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Delegate grants an operator a permission on behalf of the agent. Owner only.
func (r *Registry) Delegate(id uint64, caller, operator string, p Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	if r.delegations[id] == nil {
		r.delegations[id] = make(map[string]map[Permission]bool)
	}
	if r.delegations[id][operator] == nil {
		r.delegations[id][operator] = make(map[Permission]bool)
	}
	r.delegations[id][operator][p] = true
	return nil
}

// Revoke removes a previously granted permission. Owner only.
func (r *Registry) Revoke(id uint64, caller, operator string, p Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	if ops, ok := r.delegations[id]; ok {
		if perms, ok := ops[operator]; ok {
			delete(perms, p)
		}
	}
	return nil
}

// HasPermission reports whether operator holds the permission for the
// agent. The owner implicitly holds every permission.
func (r *Registry) HasPermission(id uint64, operator string, p Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	if a.Owner == operator {
		return true
	}
	if ops, ok := r.delegations[id]; ok {
		if perms, ok := ops[operator]; ok {
			return perms[p]
		}
	}
	return false
}
