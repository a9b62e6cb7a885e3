package asset

import (
	"context"
	"sync"
)

// MemoryBank is a thread-safe in-memory Bank for tests and single-node
// deployments. Allowances are not modeled: TransferFrom behaves like
// Transfer with the source account debited directly.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[ID]map[string]uint64
}

// NewMemoryBank creates an empty in-memory bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[ID]map[string]uint64),
	}
}

// Mint credits an account out of thin air. Test and bootstrap use only.
func (b *MemoryBank) Mint(a ID, account string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[a] == nil {
		b.balances[a] = make(map[string]uint64)
	}
	b.balances[a][account] += amount
}

// Balance returns the current balance of an account.
func (b *MemoryBank) Balance(a ID, account string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[a][account]
}

func (b *MemoryBank) move(a ID, from, to string, amount uint64) error {
	if !a.Valid() {
		return ErrEmptyAsset
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	accounts := b.balances[a]
	if accounts == nil {
		return ErrUnknownAccount
	}
	if accounts[from] < amount {
		return ErrInsufficientFunds
	}
	accounts[from] -= amount
	accounts[to] += amount
	return nil
}

// Transfer implements Bank.
func (b *MemoryBank) Transfer(_ context.Context, a ID, from, to string, amount uint64) error {
	return b.move(a, from, to, amount)
}

// TransferFrom implements Bank.
func (b *MemoryBank) TransferFrom(_ context.Context, a ID, from, to string, amount uint64) error {
	return b.move(a, from, to, amount)
}
