// Package asset defines asset identifiers and the transfer backend used by
// the ledger, escrow and treasury. Amounts are unsigned integers in the
// asset's smallest unit; there is no floating point anywhere in the money
// path.
package asset

import (
	"context"
	"errors"
)

// ID identifies an asset. Native is the chain-native sentinel; any other
// non-empty value is a token code.
type ID string

// Native is the native-asset sentinel.
const Native ID = "NATIVE"

var (
	// ErrEmptyAsset is returned when an asset identifier is empty.
	ErrEmptyAsset = errors.New("asset: identifier must not be empty")
	// ErrInsufficientFunds is returned when an account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("asset: insufficient funds")
	// ErrUnknownAccount is returned when a transfer references an unknown account.
	ErrUnknownAccount = errors.New("asset: unknown account")
)

// Valid reports whether the identifier is usable.
func (id ID) Valid() bool {
	return id != ""
}

// IsNative reports whether the identifier is the native-asset sentinel.
func (id ID) IsNative() bool {
	return id == Native
}

// Bank is the asset transfer backend. A failed transfer must abort the
// triggering operation; callers never treat a transfer error as a partial
// effect.
type Bank interface {
	// Transfer moves amount of asset from the caller-controlled source
	// account to the destination account.
	Transfer(ctx context.Context, a ID, from, to string, amount uint64) error
	// TransferFrom moves amount under a pre-arranged allowance.
	TransferFrom(ctx context.Context, a ID, from, to string, amount uint64) error
}

// Send is the uniform transfer helper. A zero amount is a no-op and emits
// nothing.
func Send(ctx context.Context, b Bank, a ID, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return b.Transfer(ctx, a, from, to, amount)
}

// Pull is the allowance-based counterpart of Send.
func Pull(ctx context.Context, b Bank, a ID, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return b.TransferFrom(ctx, a, from, to, amount)
}
