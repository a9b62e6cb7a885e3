// Package streampay provides single-rate streaming payments between
// agents: a payer deposits up front, value accrues pro-rata per second,
// and the payee withdraws accrued value at any time. Streams never
// interact with stake locking or slashing.
package streampay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

var (
	// ErrStreamNotFound is returned for an unknown stream id.
	ErrStreamNotFound = errors.New("streampay: stream not found")
	// ErrStreamClosed is returned for operations on a closed stream.
	ErrStreamClosed = errors.New("streampay: stream closed")
	// ErrZeroRate is returned when a stream is opened with a zero rate.
	ErrZeroRate = errors.New("streampay: rate must be positive")
	// ErrZeroDeposit is returned when a stream is opened with no deposit.
	ErrZeroDeposit = errors.New("streampay: deposit must be positive")
	// ErrNotParty is returned when the caller is not the relevant party.
	ErrNotParty = errors.New("streampay: caller is not a party to the stream")
	// ErrNothingAccrued is returned when a withdrawal finds nothing new.
	ErrNothingAccrued = errors.New("streampay: nothing accrued")
)

// Stream is a single-rate payment stream. Accrual is pro-rata per elapsed
// second, capped at the deposit.
type Stream struct {
	ID         uint64    `json:"id"`
	Payer      string    `json:"payer"`
	PayeeAgent uint64    `json:"payee_agent"`
	Asset      asset.ID  `json:"asset"`
	RatePerSec uint64    `json:"rate_per_sec"`
	Deposit    uint64    `json:"deposit"`
	Withdrawn  uint64    `json:"withdrawn"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Closed reports whether the stream has been closed.
func (s Stream) Closed() bool {
	return !s.ClosedAt.IsZero()
}

// accruedAt returns the value earned by the payee up to now.
func (s Stream) accruedAt(now time.Time) uint64 {
	end := now
	if s.Closed() && s.ClosedAt.Before(now) {
		end = s.ClosedAt
	}
	if end.Before(s.OpenedAt) {
		return 0
	}
	elapsed := uint64(end.Sub(s.OpenedAt) / time.Second)
	accrued := elapsed * s.RatePerSec
	if accrued > s.Deposit {
		return s.Deposit
	}
	return accrued
}

// OwnerDirectory resolves the payee agent's owner for withdrawals.
type OwnerDirectory interface {
	IsRegistered(id uint64) bool
	Owner(id uint64) (string, error)
}

// Book manages streams and their escrowed deposits.
type Book struct {
	mu      sync.Mutex
	streams map[uint64]*Stream
	nextID  uint64

	account string
	bank    asset.Bank
	owners  OwnerDirectory
	jrnl    *journal.Journal
	clock   func() time.Time
}

// NewBook creates a stream book escrowing deposits in account.
func NewBook(account string, bank asset.Bank, owners OwnerDirectory, jrnl *journal.Journal) *Book {
	return &Book{
		streams: make(map[uint64]*Stream),
		nextID:  1,
		account: account,
		bank:    bank,
		owners:  owners,
		jrnl:    jrnl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *Book) WithClock(clock func() time.Time) *Book {
	b.clock = clock
	return b
}

// Open starts a stream, pulling the deposit from the payer.
func (b *Book) Open(ctx context.Context, payer string, payeeAgent uint64, a asset.ID, ratePerSec, deposit uint64) (uint64, error) {
	if ratePerSec == 0 {
		return 0, ErrZeroRate
	}
	if deposit == 0 {
		return 0, ErrZeroDeposit
	}
	if !b.owners.IsRegistered(payeeAgent) {
		return 0, ErrStreamNotFound
	}
	if err := asset.Pull(ctx, b.bank, a, payer, b.account, deposit); err != nil {
		return 0, err
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = &Stream{
		ID:         id,
		Payer:      payer,
		PayeeAgent: payeeAgent,
		Asset:      a,
		RatePerSec: ratePerSec,
		Deposit:    deposit,
		OpenedAt:   b.clock(),
	}
	b.mu.Unlock()

	if _, err := b.jrnl.Append(journal.EventStreamOpened, payer, map[string]any{
		"stream_id": id, "payee_agent": payeeAgent, "asset": a,
		"rate_per_sec": ratePerSec, "deposit": deposit,
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// Accrued returns the payee's earned-but-not-withdrawn balance.
func (b *Book) Accrued(id uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		return 0, ErrStreamNotFound
	}
	return s.accruedAt(b.clock()) - s.Withdrawn, nil
}

// Withdraw pays the payee's accrued balance to the payee agent's owner.
// Caller must be that owner.
func (b *Book) Withdraw(ctx context.Context, caller string, id uint64) (uint64, error) {
	b.mu.Lock()
	s, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return 0, ErrStreamNotFound
	}
	owner, err := b.owners.Owner(s.PayeeAgent)
	if err != nil || owner != caller {
		b.mu.Unlock()
		return 0, ErrNotParty
	}
	due := s.accruedAt(b.clock()) - s.Withdrawn
	if due == 0 {
		b.mu.Unlock()
		return 0, ErrNothingAccrued
	}
	s.Withdrawn += due
	a := s.Asset
	b.mu.Unlock()

	if err := asset.Send(ctx, b.bank, a, b.account, caller, due); err != nil {
		b.mu.Lock()
		s.Withdrawn -= due
		b.mu.Unlock()
		return 0, err
	}

	// The payment has settled; Append only fails on payload marshal,
	// unreachable for this fixed shape.
	if _, err := b.jrnl.Append(journal.EventStreamWithdrawn, caller, map[string]any{
		"stream_id": id, "amount": due,
	}); err != nil {
		return 0, err
	}
	return due, nil
}

// Close stops accrual and refunds the unaccrued remainder to the payer.
// Caller must be the payer.
func (b *Book) Close(ctx context.Context, caller string, id uint64) (uint64, error) {
	b.mu.Lock()
	s, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return 0, ErrStreamNotFound
	}
	if s.Closed() {
		b.mu.Unlock()
		return 0, ErrStreamClosed
	}
	if s.Payer != caller {
		b.mu.Unlock()
		return 0, ErrNotParty
	}
	now := b.clock()
	s.ClosedAt = now
	refund := s.Deposit - s.accruedAt(now)
	a := s.Asset
	b.mu.Unlock()

	if err := asset.Send(ctx, b.bank, a, b.account, caller, refund); err != nil {
		b.mu.Lock()
		s.ClosedAt = time.Time{}
		b.mu.Unlock()
		return 0, err
	}

	// Refund already settled; see Withdraw.
	if _, err := b.jrnl.Append(journal.EventStreamClosed, caller, map[string]any{
		"stream_id": id, "refund": refund,
	}); err != nil {
		return 0, err
	}
	return refund, nil
}

// Get returns a copy of the stream record.
func (b *Book) Get(id uint64) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		return Stream{}, ErrStreamNotFound
	}
	return *s, nil
}
