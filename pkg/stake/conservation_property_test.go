//go:build property
// +build property

package stake

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

type op struct {
	Kind   uint8 // 0 increase, 1 request, 2 cancel, 3 claim, 4 lock, 5 unlock, 6 slash
	Amount uint64
	Hours  uint16
}

// TestConservation drives random operation sequences against a fresh
// ledger and checks, after every operation, that no value is created or
// destroyed and that locked never exceeds total.
func TestConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genOp := gopter.DeriveGen(
		func(kind uint8, amount uint64, hours uint16) op {
			return op{Kind: kind % 7, Amount: amount%500 + 1, Hours: hours % 72}
		},
		func(o op) (uint8, uint64, uint16) { return o.Kind, o.Amount, o.Hours },
		gen.UInt8(), gen.UInt64(), gen.UInt16(),
	)

	properties.Property("value is conserved and locked ≤ total", prop.ForAll(
		func(ops []op) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }

			bank := asset.NewMemoryBank()
			registry := agents.NewRegistry()
			if err := registry.Register(1, "alice"); err != nil {
				return false
			}
			jrnl := journal.New().WithClock(clock)
			trsy, err := treasury.NewEngine(treasury.Config{
				Account:   "treasury-vault",
				Authority: "authority",
				Distribution: treasury.DistributionConfig{
					TreasuryBps: 4000, InsuranceBps: 3000, RewardsBps: 3000,
				},
			}, bank, registry, jrnl)
			if err != nil {
				return false
			}
			ledger := NewLedger(Config{
				Account:                "stake-vault",
				EscrowPrincipal:        "escrow",
				SlashPrincipal:         "escrow",
				DefaultUnbondingPeriod: 24 * time.Hour,
				DefaultEarlyExitBps:    500,
			}, registry, trsy, bank, jrnl)
			ledger.WithClock(clock)

			const funds = uint64(1_000_000)
			bank.Mint(asset.Native, "alice", funds)
			ctx := context.Background()

			for _, o := range ops {
				now = now.Add(time.Duration(o.Hours) * time.Hour)
				switch o.Kind {
				case 0:
					ledger.Increase(ctx, "alice", 1, asset.Native, o.Amount)
				case 1:
					ledger.RequestWithdrawal(ctx, "alice", 1, asset.Native, o.Amount)
				case 2:
					ledger.CancelWithdrawal(ctx, "alice", 1, asset.Native, o.Amount%4)
				case 3:
					ledger.ClaimWithdrawals(ctx, "alice", 1, asset.Native, o.Amount%3, "", o.Amount%2 == 0)
				case 4:
					ledger.Lock(ctx, "escrow", 1, asset.Native, o.Amount)
				case 5:
					ledger.Unlock(ctx, "escrow", 1, asset.Native, o.Amount)
				case 6:
					ledger.Slash(ctx, "escrow", 1, asset.Native, o.Amount)
				}

				p := ledger.PositionOf(1, asset.Native)
				if p.Locked > p.Total {
					return false
				}

				var queued uint64
				for _, e := range ledger.QueuedWithdrawals(1, asset.Native) {
					queued += e.Amount
				}
				pools := trsy.PoolsFor(asset.Native).Total()
				wallet := bank.Balance(asset.Native, "alice")

				// Everything alice ever held is either back in her wallet,
				// staked, queued, or captured by the treasury.
				if wallet+p.Total+queued+pools != funds {
					return false
				}
				// The vault backs exactly the stake plus the queue.
				if bank.Balance(asset.Native, "stake-vault") != p.Total+queued {
					return false
				}
				if ledger.GlobalTotal(asset.Native) != p.Total {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
