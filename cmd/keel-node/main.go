// keel-node runs the coordination node: agent registry, stake ledger,
// task escrow, attestation registry, treasury and payment streams behind
// a single HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/agents"
	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/asset"
	"github.com/Mindburn-Labs/keel/pkg/attest"
	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/escrow"
	"github.com/Mindburn-Labs/keel/pkg/journal"
	"github.com/Mindburn-Labs/keel/pkg/limiter"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/reputation"
	"github.com/Mindburn-Labs/keel/pkg/stake"
	"github.com/Mindburn-Labs/keel/pkg/store"
	"github.com/Mindburn-Labs/keel/pkg/streampay"
	"github.com/Mindburn-Labs/keel/pkg/treasury"
)

const (
	stakeVault       = "stake-vault"
	escrowVault      = "escrow-vault"
	treasuryVault    = "treasury-vault"
	streamVault      = "stream-vault"
	escrowPrincipal  = "escrow"
	attestPrincipal  = "attest"
	snapshotInterval = 1 * time.Minute
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Economics profile: authority, verifier set and the unbonding,
	// penalty and distribution parameters. Defaults keep a dev node
	// runnable with no profile on disk.
	profile := defaultProfile()
	if cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.ProfileDir, cfg.Profile)
		if err != nil {
			logger.Error("failed to load economics profile", "profile", cfg.Profile, "error", err)
			os.Exit(1)
		}
		profile = p
		logger.Info("economics profile loaded", "profile", profile.Code, "name", profile.Name)
	}

	db, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	bank := asset.NewMemoryBank()
	jrnl := journal.New()
	registry := agents.NewRegistry()

	trsy, err := treasury.NewEngine(treasury.Config{
		Account:   treasuryVault,
		Authority: profile.Authority,
		Distribution: treasury.DistributionConfig{
			TreasuryBps:  profile.Distribution.TreasuryBps,
			InsuranceBps: profile.Distribution.InsuranceBps,
			RewardsBps:   profile.Distribution.RewardsBps,
		},
	}, bank, registry, jrnl)
	if err != nil {
		logger.Error("invalid treasury distribution", "error", err)
		os.Exit(1)
	}

	ledger := stake.NewLedger(stake.Config{
		Account:                stakeVault,
		EscrowPrincipal:        escrowPrincipal,
		SlashPrincipal:         escrowPrincipal,
		DefaultUnbondingPeriod: time.Duration(profile.Unbonding.DefaultHours) * time.Hour,
		UnbondingPeriods:       profile.UnbondingPeriods(),
		DefaultEarlyExitBps:    profile.EarlyExit.DefaultBps,
		EarlyExitBps:           profile.EarlyExitRates(),
	}, registry, trsy, bank, jrnl)

	attests := attest.NewRegistry(attest.Config{
		Principal: attestPrincipal,
		Verifiers: profile.Verifiers,
	}, registry, reputation.NewTracker(), jrnl)

	machine := escrow.NewMachine(escrow.Config{
		Account:           escrowVault,
		Principal:         escrowPrincipal,
		RegistryPrincipal: attestPrincipal,
		Authority:         profile.Authority,
		Admin:             profile.Admin,
	}, ledger, registry, trsy, attests, bank, jrnl)
	attests.BindTasks(machine)

	streams := streampay.NewBook(streamVault, bank, registry, jrnl)

	// Rehydrate from the last snapshot before serving; a fresh database
	// restores nothing and the node starts empty.
	if err := st.Restore(ctx, jrnl, ledger, machine, trsy); err != nil {
		logger.Error("failed to restore state", "error", err)
		os.Exit(1)
	}
	logger.Info("state restored", "journal_entries", jrnl.Length())

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel-node",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPTarget,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPTarget != "",
	})
	if err != nil {
		logger.Error("failed to initialize observability", "error", err)
		os.Exit(1)
	}

	var limitStore limiter.Store
	if cfg.RedisURL != "" {
		rs, err := limiter.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		limitStore = rs
	} else {
		limitStore = limiter.NewMemoryStore()
	}

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; all authenticated endpoints will reject requests")
	}

	server := api.NewServer(ledger, machine, trsy, attests, registry, streams, jrnl, func(r *http.Request) string {
		return auth.CallerID(r.Context())
	}, auth.RequireRole)

	var handler http.Handler = server.Routes()
	handler = obs.Middleware(handler)
	handler = api.IdempotencyMiddleware(api.NewIdempotencyStore(10 * time.Minute))(handler)
	handler = auth.RateLimitMiddleware(limitStore, limiter.Policy{RPM: 600, Burst: 60})(handler)
	handler = auth.NewMiddleware(auth.NewJWTValidator([]byte(cfg.JWTSecret)))(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic snapshots flush the journal and state views to SQL so a
	// restart can be reconciled against the durable log.
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Snapshot(ctx, jrnl, ledger, machine, trsy); err != nil {
					logger.Error("snapshot failed", "error", err)
				}
			}
		}
	}()

	go func() {
		logger.Info("keel node listening", "port", cfg.Port, "db_driver", cfg.DBDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := st.Snapshot(shutdownCtx, jrnl, ledger, machine, trsy); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// defaultProfile is used when no economics profile is configured.
func defaultProfile() *config.EconomicsProfile {
	return &config.EconomicsProfile{
		Name: "Development",
		Code: "dev",
		Unbonding: config.UnbondingConfig{
			DefaultHours: 24,
		},
		EarlyExit: config.EarlyExitConfig{
			DefaultBps: 500,
		},
		Distribution: config.DistributionConfig{
			TreasuryBps:  4000,
			InsuranceBps: 3000,
			RewardsBps:   3000,
		},
		Verifiers: []string{"verifier"},
		Authority: "authority",
		Admin:     "admin",
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
