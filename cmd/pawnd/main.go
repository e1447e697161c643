package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nftpawn/config"
	"nftpawn/core/genesis"
	"nftpawn/core/state"
	"nftpawn/crypto"
	"nftpawn/gateway/auth"
	"nftpawn/gateway/middleware"
	nativecommon "nftpawn/native/common"
	"nftpawn/native/derive"
	"nftpawn/native/pawn"
	"nftpawn/observability/logging"
	telemetry "nftpawn/observability/otel"
	svcconfig "nftpawn/services/pawnd/config"
	"nftpawn/services/pawnd/server"
	"nftpawn/storage"
)

const pruneInterval = 10 * time.Minute

func main() {
	var (
		cfgPath     string
		servicePath string
	)
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the node configuration file")
	flag.StringVar(&servicePath, "service", "", "path to the pawnd service configuration (overrides ServiceConfig)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("pawnd: load config: %v", err)
	}
	if strings.TrimSpace(servicePath) == "" {
		servicePath = cfg.ServiceConfig
	}
	svc := svcconfig.Default()
	if strings.TrimSpace(servicePath) != "" {
		if svc, err = svcconfig.Load(servicePath); err != nil {
			log.Fatalf("pawnd: load service config: %v", err)
		}
	}

	logger, closer := logging.SetupWithOptions("pawnd", cfg.Log.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, svc, logger); err != nil {
		logger.Error("pawnd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, svc svcconfig.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "pawnd",
		Environment: cfg.Log.Environment,
		Endpoint:    svc.Telemetry.Endpoint,
		Insecure:    svc.Telemetry.Insecure,
		Headers:     svc.Telemetry.Headers,
		Metrics:     svc.Telemetry.Metrics,
		Traces:      svc.Telemetry.Traces,
		SampleRatio: svc.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	st := state.NewManager(db)

	programID, err := cfg.ProgramAddress()
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	deriver := derive.New(programID)

	var genesisFunding crypto.Address
	if file := strings.TrimSpace(cfg.GenesisFile); file != "" {
		spec, err := genesis.LoadGenesisSpec(file)
		if err != nil {
			return err
		}
		res, err := genesis.Apply(st, deriver, spec)
		if err != nil {
			return err
		}
		genesisFunding = res.FundingMint
		logger.Info("genesis checked",
			slog.Bool("applied", res.Applied),
			slog.Int("mints", len(res.Mints)),
			slog.String("funding_mint", res.FundingMint.String()))
	}

	engine, err := buildEngine(cfg, st, deriver, genesisFunding)
	if err != nil {
		return err
	}

	var persistence auth.NoncePersistence
	if path := svc.Auth.NonceStore; path != "" {
		store, err := auth.NewLevelDBNoncePersistence(path)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer store.Close()
		persistence = store
	}
	authn := auth.NewAuthenticator(svc.Auth.MaxSkew, svc.Auth.NonceTTL, svc.Auth.NonceCapacity, nil, persistence)
	if err := authn.HydrateNonces(ctx, time.Now().Add(-svc.Auth.NonceTTL)); err != nil {
		return fmt.Errorf("hydrate nonces: %w", err)
	}

	var idem *middleware.Idempotency
	if !svc.Idempotency.Disabled {
		idemDB, err := middleware.OpenIdempotencyDB(svc.Idempotency.DSN)
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		idem = middleware.NewIdempotency(idemDB, logger)
		go pruneIdempotency(ctx, idem, svc.Idempotency.TTL, logger)
	}

	srv, err := server.New(server.Options{
		Engine:        engine,
		Authenticator: authn,
		Idempotency:   idem,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: svc.RateLimit.RequestsPerMinute,
			Burst:             svc.RateLimit.Burst,
		},
		CORS:        middleware.CORSConfig{AllowedOrigins: svc.CORS.AllowedOrigins},
		LogRequests: svc.LogRequests,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Run(ctx, svc.ListenAddress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildEngine applies node configuration to a fresh engine. A configured
// funding mint wins over the one declared in genesis.
func buildEngine(cfg *config.Config, st *state.Manager, deriver *derive.Deriver, genesisFunding crypto.Address) (*pawn.Engine, error) {
	engine := pawn.NewEngine(deriver)
	engine.SetState(st)

	admin, err := cfg.AdministratorAddress()
	if err != nil {
		return nil, fmt.Errorf("administrator: %w", err)
	}
	engine.SetAdministrator(admin)

	funding, ok, err := cfg.FundingMintAddress()
	if err != nil {
		return nil, fmt.Errorf("funding mint: %w", err)
	}
	if !ok {
		funding = genesisFunding
	}
	engine.SetFundingMint(funding)

	policy, err := pawn.ParseReopenPolicy(cfg.Pawn.ReopenPolicy)
	if err != nil {
		return nil, err
	}
	engine.SetReopenPolicy(policy)
	engine.SetPauses(nativecommon.NewPauses(cfg.Pauses.Modules()))
	return engine, nil
}

func pruneIdempotency(ctx context.Context, idem *middleware.Idempotency, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := idem.Prune(now.Add(-ttl))
			if err != nil {
				logger.Warn("prune idempotency records", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("pruned idempotency records", slog.Int64("removed", removed))
			}
		}
	}
}
