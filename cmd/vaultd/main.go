// Command vaultd runs the collateral vault service: a ledger node (local or
// remote over JSON-RPC), the submission orchestrator, the REST and websocket
// API, and the reconcile auditor.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/collateral_vault/internal/assets"
	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/config"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	"github.com/R3E-Network/collateral_vault/internal/events"
	"github.com/R3E-Network/collateral_vault/internal/httpapi"
	"github.com/R3E-Network/collateral_vault/internal/ledger"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/middleware"
	"github.com/R3E-Network/collateral_vault/internal/orchestrator"
	"github.com/R3E-Network/collateral_vault/internal/platform/migrations"
	"github.com/R3E-Network/collateral_vault/internal/query"
	"github.com/R3E-Network/collateral_vault/internal/reconcile"
	"github.com/R3E-Network/collateral_vault/internal/signer"
	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/storage/postgres"
)

// ledgerBackend is what the orchestrator and query layer need from a node,
// whether in-process or remote.
type ledgerBackend interface {
	orchestrator.Transport
	orchestrator.AccountReader
	query.AccountReader
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envFile := os.Getenv("VAULT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		logging.Default().Fatalf("Failed to load configuration: %v", err)
	}
	log := logging.New("vaultd", cfg.Logging.Level, cfg.Logging.Format)

	registry, err := assets.LoadFile(cfg.AssetsFile)
	if err != nil {
		log.Fatalf("Failed to load assets from %s: %v", cfg.AssetsFile, err)
	}

	deriver := derive.New()
	if cfg.Ledger.ProgramID != "" || cfg.Ledger.HoldingProgramID != "" {
		if deriver, err = derive.NewWithPrograms(cfg.Ledger.ProgramID, cfg.Ledger.HoldingProgramID); err != nil {
			log.Fatalf("Invalid program IDs: %v", err)
		}
	}

	// =========================================================================
	// Ledger
	// =========================================================================

	var (
		backend ledgerBackend
		node    *ledger.Node
		store   storage.Store
		db      *sql.DB
	)
	switch cfg.Ledger.Mode {
	case config.ModeRPC:
		client, clientErr := chain.NewClient(chain.Config{RPCURL: cfg.Ledger.RPCURL, Timeout: cfg.Ledger.RPCTimeout})
		if clientErr != nil {
			log.Fatalf("Failed to create ledger client: %v", clientErr)
		}
		backend = client
		log.WithField("url", cfg.Ledger.RPCURL).Info("Using remote ledger")
	default:
		store, db = openStore(ctx, cfg, log)
		node, err = ledger.NewNode(ledger.Config{
			Store:           store,
			Deriver:         deriver,
			Logger:          log,
			ReferenceWindow: cfg.Ledger.ReferenceWindow,
		})
		if err != nil {
			log.Fatalf("Failed to create ledger node: %v", err)
		}
		for _, a := range registry.All() {
			if err := node.RegisterAsset(ctx, a); err != nil {
				log.Fatalf("Failed to register asset %s: %v", a.Symbol, err)
			}
		}
		backend = node
		log.WithField("assets", len(registry.All())).Info("Using local ledger")
	}

	// =========================================================================
	// Events, cache and query
	// =========================================================================

	var (
		sinks []events.Sink
		rdb   *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Redis.Channel))
	}
	if servers := cfg.RocketMQ.NameServerList(); len(servers) > 0 {
		sink, sinkErr := events.NewRocketMQSink(events.RocketMQConfig{
			NameServers: servers,
			Topic:       cfg.RocketMQ.Topic,
			Group:       cfg.RocketMQ.Group,
			AccessKey:   cfg.RocketMQ.AccessKey,
			SecretKey:   cfg.RocketMQ.SecretKey,
			Retries:     cfg.RocketMQ.Retries,
		})
		if sinkErr != nil {
			log.Fatalf("Failed to start RocketMQ sink: %v", sinkErr)
		}
		sinks = append(sinks, sink)
	}
	emitter := events.NewEmitter(events.DefaultRingSize, log, sinks...)

	queryOpts := []query.Option{query.WithDeriver(deriver), query.WithLogger(log)}
	if rdb != nil {
		queryOpts = append(queryOpts, query.WithCache(query.NewRedisCache(rdb, cfg.Redis.CacheTTL)))
	}
	views := query.NewService(backend, registry, queryOpts...)

	// =========================================================================
	// Orchestrator, custody and API
	// =========================================================================

	orch, err := orchestrator.New(orchestrator.Config{
		Transport:       backend,
		Accounts:        backend,
		Assets:          registry,
		Deriver:         deriver,
		Publisher:       emitter,
		Cache:           views,
		Logger:          log,
		Retries:         cfg.Orchestrator.Retries,
		TransferRetries: cfg.Orchestrator.TransferRetries,
		PriorityFee:     cfg.Orchestrator.PriorityFee,
		TransferFee:     cfg.Orchestrator.TransferFee,
		BaseBackoff:     cfg.Orchestrator.BaseBackoff,
		MaxBackoff:      cfg.Orchestrator.MaxBackoff,
		ConfirmTimeout:  cfg.Orchestrator.ConfirmTimeout,
		PollInterval:    cfg.Orchestrator.PollInterval,
		SubmitRPS:       cfg.Orchestrator.SubmitRPS,
		SubmitBurst:     cfg.Orchestrator.SubmitBurst,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	keystore, err := signer.NewKeystore(masterKey(cfg.Custody.MasterKey))
	if err != nil {
		log.Fatalf("Invalid VAULT_MASTER_KEY: %v", err)
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow, cfg.Server.RateBurst, log)
	limiter.StartCleanup(ctx, cfg.Server.RateWindow)

	apiCfg := httpapi.Config{
		Orchestrator: orch,
		Custody:      keystore,
		Query:        views,
		Assets:       registry,
		Emitter:      emitter,
		Auth:         middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, httpapi.PublicPaths()),
		RateLimiter:  limiter,
		Logger:       log,
		Deriver:      deriver,
		Ready:        readiness(backend, db, rdb),
	}
	if node != nil {
		apiCfg.RPC = ledger.RPCHandler(node, log)
		if cfg.Ledger.FaucetEnabled {
			apiCfg.Faucet = node
		}
	}
	api, err := httpapi.New(apiCfg)
	if err != nil {
		log.Fatalf("Failed to create API: %v", err)
	}

	var auditor *reconcile.Auditor
	if store != nil && cfg.Reconcile.Enabled {
		if auditor, err = reconcile.New(store, cfg.Reconcile.Schedule, log); err != nil {
			log.Fatalf("Failed to create reconcile auditor: %v", err)
		}
		if err := auditor.Start(ctx); err != nil {
			log.Fatalf("Failed to start reconcile auditor: %v", err)
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("vaultd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown error")
	}
	_ = orch.Close()
	if auditor != nil {
		if err := auditor.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("Reconcile auditor stop error")
		}
	}
	cancel()
	if err := emitter.Close(); err != nil {
		log.WithError(err).Warn("Event sink close error")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	log.Info("vaultd stopped")
}

// openStore returns the in-memory store, or PostgreSQL when DATABASE_URL is
// set. db is nil for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.Store, *sql.DB) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_URL not set; ledger records are kept in memory")
		return storage.NewMemory(), nil
	}
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	if cfg.Database.Migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
	}
	return postgres.New(db), db
}

// masterKey accepts a hex-encoded seed and falls back to the raw bytes.
func masterKey(raw string) []byte {
	raw = strings.TrimSpace(raw)
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil && len(b) > 0 {
		return b
	}
	return []byte(raw)
}

func readiness(backend ledgerBackend, db *sql.DB, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := backend.LatestReference(ctx); err != nil {
			return err
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		return nil
	}
}
