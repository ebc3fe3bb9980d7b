// Package httpapi exposes the vault operations over REST and streams audit
// events over websocket. Callers authenticate with a JWT; the token's user ID
// selects the custodial key their operations are signed with.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/collateral_vault/internal/assets"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	"github.com/R3E-Network/collateral_vault/internal/events"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/metrics"
	"github.com/R3E-Network/collateral_vault/internal/middleware"
	"github.com/R3E-Network/collateral_vault/internal/orchestrator"
	"github.com/R3E-Network/collateral_vault/internal/query"
	"github.com/R3E-Network/collateral_vault/internal/signer"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// Custody maps an authenticated user to the key that signs for them.
type Custody interface {
	Signer(subject string) (*signer.KeySigner, error)
}

// Minter credits personal holding accounts. Only a local ledger has one.
type Minter interface {
	Mint(ctx context.Context, holder, assetID string, amount uint64) (vault.Holding, error)
}

// Config configures a Server. Orchestrator, Custody, Query and Assets are
// required.
type Config struct {
	Orchestrator *orchestrator.Client
	Custody      Custody
	Query        *query.Service
	Assets       *assets.Registry
	Emitter      *events.Emitter
	Auth         *middleware.AuthMiddleware
	RateLimiter  *middleware.RateLimiter
	Logger       *logging.Logger
	// Deriver resolves ?owner= on the event stream. Defaults to the
	// standard program IDs.
	Deriver *derive.Deriver

	// Faucet enables POST /v1/faucet when set.
	Faucet Minter
	// RPC is mounted at /rpc when set.
	RPC http.Handler
	// Ready reports dependency health for /healthz.
	Ready func(ctx context.Context) error
}

// Server serves the vault API.
type Server struct {
	cfg      Config
	log      *logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	started  time.Time
}

// publicPaths skip authentication.
var publicPaths = []string{"/healthz", "/metrics", "/rpc"}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("httpapi: orchestrator required")
	case cfg.Custody == nil:
		return nil, fmt.Errorf("httpapi: custody required")
	case cfg.Query == nil:
		return nil, fmt.Errorf("httpapi: query service required")
	case cfg.Assets == nil:
		return nil, fmt.Errorf("httpapi: asset registry required")
	case cfg.Auth == nil:
		return nil, fmt.Errorf("httpapi: auth middleware required")
	}
	if cfg.Deriver == nil {
		cfg.Deriver = derive.New()
	}
	s := &Server{
		cfg:     cfg,
		log:     logging.OrDefault(cfg.Logger),
		router:  mux.NewRouter(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Tokens, not cookies, authenticate the stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

// =============================================================================
// API Routes
// =============================================================================

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.NewTracingMiddleware(s.log).Handler)
	r.Use(middleware.MetricsMiddleware())
	r.Use(s.cfg.Auth.Handler)
	if s.cfg.RateLimiter != nil {
		r.Use(s.cfg.RateLimiter.Handler)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	if s.cfg.RPC != nil {
		r.Handle("/rpc", s.cfg.RPC).Methods("POST")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/me", s.handleMe).Methods("GET")
	v1.HandleFunc("/assets", s.handleAssets).Methods("GET")
	v1.HandleFunc("/vaults", s.handleInitialize).Methods("POST")
	v1.HandleFunc("/vaults/{owner}", s.handleFetch).Methods("GET")
	v1.HandleFunc("/vaults/{owner}/events", s.handleHistory).Methods("GET")
	v1.HandleFunc("/vaults/{owner}/deposit", s.handleDeposit).Methods("POST")
	v1.HandleFunc("/vaults/{owner}/withdraw", s.handleWithdraw).Methods("POST")
	v1.HandleFunc("/vaults/{owner}/lock", s.handleLock).Methods("POST")
	v1.HandleFunc("/vaults/{owner}/unlock", s.handleUnlock).Methods("POST")
	v1.HandleFunc("/vaults/{owner}/transfer", s.handleTransfer).Methods("POST")
	v1.HandleFunc("/events/stream", s.handleStream).Methods("GET")
	if s.cfg.Faucet != nil {
		v1.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}
}

// PublicPaths lists the routes that are served without a token.
func PublicPaths() []string {
	return append([]string(nil), publicPaths...)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
