// Package orchestrator turns vault operations into signed ledger submissions
// and drives each one to a definite outcome.
//
// A Client holds the shared collaborators (transport, account reader, asset
// registry, event publisher). A Session binds a Client to one signing
// identity; every operation runs on a Session and the caller decides when it
// ends. Nothing is kept in package state.
//
// Per operation the orchestrator resolves derived addresses, dry-runs the
// vault state machine against the current records so that doomed operations
// fail locally, prepends account-creation and fee steps, signs, submits with a
// bounded retry budget, polls for confirmation and re-queries the final
// status. An accepted submission whose execution failed is reported as the
// operation's Failed error wrapping the ledger error.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/events"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// =============================================================================
// Collaborators
// =============================================================================

// Signer supplies an identity and signs submissions for it. Sign may block
// and may refuse.
type Signer interface {
	Address() string
	Sign(ctx context.Context, sub *chain.Submission) error
}

// Transport broadcasts submissions and reports their status.
type Transport interface {
	LatestReference(ctx context.Context) (chain.Reference, error)
	Send(ctx context.Context, sub *chain.Submission) (chain.Receipt, error)
	Status(ctx context.Context, id string) (chain.Status, error)
}

// AccountReader reads ledger records. Absent records are reported with an
// error wrapping chain.ErrAccountNotFound.
type AccountReader interface {
	Vault(ctx context.Context, address string) (vault.Vault, error)
	Holding(ctx context.Context, address string) (vault.Holding, error)
}

// AssetRegistry resolves asset precision.
type AssetRegistry interface {
	Decimals(ctx context.Context, assetID string) (uint8, error)
}

// Invalidator drops cached views of the given owners.
type Invalidator interface {
	Invalidate(ctx context.Context, owners ...string) error
}

// =============================================================================
// Configuration
// =============================================================================

// Defaults.
const (
	DefaultRetries         = 5
	DefaultTransferRetries = 8
	DefaultPriorityFee     = 10_000
	DefaultTransferFee     = 25_000
	DefaultBaseBackoff     = 200 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultConfirmTimeout  = 60 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
)

// Config configures a Client. Transport, Accounts and Assets are required.
type Config struct {
	Transport Transport
	Accounts  AccountReader
	Assets    AssetRegistry
	Deriver   *derive.Deriver
	Publisher events.Publisher
	Cache     Invalidator
	Logger    *logging.Logger
	Clock     func() time.Time

	Retries         int
	TransferRetries int
	PriorityFee     uint64
	TransferFee     uint64
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	// SubmitRPS limits sends across all sessions; zero disables the limit.
	SubmitRPS   float64
	SubmitBurst int
}

func (c *Config) applyDefaults() {
	if c.Deriver == nil {
		c.Deriver = derive.New()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.TransferRetries <= 0 {
		c.TransferRetries = DefaultTransferRetries
	}
	if c.PriorityFee == 0 {
		c.PriorityFee = DefaultPriorityFee
	}
	if c.TransferFee == 0 {
		c.TransferFee = DefaultTransferFee
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.BaseBackoff {
			c.MaxBackoff = c.BaseBackoff
		}
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
}

// =============================================================================
// Client
// =============================================================================

// Client is the shared orchestration context.
type Client struct {
	cfg     Config
	log     *logging.Logger
	limiter *rate.Limiter
	closed  atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, apperrors.Internal("orchestrator: transport required", nil)
	}
	if cfg.Accounts == nil {
		return nil, apperrors.Internal("orchestrator: account reader required", nil)
	}
	if cfg.Assets == nil {
		return nil, apperrors.Internal("orchestrator: asset registry required", nil)
	}
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.SubmitRPS > 0 {
		limit = rate.Limit(cfg.SubmitRPS)
	}
	return &Client{
		cfg:     cfg,
		log:     logging.OrDefault(cfg.Logger),
		limiter: rate.NewLimiter(limit, cfg.SubmitBurst),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Session binds the client to a signing identity.
func (c *Client) Session(s Signer) (*Session, error) {
	if c.closed.Load() {
		return nil, apperrors.New(apperrors.ErrSessionClosed, "orchestrator client closed")
	}
	if s == nil || s.Address() == "" {
		return nil, apperrors.InvalidInput("session signer required")
	}
	return &Session{client: c, signer: s}, nil
}

// Close ends the client. Open sessions fail from then on.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return half + time.Duration(c.rng.Int63n(int64(half)+1))
}

// =============================================================================
// Session
// =============================================================================

// Session is the per-identity context every operation runs on.
type Session struct {
	client *Client
	signer Signer
	closed atomic.Bool
}

// Identity returns the address operations are authorised as.
func (s *Session) Identity() string { return s.signer.Address() }

// Close ends the session.
func (s *Session) Close() { s.closed.Store(true) }

func (s *Session) check() error {
	if s.closed.Load() || s.client.closed.Load() {
		return apperrors.New(apperrors.ErrSessionClosed, "")
	}
	return nil
}

// Receipt reports a confirmed operation.
type Receipt struct {
	Operation  string        `json:"operation"`
	Submission string        `json:"submission"`
	Height     uint64        `json:"height"`
	MicroFee   uint64        `json:"micro_fee"`
	Attempts   int           `json:"attempts"`
	Vault      string        `json:"vault"`
	Events     []vault.Event `json:"events,omitempty"`
	// Setup is the receipt of an initialization run ahead of the operation.
	Setup *Receipt `json:"setup,omitempty"`
}
