// Package query reads vault records and normalises them for display.
package query

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/collateral_vault/internal/amount"
	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// AccountReader reads ledger records. Absent records are reported with an
// error wrapping chain.ErrAccountNotFound.
type AccountReader interface {
	Vault(ctx context.Context, address string) (vault.Vault, error)
	Events(ctx context.Context, vaultAddr string, limit int) ([]vault.Event, error)
}

// AssetRegistry resolves asset precision.
type AssetRegistry interface {
	Decimals(ctx context.Context, assetID string) (uint8, error)
}

// Cache stores views by owner.
type Cache interface {
	Get(ctx context.Context, owner string) (*View, bool, error)
	Set(ctx context.Context, owner string, v *View) error
	Invalidate(ctx context.Context, owners ...string) error
}

// View is a vault as shown to callers: balances in decimal form next to the
// raw base units.
type View struct {
	Owner           string    `json:"owner"`
	Address         string    `json:"address"`
	AssetID         string    `json:"asset_id"`
	HoldingAccount  string    `json:"holding_account"`
	Decimals        uint8     `json:"decimals"`
	TotalBalance    string    `json:"total_balance"`
	LockedBalance   string    `json:"locked_balance"`
	Available       string    `json:"available_balance"`
	TotalDeposited  string    `json:"total_deposited"`
	TotalWithdrawn  string    `json:"total_withdrawn"`
	CreatedAt       time.Time `json:"created_at"`
	DerivationNonce uint8     `json:"derivation_nonce"`
	Raw             RawUnits  `json:"raw"`
}

// RawUnits are the stored base-unit fields.
type RawUnits struct {
	TotalBalance     uint64 `json:"total_balance"`
	LockedBalance    uint64 `json:"locked_balance"`
	AvailableBalance uint64 `json:"available_balance"`
	TotalDeposited   uint64 `json:"total_deposited"`
	TotalWithdrawn   uint64 `json:"total_withdrawn"`
}

// NewView normalises v using the asset's precision.
func NewView(v vault.Vault, decimals uint8) *View {
	return &View{
		Owner:           v.Owner,
		Address:         v.Address,
		AssetID:         v.AssetID,
		HoldingAccount:  v.HoldingAccount,
		Decimals:        decimals,
		TotalBalance:    amount.FromBaseUnits(v.TotalBalance, decimals),
		LockedBalance:   amount.FromBaseUnits(v.LockedBalance, decimals),
		Available:       amount.FromBaseUnits(v.AvailableBalance, decimals),
		TotalDeposited:  amount.FromBaseUnits(v.TotalDeposited, decimals),
		TotalWithdrawn:  amount.FromBaseUnits(v.TotalWithdrawn, decimals),
		CreatedAt:       v.CreatedAt,
		DerivationNonce: v.Nonce,
		Raw: RawUnits{
			TotalBalance:     v.TotalBalance,
			LockedBalance:    v.LockedBalance,
			AvailableBalance: v.AvailableBalance,
			TotalDeposited:   v.TotalDeposited,
			TotalWithdrawn:   v.TotalWithdrawn,
		},
	}
}

// generationSlots stripes invalidation counters by owner. Two owners sharing
// a slot only cost a skipped cache fill.
const generationSlots = 256

// Service answers vault queries.
type Service struct {
	reader  AccountReader
	assets  AssetRegistry
	deriver *derive.Deriver
	cache   Cache
	log     *logging.Logger

	generations [generationSlots]atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCache sets a view cache.
func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

// WithDeriver overrides the address deriver.
func WithDeriver(d *derive.Deriver) Option { return func(s *Service) { s.deriver = d } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates a query service.
func NewService(reader AccountReader, assets AssetRegistry, opts ...Option) *Service {
	s := &Service{reader: reader, assets: assets, deriver: derive.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDefault(s.log)
	return s
}

// Fetch returns the view of owner's vault. A vault that does not exist is
// reported as (nil, false, nil); only read failures are errors.
func (s *Service) Fetch(ctx context.Context, owner string) (*View, bool, error) {
	gen := s.generation(owner)
	if s.cache != nil {
		v, ok, err := s.cache.Get(ctx, owner)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("owner", owner).Warn("vault cache read failed")
		} else if ok {
			return v, true, nil
		}
	}

	d, err := s.deriver.Vault(owner)
	if err != nil {
		return nil, false, err
	}
	rec, err := s.reader.Vault(ctx, d.Address)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read vault %s: %w", d.Address, err)
	}
	decimals, err := s.assets.Decimals(ctx, rec.AssetID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve decimals for %s: %w", rec.AssetID, err)
	}
	view := NewView(rec, decimals)

	s.fill(ctx, owner, view, gen)
	return view, true, nil
}

// fill caches view unless owner was invalidated after gen was taken. A
// mutation that lands between the check and the write is caught by the
// second check and the entry is dropped again.
func (s *Service) fill(ctx context.Context, owner string, view *View, gen uint64) {
	if s.cache == nil || s.generation(owner) != gen {
		return
	}
	if err := s.cache.Set(ctx, owner, view); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("owner", owner).Warn("vault cache write failed")
		return
	}
	if s.generation(owner) != gen {
		if err := s.cache.Invalidate(ctx, owner); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("owner", owner).Warn("vault cache drop failed")
		}
	}
}

func (s *Service) slot(owner string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return &s.generations[h.Sum32()%generationSlots]
}

func (s *Service) generation(owner string) uint64 { return s.slot(owner).Load() }

// History returns up to limit audit events touching owner's vault, newest
// first.
func (s *Service) History(ctx context.Context, owner string, limit int) ([]vault.Event, error) {
	d, err := s.deriver.Vault(owner)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	evs, err := s.reader.Events(ctx, d.Address, limit)
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", d.Address, err)
	}
	return evs, nil
}

// Invalidate drops cached views for owners. Fetches already in flight for
// those owners will not cache what they read.
func (s *Service) Invalidate(ctx context.Context, owners ...string) error {
	if s.cache == nil || len(owners) == 0 {
		return nil
	}
	for _, owner := range owners {
		s.slot(owner).Add(1)
	}
	return s.cache.Invalidate(ctx, owners...)
}
