// Package assets loads the set of supported collateral assets.
package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/collateral_vault/internal/derive"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// File is the on-disk layout of an asset file.
type File struct {
	Assets []vault.Asset `yaml:"assets"`
}

// Registry resolves asset precision by ID.
type Registry struct {
	byID map[string]vault.Asset
}

// New builds a registry from assets, validating each entry.
func New(list []vault.Asset) (*Registry, error) {
	r := &Registry{byID: make(map[string]vault.Asset, len(list))}
	for i, a := range list {
		u, err := derive.ParseAssetID(a.ID)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		if a.Decimals > 18 {
			return nil, fmt.Errorf("asset %s: decimals %d exceeds 18", a.ID, a.Decimals)
		}
		a.ID = derive.FormatAssetID(u)
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("asset %s: duplicate entry", a.ID)
		}
		r.byID[a.ID] = a
	}
	return r, nil
}

// LoadFile reads a YAML asset file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read assets file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse assets file: %w", err)
	}
	return New(f.Assets)
}

// Decimals returns the precision of assetID.
func (r *Registry) Decimals(_ context.Context, assetID string) (uint8, error) {
	a, err := r.Get(assetID)
	if err != nil {
		return 0, err
	}
	return a.Decimals, nil
}

// Get returns the asset registered under assetID.
func (r *Registry) Get(assetID string) (vault.Asset, error) {
	u, err := derive.ParseAssetID(assetID)
	if err != nil {
		return vault.Asset{}, err
	}
	a, ok := r.byID[derive.FormatAssetID(u)]
	if !ok {
		return vault.Asset{}, apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", assetID)
	}
	return a, nil
}

// BySymbol finds an asset by ticker, case-insensitively.
func (r *Registry) BySymbol(symbol string) (vault.Asset, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, a := range r.byID {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return vault.Asset{}, false
}

// All returns every asset ordered by ID.
func (r *Registry) All() []vault.Asset {
	out := make([]vault.Asset, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
