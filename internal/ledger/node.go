// Package ledger is an in-process collateral ledger node. It accepts signed
// submissions, executes each one as a single atomic unit against the ledger of
// record, and answers status and account queries. It serves the same surface
// over JSON-RPC (see RPCHandler) for remote orchestrators.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// DefaultReferenceWindow is how many heights a reference stays valid.
const DefaultReferenceWindow = 150

// Config configures a Node.
type Config struct {
	Store           storage.Store
	Deriver         *derive.Deriver
	Logger          *logging.Logger
	Clock           func() time.Time
	ReferenceWindow uint64
}

// Node executes submissions against a Store.
type Node struct {
	store   storage.Store
	deriver *derive.Deriver
	log     *logging.Logger
	clock   func() time.Time
	window  uint64

	mu     sync.Mutex
	height uint64
	head   string
	refs   map[string]uint64
}

// NewNode creates a ledger node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Deriver == nil {
		cfg.Deriver = derive.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ReferenceWindow == 0 {
		cfg.ReferenceWindow = DefaultReferenceWindow
	}
	n := &Node{
		store:   cfg.Store,
		deriver: cfg.Deriver,
		log:     logging.OrDefault(cfg.Logger),
		clock:   cfg.Clock,
		window:  cfg.ReferenceWindow,
		refs:    make(map[string]uint64),
	}
	n.advanceLocked()
	return n, nil
}

// =============================================================================
// References
// =============================================================================

func (n *Node) advanceLocked() uint64 {
	n.height++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.height)
	n.head = "0x" + hash.Sha256(append([]byte(n.head), buf[:]...)).StringLE()
	n.refs[n.head] = n.height
	if n.height > n.window {
		for ref, h := range n.refs {
			if h+n.window < n.height {
				delete(n.refs, ref)
			}
		}
	}
	return n.height
}

// Advance moves the ledger forward by count heights without executing
// anything, ageing outstanding references.
func (n *Node) Advance(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		n.advanceLocked()
	}
}

// LatestReference returns the current head.
func (n *Node) LatestReference(_ context.Context) (chain.Reference, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return chain.Reference{Hash: n.head, Height: n.height}, nil
}

func (n *Node) referenceValid(ref string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.refs[ref]
	return ok && h+n.window >= n.height
}

func (n *Node) nextHeight() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advanceLocked()
}

// =============================================================================
// Submission
// =============================================================================

var errDuplicate = errors.New("duplicate submission")

// Send accepts a signed submission and executes it. The returned receipt
// only acknowledges acceptance; a failed execution is reported by Status.
// Resending an already processed submission returns its original receipt.
func (n *Node) Send(ctx context.Context, sub *chain.Submission) (chain.Receipt, error) {
	if err := sub.Verify(); err != nil {
		return chain.Receipt{}, &chain.RejectError{Reason: err.Error()}
	}
	if err := validateShape(sub); err != nil {
		return chain.Receipt{}, &chain.RejectError{Reason: err.Error()}
	}
	id := sub.ID()

	if rec, err := n.submission(ctx, id); err == nil {
		return chain.Receipt{ID: id, Height: rec.Height, Duplicate: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return chain.Receipt{}, err
	}

	if !n.referenceValid(sub.Reference) {
		return chain.Receipt{}, &chain.RejectError{Reason: "reference expired or unknown", Retryable: true, ReferenceExpired: true}
	}

	height := n.nextHeight()
	now := n.clock().UTC()

	var execErr *instructionError
	err := n.store.Update(ctx, func(tx storage.Tx) error {
		execErr = nil
		if _, err := tx.Submission(id); err == nil {
			return errDuplicate
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rec, err := n.execute(tx, sub, id, height, now)
		if err != nil {
			return err
		}
		return tx.PutSubmission(rec)
	})
	switch {
	case err == nil:
	case errors.Is(err, errDuplicate):
		rec, err := n.submission(ctx, id)
		if err != nil {
			return chain.Receipt{}, err
		}
		return chain.Receipt{ID: id, Height: rec.Height, Duplicate: true}, nil
	case errors.As(err, &execErr):
		if err := n.recordFailure(ctx, sub, id, height, now, execErr); err != nil {
			return chain.Receipt{}, err
		}
		n.log.WithContext(ctx).WithFields(map[string]interface{}{
			"submission":  id,
			"instruction": execErr.index,
			"code":        uint32(apperrors.CodeOf(execErr.err)),
		}).WithError(execErr.err).Info("submission execution failed")
	case errors.Is(err, storage.ErrConflict):
		return chain.Receipt{}, &chain.RejectError{Reason: "ledger busy", Retryable: true}
	default:
		return chain.Receipt{}, fmt.Errorf("execute %s: %w", id, err)
	}

	return chain.Receipt{ID: id, Height: height}, nil
}

func (n *Node) recordFailure(ctx context.Context, sub *chain.Submission, id string, height uint64, now time.Time, execErr *instructionError) error {
	code := apperrors.CodeOf(execErr.err)
	if code == 0 {
		code = apperrors.LedgerAccountMismatch
	}
	rec := storage.SubmissionRecord{
		ID:          id,
		Height:      height,
		FeePayer:    sub.FeePayer,
		MicroFee:    priorityFee(sub),
		Failed:      true,
		ErrorCode:   uint32(code),
		ErrorText:   messageOf(execErr.err),
		Instruction: execErr.index,
		ProcessedAt: now,
	}
	return n.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Submission(id); err == nil {
			return nil
		}
		return tx.PutSubmission(rec)
	})
}

func messageOf(err error) string {
	if se := apperrors.GetServiceError(err); se != nil {
		return se.Message
	}
	return err.Error()
}

// Status reports the outcome of a submission.
func (n *Node) Status(ctx context.Context, id string) (chain.Status, error) {
	rec, err := n.submission(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return chain.Status{ID: id, State: chain.StateUnknown}, nil
	}
	if err != nil {
		return chain.Status{}, err
	}
	st := chain.Status{ID: id, State: chain.StateConfirmed, Height: rec.Height, MicroFee: rec.MicroFee, Events: rec.Events}
	if rec.Failed {
		st.State = chain.StateFailed
		st.Error = &chain.ExecutionError{Code: rec.ErrorCode, Message: rec.ErrorText, Instruction: rec.Instruction}
	}
	return st, nil
}

func (n *Node) submission(ctx context.Context, id string) (storage.SubmissionRecord, error) {
	var rec storage.SubmissionRecord
	err := n.store.View(ctx, func(tx storage.Tx) error {
		var err error
		rec, err = tx.Submission(id)
		return err
	})
	return rec, err
}

// =============================================================================
// Account reads
// =============================================================================

// Vault returns the vault record at address.
func (n *Node) Vault(ctx context.Context, address string) (vault.Vault, error) {
	var v vault.Vault
	err := n.store.View(ctx, func(tx storage.Tx) error {
		var err error
		v, err = tx.Vault(address)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return vault.Vault{}, fmt.Errorf("vault %s: %w", address, chain.ErrAccountNotFound)
	}
	return v, err
}

// Holding returns the holding account at address.
func (n *Node) Holding(ctx context.Context, address string) (vault.Holding, error) {
	var h vault.Holding
	err := n.store.View(ctx, func(tx storage.Tx) error {
		var err error
		h, err = tx.Holding(address)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return vault.Holding{}, fmt.Errorf("holding %s: %w", address, chain.ErrAccountNotFound)
	}
	return h, err
}

// Asset returns the asset registered under id.
func (n *Node) Asset(ctx context.Context, id string) (vault.Asset, error) {
	var a vault.Asset
	err := n.store.View(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.Asset(id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return vault.Asset{}, fmt.Errorf("asset %s: %w", id, chain.ErrAccountNotFound)
	}
	return a, err
}

// Decimals returns the precision of asset id.
func (n *Node) Decimals(ctx context.Context, id string) (uint8, error) {
	a, err := n.Asset(ctx, id)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return 0, apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", id)
	}
	if err != nil {
		return 0, err
	}
	return a.Decimals, nil
}

// Events returns audit events touching vaultAddr, newest first.
func (n *Node) Events(ctx context.Context, vaultAddr string, limit int) ([]vault.Event, error) {
	var evs []vault.Event
	err := n.store.View(ctx, func(tx storage.Tx) error {
		var err error
		evs, err = tx.Events(vaultAddr, limit)
		return err
	})
	return evs, err
}

// =============================================================================
// Administration
// =============================================================================

// RegisterAsset makes an asset available for vaults and holdings.
func (n *Node) RegisterAsset(ctx context.Context, a vault.Asset) error {
	if _, err := derive.ParseAssetID(a.ID); err != nil {
		return err
	}
	if a.Decimals > 18 {
		return fmt.Errorf("asset %s: precision %d exceeds 18", a.ID, a.Decimals)
	}
	return n.store.Update(ctx, func(tx storage.Tx) error { return tx.PutAsset(a) })
}

// Mint credits amount units of assetID to holder's personal holding account,
// creating the account when needed. It stands in for an external asset
// issuer.
func (n *Node) Mint(ctx context.Context, holder, assetID string, amount uint64) (vault.Holding, error) {
	addr, err := n.deriver.Holding(holder, assetID)
	if err != nil {
		return vault.Holding{}, err
	}
	var out vault.Holding
	err = n.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Asset(assetID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", assetID)
			}
			return err
		}
		h, err := tx.Holding(addr)
		if errors.Is(err, storage.ErrNotFound) {
			h = vault.Holding{Address: addr, Owner: holder, AssetID: assetID}
		} else if err != nil {
			return err
		}
		if h.Balance+amount < h.Balance {
			return apperrors.New(apperrors.ErrInvalidAmount, "mint overflows holding %s", addr)
		}
		h.Balance += amount
		out = h
		return tx.PutHolding(h)
	})
	return out, err
}
