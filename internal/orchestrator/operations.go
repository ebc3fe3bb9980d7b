package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/collateral_vault/internal/amount"
	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/derive"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// Operation names, used in errors, metrics and logs.
const (
	OpInitialize = "initialize"
	OpDeposit    = "deposit"
	OpWithdraw   = "withdraw"
	OpLock       = "lock"
	OpUnlock     = "unlock"
	OpTransfer   = "transfer"
)

// plan is an operation ready to submit.
type plan struct {
	op     string
	vault  string
	steps  []chain.Instruction
	fee    uint64
	budget int
	owners []string
}

// Initialize creates owner's vault bound to assetID, together with the
// vault's holding account.
func (s *Session) Initialize(ctx context.Context, owner, assetID string) (*Receipt, error) {
	return s.run(ctx, OpInitialize, func(ctx context.Context) (*plan, error) {
		return s.planInitialize(ctx, owner, assetID)
	})
}

// Deposit moves amountDecimal of assetID from owner's holding account into
// the vault. A missing vault is initialised first in its own submission.
func (s *Session) Deposit(ctx context.Context, owner, assetID, amountDecimal string) (*Receipt, error) {
	var setup *Receipt
	r, err := s.run(ctx, OpDeposit, func(ctx context.Context) (*plan, error) {
		p, needsInit, err := s.planDeposit(ctx, owner, assetID, amountDecimal)
		if err != nil || !needsInit {
			return p, err
		}
		setup, err = s.Initialize(ctx, owner, assetID)
		if err != nil {
			return nil, err
		}
		p, _, err = s.planDeposit(ctx, owner, assetID, amountDecimal)
		return p, err
	})
	if r != nil {
		r.Setup = setup
	}
	return r, err
}

// Withdraw moves amountDecimal from the vault's available balance back to
// owner's holding account, creating that account when needed.
func (s *Session) Withdraw(ctx context.Context, owner, assetID, amountDecimal string) (*Receipt, error) {
	return s.run(ctx, OpWithdraw, func(ctx context.Context) (*plan, error) {
		return s.planWithdraw(ctx, owner, assetID, amountDecimal)
	})
}

// Lock reserves amount base units of the available balance.
func (s *Session) Lock(ctx context.Context, owner string, amountBase uint64) (*Receipt, error) {
	return s.run(ctx, OpLock, func(ctx context.Context) (*plan, error) {
		return s.planLockUnlock(ctx, OpLock, owner, amountBase)
	})
}

// Unlock releases amount base units of the locked balance.
func (s *Session) Unlock(ctx context.Context, owner string, amountBase uint64) (*Receipt, error) {
	return s.run(ctx, OpUnlock, func(ctx context.Context) (*plan, error) {
		return s.planLockUnlock(ctx, OpUnlock, owner, amountBase)
	})
}

// Transfer moves amount base units from fromOwner's vault to toOwner's. The
// destination record is created inside the same submission when absent; the
// source never is.
func (s *Session) Transfer(ctx context.Context, fromOwner, toOwner string, amountBase uint64) (*Receipt, error) {
	return s.run(ctx, OpTransfer, func(ctx context.Context) (*plan, error) {
		return s.planTransfer(ctx, fromOwner, toOwner, amountBase)
	})
}

// =============================================================================
// Planning
// =============================================================================

func (s *Session) authorize(owner string) error {
	if owner != s.signer.Address() {
		return apperrors.New(apperrors.ErrUnauthorized, "session %s cannot act for %s", s.signer.Address(), owner)
	}
	return nil
}

func (s *Session) deriver() *derive.Deriver { return s.client.cfg.Deriver }

// readVault returns the record at addr and whether it exists.
func (s *Session) readVault(ctx context.Context, addr string) (vault.Vault, bool, error) {
	v, err := s.client.cfg.Accounts.Vault(ctx, addr)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return vault.Vault{}, false, nil
	}
	if err != nil {
		return vault.Vault{}, false, fmt.Errorf("read vault %s: %w", addr, err)
	}
	return v, true, nil
}

// readHolding returns the holding at addr and whether it exists.
func (s *Session) readHolding(ctx context.Context, addr string) (vault.Holding, bool, error) {
	h, err := s.client.cfg.Accounts.Holding(ctx, addr)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return vault.Holding{}, false, nil
	}
	if err != nil {
		return vault.Holding{}, false, fmt.Errorf("read holding %s: %w", addr, err)
	}
	return h, true, nil
}

func (s *Session) existingVault(ctx context.Context, owner string) (derive.Derived, vault.Vault, error) {
	d, err := s.deriver().Vault(owner)
	if err != nil {
		return d, vault.Vault{}, err
	}
	v, ok, err := s.readVault(ctx, d.Address)
	if err != nil {
		return d, v, err
	}
	if !ok {
		return d, v, apperrors.New(apperrors.ErrVaultNotFound, "no vault for %s", owner)
	}
	return d, v, nil
}

func (s *Session) baseUnits(ctx context.Context, assetID, amountDecimal string) (uint64, error) {
	decimals, err := s.client.cfg.Assets.Decimals(ctx, assetID)
	if err != nil {
		return 0, err
	}
	base, err := amount.ToBaseUnits(amountDecimal, decimals)
	if err != nil {
		return 0, err
	}
	if base == 0 {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "amount %q is zero at %d decimals", amountDecimal, decimals)
	}
	return base, nil
}

func boundTo(v vault.Vault, assetID string) error {
	want, err := derive.ParseAssetID(assetID)
	if err != nil {
		return err
	}
	if derive.FormatAssetID(want) != v.AssetID {
		return apperrors.New(apperrors.ErrAccountMismatch, "vault %s holds %s, not %s", v.Address, v.AssetID, assetID)
	}
	return nil
}

func (s *Session) planInitialize(ctx context.Context, owner, assetID string) (*plan, error) {
	if err := s.authorize(owner); err != nil {
		return nil, err
	}
	id, err := derive.ParseAssetID(assetID)
	if err != nil {
		return nil, err
	}
	assetID = derive.FormatAssetID(id)
	if _, err := s.client.cfg.Assets.Decimals(ctx, assetID); err != nil {
		return nil, err
	}
	d, err := s.deriver().Vault(owner)
	if err != nil {
		return nil, err
	}
	_, exists, err := s.readVault(ctx, d.Address)
	if err != nil {
		return nil, err
	}
	vh, err := s.deriver().Holding(d.Address, assetID)
	if err != nil {
		return nil, err
	}
	if _, _, err := vault.Initialize(vault.InitParams{Address: d.Address, Owner: owner, AssetID: assetID, HoldingAccount: vh, Nonce: d.Nonce}, exists, s.client.cfg.Clock()); err != nil {
		return nil, err
	}
	return &plan{
		op:    OpInitialize,
		vault: d.Address,
		steps: []chain.Instruction{{
			Kind:         chain.InstrInitializeVault,
			Owner:        owner,
			Vault:        d.Address,
			Nonce:        d.Nonce,
			AssetID:      assetID,
			VaultHolding: vh,
		}},
		fee:    s.client.cfg.PriorityFee,
		budget: s.client.cfg.Retries,
		owners: []string{owner},
	}, nil
}

// planDeposit reports needsInit when the vault does not exist yet. The
// personal holding is checked first, so an unfunded deposit never pays for an
// initialisation.
func (s *Session) planDeposit(ctx context.Context, owner, assetID, amountDecimal string) (*plan, bool, error) {
	if err := s.authorize(owner); err != nil {
		return nil, false, err
	}
	base, err := s.baseUnits(ctx, assetID, amountDecimal)
	if err != nil {
		return nil, false, err
	}
	id, err := derive.ParseAssetID(assetID)
	if err != nil {
		return nil, false, err
	}
	holding, err := s.deriver().Holding(owner, derive.FormatAssetID(id))
	if err != nil {
		return nil, false, err
	}
	h, ok, err := s.readHolding(ctx, holding)
	if err != nil {
		return nil, false, err
	}
	if !ok || h.Balance < base {
		return nil, false, apperrors.HoldingInsufficientFunds("holding %s has %d, deposit needs %d", holding, h.Balance, base)
	}

	d, err := s.deriver().Vault(owner)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := s.readVault(ctx, d.Address)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil
	}
	if err := boundTo(v, assetID); err != nil {
		return nil, false, err
	}
	dry := v
	if _, err := dry.Deposit(owner, base, s.client.cfg.Clock()); err != nil {
		return nil, false, err
	}

	return &plan{
		op:    OpDeposit,
		vault: v.Address,
		steps: []chain.Instruction{{
			Kind:         chain.InstrDeposit,
			Owner:        owner,
			Vault:        v.Address,
			AssetID:      v.AssetID,
			Holding:      holding,
			VaultHolding: v.HoldingAccount,
			Amount:       base,
		}},
		fee:    s.client.cfg.PriorityFee,
		budget: s.client.cfg.Retries,
		owners: []string{owner},
	}, false, nil
}

func (s *Session) planWithdraw(ctx context.Context, owner, assetID, amountDecimal string) (*plan, error) {
	if err := s.authorize(owner); err != nil {
		return nil, err
	}
	base, err := s.baseUnits(ctx, assetID, amountDecimal)
	if err != nil {
		return nil, err
	}
	_, v, err := s.existingVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := boundTo(v, assetID); err != nil {
		return nil, err
	}
	dry := v
	if _, err := dry.Withdraw(owner, base, s.client.cfg.Clock()); err != nil {
		return nil, err
	}

	holding, err := s.deriver().Holding(owner, v.AssetID)
	if err != nil {
		return nil, err
	}
	_, ok, err := s.readHolding(ctx, holding)
	if err != nil {
		return nil, err
	}
	var steps []chain.Instruction
	if !ok {
		steps = append(steps, chain.Instruction{
			Kind:    chain.InstrCreateHolding,
			Owner:   owner,
			AssetID: v.AssetID,
			Holding: holding,
		})
	}
	steps = append(steps, chain.Instruction{
		Kind:         chain.InstrWithdraw,
		Owner:        owner,
		Vault:        v.Address,
		AssetID:      v.AssetID,
		Holding:      holding,
		VaultHolding: v.HoldingAccount,
		Amount:       base,
	})
	return &plan{
		op:     OpWithdraw,
		vault:  v.Address,
		steps:  steps,
		fee:    s.client.cfg.PriorityFee,
		budget: s.client.cfg.Retries,
		owners: []string{owner},
	}, nil
}

func (s *Session) planLockUnlock(ctx context.Context, op, owner string, base uint64) (*plan, error) {
	if err := s.authorize(owner); err != nil {
		return nil, err
	}
	_, v, err := s.existingVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	dry := v
	kind := chain.InstrLock
	if op == OpLock {
		_, err = dry.Lock(owner, base, s.client.cfg.Clock())
	} else {
		kind = chain.InstrUnlock
		_, err = dry.Unlock(owner, base, s.client.cfg.Clock())
	}
	if err != nil {
		return nil, err
	}
	return &plan{
		op:     op,
		vault:  v.Address,
		steps:  []chain.Instruction{{Kind: kind, Owner: owner, Vault: v.Address, Amount: base}},
		fee:    s.client.cfg.PriorityFee,
		budget: s.client.cfg.Retries,
		owners: []string{owner},
	}, nil
}

func (s *Session) planTransfer(ctx context.Context, fromOwner, toOwner string, base uint64) (*plan, error) {
	if err := s.authorize(fromOwner); err != nil {
		return nil, err
	}
	_, from, err := s.existingVault(ctx, fromOwner)
	if err != nil {
		return nil, err
	}
	src := from
	pair := vault.TransferPair{From: &src}

	// An underivable recipient leaves ToInit empty so the state machine
	// reports it after the authority and balance checks.
	var destHolding string
	dest, derr := s.deriver().Vault(toOwner)
	if derr == nil {
		to, ok, err := s.readVault(ctx, dest.Address)
		if err != nil {
			return nil, err
		}
		if destHolding, err = s.deriver().Holding(dest.Address, from.AssetID); err != nil {
			return nil, err
		}
		if ok {
			pair.To = &to
		} else {
			pair.ToInit = vault.InitParams{Address: dest.Address, Owner: toOwner, HoldingAccount: destHolding, Nonce: dest.Nonce}
		}
	}
	if _, err := vault.Transfer(&pair, fromOwner, base, s.client.cfg.Clock()); err != nil {
		if derr != nil && errors.Is(err, apperrors.ErrInvalidRecipientVault) {
			return nil, apperrors.Wrap(apperrors.ErrInvalidRecipientVault, derr)
		}
		return nil, err
	}

	return &plan{
		op:    OpTransfer,
		vault: from.Address,
		steps: []chain.Instruction{{
			Kind:             chain.InstrTransfer,
			Owner:            fromOwner,
			Vault:            from.Address,
			AssetID:          from.AssetID,
			VaultHolding:     from.HoldingAccount,
			Recipient:        toOwner,
			RecipientVault:   dest.Address,
			RecipientNonce:   dest.Nonce,
			RecipientHolding: destHolding,
			Amount:           base,
		}},
		fee:    s.client.cfg.TransferFee,
		budget: s.client.cfg.TransferRetries,
		owners: []string{fromOwner, toOwner},
	}, nil
}
