package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// instructionError aborts a submission. index is the failing instruction.
type instructionError struct {
	index int
	err   error
}

func (e *instructionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.index, e.err)
}

func (e *instructionError) Unwrap() error { return e.err }

func validateShape(sub *chain.Submission) error {
	if len(sub.Instructions) == 0 {
		return fmt.Errorf("submission has no instructions")
	}
	for i, ins := range sub.Instructions {
		switch ins.Kind {
		case chain.InstrSetPriorityFee, chain.InstrCreateHolding, chain.InstrInitializeVault,
			chain.InstrDeposit, chain.InstrWithdraw, chain.InstrLock, chain.InstrUnlock, chain.InstrTransfer:
		default:
			return fmt.Errorf("instruction %d: unknown kind %q", i, ins.Kind)
		}
	}
	return nil
}

func priorityFee(sub *chain.Submission) uint64 {
	var fee uint64
	for _, ins := range sub.Instructions {
		if ins.Kind == chain.InstrSetPriorityFee {
			fee += ins.MicroFee
		}
	}
	return fee
}

// execution carries the state of one submission while it is applied.
type execution struct {
	node      *Node
	tx        storage.Tx
	authority string
	now       time.Time
	events    []vault.Event
}

// execute applies every instruction of sub in order. Any failure aborts the
// whole unit; the caller's store rolls back all writes.
func (n *Node) execute(tx storage.Tx, sub *chain.Submission, id string, height uint64, now time.Time) (storage.SubmissionRecord, error) {
	x := &execution{node: n, tx: tx, authority: sub.FeePayer, now: now}
	for i, ins := range sub.Instructions {
		if err := x.apply(ins); err != nil {
			if isLedgerError(err) {
				return storage.SubmissionRecord{}, &instructionError{index: i, err: err}
			}
			return storage.SubmissionRecord{}, err
		}
	}
	for i := range x.events {
		x.events[i].Submission = id
		if err := tx.AppendEvent(x.events[i]); err != nil {
			return storage.SubmissionRecord{}, err
		}
	}
	return storage.SubmissionRecord{
		ID:          id,
		Height:      height,
		FeePayer:    sub.FeePayer,
		MicroFee:    priorityFee(sub),
		Instruction: -1,
		Events:      x.events,
		ProcessedAt: now,
	}, nil
}

// isLedgerError separates program failures, which are recorded against the
// submission, from storage failures, which abort the request.
func isLedgerError(err error) bool {
	return apperrors.CodeOf(err) != 0 || apperrors.HasCode(err, apperrors.CodeInvalidAddress)
}

func (x *execution) apply(ins chain.Instruction) error {
	switch ins.Kind {
	case chain.InstrSetPriorityFee:
		return nil
	case chain.InstrCreateHolding:
		_, err := x.createHolding(ins.Owner, ins.AssetID, ins.Holding)
		return err
	case chain.InstrInitializeVault:
		return x.initialize(ins)
	case chain.InstrDeposit:
		return x.deposit(ins)
	case chain.InstrWithdraw:
		return x.withdraw(ins)
	case chain.InstrLock, chain.InstrUnlock:
		return x.lockUnlock(ins)
	case chain.InstrTransfer:
		return x.transfer(ins)
	}
	return apperrors.New(apperrors.ErrAccountMismatch, "unknown instruction %q", ins.Kind)
}

// =============================================================================
// Accounts
// =============================================================================

func (x *execution) asset(id string) error {
	if _, err := x.tx.Asset(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", id)
		}
		return err
	}
	return nil
}

func (x *execution) vault(addr string) (vault.Vault, error) {
	v, err := x.tx.Vault(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return vault.Vault{}, apperrors.New(apperrors.ErrVaultNotFound, "vault %s not initialized", addr)
	}
	return v, err
}

func (x *execution) holding(addr string) (vault.Holding, error) {
	h, err := x.tx.Holding(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return vault.Holding{}, apperrors.New(apperrors.ErrHoldingNotFound, "holding account %s not found", addr)
	}
	return h, err
}

// createHolding returns holder's account for assetID, creating it when absent.
// want, when set, must be the derived address.
func (x *execution) createHolding(holder, assetID, want string) (vault.Holding, error) {
	if err := x.asset(assetID); err != nil {
		return vault.Holding{}, err
	}
	addr, err := x.node.deriver.Holding(holder, assetID)
	if err != nil {
		return vault.Holding{}, err
	}
	if want != "" && want != addr {
		return vault.Holding{}, apperrors.New(apperrors.ErrAccountMismatch, "holding %s is not the derived account for %s", want, holder)
	}
	h, err := x.tx.Holding(addr)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return vault.Holding{}, err
	}
	h = vault.Holding{Address: addr, Owner: holder, AssetID: assetID}
	return h, x.tx.PutHolding(h)
}

// move transfers units between two holding accounts of the same asset.
func (x *execution) move(from, to *vault.Holding, amount uint64) error {
	if from.AssetID != to.AssetID {
		return apperrors.New(apperrors.ErrAccountMismatch, "holdings %s and %s hold different assets", from.Address, to.Address)
	}
	if from.Balance < amount {
		return apperrors.HoldingInsufficientFunds("holding %s has %d, needs %d", from.Address, from.Balance, amount)
	}
	if to.Balance+amount < to.Balance {
		return apperrors.New(apperrors.ErrInvalidAmount, "amount %d overflows holding %s", amount, to.Address)
	}
	from.Balance -= amount
	to.Balance += amount
	if err := x.tx.PutHolding(*from); err != nil {
		return err
	}
	return x.tx.PutHolding(*to)
}

// =============================================================================
// Vault instructions
// =============================================================================

func (x *execution) initialize(ins chain.Instruction) error {
	if x.authority != ins.Owner {
		return apperrors.New(apperrors.ErrUnauthorized, "vault owner must sign its initialization")
	}
	if err := x.node.deriver.VerifyVault(ins.Owner, ins.Vault, ins.Nonce); err != nil {
		return err
	}
	if err := x.asset(ins.AssetID); err != nil {
		return err
	}
	_, err := x.tx.Vault(ins.Vault)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	vh, err := x.node.deriver.Holding(ins.Vault, ins.AssetID)
	if err != nil {
		return err
	}
	if ins.VaultHolding != "" && ins.VaultHolding != vh {
		return apperrors.New(apperrors.ErrAccountMismatch, "vault holding %s is not derived from %s", ins.VaultHolding, ins.Vault)
	}
	v, ev, err := vault.Initialize(vault.InitParams{
		Address:        ins.Vault,
		Owner:          ins.Owner,
		AssetID:        ins.AssetID,
		HoldingAccount: vh,
		Nonce:          ins.Nonce,
	}, exists, x.now)
	if err != nil {
		return err
	}
	if _, err := x.createHolding(ins.Vault, ins.AssetID, vh); err != nil {
		return err
	}
	x.events = append(x.events, ev)
	return x.tx.PutVault(v)
}

func (x *execution) deposit(ins chain.Instruction) error {
	v, err := x.vault(ins.Vault)
	if err != nil {
		return err
	}
	ev, err := v.Deposit(x.authority, ins.Amount, x.now)
	if err != nil {
		return err
	}
	src, dst, err := x.holdingsFor(v, ins, false)
	if err != nil {
		return err
	}
	if err := x.move(&src, &dst, ins.Amount); err != nil {
		return err
	}
	x.events = append(x.events, ev)
	return x.tx.PutVault(v)
}

func (x *execution) withdraw(ins chain.Instruction) error {
	v, err := x.vault(ins.Vault)
	if err != nil {
		return err
	}
	ev, err := v.Withdraw(x.authority, ins.Amount, x.now)
	if err != nil {
		return err
	}
	user, vh, err := x.holdingsFor(v, ins, true)
	if err != nil {
		return err
	}
	if err := x.move(&vh, &user, ins.Amount); err != nil {
		return err
	}
	x.events = append(x.events, ev)
	return x.tx.PutVault(v)
}

// holdingsFor resolves the owner's personal holding and the vault's holding
// named by ins. The personal account is created when create is set.
func (x *execution) holdingsFor(v vault.Vault, ins chain.Instruction, create bool) (user, vh vault.Holding, err error) {
	if ins.VaultHolding != "" && ins.VaultHolding != v.HoldingAccount {
		return user, vh, apperrors.New(apperrors.ErrAccountMismatch, "vault holding %s does not belong to vault %s", ins.VaultHolding, v.Address)
	}
	if vh, err = x.holding(v.HoldingAccount); err != nil {
		return user, vh, err
	}
	if create {
		user, err = x.createHolding(v.Owner, v.AssetID, ins.Holding)
		return user, vh, err
	}
	addr, err := x.node.deriver.Holding(v.Owner, v.AssetID)
	if err != nil {
		return user, vh, err
	}
	if ins.Holding != "" && ins.Holding != addr {
		return user, vh, apperrors.New(apperrors.ErrAccountMismatch, "holding %s is not the derived account for %s", ins.Holding, v.Owner)
	}
	user, err = x.holding(addr)
	return user, vh, err
}

func (x *execution) lockUnlock(ins chain.Instruction) error {
	v, err := x.vault(ins.Vault)
	if err != nil {
		return err
	}
	var ev vault.Event
	if ins.Kind == chain.InstrLock {
		ev, err = v.Lock(x.authority, ins.Amount, x.now)
	} else {
		ev, err = v.Unlock(x.authority, ins.Amount, x.now)
	}
	if err != nil {
		return err
	}
	x.events = append(x.events, ev)
	return x.tx.PutVault(v)
}

func (x *execution) transfer(ins chain.Instruction) error {
	from, err := x.vault(ins.Vault)
	if err != nil {
		return err
	}
	pair := vault.TransferPair{From: &from}

	to, err := x.tx.Vault(ins.RecipientVault)
	switch {
	case err == nil:
		pair.To = &to
	case errors.Is(err, storage.ErrNotFound):
		// An unverifiable recipient leaves ToInit empty and the state machine
		// reports it after the authority and balance checks.
		if ins.Recipient != "" && x.node.deriver.VerifyVault(ins.Recipient, ins.RecipientVault, ins.RecipientNonce) == nil {
			vh, err := x.node.deriver.Holding(ins.RecipientVault, from.AssetID)
			if err != nil {
				return err
			}
			pair.ToInit = vault.InitParams{
				Address:        ins.RecipientVault,
				Owner:          ins.Recipient,
				HoldingAccount: vh,
				Nonce:          ins.RecipientNonce,
			}
		}
	default:
		return err
	}
	ev, err := vault.Transfer(&pair, x.authority, ins.Amount, x.now)
	if err != nil {
		return err
	}
	dest := *pair.To
	if ins.Recipient != "" && dest.Owner != ins.Recipient {
		return apperrors.New(apperrors.ErrInvalidRecipientVault, "vault %s does not belong to %s", dest.Address, ins.Recipient)
	}
	if ins.RecipientHolding != "" && ins.RecipientHolding != dest.HoldingAccount {
		return apperrors.New(apperrors.ErrAccountMismatch, "recipient holding %s does not belong to vault %s", ins.RecipientHolding, dest.Address)
	}

	src, err := x.holding(from.HoldingAccount)
	if err != nil {
		return err
	}
	dst, err := x.createHolding(dest.Address, dest.AssetID, dest.HoldingAccount)
	if err != nil {
		return err
	}
	if err := x.move(&src, &dst, ins.Amount); err != nil {
		return err
	}

	if pair.Initialized != nil {
		x.events = append(x.events, *pair.Initialized)
	}
	x.events = append(x.events, ev)
	if err := x.tx.PutVault(from); err != nil {
		return err
	}
	return x.tx.PutVault(dest)
}
