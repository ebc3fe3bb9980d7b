package vault

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

// InitParams describes a vault to create. Addresses are already derived.
type InitParams struct {
	Address        string
	Owner          string
	AssetID        string
	HoldingAccount string
	Nonce          uint8
}

// =============================================================================
// Operations
// =============================================================================

// Initialize creates a zero-balance vault. exists reports whether a record is
// already stored at p.Address.
func Initialize(p InitParams, exists bool, now time.Time) (Vault, Event, error) {
	if exists {
		return Vault{}, Event{}, apperrors.New(apperrors.ErrAlreadyInitialized, "vault %s already initialized", p.Address)
	}
	v := Vault{
		Address:        p.Address,
		Owner:          p.Owner,
		AssetID:        p.AssetID,
		HoldingAccount: p.HoldingAccount,
		Nonce:          p.Nonce,
		State:          StateActive,
		CreatedAt:      now.UTC(),
	}
	return v, v.event(EventInitialized, 0, now), nil
}

// Deposit credits amount to the vault.
func (v *Vault) Deposit(authority string, amount uint64, now time.Time) (Event, error) {
	if err := v.authorize(authority); err != nil {
		return Event{}, err
	}
	if amount == 0 {
		return Event{}, apperrors.New(apperrors.ErrInvalidAmount, "deposit amount must be positive")
	}
	next := *v
	if err := next.credit(amount); err != nil {
		return Event{}, err
	}
	*v = next
	return v.event(EventDeposited, amount, now), nil
}

// Withdraw debits amount from the available balance. Locked funds are never
// withdrawable.
func (v *Vault) Withdraw(authority string, amount uint64, now time.Time) (Event, error) {
	if err := v.authorize(authority); err != nil {
		return Event{}, err
	}
	if amount == 0 {
		return Event{}, apperrors.New(apperrors.ErrInvalidAmount, "withdraw amount must be positive")
	}
	if amount > v.AvailableBalance {
		return Event{}, insufficient("withdraw", amount, v.AvailableBalance)
	}
	v.debit(amount)
	return v.event(EventWithdrawn, amount, now), nil
}

// Lock moves amount from available to locked.
func (v *Vault) Lock(authority string, amount uint64, now time.Time) (Event, error) {
	if err := v.authorize(authority); err != nil {
		return Event{}, err
	}
	if amount == 0 {
		return Event{}, apperrors.New(apperrors.ErrInvalidAmount, "lock amount must be positive")
	}
	if amount > v.AvailableBalance {
		return Event{}, insufficient("lock", amount, v.AvailableBalance)
	}
	v.AvailableBalance -= amount
	v.LockedBalance += amount
	return v.event(EventLocked, amount, now), nil
}

// Unlock moves amount from locked back to available.
func (v *Vault) Unlock(authority string, amount uint64, now time.Time) (Event, error) {
	if err := v.authorize(authority); err != nil {
		return Event{}, err
	}
	if amount == 0 {
		return Event{}, apperrors.New(apperrors.ErrInvalidAmount, "unlock amount must be positive")
	}
	if amount > v.LockedBalance {
		return Event{}, insufficient("unlock", amount, v.LockedBalance)
	}
	v.LockedBalance -= amount
	v.AvailableBalance += amount
	return v.event(EventUnlocked, amount, now), nil
}

// TransferPair holds both sides of a transfer. To may be nil when the
// destination has no record yet; ToInit then describes the record to create,
// and Initialized carries its creation event once Transfer succeeds.
type TransferPair struct {
	From        *Vault
	To          *Vault
	ToInit      InitParams
	Initialized *Event
}

// Transfer moves amount from the source's available balance to the
// destination's available balance. Both records change or neither does. The
// source books the amount as withdrawn and the destination as deposited, so
// total = deposited - withdrawn holds on both sides. A missing destination is
// created inside the same call and is returned in p.To.
func Transfer(p *TransferPair, authority string, amount uint64, now time.Time) (Event, error) {
	if p == nil || p.From == nil {
		return Event{}, apperrors.New(apperrors.ErrVaultNotFound, "source vault not found")
	}
	from := *p.From
	if err := from.authorize(authority); err != nil {
		return Event{}, err
	}
	if amount == 0 {
		return Event{}, apperrors.New(apperrors.ErrInvalidAmount, "transfer amount must be positive")
	}
	if amount > from.AvailableBalance {
		return Event{}, insufficient("transfer", amount, from.AvailableBalance)
	}

	var (
		to     Vault
		initEv *Event
	)
	if p.To != nil {
		to = *p.To
	} else {
		if p.ToInit.Address == "" || p.ToInit.Owner == "" {
			return Event{}, apperrors.New(apperrors.ErrInvalidRecipientVault, "recipient vault is not initialized")
		}
		init := p.ToInit
		init.AssetID = from.AssetID
		created, ev, err := Initialize(init, false, now)
		if err != nil {
			return Event{}, err
		}
		to, initEv = created, &ev
	}
	switch {
	case to.Address == from.Address || to.Owner == from.Owner:
		return Event{}, apperrors.New(apperrors.ErrInvalidRecipientVault, "cannot transfer to the source vault")
	case to.AssetID != from.AssetID:
		return Event{}, apperrors.New(apperrors.ErrInvalidRecipientVault, "recipient vault holds %s, not %s", to.AssetID, from.AssetID)
	case to.State != StateActive:
		return Event{}, apperrors.New(apperrors.ErrInvalidRecipientVault, "recipient vault is %s", to.State)
	}

	if err := to.credit(amount); err != nil {
		return Event{}, err
	}
	from.debit(amount)

	*p.From = from
	if p.To != nil {
		*p.To = to
	} else {
		p.To = &to
		p.Initialized = initEv
	}

	ev := from.event(EventTransferred, amount, now)
	ev.Counterparty = to.Owner
	ev.CounterpartyVault = to.Address
	ev.CounterpartyBalance = to.TotalBalance
	return ev, nil
}

// =============================================================================
// Invariants
// =============================================================================

// CheckInvariants verifies the balance identities of a single vault.
func CheckInvariants(v Vault) error {
	if v.LockedBalance+v.AvailableBalance != v.TotalBalance {
		return fmt.Errorf("vault %s: locked %d + available %d != total %d", v.Address, v.LockedBalance, v.AvailableBalance, v.TotalBalance)
	}
	if v.TotalDeposited < v.TotalWithdrawn || v.TotalDeposited-v.TotalWithdrawn != v.TotalBalance {
		return fmt.Errorf("vault %s: deposited %d - withdrawn %d != total %d", v.Address, v.TotalDeposited, v.TotalWithdrawn, v.TotalBalance)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (v *Vault) authorize(authority string) error {
	if authority != v.Owner {
		return apperrors.New(apperrors.ErrUnauthorized, "unauthorized vault access")
	}
	return nil
}

func (v *Vault) credit(amount uint64) error {
	total, c1 := bits.Add64(v.TotalBalance, amount, 0)
	deposited, c2 := bits.Add64(v.TotalDeposited, amount, 0)
	if c1 != 0 || c2 != 0 {
		return apperrors.New(apperrors.ErrInvalidAmount, "amount %d overflows vault balance", amount)
	}
	v.TotalBalance = total
	v.AvailableBalance += amount
	v.TotalDeposited = deposited
	return nil
}

func (v *Vault) debit(amount uint64) {
	v.TotalBalance -= amount
	v.AvailableBalance -= amount
	v.TotalWithdrawn += amount
}

func (v *Vault) event(kind EventKind, amount uint64, now time.Time) Event {
	return Event{
		ID:               uuid.NewString(),
		Kind:             kind,
		Vault:            v.Address,
		Owner:            v.Owner,
		AssetID:          v.AssetID,
		Amount:           amount,
		ResultingBalance: v.TotalBalance,
		Timestamp:        now.UTC(),
	}
}

func insufficient(op string, requested, available uint64) error {
	return apperrors.New(apperrors.ErrInsufficientBalance, "%s: requested %d, available %d", op, requested, available)
}
