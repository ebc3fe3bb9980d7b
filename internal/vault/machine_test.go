package vault

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newVault(t *testing.T, owner string) Vault {
	t.Helper()
	v, ev, err := Initialize(InitParams{
		Address:        "V-" + owner,
		Owner:          owner,
		AssetID:        "0xasset",
		HoldingAccount: "H-" + owner,
		Nonce:          254,
	}, false, now)
	require.NoError(t, err)
	require.Equal(t, EventInitialized, ev.Kind)
	return v
}

func TestInitialize(t *testing.T) {
	v := newVault(t, "alice")
	assert.Equal(t, StateActive, v.State)
	assert.Zero(t, v.TotalBalance)
	assert.NoError(t, CheckInvariants(v))

	_, _, err := Initialize(InitParams{Address: v.Address, Owner: "alice"}, true, now)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyInitialized)
}

// The worked example: deposit 2.5 (6 decimals), lock 1.0, withdraw 1.0.
func TestDepositLockWithdrawScenario(t *testing.T) {
	v := newVault(t, "alice")

	ev, err := v.Deposit("alice", 2_500_000, now)
	require.NoError(t, err)
	assert.Equal(t, EventDeposited, ev.Kind)
	assert.Equal(t, uint64(2_500_000), ev.ResultingBalance)
	assert.Equal(t, uint64(2_500_000), v.AvailableBalance)

	_, err = v.Lock("alice", 1_000_000, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), v.AvailableBalance)
	assert.Equal(t, uint64(1_000_000), v.LockedBalance)
	assert.Equal(t, uint64(2_500_000), v.TotalBalance)

	_, err = v.Withdraw("alice", 1_000_000, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), v.AvailableBalance)
	assert.Equal(t, uint64(1_000_000), v.LockedBalance)
	assert.Equal(t, uint64(1_500_000), v.TotalBalance)
	assert.Equal(t, uint64(1_000_000), v.TotalWithdrawn)
	assert.NoError(t, CheckInvariants(v))
}

func TestLockedFundsAreNotWithdrawable(t *testing.T) {
	v := newVault(t, "alice")
	_, err := v.Deposit("alice", 100, now)
	require.NoError(t, err)
	_, err = v.Lock("alice", 100, now)
	require.NoError(t, err)

	before := v
	_, err = v.Withdraw("alice", 1, now)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.Equal(t, before, v, "failed withdraw must not mutate")
}

func TestPreconditionOrder(t *testing.T) {
	v := newVault(t, "alice")

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"deposit by stranger", func() error { _, err := v.Deposit("mallory", 0, now); return err }, apperrors.ErrUnauthorized},
		{"deposit zero", func() error { _, err := v.Deposit("alice", 0, now); return err }, apperrors.ErrInvalidAmount},
		{"withdraw zero before balance", func() error { _, err := v.Withdraw("alice", 0, now); return err }, apperrors.ErrInvalidAmount},
		{"withdraw too much", func() error { _, err := v.Withdraw("alice", 1, now); return err }, apperrors.ErrInsufficientBalance},
		{"lock zero", func() error { _, err := v.Lock("alice", 0, now); return err }, apperrors.ErrInvalidAmount},
		{"lock too much", func() error { _, err := v.Lock("alice", 1, now); return err }, apperrors.ErrInsufficientBalance},
		{"unlock zero", func() error { _, err := v.Unlock("alice", 0, now); return err }, apperrors.ErrInvalidAmount},
		{"unlock too much", func() error { _, err := v.Unlock("alice", 1, now); return err }, apperrors.ErrInsufficientBalance},
		{"unlock by stranger", func() error { _, err := v.Unlock("mallory", 1, now); return err }, apperrors.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDepositOverflow(t *testing.T) {
	v := newVault(t, "alice")
	_, err := v.Deposit("alice", ^uint64(0), now)
	require.NoError(t, err)
	_, err = v.Deposit("alice", 1, now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
	assert.Equal(t, ^uint64(0), v.TotalBalance)
}

func TestTransfer(t *testing.T) {
	from := newVault(t, "alice")
	to := newVault(t, "bob")
	_, err := from.Deposit("alice", 1_000, now)
	require.NoError(t, err)

	pair := &TransferPair{From: &from, To: &to}
	ev, err := Transfer(pair, "alice", 400, now)
	require.NoError(t, err)

	assert.Equal(t, EventTransferred, ev.Kind)
	assert.Equal(t, "bob", ev.Counterparty)
	assert.Equal(t, uint64(600), ev.ResultingBalance)
	assert.Equal(t, uint64(400), ev.CounterpartyBalance)

	assert.Equal(t, uint64(600), from.TotalBalance)
	assert.Equal(t, uint64(400), to.AvailableBalance)
	assert.NoError(t, CheckInvariants(from))
	assert.NoError(t, CheckInvariants(to))
	assert.Equal(t, uint64(1_000), from.TotalBalance+to.TotalBalance)
}

func TestTransferCreatesDestination(t *testing.T) {
	from := newVault(t, "alice")
	_, err := from.Deposit("alice", 50, now)
	require.NoError(t, err)

	pair := &TransferPair{From: &from, ToInit: InitParams{Address: "V-carol", Owner: "carol", HoldingAccount: "H-carol"}}
	_, err = Transfer(pair, "alice", 50, now)
	require.NoError(t, err)
	require.NotNil(t, pair.To)
	assert.Equal(t, "carol", pair.To.Owner)
	assert.Equal(t, from.AssetID, pair.To.AssetID)
	assert.Equal(t, uint64(50), pair.To.TotalBalance)

	require.NotNil(t, pair.Initialized)
	assert.Equal(t, EventInitialized, pair.Initialized.Kind)
	assert.Equal(t, "V-carol", pair.Initialized.Vault)
	assert.Equal(t, "carol", pair.Initialized.Owner)
	assert.Equal(t, from.AssetID, pair.Initialized.AssetID)
}

func TestTransferFailuresLeaveBothUnchanged(t *testing.T) {
	from := newVault(t, "alice")
	_, err := from.Deposit("alice", 100, now)
	require.NoError(t, err)
	otherAsset := newVault(t, "dave")
	otherAsset.AssetID = "0xother"

	tests := []struct {
		name      string
		to        *Vault
		authority string
		amount    uint64
		want      error
	}{
		{"stranger", &otherAsset, "mallory", 10, apperrors.ErrUnauthorized},
		{"zero", &otherAsset, "alice", 0, apperrors.ErrInvalidAmount},
		{"too much", &otherAsset, "alice", 101, apperrors.ErrInsufficientBalance},
		{"asset mismatch", &otherAsset, "alice", 10, apperrors.ErrInvalidRecipientVault},
		{"self", &from, "alice", 10, apperrors.ErrInvalidRecipientVault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srcBefore, dstBefore := from, *tt.to
			_, err := Transfer(&TransferPair{From: &from, To: tt.to}, tt.authority, tt.amount, now)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, srcBefore, from)
			assert.Equal(t, dstBefore, *tt.to)
		})
	}
}

func TestRandomSequencesPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := newVault(t, "alice")
	b := newVault(t, "bob")
	var externalIn, externalOut uint64

	for i := 0; i < 5000; i++ {
		amt := uint64(rng.Intn(1_000))
		var err error
		switch rng.Intn(6) {
		case 0:
			_, err = a.Deposit("alice", amt, now)
			if err == nil {
				externalIn += amt
			}
		case 1:
			_, err = a.Withdraw("alice", amt, now)
			if err == nil {
				externalOut += amt
			}
		case 2:
			_, err = a.Lock("alice", amt, now)
		case 3:
			_, err = a.Unlock("alice", amt, now)
		case 4:
			_, err = Transfer(&TransferPair{From: &a, To: &b}, "alice", amt, now)
		case 5:
			_, err = Transfer(&TransferPair{From: &b, To: &a}, "bob", amt, now)
		}
		if err != nil && apperrors.GetServiceError(err) == nil {
			t.Fatalf("untyped error: %v", err)
		}
		require.NoError(t, CheckInvariants(a))
		require.NoError(t, CheckInvariants(b))
		require.Equal(t, externalIn-externalOut, a.TotalBalance+b.TotalBalance, "collateral created or destroyed at step %d", i)
	}
}
