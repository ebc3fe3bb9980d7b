package derive

import (
	"errors"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

const testAsset = "0xd2a4cff31913016155e38e474a2c06d08be276cf"

func newOwner(t *testing.T) string {
	t.Helper()
	k, err := keys.NewPrivateKey()
	require.NoError(t, err)
	return k.PublicKey().Address()
}

func TestVaultIsDeterministic(t *testing.T) {
	d := New()
	owner := newOwner(t)

	first, err := d.Vault(owner)
	require.NoError(t, err)
	second, err := d.Vault(owner)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, d.VerifyVault(owner, first.Address, first.Nonce))
}

func TestVaultIsInjective(t *testing.T) {
	d := New()
	seen := make(map[string]string)
	for i := 0; i < 200; i++ {
		owner := newOwner(t)
		v, err := d.Vault(owner)
		require.NoError(t, err)
		if prev, ok := seen[v.Address]; ok && prev != owner {
			t.Fatalf("owners %s and %s derived the same vault %s", prev, owner, v.Address)
		}
		seen[v.Address] = owner
	}
}

func TestDerivedAddressDiffersFromOwner(t *testing.T) {
	d := New()
	owner := newOwner(t)
	v, err := d.Vault(owner)
	require.NoError(t, err)
	assert.NotEqual(t, owner, v.Address)
}

func TestVerifyVaultRejectsWrongNonce(t *testing.T) {
	d := New()
	owner := newOwner(t)
	v, err := d.Vault(owner)
	require.NoError(t, err)

	err = d.VerifyVault(owner, v.Address, v.Nonce-1)
	assert.True(t, errors.Is(err, apperrors.ErrAccountMismatch), "got %v", err)
}

func TestProgramIDChangesAddress(t *testing.T) {
	owner := newOwner(t)
	a, err := New().Vault(owner)
	require.NoError(t, err)

	other, err := NewWithPrograms("0x0000000000000000000000000000000000000001", "")
	require.NoError(t, err)
	b, err := other.Vault(owner)
	require.NoError(t, err)

	assert.NotEqual(t, a.Address, b.Address)
}

func TestHolding(t *testing.T) {
	d := New()
	owner := newOwner(t)

	h1, err := d.Holding(owner, testAsset)
	require.NoError(t, err)
	h2, err := d.Holding(owner, testAsset)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	v, err := d.Vault(owner)
	require.NoError(t, err)
	vh, err := d.Holding(v.Address, testAsset)
	require.NoError(t, err)
	assert.NotEqual(t, h1, vh, "owner and vault holdings must differ")

	other, err := d.Holding(owner, "0x0000000000000000000000000000000000000002")
	require.NoError(t, err)
	assert.NotEqual(t, h1, other, "holdings differ per asset")
}

func TestInvalidInputs(t *testing.T) {
	d := New()
	_, err := d.Vault("not-an-address")
	assert.ErrorIs(t, err, apperrors.ErrInvalidAddress)

	_, err = d.Holding(newOwner(t), "0xzz")
	assert.ErrorIs(t, err, apperrors.ErrInvalidAddress)
}

func TestCreateAddressRejectsOnCurveNonce(t *testing.T) {
	seeds := [][]byte{[]byte(VaultNamespace), []byte("seed")}
	_, nonce, err := FindAddress(seeds, DefaultProgramID)
	require.NoError(t, err)

	// Every nonce above the chosen one must have been rejected.
	for n := 255; n > int(nonce); n-- {
		_, err := CreateAddress(seeds, uint8(n), DefaultProgramID)
		assert.Error(t, err, "nonce %d", n)
	}
}

func TestAssetIDRoundTrip(t *testing.T) {
	u, err := ParseAssetID(testAsset)
	require.NoError(t, err)
	assert.Equal(t, testAsset, FormatAssetID(u))
}
