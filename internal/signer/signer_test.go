package signer

import (
	"bytes"
	"context"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/collateral_vault/internal/chain"
)

func TestKeySignerProducesVerifiableSubmission(t *testing.T) {
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)
	s := NewKeySigner(key)

	sub := &chain.Submission{Reference: "0x01", Instructions: []chain.Instruction{{Kind: chain.InstrLock, Amount: 5}}}
	require.NoError(t, s.Sign(context.Background(), sub))
	assert.Equal(t, s.Address(), sub.FeePayer)
	require.NoError(t, sub.Verify())
}

func TestKeySignerHonorsCancellation(t *testing.T) {
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := &chain.Submission{Reference: "0x01"}
	require.ErrorIs(t, NewKeySigner(key).Sign(ctx, sub), context.Canceled)
	assert.Empty(t, sub.Signature)
}

func TestFromWIF(t *testing.T) {
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)
	s, err := FromWIF(key.WIF())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().Address(), s.Address())

	_, err = FromWIF("not-a-wif")
	assert.Error(t, err)
}

func TestKeystoreIsDeterministicPerSubject(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	ks1, err := NewKeystore(master)
	require.NoError(t, err)
	ks2, err := NewKeystore(master)
	require.NoError(t, err)

	a1, err := ks1.Address("user-1")
	require.NoError(t, err)
	a2, err := ks2.Address("user-1")
	require.NoError(t, err)
	b, err := ks1.Address("user-2")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	s, err := ks1.Signer("user-1")
	require.NoError(t, err)
	sub := &chain.Submission{Reference: "0x02"}
	require.NoError(t, s.Sign(context.Background(), sub))
	require.NoError(t, sub.Verify())
}

func TestKeystoreValidation(t *testing.T) {
	_, err := NewKeystore([]byte("short"))
	assert.Error(t, err)

	ks, err := NewKeystore(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	_, err = ks.Signer("  ")
	assert.Error(t, err)
}
