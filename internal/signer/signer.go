// Package signer holds the signing capabilities used to authorize ledger
// submissions: a single key, and a keystore deriving per-user custody keys
// from a master seed.
package signer

import (
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

// Signer authorizes submissions on behalf of one address.
type Signer interface {
	// Address is the account the signer acts for. It becomes the fee payer
	// and the authority of every instruction it signs.
	Address() string
	// Sign attaches a signature to sub. An error wrapping
	// errors.ErrSignatureRejected means the holder declined.
	Sign(ctx context.Context, sub *chain.Submission) error
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key *keys.PrivateKey
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner wraps key.
func NewKeySigner(key *keys.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// FromWIF decodes a WIF-encoded private key.
func FromWIF(wif string) (*KeySigner, error) {
	key, err := keys.NewPrivateKeyFromWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("decode wif: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address implements Signer.
func (s *KeySigner) Address() string { return s.key.PublicKey().Address() }

// PublicKey returns the verification key.
func (s *KeySigner) PublicKey() *keys.PublicKey { return s.key.PublicKey() }

// Sign implements Signer.
func (s *KeySigner) Sign(ctx context.Context, sub *chain.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub.SignWith(s.key)
	return nil
}

// =============================================================================
// Keystore
// =============================================================================

var hkdfSalt = []byte("collateral-vault-custody")

// MinMasterKeyLen is the shortest master seed NewKeystore accepts.
const MinMasterKeyLen = 32

// Keystore derives a deterministic signing key per subject (for example a
// JWT user ID) from a master seed.
type Keystore struct {
	master []byte

	mu    sync.Mutex
	cache map[string]*KeySigner
}

// NewKeystore creates a keystore over master.
func NewKeystore(master []byte) (*Keystore, error) {
	if len(master) < MinMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLen)
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Keystore{master: cp, cache: make(map[string]*KeySigner)}, nil
}

// Signer returns the signer for subject.
func (ks *Keystore) Signer(subject string) (*KeySigner, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, apperrors.InvalidInput("subject is required")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if s, ok := ks.cache[subject]; ok {
		return s, nil
	}
	key, err := deriveKey(ks.master, subject)
	if err != nil {
		return nil, err
	}
	s := NewKeySigner(key)
	ks.cache[subject] = s
	return s, nil
}

// Address returns the account controlled by subject.
func (ks *Keystore) Address(subject string) (string, error) {
	s, err := ks.Signer(subject)
	if err != nil {
		return "", err
	}
	return s.Address(), nil
}

func deriveKey(master []byte, subject string) (*keys.PrivateKey, error) {
	reader := hkdf.New(sha256.New, master, hkdfSalt, []byte("custody:"+subject))
	okm := make([]byte, 32)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	// Map into [1, n-1].
	n := elliptic.P256().Params().N
	d := new(big.Int).SetBytes(okm)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	key, err := keys.NewPrivateKeyFromBytes(d.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
