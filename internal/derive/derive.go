// Package derive computes the deterministic addresses of vault records and
// their holding accounts.
//
// An address is Hash160 of a SHA-256 digest over the seeds, a one-byte nonce,
// the owning program ID and a fixed marker. Starting from nonce 255 and
// counting down, the first digest that is NOT the X coordinate of a point on
// P-256 is used, so no private key can ever exist for a derived address. The
// same inputs always produce the same address and nonce; nothing is stored.
package derive

import (
	"crypto/elliptic"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

// VaultNamespace is the seed tag for vault records.
const VaultNamespace = "vault_v1"

const marker = "ProgramDerivedAddress"

var (
	// DefaultProgramID identifies the collateral vault program.
	DefaultProgramID = hash.Hash160([]byte("collateral_vault"))
	// DefaultHoldingProgramID identifies the holding-account program.
	DefaultHoldingProgramID = hash.Hash160([]byte("associated_holding"))
)

// Derived is a resolved vault address with the nonce that produced it.
type Derived struct {
	Address string `json:"address"`
	Nonce   uint8  `json:"nonce"`
}

// Deriver resolves addresses under fixed program IDs.
type Deriver struct {
	ProgramID        util.Uint160
	HoldingProgramID util.Uint160
}

// New returns a Deriver using the default program IDs.
func New() *Deriver {
	return &Deriver{ProgramID: DefaultProgramID, HoldingProgramID: DefaultHoldingProgramID}
}

// NewWithPrograms parses program IDs given as 0x-prefixed little-endian hex.
// Empty values keep the defaults.
func NewWithPrograms(programID, holdingProgramID string) (*Deriver, error) {
	d := New()
	if programID != "" {
		u, err := ParseAssetID(programID)
		if err != nil {
			return nil, fmt.Errorf("program id: %w", err)
		}
		d.ProgramID = u
	}
	if holdingProgramID != "" {
		u, err := ParseAssetID(holdingProgramID)
		if err != nil {
			return nil, fmt.Errorf("holding program id: %w", err)
		}
		d.HoldingProgramID = u
	}
	return d, nil
}

// Vault returns the vault address for owner.
func (d *Deriver) Vault(owner string) (Derived, error) {
	ownerHash, err := ParseOwner(owner)
	if err != nil {
		return Derived{}, err
	}
	addr, nonce, err := FindAddress([][]byte{[]byte(VaultNamespace), ownerHash.BytesBE()}, d.ProgramID)
	if err != nil {
		return Derived{}, err
	}
	return Derived{Address: address.Uint160ToString(addr), Nonce: nonce}, nil
}

// VerifyVault checks that addr and nonce are the derivation for owner.
func (d *Deriver) VerifyVault(owner, addr string, nonce uint8) error {
	got, err := d.Vault(owner)
	if err != nil {
		return err
	}
	if got.Address != addr || got.Nonce != nonce {
		return apperrors.New(apperrors.ErrAccountMismatch, "vault %s is not the derived address for %s", addr, owner)
	}
	return nil
}

// Holding returns the address of holder's holding account for assetID. The
// holder may be an owner or a vault address.
func (d *Deriver) Holding(holder, assetID string) (string, error) {
	holderHash, err := ParseOwner(holder)
	if err != nil {
		return "", err
	}
	asset, err := ParseAssetID(assetID)
	if err != nil {
		return "", err
	}
	addr, _, err := FindAddress([][]byte{holderHash.BytesBE(), d.HoldingProgramID.BytesBE(), asset.BytesBE()}, d.HoldingProgramID)
	if err != nil {
		return "", err
	}
	return address.Uint160ToString(addr), nil
}

// FindAddress searches nonces from 255 down for an off-curve digest.
func FindAddress(seeds [][]byte, program util.Uint160) (util.Uint160, uint8, error) {
	for n := 255; n >= 0; n-- {
		addr, err := CreateAddress(seeds, uint8(n), program)
		if err == nil {
			return addr, uint8(n), nil
		}
	}
	return util.Uint160{}, 0, fmt.Errorf("no viable nonce for seeds")
}

// CreateAddress derives the address for an explicit nonce. It fails when the
// digest is a valid curve point.
func CreateAddress(seeds [][]byte, nonce uint8, program util.Uint160) (util.Uint160, error) {
	var buf []byte
	for _, s := range seeds {
		buf = append(buf, s...)
	}
	buf = append(buf, nonce)
	buf = append(buf, program.BytesBE()...)
	buf = append(buf, marker...)

	digest := hash.Sha256(buf).BytesBE()
	if onCurve(digest) {
		return util.Uint160{}, fmt.Errorf("nonce %d: digest is on curve", nonce)
	}
	return hash.Hash160(digest), nil
}

func onCurve(x []byte) bool {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, x...)
	_, err := keys.NewPublicKeyFromBytes(compressed, elliptic.P256())
	return err == nil
}

// ParseOwner decodes a Neo N3 address.
func ParseOwner(s string) (util.Uint160, error) {
	u, err := address.StringToUint160(s)
	if err != nil {
		return util.Uint160{}, apperrors.Wrap(apperrors.ErrInvalidAddress, fmt.Errorf("%q: %w", s, err))
	}
	return u, nil
}

// ParseAssetID decodes a 0x-prefixed little-endian script hash.
func ParseAssetID(s string) (util.Uint160, error) {
	u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return util.Uint160{}, apperrors.Wrap(apperrors.ErrInvalidAddress, fmt.Errorf("asset %q: %w", s, err))
	}
	return u, nil
}

// FormatAssetID renders a script hash the way ParseAssetID reads it.
func FormatAssetID(u util.Uint160) string {
	return "0x" + u.StringLE()
}
