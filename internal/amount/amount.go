// Package amount converts between human decimal quantities and the integer
// base units the ledger stores.
package amount

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
)

// MaxDecimals bounds the precision an asset may declare.
const MaxDecimals = 18

var plainDecimal = regexp.MustCompile(`^(\d*)(?:\.(\d*))?$`)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// ToBaseUnits converts a plain decimal string into base units. Fractional
// digits beyond decimals are truncated, never rounded.
func ToBaseUnits(s string, decimals uint8) (uint64, error) {
	if decimals > MaxDecimals {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "asset precision %d exceeds %d", decimals, MaxDecimals)
	}
	s = strings.TrimSpace(s)
	m := plainDecimal.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "malformed amount %q", s)
	}

	whole, frac := m[1], m[2]
	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return 0, nil
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "malformed amount %q", s)
	}
	if v.Cmp(maxUint64) > 0 {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "amount %q overflows base units", s)
	}
	return v.Uint64(), nil
}

// FromNumber converts a float quantity. Values that only have an exponent
// representation are rejected like any other malformed input.
func FromNumber(f float64, decimals uint8) (uint64, error) {
	if f < 0 {
		return 0, apperrors.New(apperrors.ErrInvalidAmount, "negative amount %v", f)
	}
	return ToBaseUnits(strconv.FormatFloat(f, 'f', -1, 64), decimals)
}

// FromBaseUnits renders base units as the canonical decimal string with
// trailing fractional zeros removed.
func FromBaseUnits(v uint64, decimals uint8) string {
	return toDecimal(v, decimals).String()
}

// Decimal returns base units as a decimal.Decimal scaled by 10^-decimals.
func Decimal(v uint64, decimals uint8) decimal.Decimal {
	return toDecimal(v, decimals)
}

// Format renders base units for display: grouped integer part and exactly
// decimals fractional digits.
func Format(v uint64, decimals uint8) string {
	fixed := toDecimal(v, decimals).StringFixed(int32(decimals))
	whole, frac, _ := strings.Cut(fixed, ".")

	n, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return fixed
	}
	grouped := message.NewPrinter(language.English).Sprintf("%d", n)
	if frac == "" {
		return grouped
	}
	return grouped + "." + frac
}

func toDecimal(v uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -int32(decimals))
}
