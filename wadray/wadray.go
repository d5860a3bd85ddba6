// Package wadray implements the fixed-point arithmetic used across the
// matching layer. Wad values carry 18 decimals, ray values carry 27 and
// percentages are expressed in basis points. All operations round half up
// and report overflow explicitly instead of wrapping, because index and
// balance conversions feed directly into user accounting.
package wadray

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("wadray: arithmetic overflow")
	ErrDivisionByZero = errors.New("wadray: division by zero")
)

var (
	// Wad is the 1e18 fixed-point unit.
	Wad = uint256.NewInt(1e18)
	// Ray is the 1e27 fixed-point unit used by interest indexes.
	Ray = uint256.MustFromDecimal("1000000000000000000000000000")
	// PercentFactor is the basis-point denominator.
	PercentFactor = uint256.NewInt(10_000)

	halfWad     = new(uint256.Int).Rsh(Wad, 1)
	halfRay     = new(uint256.Int).Rsh(Ray, 1)
	halfPercent = new(uint256.Int).Rsh(PercentFactor, 1)

	wadRayRatio     = uint256.NewInt(1_000_000_000)
	halfWadRayRatio = new(uint256.Int).Rsh(wadRayRatio, 1)
)

// mulDivHalfUp computes (a*b + half) / unit with overflow detection on the
// intermediate product.
func mulDivHalfUp(a, b, half, unit *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	sum, overflow := product.AddOverflow(product, half)
	if overflow {
		return nil, ErrOverflow
	}
	return sum.Div(sum, unit), nil
}

// WadMul multiplies two wad values, rounding half up.
func WadMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDivHalfUp(a, b, halfWad, Wad)
}

// WadDiv divides two wad values, rounding half up.
func WadDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	halfB := new(uint256.Int).Rsh(b, 1)
	return mulDivHalfUp(a, Wad, halfB, b)
}

// RayMul multiplies two ray values, rounding half up.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDivHalfUp(a, b, halfRay, Ray)
}

// RayDiv divides two ray values, rounding half up.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	halfB := new(uint256.Int).Rsh(b, 1)
	return mulDivHalfUp(a, Ray, halfB, b)
}

// PercentMul applies a basis-point percentage to a value, rounding half up.
func PercentMul(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return mulDivHalfUp(value, uint256.NewInt(bps), halfPercent, PercentFactor)
}

// PercentDiv divides a value by a basis-point percentage, rounding half up.
func PercentDiv(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	if bps == 0 {
		return nil, ErrDivisionByZero
	}
	pct := uint256.NewInt(bps)
	halfPct := new(uint256.Int).Rsh(pct, 1)
	return mulDivHalfUp(value, PercentFactor, halfPct, pct)
}

// WeightedAvg interpolates between x and y with a basis-point weight on y:
// ((10000-weight)*x + weight*y + 5000) / 10000.
func WeightedAvg(x, y *uint256.Int, weightBps uint64) (*uint256.Int, error) {
	if weightBps > 10_000 {
		return nil, ErrOverflow
	}
	left, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(10_000-weightBps))
	if overflow {
		return nil, ErrOverflow
	}
	right, overflow := new(uint256.Int).MulOverflow(y, uint256.NewInt(weightBps))
	if overflow {
		return nil, ErrOverflow
	}
	sum, overflow := left.AddOverflow(left, right)
	if overflow {
		return nil, ErrOverflow
	}
	sum, overflow = sum.AddOverflow(sum, halfPercent)
	if overflow {
		return nil, ErrOverflow
	}
	return sum.Div(sum, PercentFactor), nil
}

// WadToRay scales a wad value up to ray precision.
func WadToRay(a *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).MulOverflow(a, wadRayRatio)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// RayToWad scales a ray value down to wad precision, rounding half up.
func RayToWad(a *uint256.Int) *uint256.Int {
	result := new(uint256.Int).Add(a, halfWadRayRatio)
	return result.Div(result, wadRayRatio)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// SafeSub returns a-b, clamped at zero when b exceeds a.
func SafeSub(a, b *uint256.Int) *uint256.Int {
	if b.Cmp(a) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}
