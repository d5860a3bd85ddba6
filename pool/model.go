package pool

import "math/big"

// RateModel shapes how the simulated pool's rates respond to utilisation:
// a base borrow rate, a first slope up to the kink and a steeper slope past
// it. Rates are yearly fractions held as rationals so accrual stays exact.
type RateModel struct {
	// BaseRate is the borrow rate at zero utilisation.
	BaseRate *big.Rat
	// Slope1 is the rate increase per unit of utilisation below the kink.
	Slope1 *big.Rat
	// Slope2 applies to the utilisation excess above the kink.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Rat
}

// NewRateModel constructs a rate model from decimal inputs, e.g. a 2% base
// rate is 0.02 and an 80% kink is 0.8.
func NewRateModel(baseRate, slope1, slope2, kink float64) *RateModel {
	model := &RateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// Clone returns a deep copy of the rate model.
func (m *RateModel) Clone() *RateModel {
	if m == nil {
		return nil
	}
	clone := &RateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	return clone
}

// Utilisation computes U = totalBorrowed / totalSupplied, zero when the
// reserve is empty.
func (m *RateModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

// BorrowRate derives the yearly borrow rate at the current utilisation.
func (m *RateModel) BorrowRate(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return rate
	}

	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	rate.Add(rate, new(big.Rat).Mul(slope1, kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// SupplyRate derives the yearly supply rate: the borrow rate scaled by
// utilisation.
func (m *RateModel) SupplyRate(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := m.BorrowRate(totalBorrowed, totalSupplied)
	if rate.Sign() == 0 {
		return new(big.Rat)
	}
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).Mul(rate, utilisation)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultRateModel is a conventional kinked curve with a modest base rate.
var DefaultRateModel = NewRateModel(0.02, 0.15, 0.6, 0.8)
