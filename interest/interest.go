// Package interest computes the growth factors and peer-to-peer indexes of
// a market. Pool growth is the ratio of the new pool index to the last
// observed one; the peer-to-peer growth sits between the supply and borrow
// growth at the position given by the index cursor, with the reserve factor
// skimming part of the spread back toward the pool rate on both legs. The
// new peer-to-peer index blends that growth with the pool growth in
// proportion to the share of the book parked as delta on the pool, so the
// index only ever reflects what the real backing liquidity earned.
package interest

import (
	"errors"

	"github.com/holiman/uint256"

	"morpho/wadray"
)

// ErrIndexRegression reports a computed peer-to-peer index lower than the
// previous one. With non-decreasing pool indexes this is unreachable; seeing
// it means the model is broken and the operation must abort.
var ErrIndexRegression = errors.New("interest: peer-to-peer index decreased")

// GrowthParams are the inputs to growth-factor computation.
type GrowthParams struct {
	NewPoolSupplyIndex  *uint256.Int
	NewPoolBorrowIndex  *uint256.Int
	LastPoolSupplyIndex *uint256.Int
	LastPoolBorrowIndex *uint256.Int
	ReserveFactorBps    uint64
	P2PIndexCursorBps   uint64
}

// GrowthFactors are ray-scaled ratios accrued since the last index update.
type GrowthFactors struct {
	PoolSupplyGrowth *uint256.Int
	PoolBorrowGrowth *uint256.Int
	P2PSupplyGrowth  *uint256.Int
	P2PBorrowGrowth  *uint256.Int
}

// ComputeGrowthFactors derives the pool and peer-to-peer growth factors for
// one accrual interval.
func ComputeGrowthFactors(p GrowthParams) (GrowthFactors, error) {
	var out GrowthFactors
	var err error

	out.PoolSupplyGrowth, err = wadray.RayDiv(p.NewPoolSupplyIndex, p.LastPoolSupplyIndex)
	if err != nil {
		return GrowthFactors{}, err
	}
	out.PoolBorrowGrowth, err = wadray.RayDiv(p.NewPoolBorrowIndex, p.LastPoolBorrowIndex)
	if err != nil {
		return GrowthFactors{}, err
	}

	if out.PoolSupplyGrowth.Cmp(out.PoolBorrowGrowth) > 0 {
		// The pool borrow index grew slower than the supply index, which
		// only happens under flash-loan style manipulation of the pool.
		// Cap both legs at the borrow growth so suppliers are never
		// credited more than borrowers actually paid.
		out.P2PSupplyGrowth = new(uint256.Int).Set(out.PoolBorrowGrowth)
		out.P2PBorrowGrowth = new(uint256.Int).Set(out.PoolBorrowGrowth)
		return out, nil
	}

	p2pGrowth, err := wadray.WeightedAvg(out.PoolSupplyGrowth, out.PoolBorrowGrowth, p.P2PIndexCursorBps)
	if err != nil {
		return GrowthFactors{}, err
	}

	supplySpread := wadray.SafeSub(p2pGrowth, out.PoolSupplyGrowth)
	supplySkim, err := wadray.PercentMul(supplySpread, p.ReserveFactorBps)
	if err != nil {
		return GrowthFactors{}, err
	}
	out.P2PSupplyGrowth = wadray.SafeSub(p2pGrowth, supplySkim)

	borrowSpread := wadray.SafeSub(out.PoolBorrowGrowth, p2pGrowth)
	borrowSkim, err := wadray.PercentMul(borrowSpread, p.ReserveFactorBps)
	if err != nil {
		return GrowthFactors{}, err
	}
	borrowGrowth, overflow := new(uint256.Int).AddOverflow(p2pGrowth, borrowSkim)
	if overflow {
		return GrowthFactors{}, wadray.ErrOverflow
	}
	out.P2PBorrowGrowth = borrowGrowth

	return out, nil
}

// P2PIndexParams are the inputs to a single peer-to-peer index update on one
// side of a market.
type P2PIndexParams struct {
	LastP2PIndex  *uint256.Int
	LastPoolIndex *uint256.Int
	P2PGrowth     *uint256.Int
	PoolGrowth    *uint256.Int
	// Delta is the unmatched book share in pool units, Amount the nominal
	// book size in peer-to-peer units.
	Delta  *uint256.Int
	Amount *uint256.Int
}

// ComputeP2PIndex derives the new peer-to-peer index. With an empty delta
// the index simply grows by the peer-to-peer growth factor; otherwise the
// growth is a weighted average with the pool growth, weighted by the share
// of the book actually sitting on the pool.
func ComputeP2PIndex(p P2PIndexParams) (*uint256.Int, error) {
	if (p.Delta == nil || p.Delta.IsZero()) || (p.Amount == nil || p.Amount.IsZero()) {
		return growIndex(p.LastP2PIndex, p.P2PGrowth)
	}

	deltaUnderlying, err := wadray.RayMul(p.Delta, p.LastPoolIndex)
	if err != nil {
		return nil, err
	}
	bookUnderlying, err := wadray.RayMul(p.Amount, p.LastP2PIndex)
	if err != nil {
		return nil, err
	}
	share, err := wadray.RayDiv(deltaUnderlying, bookUnderlying)
	if err != nil {
		return nil, err
	}
	// The delta invariant bounds the share at one; rounding can still push
	// the quotient a hair past it.
	if share.Cmp(wadray.Ray) > 0 {
		share = new(uint256.Int).Set(wadray.Ray)
	}

	matchedPart, err := wadray.RayMul(wadray.SafeSub(wadray.Ray, share), p.P2PGrowth)
	if err != nil {
		return nil, err
	}
	deltaPart, err := wadray.RayMul(share, p.PoolGrowth)
	if err != nil {
		return nil, err
	}
	blended, overflow := new(uint256.Int).AddOverflow(matchedPart, deltaPart)
	if overflow {
		return nil, wadray.ErrOverflow
	}
	return growIndex(p.LastP2PIndex, blended)
}

func growIndex(last, growth *uint256.Int) (*uint256.Int, error) {
	next, err := wadray.RayMul(last, growth)
	if err != nil {
		return nil, err
	}
	if growth.Cmp(wadray.Ray) >= 0 && next.Cmp(last) < 0 {
		return nil, ErrIndexRegression
	}
	return next, nil
}
