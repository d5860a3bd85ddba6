package interest

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"morpho/wadray"
)

// rayPct builds a ray-scaled growth factor of (1 + pct/100).
func rayPct(pct uint64) *uint256.Int {
	out := new(uint256.Int).Mul(wadray.Ray, uint256.NewInt(100+pct))
	return out.Div(out, uint256.NewInt(100))
}

func TestGrowthFactorsCursorMidpoint(t *testing.T) {
	factors, err := ComputeGrowthFactors(GrowthParams{
		NewPoolSupplyIndex:  rayPct(2),
		NewPoolBorrowIndex:  rayPct(4),
		LastPoolSupplyIndex: new(uint256.Int).Set(wadray.Ray),
		LastPoolBorrowIndex: new(uint256.Int).Set(wadray.Ray),
		ReserveFactorBps:    0,
		P2PIndexCursorBps:   5000,
	})
	require.NoError(t, err)
	require.Zero(t, factors.PoolSupplyGrowth.Cmp(rayPct(2)))
	require.Zero(t, factors.PoolBorrowGrowth.Cmp(rayPct(4)))
	// Mid cursor, no reserve factor: both legs sit exactly between.
	require.Zero(t, factors.P2PSupplyGrowth.Cmp(rayPct(3)))
	require.Zero(t, factors.P2PBorrowGrowth.Cmp(rayPct(3)))
}

func TestGrowthFactorsReserveFactorSkimsSpread(t *testing.T) {
	factors, err := ComputeGrowthFactors(GrowthParams{
		NewPoolSupplyIndex:  rayPct(2),
		NewPoolBorrowIndex:  rayPct(4),
		LastPoolSupplyIndex: new(uint256.Int).Set(wadray.Ray),
		LastPoolBorrowIndex: new(uint256.Int).Set(wadray.Ray),
		ReserveFactorBps:    10_000,
		P2PIndexCursorBps:   5000,
	})
	require.NoError(t, err)
	// Full reserve factor collapses both legs onto the pool rates.
	require.Zero(t, factors.P2PSupplyGrowth.Cmp(rayPct(2)))
	require.Zero(t, factors.P2PBorrowGrowth.Cmp(rayPct(4)))
}

func TestGrowthFactorsBorrowBelowSupplyAnomaly(t *testing.T) {
	factors, err := ComputeGrowthFactors(GrowthParams{
		NewPoolSupplyIndex:  rayPct(5),
		NewPoolBorrowIndex:  rayPct(1),
		LastPoolSupplyIndex: new(uint256.Int).Set(wadray.Ray),
		LastPoolBorrowIndex: new(uint256.Int).Set(wadray.Ray),
		ReserveFactorBps:    1000,
		P2PIndexCursorBps:   3333,
	})
	require.NoError(t, err)
	require.Zero(t, factors.P2PSupplyGrowth.Cmp(rayPct(1)))
	require.Zero(t, factors.P2PBorrowGrowth.Cmp(rayPct(1)))
}

func TestP2PIndexWithoutDelta(t *testing.T) {
	next, err := ComputeP2PIndex(P2PIndexParams{
		LastP2PIndex:  new(uint256.Int).Set(wadray.Ray),
		LastPoolIndex: new(uint256.Int).Set(wadray.Ray),
		P2PGrowth:     rayPct(3),
		PoolGrowth:    rayPct(2),
		Delta:         new(uint256.Int),
		Amount:        uint256.NewInt(1000),
	})
	require.NoError(t, err)
	require.Zero(t, next.Cmp(rayPct(3)))
}

func TestP2PIndexBlendsDeltaShare(t *testing.T) {
	// Half of the book is delta: growth is the average of p2p and pool growth.
	next, err := ComputeP2PIndex(P2PIndexParams{
		LastP2PIndex:  new(uint256.Int).Set(wadray.Ray),
		LastPoolIndex: new(uint256.Int).Set(wadray.Ray),
		P2PGrowth:     rayPct(4),
		PoolGrowth:    rayPct(2),
		Delta:         uint256.NewInt(500),
		Amount:        uint256.NewInt(1000),
	})
	require.NoError(t, err)
	require.Zero(t, next.Cmp(rayPct(3)))
}

func TestP2PIndexDeltaShareClampedAtOne(t *testing.T) {
	// Delta nominally exceeds the book: the share clamps at one and the
	// index grows at exactly the pool rate.
	next, err := ComputeP2PIndex(P2PIndexParams{
		LastP2PIndex:  new(uint256.Int).Set(wadray.Ray),
		LastPoolIndex: new(uint256.Int).Set(wadray.Ray),
		P2PGrowth:     rayPct(4),
		PoolGrowth:    rayPct(2),
		Delta:         uint256.NewInt(5000),
		Amount:        uint256.NewInt(1000),
	})
	require.NoError(t, err)
	require.Zero(t, next.Cmp(rayPct(2)))
}

func TestP2PIndexMonotonicOverGrowthGrid(t *testing.T) {
	last := new(uint256.Int).Set(wadray.Ray)
	for _, supply := range []uint64{0, 1, 5, 20} {
		for _, borrow := range []uint64{0, 1, 5, 20} {
			for _, reserve := range []uint64{0, 500, 5000, 10_000} {
				for _, cursor := range []uint64{0, 3000, 10_000} {
					factors, err := ComputeGrowthFactors(GrowthParams{
						NewPoolSupplyIndex:  rayPct(supply),
						NewPoolBorrowIndex:  rayPct(borrow),
						LastPoolSupplyIndex: new(uint256.Int).Set(wadray.Ray),
						LastPoolBorrowIndex: new(uint256.Int).Set(wadray.Ray),
						ReserveFactorBps:    reserve,
						P2PIndexCursorBps:   cursor,
					})
					require.NoError(t, err)
					for _, growth := range []*uint256.Int{factors.P2PSupplyGrowth, factors.P2PBorrowGrowth} {
						next, err := ComputeP2PIndex(P2PIndexParams{
							LastP2PIndex:  last,
							LastPoolIndex: new(uint256.Int).Set(wadray.Ray),
							P2PGrowth:     growth,
							PoolGrowth:    factors.PoolSupplyGrowth,
							Delta:         uint256.NewInt(100),
							Amount:        uint256.NewInt(400),
						})
						require.NoError(t, err)
						require.GreaterOrEqual(t, next.Cmp(last), 0,
							"index must not decrease for supply=%d borrow=%d reserve=%d cursor=%d",
							supply, borrow, reserve, cursor)
					}
				}
			}
		}
	}
}
