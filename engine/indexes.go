package engine

import (
	"morpho/interest"
	"morpho/market"
)

// updateIndexes refreshes the market's peer-to-peer indexes from the pool's
// current exchange indexes. It must run before any matching pass of the same
// operation, since matching converts amounts through the fresh indexes.
func (e *Engine) updateIndexes(o *op) error {
	if err := e.pool.Accrue(o.token, e.timestamp); err != nil {
		return err
	}
	newPoolSupplyIndex, newPoolBorrowIndex, err := e.pool.Indexes(o.token)
	if err != nil {
		return err
	}
	if o.poolIndexes.LastUpdate == e.timestamp &&
		newPoolSupplyIndex.Cmp(o.poolIndexes.SupplyIndex) == 0 &&
		newPoolBorrowIndex.Cmp(o.poolIndexes.BorrowIndex) == 0 {
		return nil
	}

	factors, err := interest.ComputeGrowthFactors(interest.GrowthParams{
		NewPoolSupplyIndex:  newPoolSupplyIndex,
		NewPoolBorrowIndex:  newPoolBorrowIndex,
		LastPoolSupplyIndex: o.poolIndexes.SupplyIndex,
		LastPoolBorrowIndex: o.poolIndexes.BorrowIndex,
		ReserveFactorBps:    o.market.ReserveFactorBps,
		P2PIndexCursorBps:   o.market.P2PIndexCursorBps,
	})
	if err != nil {
		return err
	}

	newP2PSupplyIndex, err := interest.ComputeP2PIndex(interest.P2PIndexParams{
		LastP2PIndex:  o.p2pIndexes.SupplyIndex,
		LastPoolIndex: o.poolIndexes.SupplyIndex,
		P2PGrowth:     factors.P2PSupplyGrowth,
		PoolGrowth:    factors.PoolSupplyGrowth,
		Delta:         o.delta.P2PSupplyDelta,
		Amount:        o.delta.P2PSupplyAmount,
	})
	if err != nil {
		return err
	}
	newP2PBorrowIndex, err := interest.ComputeP2PIndex(interest.P2PIndexParams{
		LastP2PIndex:  o.p2pIndexes.BorrowIndex,
		LastPoolIndex: o.poolIndexes.BorrowIndex,
		P2PGrowth:     factors.P2PBorrowGrowth,
		PoolGrowth:    factors.PoolBorrowGrowth,
		Delta:         o.delta.P2PBorrowDelta,
		Amount:        o.delta.P2PBorrowAmount,
	})
	if err != nil {
		return err
	}

	o.p2pIndexes = &market.P2PIndexes{
		SupplyIndex: newP2PSupplyIndex,
		BorrowIndex: newP2PBorrowIndex,
	}
	o.poolIndexes = &market.PoolIndexes{
		LastUpdate:  e.timestamp,
		SupplyIndex: newPoolSupplyIndex,
		BorrowIndex: newPoolBorrowIndex,
	}

	if e.metrics != nil {
		e.metrics.ObserveIndexUpdate(o.token.Hex())
	}
	return nil
}
