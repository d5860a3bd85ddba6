package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/wadray"
)

// IncreaseP2PDeltas moves part of the matched peer-to-peer volume back onto
// the pool on both sides, increasing both deltas by the same underlying
// amount. The request is clamped to the headroom of each side so the delta
// invariant keeps holding, and the move is backed by a real pool borrow and
// supply. Returns the amount actually applied, which is zero when the
// peer-to-peer book has no headroom left.
func (e *Engine) IncreaseP2PDeltas(token common.Address, amount *uint256.Int) (applied *uint256.Int, err error) {
	defer func() { e.observeOperation(token, "increase_p2p_deltas", err) }()
	if err = checkAmount(amount); err != nil {
		return nil, err
	}
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return nil, err
	}
	if err = e.updateIndexes(o); err != nil {
		return nil, err
	}

	supplyHeadroom, err := deltaHeadroom(o.delta.P2PSupplyAmount, o.p2pIndexes.SupplyIndex,
		o.delta.P2PSupplyDelta, o.poolIndexes.SupplyIndex)
	if err != nil {
		return nil, err
	}
	borrowHeadroom, err := deltaHeadroom(o.delta.P2PBorrowAmount, o.p2pIndexes.BorrowIndex,
		o.delta.P2PBorrowDelta, o.poolIndexes.BorrowIndex)
	if err != nil {
		return nil, err
	}
	applied = wadray.Min(amount, wadray.Min(supplyHeadroom, borrowHeadroom))
	// The backing pool borrow executes before the offsetting supply, so the
	// move is also clamped to the cash the pool can lend out.
	cash, err := e.pool.Cash(token)
	if err != nil {
		return nil, err
	}
	applied = wadray.Min(applied, cash)
	if applied.IsZero() {
		return applied, nil
	}

	supplyUnits, err := wadray.RayDiv(applied, o.poolIndexes.SupplyIndex)
	if err != nil {
		return nil, err
	}
	borrowUnits, err := wadray.RayDiv(applied, o.poolIndexes.BorrowIndex)
	if err != nil {
		return nil, err
	}
	o.delta.P2PSupplyDelta = new(uint256.Int).Add(o.delta.P2PSupplyDelta, supplyUnits)
	o.delta.P2PBorrowDelta = new(uint256.Int).Add(o.delta.P2PBorrowDelta, borrowUnits)
	o.poolBorrow(applied)
	o.poolSupply(applied)

	if err = e.commit(o); err != nil {
		return nil, err
	}
	e.log.Info("p2p deltas increased", "market", token.Hex(), "amount", applied.Dec())
	return applied, nil
}

// deltaHeadroom is the underlying amount by which a side's delta can still
// grow before it covers the whole matched volume of that side.
func deltaHeadroom(amount, p2pIndex, delta, poolIndex *uint256.Int) (*uint256.Int, error) {
	total, err := wadray.RayMul(amount, p2pIndex)
	if err != nil {
		return nil, err
	}
	used, err := wadray.RayMul(delta, poolIndex)
	if err != nil {
		return nil, err
	}
	return wadray.SafeSub(total, used), nil
}
