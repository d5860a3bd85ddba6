package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/market"
	"morpho/wadray"
)

// closeFactorBps caps how much of a borrower's debt a single liquidation
// may repay.
const closeFactorBps = 5_000

// Supply deposits amount of the market's underlying for user. Pool borrowers
// are matched into the peer-to-peer book first, bounded by the iteration
// budget; the residual lands on the pool.
func (e *Engine) Supply(token, user common.Address, amount *uint256.Int, budget uint64) (err error) {
	defer func() { e.observeOperation(token, "supply", err) }()
	if err = checkAmount(amount); err != nil {
		return err
	}
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return err
	}
	if o.market.Pauses.Supply {
		return pauseError("supply")
	}
	if err = e.updateIndexes(o); err != nil {
		return err
	}
	if err = e.supplyCore(o, user, amount, budget); err != nil {
		e.rollback(o)
		return err
	}
	if err = e.commit(o); err != nil {
		e.rollback(o)
		return err
	}
	e.reportRegistrySizes(token)
	e.log.Info("supply", "market", token.Hex(), "user", user.Hex(), "amount", amount.Dec())
	return nil
}

func (e *Engine) supplyCore(o *op, user common.Address, amount *uint256.Int, budget uint64) error {
	remaining := new(uint256.Int).Set(amount)
	toRepay := new(uint256.Int)

	// Absorb the borrow delta first: pool debt that already belongs to the
	// peer-to-peer book and is just waiting for a supplier.
	if !o.delta.P2PBorrowDelta.IsZero() {
		deltaUnderlying, err := wadray.RayMul(o.delta.P2PBorrowDelta, o.poolIndexes.BorrowIndex)
		if err != nil {
			return err
		}
		matched := wadray.Min(deltaUnderlying, remaining)
		if !matched.IsZero() {
			deltaUnits, err := wadray.RayDiv(matched, o.poolIndexes.BorrowIndex)
			if err != nil {
				return err
			}
			o.delta.P2PBorrowDelta = wadray.SafeSub(o.delta.P2PBorrowDelta, deltaUnits)
			toRepay.Add(toRepay, matched)
			remaining = wadray.SafeSub(remaining, matched)
		}
	}

	if !remaining.IsZero() {
		res, err := e.matchBorrowers(o, remaining, budget)
		if err != nil {
			return err
		}
		if !res.moved.IsZero() {
			p2pUnits, err := wadray.RayDiv(res.moved, o.p2pIndexes.BorrowIndex)
			if err != nil {
				return err
			}
			o.delta.P2PBorrowAmount = new(uint256.Int).Add(o.delta.P2PBorrowAmount, p2pUnits)
			toRepay.Add(toRepay, res.moved)
			remaining = wadray.SafeSub(remaining, res.moved)
		}
	}

	b, err := e.supplyBalance(o, user)
	if err != nil {
		return err
	}
	if !toRepay.IsZero() {
		p2pUnits, err := wadray.RayDiv(toRepay, o.p2pIndexes.SupplyIndex)
		if err != nil {
			return err
		}
		o.delta.P2PSupplyAmount = new(uint256.Int).Add(o.delta.P2PSupplyAmount, p2pUnits)
		b.InP2P = new(uint256.Int).Add(b.InP2P, p2pUnits)
		o.poolRepay(toRepay)
	}
	if !remaining.IsZero() {
		poolUnits, err := wadray.RayDiv(remaining, o.poolIndexes.SupplyIndex)
		if err != nil {
			return err
		}
		b.OnPool = new(uint256.Int).Add(b.OnPool, poolUnits)
		o.poolSupply(remaining)
	}
	return e.updateSupplierRegistries(o, user)
}

// Borrow takes out amount of the market's underlying for user, provided the
// user's collateral supports the extra debt. Pool suppliers are matched
// first; the residual is borrowed from the pool.
func (e *Engine) Borrow(token, user common.Address, amount *uint256.Int, budget uint64) (err error) {
	defer func() { e.observeOperation(token, "borrow", err) }()
	if err = checkAmount(amount); err != nil {
		return err
	}
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return err
	}
	if o.market.Pauses.Borrow {
		return pauseError("borrow")
	}
	if err = e.updateIndexes(o); err != nil {
		return err
	}
	if err = e.checkBorrowCapacity(o, user, amount); err != nil {
		return err
	}
	if err = e.checkPoolLiquidity(token, amount); err != nil {
		return err
	}
	if err = e.borrowCore(o, user, amount, budget); err != nil {
		e.rollback(o)
		return err
	}
	if err = e.commit(o); err != nil {
		e.rollback(o)
		return err
	}
	e.reportRegistrySizes(token)
	e.log.Info("borrow", "market", token.Hex(), "user", user.Hex(), "amount", amount.Dec())
	return nil
}

func (e *Engine) borrowCore(o *op, user common.Address, amount *uint256.Int, budget uint64) error {
	remaining := new(uint256.Int).Set(amount)
	toWithdraw := new(uint256.Int)

	if !o.delta.P2PSupplyDelta.IsZero() {
		deltaUnderlying, err := wadray.RayMul(o.delta.P2PSupplyDelta, o.poolIndexes.SupplyIndex)
		if err != nil {
			return err
		}
		matched := wadray.Min(deltaUnderlying, remaining)
		if !matched.IsZero() {
			deltaUnits, err := wadray.RayDiv(matched, o.poolIndexes.SupplyIndex)
			if err != nil {
				return err
			}
			o.delta.P2PSupplyDelta = wadray.SafeSub(o.delta.P2PSupplyDelta, deltaUnits)
			toWithdraw.Add(toWithdraw, matched)
			remaining = wadray.SafeSub(remaining, matched)
		}
	}

	if !remaining.IsZero() {
		res, err := e.matchSuppliers(o, remaining, budget)
		if err != nil {
			return err
		}
		if !res.moved.IsZero() {
			p2pUnits, err := wadray.RayDiv(res.moved, o.p2pIndexes.SupplyIndex)
			if err != nil {
				return err
			}
			o.delta.P2PSupplyAmount = new(uint256.Int).Add(o.delta.P2PSupplyAmount, p2pUnits)
			toWithdraw.Add(toWithdraw, res.moved)
			remaining = wadray.SafeSub(remaining, res.moved)
		}
	}

	b, err := e.borrowBalance(o, user)
	if err != nil {
		return err
	}
	if !toWithdraw.IsZero() {
		p2pUnits, err := wadray.RayDiv(toWithdraw, o.p2pIndexes.BorrowIndex)
		if err != nil {
			return err
		}
		o.delta.P2PBorrowAmount = new(uint256.Int).Add(o.delta.P2PBorrowAmount, p2pUnits)
		b.InP2P = new(uint256.Int).Add(b.InP2P, p2pUnits)
		o.poolWithdraw(toWithdraw)
	}
	if !remaining.IsZero() {
		poolUnits, err := wadray.RayDiv(remaining, o.poolIndexes.BorrowIndex)
		if err != nil {
			return err
		}
		b.OnPool = new(uint256.Int).Add(b.OnPool, poolUnits)
		o.poolBorrow(remaining)
	}
	return e.updateBorrowerRegistries(o, user)
}

// Withdraw returns up to amount of the user's supplied underlying. The pool
// leg is drained first; the peer-to-peer leg is covered by the supply delta,
// by promoting other pool suppliers, and finally by demoting matched
// borrowers back onto the pool.
func (e *Engine) Withdraw(token, user common.Address, amount *uint256.Int, budget uint64) (err error) {
	defer func() { e.observeOperation(token, "withdraw", err) }()
	if err = checkAmount(amount); err != nil {
		return err
	}
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return err
	}
	if o.market.Pauses.Withdraw {
		return pauseError("withdraw")
	}
	if err = e.updateIndexes(o); err != nil {
		return err
	}

	b, err := e.supplyBalance(o, user)
	if err != nil {
		return err
	}
	supplied, err := balanceUnderlying(b, o.poolIndexes.SupplyIndex, o.p2pIndexes.SupplyIndex)
	if err != nil {
		return err
	}
	if supplied.IsZero() {
		return errNothingSupplied
	}
	toWithdraw := wadray.Min(amount, supplied)
	if err = e.checkPoolLiquidity(token, toWithdraw); err != nil {
		return err
	}

	if err = e.withdrawCore(o, user, toWithdraw, budget); err != nil {
		e.rollback(o)
		return err
	}
	if err = e.checkHealth(user, o); err != nil {
		e.rollback(o)
		return err
	}
	if err = e.commit(o); err != nil {
		e.rollback(o)
		return err
	}
	e.reportRegistrySizes(token)
	e.log.Info("withdraw", "market", token.Hex(), "user", user.Hex(), "amount", toWithdraw.Dec())
	return nil
}

func (e *Engine) withdrawCore(o *op, user common.Address, amount *uint256.Int, budget uint64) error {
	b, err := e.supplyBalance(o, user)
	if err != nil {
		return err
	}
	remaining := new(uint256.Int).Set(amount)
	fromPool := new(uint256.Int)

	onPoolUnderlying, err := wadray.RayMul(b.OnPool, o.poolIndexes.SupplyIndex)
	if err != nil {
		return err
	}
	poolLeg := wadray.Min(onPoolUnderlying, remaining)
	if !poolLeg.IsZero() {
		poolUnits, err := wadray.RayDiv(poolLeg, o.poolIndexes.SupplyIndex)
		if err != nil {
			return err
		}
		b.OnPool = wadray.SafeSub(b.OnPool, poolUnits)
		fromPool.Add(fromPool, poolLeg)
		remaining = wadray.SafeSub(remaining, poolLeg)
	}

	if !remaining.IsZero() {
		p2pUnits, err := wadray.RayDiv(remaining, o.p2pIndexes.SupplyIndex)
		if err != nil {
			return err
		}
		b.InP2P = wadray.SafeSub(b.InP2P, p2pUnits)
		o.delta.P2PSupplyAmount = wadray.SafeSub(o.delta.P2PSupplyAmount, p2pUnits)

		// The supply delta is idle pool liquidity already counted in the
		// peer-to-peer totals; consume it before touching other users.
		if !o.delta.P2PSupplyDelta.IsZero() {
			deltaUnderlying, err := wadray.RayMul(o.delta.P2PSupplyDelta, o.poolIndexes.SupplyIndex)
			if err != nil {
				return err
			}
			matched := wadray.Min(deltaUnderlying, remaining)
			if !matched.IsZero() {
				deltaUnits, err := wadray.RayDiv(matched, o.poolIndexes.SupplyIndex)
				if err != nil {
					return err
				}
				o.delta.P2PSupplyDelta = wadray.SafeSub(o.delta.P2PSupplyDelta, deltaUnits)
				fromPool.Add(fromPool, matched)
				remaining = wadray.SafeSub(remaining, matched)
			}
		}

		// Promote other pool suppliers to take over the vacated seat.
		if !remaining.IsZero() {
			res, err := e.matchSuppliers(o, remaining, budget)
			if err != nil {
				return err
			}
			if !res.moved.IsZero() {
				promoted, err := wadray.RayDiv(res.moved, o.p2pIndexes.SupplyIndex)
				if err != nil {
					return err
				}
				o.delta.P2PSupplyAmount = new(uint256.Int).Add(o.delta.P2PSupplyAmount, promoted)
				fromPool.Add(fromPool, res.moved)
				remaining = wadray.SafeSub(remaining, res.moved)
			}
		}

		// Hard path: demote matched borrowers back onto the pool and borrow
		// the shortfall, recording it as borrow delta.
		if !remaining.IsZero() {
			res, err := e.unmatchBorrowers(o, remaining, budget)
			if err != nil {
				return err
			}
			demoted, err := wadray.RayDiv(res.moved, o.p2pIndexes.BorrowIndex)
			if err != nil {
				return err
			}
			o.delta.P2PBorrowAmount = wadray.SafeSub(o.delta.P2PBorrowAmount, demoted)
			shortfall := wadray.SafeSub(remaining, res.moved)
			if !shortfall.IsZero() {
				deltaUnits, err := wadray.RayDiv(shortfall, o.poolIndexes.BorrowIndex)
				if err != nil {
					return err
				}
				o.delta.P2PBorrowDelta = new(uint256.Int).Add(o.delta.P2PBorrowDelta, deltaUnits)
			}
			o.poolBorrow(remaining)
		}
	}

	if !fromPool.IsZero() {
		o.poolWithdraw(fromPool)
	}
	return e.updateSupplierRegistries(o, user)
}

// Repay pays back up to amount of the user's debt. The pool leg is repaid
// first; the peer-to-peer leg is covered by the borrow delta, by promoting
// other pool borrowers, and finally by demoting matched suppliers back onto
// the pool.
func (e *Engine) Repay(token, user common.Address, amount *uint256.Int, budget uint64) (err error) {
	defer func() { e.observeOperation(token, "repay", err) }()
	if err = checkAmount(amount); err != nil {
		return err
	}
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return err
	}
	if o.market.Pauses.Repay {
		return pauseError("repay")
	}
	if err = e.updateIndexes(o); err != nil {
		return err
	}

	b, err := e.borrowBalance(o, user)
	if err != nil {
		return err
	}
	debt, err := balanceUnderlying(b, o.poolIndexes.BorrowIndex, o.p2pIndexes.BorrowIndex)
	if err != nil {
		return err
	}
	if debt.IsZero() {
		return errNoDebtToRepay
	}
	toRepay := wadray.Min(amount, debt)

	if err = e.repayCore(o, user, toRepay, budget); err != nil {
		e.rollback(o)
		return err
	}
	if err = e.commit(o); err != nil {
		e.rollback(o)
		return err
	}
	e.reportRegistrySizes(token)
	e.log.Info("repay", "market", token.Hex(), "user", user.Hex(), "amount", toRepay.Dec())
	return nil
}

func (e *Engine) repayCore(o *op, user common.Address, amount *uint256.Int, budget uint64) error {
	b, err := e.borrowBalance(o, user)
	if err != nil {
		return err
	}
	remaining := new(uint256.Int).Set(amount)
	toPool := new(uint256.Int)

	onPoolUnderlying, err := wadray.RayMul(b.OnPool, o.poolIndexes.BorrowIndex)
	if err != nil {
		return err
	}
	poolLeg := wadray.Min(onPoolUnderlying, remaining)
	if !poolLeg.IsZero() {
		poolUnits, err := wadray.RayDiv(poolLeg, o.poolIndexes.BorrowIndex)
		if err != nil {
			return err
		}
		b.OnPool = wadray.SafeSub(b.OnPool, poolUnits)
		toPool.Add(toPool, poolLeg)
		remaining = wadray.SafeSub(remaining, poolLeg)
	}

	if !remaining.IsZero() {
		p2pUnits, err := wadray.RayDiv(remaining, o.p2pIndexes.BorrowIndex)
		if err != nil {
			return err
		}
		b.InP2P = wadray.SafeSub(b.InP2P, p2pUnits)
		o.delta.P2PBorrowAmount = wadray.SafeSub(o.delta.P2PBorrowAmount, p2pUnits)

		if !o.delta.P2PBorrowDelta.IsZero() {
			deltaUnderlying, err := wadray.RayMul(o.delta.P2PBorrowDelta, o.poolIndexes.BorrowIndex)
			if err != nil {
				return err
			}
			matched := wadray.Min(deltaUnderlying, remaining)
			if !matched.IsZero() {
				deltaUnits, err := wadray.RayDiv(matched, o.poolIndexes.BorrowIndex)
				if err != nil {
					return err
				}
				o.delta.P2PBorrowDelta = wadray.SafeSub(o.delta.P2PBorrowDelta, deltaUnits)
				toPool.Add(toPool, matched)
				remaining = wadray.SafeSub(remaining, matched)
			}
		}

		if !remaining.IsZero() {
			res, err := e.matchBorrowers(o, remaining, budget)
			if err != nil {
				return err
			}
			if !res.moved.IsZero() {
				promoted, err := wadray.RayDiv(res.moved, o.p2pIndexes.BorrowIndex)
				if err != nil {
					return err
				}
				o.delta.P2PBorrowAmount = new(uint256.Int).Add(o.delta.P2PBorrowAmount, promoted)
				toPool.Add(toPool, res.moved)
				remaining = wadray.SafeSub(remaining, res.moved)
			}
		}

		// Hard path: demote matched suppliers back onto the pool and supply
		// the shortfall, recording it as supply delta.
		if !remaining.IsZero() {
			res, err := e.unmatchSuppliers(o, remaining, budget)
			if err != nil {
				return err
			}
			demoted, err := wadray.RayDiv(res.moved, o.p2pIndexes.SupplyIndex)
			if err != nil {
				return err
			}
			o.delta.P2PSupplyAmount = wadray.SafeSub(o.delta.P2PSupplyAmount, demoted)
			shortfall := wadray.SafeSub(remaining, res.moved)
			if !shortfall.IsZero() {
				deltaUnits, err := wadray.RayDiv(shortfall, o.poolIndexes.SupplyIndex)
				if err != nil {
					return err
				}
				o.delta.P2PSupplyDelta = new(uint256.Int).Add(o.delta.P2PSupplyDelta, deltaUnits)
			}
			o.poolSupply(remaining)
		}
	}

	if !toPool.IsZero() {
		o.poolRepay(toPool)
	}
	return e.updateBorrowerRegistries(o, user)
}

// Liquidate repays part of an unhealthy borrower's debt in borrowedToken and
// seizes a bonus-scaled amount of their collateralToken supply. Repayment is
// capped by the close factor; the seized amount is capped by the borrower's
// collateral. Both markets commit together or not at all.
func (e *Engine) Liquidate(borrowedToken, collateralToken, user common.Address, amount *uint256.Int) (repaid, seized *uint256.Int, err error) {
	defer func() { e.observeOperation(borrowedToken, "liquidate", err) }()
	if err = checkAmount(amount); err != nil {
		return nil, nil, err
	}
	if borrowedToken == collateralToken {
		return nil, nil, errSameMarket
	}
	unlock := e.lockMarkets(borrowedToken, collateralToken)
	defer unlock()

	oBorrowed, err := e.beginOp(borrowedToken)
	if err != nil {
		return nil, nil, err
	}
	oCollateral, err := e.beginOp(collateralToken)
	if err != nil {
		return nil, nil, err
	}
	if oBorrowed.market.Pauses.Liquidate || oCollateral.market.Pauses.Liquidate {
		return nil, nil, pauseError("liquidate")
	}
	if err = e.updateIndexes(oBorrowed); err != nil {
		return nil, nil, err
	}
	if err = e.updateIndexes(oCollateral); err != nil {
		return nil, nil, err
	}

	liquidatable, err := e.isLiquidatable(user, oBorrowed, oCollateral)
	if err != nil {
		return nil, nil, err
	}
	if !liquidatable {
		return nil, nil, errNotLiquidatable
	}

	debtBalance, err := e.borrowBalance(oBorrowed, user)
	if err != nil {
		return nil, nil, err
	}
	debt, err := balanceUnderlying(debtBalance, oBorrowed.poolIndexes.BorrowIndex, oBorrowed.p2pIndexes.BorrowIndex)
	if err != nil {
		return nil, nil, err
	}
	maxRepay, err := wadray.PercentMul(debt, closeFactorBps)
	if err != nil {
		return nil, nil, err
	}
	repaid = wadray.Min(amount, maxRepay)
	if repaid.IsZero() {
		return nil, nil, errNoDebtToRepay
	}

	seized, err = e.seizableCollateral(oBorrowed, oCollateral, user, repaid)
	if err != nil {
		return nil, nil, err
	}
	if err = e.checkPoolLiquidity(collateralToken, seized); err != nil {
		return nil, nil, err
	}

	abort := func(cause error) (*uint256.Int, *uint256.Int, error) {
		e.rollback(oCollateral)
		e.rollback(oBorrowed)
		return nil, nil, cause
	}
	if err = e.repayCore(oBorrowed, user, repaid, e.defaultMatchGas); err != nil {
		return abort(err)
	}
	if err = e.withdrawCore(oCollateral, user, seized, e.defaultMatchGas); err != nil {
		return abort(err)
	}
	if err = e.applyPoolActions(oBorrowed); err != nil {
		return abort(err)
	}
	if err = e.applyPoolActions(oCollateral); err != nil {
		return abort(err)
	}
	if err = e.persist(oBorrowed); err != nil {
		return abort(err)
	}
	if err = e.persist(oCollateral); err != nil {
		return abort(err)
	}
	e.reportRegistrySizes(borrowedToken)
	e.reportRegistrySizes(collateralToken)
	e.log.Info("liquidate", "borrowed_market", borrowedToken.Hex(),
		"collateral_market", collateralToken.Hex(), "user", user.Hex(),
		"repaid", repaid.Dec(), "seized", seized.Dec())
	return repaid, seized, nil
}

// seizableCollateral prices the repaid debt into collateral units, applies
// the liquidation bonus and caps the result at the borrower's collateral.
func (e *Engine) seizableCollateral(oBorrowed, oCollateral *op, user common.Address, repaid *uint256.Int) (*uint256.Int, error) {
	priceBorrowed, err := e.oracle.AssetPrice(oBorrowed.token)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := e.oracle.AssetPrice(oCollateral.token)
	if err != nil {
		return nil, err
	}
	repaidValue, err := wadray.WadMul(repaid, priceBorrowed)
	if err != nil {
		return nil, err
	}
	seized, err := wadray.WadDiv(repaidValue, priceCollateral)
	if err != nil {
		return nil, err
	}
	seized, err = wadray.PercentMul(seized, 10_000+oCollateral.market.LiquidationBonusBps)
	if err != nil {
		return nil, err
	}

	collateralBalance, err := e.supplyBalance(oCollateral, user)
	if err != nil {
		return nil, err
	}
	collateral, err := balanceUnderlying(collateralBalance, oCollateral.poolIndexes.SupplyIndex, oCollateral.p2pIndexes.SupplyIndex)
	if err != nil {
		return nil, err
	}
	return wadray.Min(seized, collateral), nil
}

// SupplyBalanceOf reports a user's position on the supply side of a market.
func (e *Engine) SupplyBalanceOf(token, user common.Address) (*market.Balance, error) {
	return e.state.GetSupplyBalance(token, user)
}

// BorrowBalanceOf reports a user's position on the borrow side of a market.
func (e *Engine) BorrowBalanceOf(token, user common.Address) (*market.Balance, error) {
	return e.state.GetBorrowBalance(token, user)
}
