package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/market"
	"morpho/wadray"
)

// liquidity aggregates a user's position values across every market, in
// wad-scaled units of the oracle quote currency.
type liquidity struct {
	// borrowable is the collateral value scaled by each market's LTV.
	borrowable *uint256.Int
	// liquidationValue is the collateral value scaled by each market's
	// liquidation threshold.
	liquidationValue *uint256.Int
	debt             *uint256.Int
}

// userLiquidity walks every market and values the user's position at oracle
// prices. Markets touched by an in-flight operation are read through its
// journal so the check sees the mutated balances.
func (e *Engine) userLiquidity(user common.Address, ops ...*op) (*liquidity, error) {
	journal := make(map[common.Address]*op, len(ops))
	for _, o := range ops {
		if o != nil {
			journal[o.token] = o
		}
	}

	tokens, err := e.state.ListMarkets()
	if err != nil {
		return nil, err
	}
	liq := &liquidity{
		borrowable:       new(uint256.Int),
		liquidationValue: new(uint256.Int),
		debt:             new(uint256.Int),
	}
	for _, token := range tokens {
		var (
			m           *market.Market
			poolIndexes *market.PoolIndexes
			p2pIndexes  *market.P2PIndexes
			supplied    *market.Balance
			borrowed    *market.Balance
		)
		if o, ok := journal[token]; ok {
			m = o.market
			poolIndexes = o.poolIndexes
			p2pIndexes = o.p2pIndexes
			if supplied, err = e.supplyBalance(o, user); err != nil {
				return nil, err
			}
			if borrowed, err = e.borrowBalance(o, user); err != nil {
				return nil, err
			}
		} else {
			if m, err = e.state.GetMarket(token); err != nil {
				return nil, err
			}
			if poolIndexes, err = e.state.GetPoolIndexes(token); err != nil {
				return nil, err
			}
			poolIndexes.EnsureDefaults()
			if p2pIndexes, err = e.state.GetP2PIndexes(token); err != nil {
				return nil, err
			}
			p2pIndexes.EnsureDefaults()
			if supplied, err = e.state.GetSupplyBalance(token, user); err != nil {
				return nil, err
			}
			supplied.EnsureDefaults()
			if borrowed, err = e.state.GetBorrowBalance(token, user); err != nil {
				return nil, err
			}
			borrowed.EnsureDefaults()
		}
		if supplied.IsZero() && borrowed.IsZero() {
			continue
		}

		price, err := e.oracle.AssetPrice(token)
		if err != nil {
			return nil, err
		}

		suppliedUnderlying, err := balanceUnderlying(supplied, poolIndexes.SupplyIndex, p2pIndexes.SupplyIndex)
		if err != nil {
			return nil, err
		}
		if !suppliedUnderlying.IsZero() {
			value, err := wadray.WadMul(suppliedUnderlying, price)
			if err != nil {
				return nil, err
			}
			borrowable, err := wadray.PercentMul(value, m.LtvBps)
			if err != nil {
				return nil, err
			}
			liq.borrowable.Add(liq.borrowable, borrowable)
			threshold, err := wadray.PercentMul(value, m.LiquidationThresholdBps)
			if err != nil {
				return nil, err
			}
			liq.liquidationValue.Add(liq.liquidationValue, threshold)
		}

		borrowedUnderlying, err := balanceUnderlying(borrowed, poolIndexes.BorrowIndex, p2pIndexes.BorrowIndex)
		if err != nil {
			return nil, err
		}
		if !borrowedUnderlying.IsZero() {
			value, err := wadray.WadMul(borrowedUnderlying, price)
			if err != nil {
				return nil, err
			}
			liq.debt.Add(liq.debt, value)
		}
	}
	return liq, nil
}

// balanceUnderlying converts a scaled balance into underlying token units.
func balanceUnderlying(b *market.Balance, poolIndex, p2pIndex *uint256.Int) (*uint256.Int, error) {
	onPool, err := wadray.RayMul(b.OnPool, poolIndex)
	if err != nil {
		return nil, err
	}
	inP2P, err := wadray.RayMul(b.InP2P, p2pIndex)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Add(onPool, inP2P), nil
}

// checkBorrowCapacity verifies that taking on additionalDebt of the
// operation's token keeps the user within the LTV-scaled collateral value.
// Without a price source the check is skipped.
func (e *Engine) checkBorrowCapacity(o *op, user common.Address, additionalDebt *uint256.Int) error {
	if e.oracle == nil {
		return nil
	}
	liq, err := e.userLiquidity(user, o)
	if err != nil {
		return err
	}
	price, err := e.oracle.AssetPrice(o.token)
	if err != nil {
		return err
	}
	addedValue, err := wadray.WadMul(additionalDebt, price)
	if err != nil {
		return err
	}
	total := new(uint256.Int).Add(liq.debt, addedValue)
	if total.Cmp(liq.borrowable) > 0 {
		return errUnhealthyPosition
	}
	return nil
}

// checkHealth verifies that debt stays below the liquidation-threshold value
// of the remaining collateral. Run after withdraw mutations.
func (e *Engine) checkHealth(user common.Address, ops ...*op) error {
	if e.oracle == nil {
		return nil
	}
	liq, err := e.userLiquidity(user, ops...)
	if err != nil {
		return err
	}
	if liq.debt.Cmp(liq.liquidationValue) > 0 {
		return errUnhealthyPosition
	}
	return nil
}

// isLiquidatable reports whether debt exceeds the liquidation-threshold
// value of the user's collateral.
func (e *Engine) isLiquidatable(user common.Address, ops ...*op) (bool, error) {
	if e.oracle == nil {
		return false, nil
	}
	liq, err := e.userLiquidity(user, ops...)
	if err != nil {
		return false, err
	}
	return liq.debt.Cmp(liq.liquidationValue) > 0, nil
}
