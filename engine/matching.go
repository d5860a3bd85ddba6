package engine

import (
	"github.com/holiman/uint256"

	"morpho/wadray"
)

// matchResult reports the outcome of one matching or unmatching pass.
type matchResult struct {
	moved      *uint256.Int
	iterations uint64
}

// matchSuppliers promotes pool suppliers into the peer-to-peer book, largest
// first, until the requested underlying amount is covered or the iteration
// budget runs out. A zero budget skips matching entirely. The pass never
// fails for lack of counterparties; it returns best-effort partial progress.
func (e *Engine) matchSuppliers(o *op, amount *uint256.Int, budget uint64) (matchResult, error) {
	result := matchResult{moved: new(uint256.Int)}
	if budget == 0 {
		return result, nil
	}
	remaining := new(uint256.Int).Set(amount)

	for !remaining.IsZero() && result.iterations < budget {
		head, ok := o.regs.suppliersOnPool.Head()
		if !ok {
			break
		}
		result.iterations++

		b, err := e.supplyBalance(o, head)
		if err != nil {
			return result, err
		}
		onPoolUnderlying, err := wadray.RayMul(b.OnPool, o.poolIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		toMatch := wadray.Min(onPoolUnderlying, remaining)
		if toMatch.IsZero() {
			// Dust entry; drop it from the ranking so the loop advances.
			if err := e.updateRegistry(o, o.regs.suppliersOnPool, head, new(uint256.Int)); err != nil {
				return result, err
			}
			continue
		}

		poolUnits, err := wadray.RayDiv(toMatch, o.poolIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		p2pUnits, err := wadray.RayDiv(toMatch, o.p2pIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		b.OnPool = wadray.SafeSub(b.OnPool, poolUnits)
		b.InP2P = new(uint256.Int).Add(b.InP2P, p2pUnits)
		if err := e.updateSupplierRegistries(o, head); err != nil {
			return result, err
		}

		remaining = wadray.SafeSub(remaining, toMatch)
	}

	result.moved = wadray.SafeSub(amount, remaining)
	e.observeMatching(o, "match_suppliers", result)
	return result, nil
}

// matchBorrowers promotes pool borrowers into the peer-to-peer book.
func (e *Engine) matchBorrowers(o *op, amount *uint256.Int, budget uint64) (matchResult, error) {
	result := matchResult{moved: new(uint256.Int)}
	if budget == 0 {
		return result, nil
	}
	remaining := new(uint256.Int).Set(amount)

	for !remaining.IsZero() && result.iterations < budget {
		head, ok := o.regs.borrowersOnPool.Head()
		if !ok {
			break
		}
		result.iterations++

		b, err := e.borrowBalance(o, head)
		if err != nil {
			return result, err
		}
		onPoolUnderlying, err := wadray.RayMul(b.OnPool, o.poolIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		toMatch := wadray.Min(onPoolUnderlying, remaining)
		if toMatch.IsZero() {
			if err := e.updateRegistry(o, o.regs.borrowersOnPool, head, new(uint256.Int)); err != nil {
				return result, err
			}
			continue
		}

		poolUnits, err := wadray.RayDiv(toMatch, o.poolIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		p2pUnits, err := wadray.RayDiv(toMatch, o.p2pIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		b.OnPool = wadray.SafeSub(b.OnPool, poolUnits)
		b.InP2P = new(uint256.Int).Add(b.InP2P, p2pUnits)
		if err := e.updateBorrowerRegistries(o, head); err != nil {
			return result, err
		}

		remaining = wadray.SafeSub(remaining, toMatch)
	}

	result.moved = wadray.SafeSub(amount, remaining)
	e.observeMatching(o, "match_borrowers", result)
	return result, nil
}

// unmatchSuppliers demotes peer-to-peer suppliers back onto the pool, up to
// the requested underlying amount. Partial progress is normal; the caller
// covers any shortfall through the delta.
func (e *Engine) unmatchSuppliers(o *op, amount *uint256.Int, budget uint64) (matchResult, error) {
	result := matchResult{moved: new(uint256.Int)}
	if budget == 0 {
		return result, nil
	}
	remaining := new(uint256.Int).Set(amount)

	for !remaining.IsZero() && result.iterations < budget {
		head, ok := o.regs.suppliersInP2P.Head()
		if !ok {
			break
		}
		result.iterations++

		b, err := e.supplyBalance(o, head)
		if err != nil {
			return result, err
		}
		inP2PUnderlying, err := wadray.RayMul(b.InP2P, o.p2pIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		toUnmatch := wadray.Min(inP2PUnderlying, remaining)
		if toUnmatch.IsZero() {
			if err := e.updateRegistry(o, o.regs.suppliersInP2P, head, new(uint256.Int)); err != nil {
				return result, err
			}
			continue
		}

		p2pUnits, err := wadray.RayDiv(toUnmatch, o.p2pIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		poolUnits, err := wadray.RayDiv(toUnmatch, o.poolIndexes.SupplyIndex)
		if err != nil {
			return result, err
		}
		b.InP2P = wadray.SafeSub(b.InP2P, p2pUnits)
		b.OnPool = new(uint256.Int).Add(b.OnPool, poolUnits)
		if err := e.updateSupplierRegistries(o, head); err != nil {
			return result, err
		}

		remaining = wadray.SafeSub(remaining, toUnmatch)
	}

	result.moved = wadray.SafeSub(amount, remaining)
	e.observeMatching(o, "unmatch_suppliers", result)
	return result, nil
}

// unmatchBorrowers demotes peer-to-peer borrowers back onto the pool.
func (e *Engine) unmatchBorrowers(o *op, amount *uint256.Int, budget uint64) (matchResult, error) {
	result := matchResult{moved: new(uint256.Int)}
	if budget == 0 {
		return result, nil
	}
	remaining := new(uint256.Int).Set(amount)

	for !remaining.IsZero() && result.iterations < budget {
		head, ok := o.regs.borrowersInP2P.Head()
		if !ok {
			break
		}
		result.iterations++

		b, err := e.borrowBalance(o, head)
		if err != nil {
			return result, err
		}
		inP2PUnderlying, err := wadray.RayMul(b.InP2P, o.p2pIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		toUnmatch := wadray.Min(inP2PUnderlying, remaining)
		if toUnmatch.IsZero() {
			if err := e.updateRegistry(o, o.regs.borrowersInP2P, head, new(uint256.Int)); err != nil {
				return result, err
			}
			continue
		}

		p2pUnits, err := wadray.RayDiv(toUnmatch, o.p2pIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		poolUnits, err := wadray.RayDiv(toUnmatch, o.poolIndexes.BorrowIndex)
		if err != nil {
			return result, err
		}
		b.InP2P = wadray.SafeSub(b.InP2P, p2pUnits)
		b.OnPool = new(uint256.Int).Add(b.OnPool, poolUnits)
		if err := e.updateBorrowerRegistries(o, head); err != nil {
			return result, err
		}

		remaining = wadray.SafeSub(remaining, toUnmatch)
	}

	result.moved = wadray.SafeSub(amount, remaining)
	e.observeMatching(o, "unmatch_borrowers", result)
	return result, nil
}

func (e *Engine) observeMatching(o *op, direction string, result matchResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveMatching(o.token.Hex(), direction, result.iterations, result.moved.Float64())
}
