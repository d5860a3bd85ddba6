package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/market"
	"morpho/registry"
)

// op journals one state-changing operation on a single market. Balance,
// index and delta mutations happen on in-memory copies and reach the store
// only on commit; registry mutations apply immediately (the matching loop
// reads its own writes) but are undone in reverse order when the operation
// aborts, so a fatal error never leaves partial state behind.
type op struct {
	token common.Address

	market      *market.Market
	poolIndexes *market.PoolIndexes
	p2pIndexes  *market.P2PIndexes
	delta       *market.Delta

	supply map[common.Address]*market.Balance
	borrow map[common.Address]*market.Balance

	regs    *marketRegistries
	regUndo []regUndo

	poolActions []poolAction
}

type regUndo struct {
	reg     *registry.Registry
	id      common.Address
	former  *uint256.Int
	applied *uint256.Int
}

type poolActionKind int

const (
	poolActionSupply poolActionKind = iota
	poolActionWithdraw
	poolActionBorrow
	poolActionRepay
)

type poolAction struct {
	kind   poolActionKind
	amount *uint256.Int
}

// Pool calls are deferred to commit time so an aborted operation leaves the
// pool untouched.
func (o *op) poolSupply(amount *uint256.Int) {
	o.appendPoolAction(poolActionSupply, amount)
}

func (o *op) poolWithdraw(amount *uint256.Int) {
	o.appendPoolAction(poolActionWithdraw, amount)
}

func (o *op) poolBorrow(amount *uint256.Int) {
	o.appendPoolAction(poolActionBorrow, amount)
}

func (o *op) poolRepay(amount *uint256.Int) {
	o.appendPoolAction(poolActionRepay, amount)
}

func (o *op) appendPoolAction(kind poolActionKind, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	o.poolActions = append(o.poolActions, poolAction{kind: kind, amount: new(uint256.Int).Set(amount)})
}

func (e *Engine) beginOp(token common.Address) (*op, error) {
	m, err := e.state.GetMarket(token)
	if err != nil {
		return nil, err
	}
	if !m.Created() {
		return nil, errMarketNotCreated
	}
	poolIndexes, err := e.state.GetPoolIndexes(token)
	if err != nil {
		return nil, err
	}
	if poolIndexes == nil {
		poolIndexes = &market.PoolIndexes{}
	}
	poolIndexes.EnsureDefaults()
	p2pIndexes, err := e.state.GetP2PIndexes(token)
	if err != nil {
		return nil, err
	}
	if p2pIndexes == nil {
		p2pIndexes = &market.P2PIndexes{}
	}
	p2pIndexes.EnsureDefaults()
	delta, err := e.state.GetDelta(token)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		delta = &market.Delta{}
	}
	delta.EnsureDefaults()

	return &op{
		token:       token,
		market:      m,
		poolIndexes: poolIndexes,
		p2pIndexes:  p2pIndexes,
		delta:       delta,
		supply:      make(map[common.Address]*market.Balance),
		borrow:      make(map[common.Address]*market.Balance),
		regs:        e.marketRegistries(token),
	}, nil
}

func (e *Engine) supplyBalance(o *op, user common.Address) (*market.Balance, error) {
	if b, ok := o.supply[user]; ok {
		return b, nil
	}
	b, err := e.state.GetSupplyBalance(o.token, user)
	if err != nil {
		return nil, err
	}
	b.EnsureDefaults()
	o.supply[user] = b
	return b, nil
}

func (e *Engine) borrowBalance(o *op, user common.Address) (*market.Balance, error) {
	if b, ok := o.borrow[user]; ok {
		return b, nil
	}
	b, err := e.state.GetBorrowBalance(o.token, user)
	if err != nil {
		return nil, err
	}
	b.EnsureDefaults()
	o.borrow[user] = b
	return b, nil
}

// updateRegistry applies one ranking update and records its inverse.
func (e *Engine) updateRegistry(o *op, reg *registry.Registry, id common.Address, newValue *uint256.Int) error {
	former := reg.ValueOf(id)
	if former.Cmp(newValue) == 0 {
		return nil
	}
	if err := reg.Update(id, former, newValue, e.maxSortedUsers); err != nil {
		return err
	}
	o.regUndo = append(o.regUndo, regUndo{
		reg:     reg,
		id:      id,
		former:  former,
		applied: new(uint256.Int).Set(newValue),
	})
	return nil
}

// updateSupplierRegistries re-ranks a supplier in both market-side
// structures from the journalled balance.
func (e *Engine) updateSupplierRegistries(o *op, user common.Address) error {
	b, err := e.supplyBalance(o, user)
	if err != nil {
		return err
	}
	if err := e.updateRegistry(o, o.regs.suppliersOnPool, user, b.OnPool); err != nil {
		return err
	}
	return e.updateRegistry(o, o.regs.suppliersInP2P, user, b.InP2P)
}

// updateBorrowerRegistries re-ranks a borrower in both market-side
// structures from the journalled balance.
func (e *Engine) updateBorrowerRegistries(o *op, user common.Address) error {
	b, err := e.borrowBalance(o, user)
	if err != nil {
		return err
	}
	if err := e.updateRegistry(o, o.regs.borrowersOnPool, user, b.OnPool); err != nil {
		return err
	}
	return e.updateRegistry(o, o.regs.borrowersInP2P, user, b.InP2P)
}

// rollback undoes every registry mutation of the aborted operation.
func (e *Engine) rollback(o *op) {
	for i := len(o.regUndo) - 1; i >= 0; i-- {
		u := o.regUndo[i]
		if err := u.reg.Update(u.id, u.applied, u.former, e.maxSortedUsers); err != nil {
			// Undo can only fail if the registry was mutated outside the
			// operation, which the market lock rules out.
			e.log.Error("registry rollback failed", "market", o.token.Hex(),
				"user", u.id.Hex(), "error", err)
		}
	}
	o.regUndo = nil
}

// commit forwards the deferred pool calls and persists every journalled
// mutation. A pool failure aborts before anything reaches the store.
func (e *Engine) commit(o *op) error {
	if err := e.applyPoolActions(o); err != nil {
		return err
	}
	return e.persist(o)
}

func (e *Engine) applyPoolActions(o *op) error {
	for _, action := range o.poolActions {
		var err error
		switch action.kind {
		case poolActionSupply:
			err = e.pool.Supply(o.token, action.amount)
		case poolActionWithdraw:
			err = e.pool.Withdraw(o.token, action.amount)
		case poolActionBorrow:
			err = e.pool.Borrow(o.token, action.amount)
		case poolActionRepay:
			err = e.pool.Repay(o.token, action.amount)
		}
		if err != nil {
			return err
		}
	}
	o.poolActions = nil
	return nil
}

// persist stages every journalled record on one batch and lands it with a
// single atomic write, so a store failure cannot leave the market record
// committed while its balances are not.
func (e *Engine) persist(o *op) error {
	batch := e.state.Batch()
	if err := batch.PutMarket(o.market); err != nil {
		return err
	}
	if err := batch.PutPoolIndexes(o.token, o.poolIndexes); err != nil {
		return err
	}
	if err := batch.PutP2PIndexes(o.token, o.p2pIndexes); err != nil {
		return err
	}
	if err := batch.PutDelta(o.token, o.delta); err != nil {
		return err
	}
	for user, b := range o.supply {
		if err := batch.PutSupplyBalance(o.token, user, b); err != nil {
			return err
		}
	}
	for user, b := range o.borrow {
		if err := batch.PutBorrowBalance(o.token, user, b); err != nil {
			return err
		}
	}
	return batch.Commit()
}
