// Package engine implements the peer-to-peer matching layer on top of a
// pooled lending protocol. It owns the position ledger, the per-market
// ranking registries, the delta bookkeeping and the matching algorithm, and
// orchestrates every user operation: index update first, then matching or
// unmatching under an iteration budget, then the residual against the pool.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/market"
	"morpho/observability"
	"morpho/oracle"
	"morpho/registry"
	"morpho/storage"
)

var (
	errNilState            = errors.New("matching engine: state not configured")
	errNilPool             = errors.New("matching engine: pool backend not configured")
	errMarketNotCreated    = errors.New("matching engine: market not created")
	errMarketAlreadyExists = errors.New("matching engine: market already created")
	errInvalidAmount       = errors.New("matching engine: amount must be positive")
	errInvalidBps          = errors.New("matching engine: basis points exceed 100%")
	errSupplyPaused        = errors.New("matching engine: supply paused")
	errBorrowPaused        = errors.New("matching engine: borrow paused")
	errWithdrawPaused      = errors.New("matching engine: withdraw paused")
	errRepayPaused         = errors.New("matching engine: repay paused")
	errLiquidatePaused     = errors.New("matching engine: liquidate paused")
	errNoDebtToRepay       = errors.New("matching engine: no outstanding debt to repay")
	errNothingSupplied     = errors.New("matching engine: nothing supplied to withdraw")
	errUnhealthyPosition   = errors.New("matching engine: position would fall below required collateral")
	errNotLiquidatable     = errors.New("matching engine: borrower not eligible for liquidation")
	errSameMarket          = errors.New("matching engine: collateral and borrowed markets must differ")
	errPoolIlliquid        = errors.New("matching engine: pool cash cannot cover the requested amount")
)

// State is the persistence surface the engine mutates. Every read returns
// an owned copy; writes replace the stored record.
type State interface {
	GetMarket(token common.Address) (*market.Market, error)
	PutMarket(m *market.Market) error
	ListMarkets() ([]common.Address, error)
	GetPoolIndexes(token common.Address) (*market.PoolIndexes, error)
	PutPoolIndexes(token common.Address, p *market.PoolIndexes) error
	GetP2PIndexes(token common.Address) (*market.P2PIndexes, error)
	PutP2PIndexes(token common.Address, p *market.P2PIndexes) error
	GetDelta(token common.Address) (*market.Delta, error)
	PutDelta(token common.Address, d *market.Delta) error
	GetSupplyBalance(token, user common.Address) (*market.Balance, error)
	PutSupplyBalance(token, user common.Address, b *market.Balance) error
	GetBorrowBalance(token, user common.Address) (*market.Balance, error)
	PutBorrowBalance(token, user common.Address, b *market.Balance) error
	ForEachSupplyBalance(token common.Address, fn func(user common.Address, b *market.Balance) bool) error
	ForEachBorrowBalance(token common.Address, fn func(user common.Address, b *market.Balance) bool) error
	// Batch stages a group of writes that Commit applies atomically.
	Batch() storage.StateBatch
}

// PoolBackend is the surface of the underlying pooled protocol the engine
// forwards residual liquidity to.
type PoolBackend interface {
	Accrue(token common.Address, timestamp uint64) error
	Indexes(token common.Address) (supplyIndex, borrowIndex *uint256.Int, err error)
	Cash(token common.Address) (*uint256.Int, error)
	Supply(token common.Address, amount *uint256.Int) error
	Withdraw(token common.Address, amount *uint256.Int) error
	Borrow(token common.Address, amount *uint256.Int) error
	Repay(token common.Address, amount *uint256.Int) error
}

// MarketParams configures a market at creation time.
type MarketParams struct {
	ReserveFactorBps        uint64
	P2PIndexCursorBps       uint64
	LtvBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
}

// marketRegistries groups the four ranking structures of one market.
type marketRegistries struct {
	suppliersOnPool *registry.Registry
	suppliersInP2P  *registry.Registry
	borrowersOnPool *registry.Registry
	borrowersInP2P  *registry.Registry
}

func newMarketRegistries() *marketRegistries {
	return &marketRegistries{
		suppliersOnPool: registry.New(),
		suppliersInP2P:  registry.New(),
		borrowersOnPool: registry.New(),
		borrowersInP2P:  registry.New(),
	}
}

// Engine orchestrates the primary state transitions of the matching layer.
type Engine struct {
	state  State
	pool   PoolBackend
	oracle oracle.PriceSource

	log     *slog.Logger
	metrics *observability.EngineMetrics

	maxSortedUsers  int
	defaultMatchGas uint64
	timestamp       uint64

	mu         sync.Mutex
	locks      map[common.Address]*sync.Mutex
	registries map[common.Address]*marketRegistries
}

// NewEngine constructs an engine wired to its collaborators.
func NewEngine(state State, pool PoolBackend, priceSource oracle.PriceSource) (*Engine, error) {
	if state == nil {
		return nil, errNilState
	}
	if pool == nil {
		return nil, errNilPool
	}
	return &Engine{
		state:          state,
		pool:           pool,
		oracle:         priceSource,
		log:            slog.Default(),
		maxSortedUsers: 16,
		locks:          make(map[common.Address]*sync.Mutex),
		registries:     make(map[common.Address]*marketRegistries),
	}, nil
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	if e == nil || log == nil {
		return
	}
	e.log = log
}

// SetMetrics wires the prometheus instrumentation.
func (e *Engine) SetMetrics(m *observability.EngineMetrics) {
	if e == nil {
		return
	}
	e.metrics = m
}

// SetMaxSortedUsers bounds the exactly ordered window of every registry.
func (e *Engine) SetMaxSortedUsers(n int) {
	if e == nil || n < 0 {
		return
	}
	e.maxSortedUsers = n
}

// SetDefaultMatchingGas sets the iteration budget applied when a caller
// passes no explicit budget.
func (e *Engine) SetDefaultMatchingGas(budget uint64) {
	if e == nil {
		return
	}
	e.defaultMatchGas = budget
}

// SetTimestamp records the simulation clock used for pool accrual.
func (e *Engine) SetTimestamp(ts uint64) {
	if e == nil {
		return
	}
	e.timestamp = ts
}

// CreateMarket lists a new market for the given underlying token.
func (e *Engine) CreateMarket(token common.Address, params MarketParams) error {
	if token == (common.Address{}) {
		return errMarketNotCreated
	}
	if params.ReserveFactorBps > 10_000 || params.P2PIndexCursorBps > 10_000 ||
		params.LtvBps > 10_000 || params.LiquidationThresholdBps > 10_000 {
		return errInvalidBps
	}

	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.state.GetMarket(token)
	if err != nil {
		return err
	}
	if existing.Created() {
		return errMarketAlreadyExists
	}

	poolSupplyIndex, poolBorrowIndex, err := e.pool.Indexes(token)
	if err != nil {
		return err
	}

	m := &market.Market{
		Underlying:              token,
		ReserveFactorBps:        params.ReserveFactorBps,
		P2PIndexCursorBps:       params.P2PIndexCursorBps,
		LtvBps:                  params.LtvBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		LiquidationBonusBps:     params.LiquidationBonusBps,
	}
	p2p := &market.P2PIndexes{}
	p2p.EnsureDefaults()
	delta := &market.Delta{}
	delta.EnsureDefaults()

	batch := e.state.Batch()
	if err := batch.PutMarket(m); err != nil {
		return err
	}
	if err := batch.PutPoolIndexes(token, &market.PoolIndexes{
		LastUpdate:  e.timestamp,
		SupplyIndex: poolSupplyIndex,
		BorrowIndex: poolBorrowIndex,
	}); err != nil {
		return err
	}
	if err := batch.PutP2PIndexes(token, p2p); err != nil {
		return err
	}
	if err := batch.PutDelta(token, delta); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	e.mu.Lock()
	e.registries[token] = newMarketRegistries()
	e.mu.Unlock()

	e.log.Info("market created", "market", token.Hex(),
		"reserve_factor_bps", params.ReserveFactorBps,
		"p2p_index_cursor_bps", params.P2PIndexCursorBps)
	return nil
}

// SetReserveFactor updates a market's reserve factor after refreshing its
// indexes, so the new split only applies to future growth.
func (e *Engine) SetReserveFactor(token common.Address, bps uint64) error {
	if bps > 10_000 {
		return errInvalidBps
	}
	return e.mutateMarket(token, func(m *market.Market) {
		m.ReserveFactorBps = bps
	})
}

// SetP2PIndexCursor updates a market's index cursor after refreshing its
// indexes.
func (e *Engine) SetP2PIndexCursor(token common.Address, bps uint64) error {
	if bps > 10_000 {
		return errInvalidBps
	}
	return e.mutateMarket(token, func(m *market.Market) {
		m.P2PIndexCursorBps = bps
	})
}

// SetPauseFlags toggles the per-flow pause switches of a market.
func (e *Engine) SetPauseFlags(token common.Address, flags market.PauseFlags) error {
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.state.GetMarket(token)
	if err != nil {
		return err
	}
	if !m.Created() {
		return errMarketNotCreated
	}
	m.Pauses = flags
	return e.state.PutMarket(m)
}

func (e *Engine) mutateMarket(token common.Address, mutate func(m *market.Market)) error {
	lock := e.marketLock(token)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.beginOp(token)
	if err != nil {
		return err
	}
	if err := e.updateIndexes(o); err != nil {
		return err
	}
	mutate(o.market)
	return e.commit(o)
}

// RebuildRegistries reconstructs every market's ranking structures from the
// persisted balances. Call once after opening an existing store.
func (e *Engine) RebuildRegistries() error {
	tokens, err := e.state.ListMarkets()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		regs := newMarketRegistries()
		zero := new(uint256.Int)
		err := e.state.ForEachSupplyBalance(token, func(user common.Address, b *market.Balance) bool {
			if !b.OnPool.IsZero() {
				_ = regs.suppliersOnPool.Update(user, zero, b.OnPool, e.maxSortedUsers)
			}
			if !b.InP2P.IsZero() {
				_ = regs.suppliersInP2P.Update(user, zero, b.InP2P, e.maxSortedUsers)
			}
			return true
		})
		if err != nil {
			return err
		}
		err = e.state.ForEachBorrowBalance(token, func(user common.Address, b *market.Balance) bool {
			if !b.OnPool.IsZero() {
				_ = regs.borrowersOnPool.Update(user, zero, b.OnPool, e.maxSortedUsers)
			}
			if !b.InP2P.IsZero() {
				_ = regs.borrowersInP2P.Update(user, zero, b.InP2P, e.maxSortedUsers)
			}
			return true
		})
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.registries[token] = regs
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) marketLock(token common.Address) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[token]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[token] = lock
	}
	return lock
}

// lockMarkets acquires the locks of both markets in address order so
// cross-market operations cannot deadlock.
func (e *Engine) lockMarkets(a, b common.Address) func() {
	if a == b {
		lock := e.marketLock(a)
		lock.Lock()
		return lock.Unlock
	}
	tokens := []common.Address{a, b}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Cmp(tokens[j]) < 0
	})
	first, second := e.marketLock(tokens[0]), e.marketLock(tokens[1])
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (e *Engine) marketRegistries(token common.Address) *marketRegistries {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs, ok := e.registries[token]
	if !ok {
		regs = newMarketRegistries()
		e.registries[token] = regs
	}
	return regs
}

func (e *Engine) reportRegistrySizes(token common.Address) {
	if e.metrics == nil {
		return
	}
	regs := e.marketRegistries(token)
	label := token.Hex()
	e.metrics.SetRegistrySize(label, "suppliers_on_pool", regs.suppliersOnPool.Len())
	e.metrics.SetRegistrySize(label, "suppliers_in_p2p", regs.suppliersInP2P.Len())
	e.metrics.SetRegistrySize(label, "borrowers_on_pool", regs.borrowersOnPool.Len())
	e.metrics.SetRegistrySize(label, "borrowers_in_p2p", regs.borrowersInP2P.Len())
}

func (e *Engine) observeOperation(token common.Address, operation string, err error) {
	if e.metrics != nil {
		e.metrics.ObserveOperation(token.Hex(), operation, err)
	}
	if err != nil {
		e.log.Warn("operation failed", "market", token.Hex(), "operation", operation, "error", err)
	}
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errInvalidAmount
	}
	return nil
}

// checkPoolLiquidity rejects an operation before any state is touched when
// the pool cannot pay it out. Borrow and withdraw extract exactly the
// requested amount of underlying at commit, whatever mix of matching and
// pool legs serves it, so the pool must hold that much cash.
func (e *Engine) checkPoolLiquidity(token common.Address, amount *uint256.Int) error {
	cash, err := e.pool.Cash(token)
	if err != nil {
		return err
	}
	if amount.Cmp(cash) > 0 {
		return fmt.Errorf("%w: requested %s, cash %s", errPoolIlliquid, amount.Dec(), cash.Dec())
	}
	return nil
}

func pauseError(operation string) error {
	switch operation {
	case "supply":
		return errSupplyPaused
	case "borrow":
		return errBorrowPaused
	case "withdraw":
		return errWithdrawPaused
	case "repay":
		return errRepayPaused
	case "liquidate":
		return errLiquidatePaused
	default:
		return fmt.Errorf("matching engine: %s paused", operation)
	}
}
