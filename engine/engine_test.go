package engine

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/market"
	"morpho/oracle"
	"morpho/pool"
	"morpho/storage"
	"morpho/wadray"
)

var (
	tokenDAI  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenWETH = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	alice = common.HexToAddress("0x0000000000000000000000000000000000000101")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000102")
	carol = common.HexToAddress("0x0000000000000000000000000000000000000103")
	dave  = common.HexToAddress("0x0000000000000000000000000000000000000104")
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wadray.Wad)
}

func defaultParams() MarketParams {
	return MarketParams{
		ReserveFactorBps:        0,
		P2PIndexCursorBps:       5_000,
		LtvBps:                  8_000,
		LiquidationThresholdBps: 8_500,
		LiquidationBonusBps:     500,
	}
}

func newTestEngine(t *testing.T) (*Engine, *pool.Pool, *oracle.Static) {
	t.Helper()
	p := pool.New(nil)
	orc := oracle.NewStatic()
	eng, err := NewEngine(storage.NewStore(storage.NewMemDB()), p, orc)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.SetTimestamp(1)
	eng.SetDefaultMatchingGas(16)
	return eng, p, orc
}

func listMarket(t *testing.T, eng *Engine, p *pool.Pool, orc *oracle.Static, token common.Address) {
	t.Helper()
	p.ListReserve(token, 1)
	orc.SetPrice(token, wad(1))
	if err := eng.CreateMarket(token, defaultParams()); err != nil {
		t.Fatalf("create market %s: %v", token.Hex(), err)
	}
}

// seedPoolCash deposits idle third-party liquidity straight into the pool so
// borrows and demotions have cash to draw on.
func seedPoolCash(t *testing.T, p *pool.Pool, token common.Address, amount uint64) {
	t.Helper()
	if err := p.Supply(token, wad(amount)); err != nil {
		t.Fatalf("seed pool cash: %v", err)
	}
}

func mustSupply(t *testing.T, eng *Engine, token, user common.Address, amount, budget uint64) {
	t.Helper()
	if err := eng.Supply(token, user, wad(amount), budget); err != nil {
		t.Fatalf("supply %d for %s: %v", amount, user.Hex(), err)
	}
}

func mustBorrow(t *testing.T, eng *Engine, token, user common.Address, amount, budget uint64) {
	t.Helper()
	if err := eng.Borrow(token, user, wad(amount), budget); err != nil {
		t.Fatalf("borrow %d for %s: %v", amount, user.Hex(), err)
	}
}

func supplyBalance(t *testing.T, eng *Engine, token, user common.Address) *market.Balance {
	t.Helper()
	b, err := eng.SupplyBalanceOf(token, user)
	if err != nil {
		t.Fatalf("supply balance: %v", err)
	}
	return b
}

func borrowBalance(t *testing.T, eng *Engine, token, user common.Address) *market.Balance {
	t.Helper()
	b, err := eng.BorrowBalanceOf(token, user)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	return b
}

func marketDelta(t *testing.T, eng *Engine, token common.Address) *market.Delta {
	t.Helper()
	d, err := eng.state.GetDelta(token)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	d.EnsureDefaults()
	return d
}

func requireEq(t *testing.T, got, want *uint256.Int, label string) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s want %s", label, got.Dec(), want.Dec())
	}
}

func TestSupplyWithoutBorrowersStaysOnPool(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)

	b := supplyBalance(t, eng, tokenDAI, alice)
	requireEq(t, b.OnPool, wad(100), "on-pool balance")
	if !b.InP2P.IsZero() {
		t.Fatalf("expected empty p2p balance, got %s", b.InP2P.Dec())
	}

	regs := eng.marketRegistries(tokenDAI)
	head, ok := regs.suppliersOnPool.Head()
	if !ok || head != alice {
		t.Fatalf("expected alice at the head of the pool suppliers, got %s (ok=%v)", head.Hex(), ok)
	}
	requireEq(t, regs.suppliersOnPool.ValueOf(alice), wad(100), "registry value")

	cash, err := p.Cash(tokenDAI)
	if err != nil {
		t.Fatalf("pool cash: %v", err)
	}
	requireEq(t, cash, wad(100), "pool cash")
}

func TestSupplyMatchesPoolBorrower(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 60, 16)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)

	aliceBal := supplyBalance(t, eng, tokenDAI, alice)
	requireEq(t, aliceBal.InP2P, wad(60), "alice p2p")
	requireEq(t, aliceBal.OnPool, wad(40), "alice pool")

	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.InP2P, wad(60), "bob p2p debt")
	if !bobDebt.OnPool.IsZero() {
		t.Fatalf("expected bob fully matched, still %s on pool", bobDebt.OnPool.Dec())
	}

	d := marketDelta(t, eng, tokenDAI)
	requireEq(t, d.P2PSupplyAmount, wad(60), "p2p supply amount")
	requireEq(t, d.P2PBorrowAmount, wad(60), "p2p borrow amount")
	if !d.P2PSupplyDelta.IsZero() || !d.P2PBorrowDelta.IsZero() {
		t.Fatalf("expected zero deltas, got supply=%s borrow=%s",
			d.P2PSupplyDelta.Dec(), d.P2PBorrowDelta.Dec())
	}
}

func TestZeroBudgetSkipsMatching(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 60, 16)

	mustSupply(t, eng, tokenDAI, alice, 100, 0)

	aliceBal := supplyBalance(t, eng, tokenDAI, alice)
	requireEq(t, aliceBal.OnPool, wad(100), "alice pool")
	if !aliceBal.InP2P.IsZero() {
		t.Fatalf("zero budget must not match, got %s in p2p", aliceBal.InP2P.Dec())
	}
	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.OnPool, wad(60), "bob pool debt untouched")
}

func TestMatchingBudgetBoundsIterations(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	for _, borrower := range []common.Address{bob, carol, dave} {
		mustSupply(t, eng, tokenWETH, borrower, 100, 16)
		mustBorrow(t, eng, tokenDAI, borrower, 30, 16)
	}

	mustSupply(t, eng, tokenDAI, alice, 100, 2)

	aliceBal := supplyBalance(t, eng, tokenDAI, alice)
	requireEq(t, aliceBal.InP2P, wad(60), "alice matched two borrowers")
	requireEq(t, aliceBal.OnPool, wad(40), "alice residual on pool")
}

func TestWithdrawUnmatchesBorrowers(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)
	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 100, 16)

	if err := eng.Withdraw(tokenDAI, alice, wad(100), 16); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	aliceBal := supplyBalance(t, eng, tokenDAI, alice)
	if !aliceBal.IsZero() {
		t.Fatalf("expected alice emptied, got pool=%s p2p=%s",
			aliceBal.OnPool.Dec(), aliceBal.InP2P.Dec())
	}
	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.OnPool, wad(100), "bob demoted to pool")
	if !bobDebt.InP2P.IsZero() {
		t.Fatalf("expected bob out of the p2p book, got %s", bobDebt.InP2P.Dec())
	}

	d := marketDelta(t, eng, tokenDAI)
	if !d.P2PSupplyAmount.IsZero() || !d.P2PBorrowAmount.IsZero() {
		t.Fatalf("expected empty p2p book, got supply=%s borrow=%s",
			d.P2PSupplyAmount.Dec(), d.P2PBorrowAmount.Dec())
	}
}

func TestWithdrawWithoutBudgetLeavesBorrowDelta(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)
	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 100, 16)

	if err := eng.Withdraw(tokenDAI, alice, wad(100), 0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// Bob keeps his matched seat; the vacated supply is bridged by pool debt
	// recorded as borrow delta.
	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.InP2P, wad(100), "bob stays matched")

	d := marketDelta(t, eng, tokenDAI)
	requireEq(t, d.P2PBorrowDelta, wad(100), "borrow delta")
	requireEq(t, d.P2PBorrowAmount, wad(100), "borrow amount")
	if !d.P2PSupplyAmount.IsZero() {
		t.Fatalf("expected supply side emptied, got %s", d.P2PSupplyAmount.Dec())
	}

	// delta * poolIndex <= amount * p2pIndex must keep holding.
	deltaUnderlying, err := wadray.RayMul(d.P2PBorrowDelta, wadray.Ray)
	if err != nil {
		t.Fatalf("ray mul: %v", err)
	}
	amountUnderlying, err := wadray.RayMul(d.P2PBorrowAmount, wadray.Ray)
	if err != nil {
		t.Fatalf("ray mul: %v", err)
	}
	if deltaUnderlying.Cmp(amountUnderlying) > 0 {
		t.Fatalf("delta invariant violated: %s > %s",
			deltaUnderlying.Dec(), amountUnderlying.Dec())
	}
}

func TestRepayPromotesDeltaFirst(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)
	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 100, 16)
	if err := eng.Withdraw(tokenDAI, alice, wad(100), 0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// Bob repays half; the borrow delta absorbs it before any unmatching.
	if err := eng.Repay(tokenDAI, bob, wad(50), 16); err != nil {
		t.Fatalf("repay: %v", err)
	}

	d := marketDelta(t, eng, tokenDAI)
	requireEq(t, d.P2PBorrowDelta, wad(50), "borrow delta halved")
	requireEq(t, d.P2PBorrowAmount, wad(50), "borrow amount halved")
	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.InP2P, wad(50), "bob remaining debt")
}

func TestSupplyPauseBlocksOperation(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)

	if err := eng.SetPauseFlags(tokenDAI, market.PauseFlags{Supply: true}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := eng.Supply(tokenDAI, alice, wad(100), 16)
	if !errors.Is(err, errSupplyPaused) {
		t.Fatalf("expected supply paused, got %v", err)
	}
	if !supplyBalance(t, eng, tokenDAI, alice).IsZero() {
		t.Fatal("paused supply must not mutate balances")
	}
}

func TestBorrowRequiresCollateral(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	seedPoolCash(t, p, tokenDAI, 1_000)

	err := eng.Borrow(tokenDAI, alice, wad(10), 16)
	if !errors.Is(err, errUnhealthyPosition) {
		t.Fatalf("expected unhealthy position, got %v", err)
	}
}

func TestIncreaseP2PDeltasClampsToHeadroom(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)
	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	mustBorrow(t, eng, tokenDAI, bob, 100, 16)

	maxUint := new(uint256.Int).Not(new(uint256.Int))
	applied, err := eng.IncreaseP2PDeltas(tokenDAI, maxUint)
	if err != nil {
		t.Fatalf("increase deltas: %v", err)
	}
	requireEq(t, applied, wad(100), "clamped to matched volume")

	d := marketDelta(t, eng, tokenDAI)
	requireEq(t, d.P2PSupplyDelta, wad(100), "supply delta")
	requireEq(t, d.P2PBorrowDelta, wad(100), "borrow delta")

	// A second increase finds no headroom left.
	applied, err = eng.IncreaseP2PDeltas(tokenDAI, wad(1))
	if err != nil {
		t.Fatalf("second increase: %v", err)
	}
	if !applied.IsZero() {
		t.Fatalf("expected zero headroom, applied %s", applied.Dec())
	}
}

func TestLiquidateRepaysAndSeizes(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenWETH, bob, 100, 16)
	mustBorrow(t, eng, tokenDAI, bob, 80, 16)

	// Collateral loses a fifth of its value; debt now exceeds the
	// liquidation threshold (100 * 0.8 * 85% = 68 < 80).
	orc.SetPrice(tokenWETH, uint256.MustFromDecimal("800000000000000000"))

	repaid, seized, err := eng.Liquidate(tokenDAI, tokenWETH, bob, wad(100))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Close factor caps the repayment at half the debt.
	requireEq(t, repaid, wad(40), "repaid")
	// 40 DAI at price 1 buys 50 WETH at 0.8, plus the 5% bonus.
	requireEq(t, seized, uint256.MustFromDecimal("52500000000000000000"), "seized")

	bobDebt := borrowBalance(t, eng, tokenDAI, bob)
	requireEq(t, bobDebt.OnPool, wad(40), "remaining debt")
	bobColl := supplyBalance(t, eng, tokenWETH, bob)
	requireEq(t, bobColl.OnPool, uint256.MustFromDecimal("47500000000000000000"), "remaining collateral")
}

func TestLiquidateHealthyBorrowerRejected(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)

	mustSupply(t, eng, tokenWETH, bob, 100, 16)
	mustBorrow(t, eng, tokenDAI, bob, 50, 16)

	_, _, err := eng.Liquidate(tokenDAI, tokenWETH, bob, wad(10))
	if !errors.Is(err, errNotLiquidatable) {
		t.Fatalf("expected not liquidatable, got %v", err)
	}
}

func TestRebuildRegistriesRestoresRanking(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)

	mustSupply(t, eng, tokenDAI, alice, 50, 16)
	mustSupply(t, eng, tokenDAI, bob, 80, 16)

	// Simulate a restart: a fresh engine over the same store.
	restarted, err := NewEngine(eng.state, p, orc)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	restarted.SetTimestamp(1)
	if err := restarted.RebuildRegistries(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	regs := restarted.marketRegistries(tokenDAI)
	head, ok := regs.suppliersOnPool.Head()
	if !ok || head != bob {
		t.Fatalf("expected bob at the head after rebuild, got %s (ok=%v)", head.Hex(), ok)
	}
	requireEq(t, regs.suppliersOnPool.ValueOf(alice), wad(50), "alice value")
}

// assertBalancedBooks checks that everything suppliers can claim equals the
// outstanding borrower debt plus the pool's idle cash, within a few wei of
// rounding.
func assertBalancedBooks(t *testing.T, eng *Engine, p *pool.Pool, token common.Address) {
	t.Helper()
	poolIdx, err := eng.state.GetPoolIndexes(token)
	if err != nil {
		t.Fatalf("pool indexes: %v", err)
	}
	if poolIdx == nil {
		poolIdx = &market.PoolIndexes{}
	}
	poolIdx.EnsureDefaults()
	p2pIdx, err := eng.state.GetP2PIndexes(token)
	if err != nil {
		t.Fatalf("p2p indexes: %v", err)
	}
	if p2pIdx == nil {
		p2pIdx = &market.P2PIndexes{}
	}
	p2pIdx.EnsureDefaults()

	var walkErr error
	claims := new(uint256.Int)
	err = eng.state.ForEachSupplyBalance(token, func(_ common.Address, b *market.Balance) bool {
		underlying, err := balanceUnderlying(b, poolIdx.SupplyIndex, p2pIdx.SupplyIndex)
		if err != nil {
			walkErr = err
			return false
		}
		claims.Add(claims, underlying)
		return true
	})
	if err == nil {
		err = walkErr
	}
	if err != nil {
		t.Fatalf("sum claims: %v", err)
	}
	debts := new(uint256.Int)
	err = eng.state.ForEachBorrowBalance(token, func(_ common.Address, b *market.Balance) bool {
		underlying, err := balanceUnderlying(b, poolIdx.BorrowIndex, p2pIdx.BorrowIndex)
		if err != nil {
			walkErr = err
			return false
		}
		debts.Add(debts, underlying)
		return true
	})
	if err == nil {
		err = walkErr
	}
	if err != nil {
		t.Fatalf("sum debts: %v", err)
	}
	cash, err := p.Cash(token)
	if err != nil {
		t.Fatalf("pool cash: %v", err)
	}

	backing := new(uint256.Int).Add(debts, cash)
	diff := new(uint256.Int)
	if claims.Cmp(backing) >= 0 {
		diff.Sub(claims, backing)
	} else {
		diff.Sub(backing, claims)
	}
	if diff.CmpUint64(4) > 0 {
		t.Fatalf("books out of balance for %s: claims %s, debts %s, cash %s",
			token.Hex(), claims.Dec(), debts.Dec(), cash.Dec())
	}
}

func TestAccrualKeepsClaimsBackedByDebtAndCash(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)
	mustSupply(t, eng, tokenWETH, bob, 200, 16)
	// 60 matched against alice, 20 residual pool debt.
	mustBorrow(t, eng, tokenDAI, bob, 60, 16)
	if err := eng.Borrow(tokenDAI, bob, wad(20), 0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	assertBalancedBooks(t, eng, p, tokenDAI)
	assertBalancedBooks(t, eng, p, tokenWETH)

	// A year of interest accrues into the pool and peer-to-peer indexes on
	// the next touch of the market.
	eng.SetTimestamp(1 + 31_536_000)
	if err := eng.SetReserveFactor(tokenDAI, 0); err != nil {
		t.Fatalf("refresh indexes: %v", err)
	}

	assertBalancedBooks(t, eng, p, tokenDAI)
}

func TestWithdrawRequiresPoolCash(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)

	mustSupply(t, eng, tokenDAI, alice, 100, 16)

	// A direct pool borrower takes most of the reserve's cash.
	if err := p.Borrow(tokenDAI, wad(70)); err != nil {
		t.Fatalf("pool borrow: %v", err)
	}

	err := eng.Withdraw(tokenDAI, alice, wad(50), 16)
	if !errors.Is(err, errPoolIlliquid) {
		t.Fatalf("expected pool illiquidity, got %v", err)
	}
	requireEq(t, supplyBalance(t, eng, tokenDAI, alice).OnPool, wad(100), "position untouched")

	// The remaining cash still serves a smaller withdrawal.
	if err := eng.Withdraw(tokenDAI, alice, wad(30), 16); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireEq(t, supplyBalance(t, eng, tokenDAI, alice).OnPool, wad(70), "pool leg drained")
}

func TestWithdrawGuardsPositionHealth(t *testing.T) {
	eng, p, orc := newTestEngine(t)
	listMarket(t, eng, p, orc, tokenDAI)
	listMarket(t, eng, p, orc, tokenWETH)
	seedPoolCash(t, p, tokenDAI, 1_000)
	seedPoolCash(t, p, tokenWETH, 1_000)

	mustSupply(t, eng, tokenWETH, bob, 100, 16)
	mustBorrow(t, eng, tokenDAI, bob, 80, 16)

	err := eng.Withdraw(tokenWETH, bob, wad(50), 16)
	if !errors.Is(err, errUnhealthyPosition) {
		t.Fatalf("expected unhealthy position, got %v", err)
	}
	requireEq(t, supplyBalance(t, eng, tokenWETH, bob).OnPool, wad(100), "collateral untouched")
}
