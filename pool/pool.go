// Package pool provides the in-memory stand-in for the underlying pooled
// lending protocol. The matching layer treats it as a ledger and an index
// oracle: it supplies, withdraws, borrows and repays underlying amounts and
// reads the ray-scaled supply and borrow indexes the pool accrues over time.
package pool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/wadray"
)

var (
	ErrReserveNotFound  = errors.New("pool: reserve not listed")
	ErrInsufficientCash = errors.New("pool: insufficient cash")
	ErrInsufficientDebt = errors.New("pool: repay exceeds outstanding debt")
	ErrAmountOutOfRange = errors.New("pool: amount exceeds index range")
	ErrTimestampRewound = errors.New("pool: accrual timestamp went backwards")
)

const secondsPerYear = 31_536_000

type reserve struct {
	supplyIndex   *uint256.Int
	borrowIndex   *uint256.Int
	lastAccrual   uint64
	totalSupplied *big.Int
	totalBorrowed *big.Int
	cash          *big.Int
}

// Pool simulates the pooled protocol for every listed reserve.
type Pool struct {
	mu       sync.Mutex
	model    *RateModel
	reserves map[common.Address]*reserve
}

// New constructs a pool using the given rate model, falling back to the
// default kinked curve when nil.
func New(model *RateModel) *Pool {
	if model == nil {
		model = DefaultRateModel
	}
	return &Pool{
		model:    model.Clone(),
		reserves: make(map[common.Address]*reserve),
	}
}

// ListReserve registers an underlying asset with fresh unit indexes.
func (p *Pool) ListReserve(token common.Address, createdAt uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserves[token]; ok {
		return
	}
	p.reserves[token] = &reserve{
		supplyIndex:   new(uint256.Int).Set(wadray.Ray),
		borrowIndex:   new(uint256.Int).Set(wadray.Ray),
		lastAccrual:   createdAt,
		totalSupplied: big.NewInt(0),
		totalBorrowed: big.NewInt(0),
		cash:          big.NewInt(0),
	}
}

// Accrue advances the reserve's indexes to the given timestamp using linear
// per-second interest at the model's current rates.
func (p *Pool) Accrue(token common.Address, timestamp uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return ErrReserveNotFound
	}
	if timestamp < r.lastAccrual {
		return ErrTimestampRewound
	}
	elapsed := timestamp - r.lastAccrual
	if elapsed == 0 {
		return nil
	}
	r.lastAccrual = timestamp
	if r.totalBorrowed.Sign() == 0 {
		return nil
	}

	borrowRate := p.model.BorrowRate(r.totalBorrowed, r.totalSupplied)
	supplyRate := p.model.SupplyRate(r.totalBorrowed, r.totalSupplied)

	borrowFactor, err := rateFactor(borrowRate, elapsed)
	if err != nil {
		return err
	}
	supplyFactor, err := rateFactor(supplyRate, elapsed)
	if err != nil {
		return err
	}

	if r.borrowIndex, err = wadray.RayMul(r.borrowIndex, borrowFactor); err != nil {
		return err
	}
	if r.supplyIndex, err = wadray.RayMul(r.supplyIndex, supplyFactor); err != nil {
		return err
	}

	// Interest grows debt and deposits alike; cash is untouched.
	borrowInterest := computeInterest(r.totalBorrowed, borrowRate, elapsed)
	supplyInterest := computeInterest(r.totalSupplied, supplyRate, elapsed)
	r.totalBorrowed = new(big.Int).Add(r.totalBorrowed, borrowInterest)
	r.totalSupplied = new(big.Int).Add(r.totalSupplied, supplyInterest)
	return nil
}

// Indexes returns the current ray-scaled supply and borrow indexes.
func (p *Pool) Indexes(token common.Address) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return nil, nil, ErrReserveNotFound
	}
	return new(uint256.Int).Set(r.supplyIndex), new(uint256.Int).Set(r.borrowIndex), nil
}

// Cash returns the idle liquidity available for withdrawal or borrowing.
func (p *Pool) Cash(token common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return nil, ErrReserveNotFound
	}
	cash, overflow := uint256.FromBig(r.cash)
	if overflow {
		return nil, ErrAmountOutOfRange
	}
	return cash, nil
}

// Supply deposits underlying into the reserve.
func (p *Pool) Supply(token common.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return ErrReserveNotFound
	}
	value := amount.ToBig()
	r.cash = new(big.Int).Add(r.cash, value)
	r.totalSupplied = new(big.Int).Add(r.totalSupplied, value)
	return nil
}

// Withdraw removes underlying from the reserve, bounded by available cash.
func (p *Pool) Withdraw(token common.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return ErrReserveNotFound
	}
	value := amount.ToBig()
	if r.cash.Cmp(value) < 0 {
		return ErrInsufficientCash
	}
	r.cash = new(big.Int).Sub(r.cash, value)
	r.totalSupplied = new(big.Int).Sub(r.totalSupplied, value)
	return nil
}

// Borrow draws underlying debt against the reserve's cash.
func (p *Pool) Borrow(token common.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return ErrReserveNotFound
	}
	value := amount.ToBig()
	if r.cash.Cmp(value) < 0 {
		return ErrInsufficientCash
	}
	r.cash = new(big.Int).Sub(r.cash, value)
	r.totalBorrowed = new(big.Int).Add(r.totalBorrowed, value)
	return nil
}

// Repay settles outstanding reserve debt.
func (p *Pool) Repay(token common.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[token]
	if !ok {
		return ErrReserveNotFound
	}
	value := amount.ToBig()
	if r.totalBorrowed.Cmp(value) < 0 {
		return ErrInsufficientDebt
	}
	r.cash = new(big.Int).Add(r.cash, value)
	r.totalBorrowed = new(big.Int).Sub(r.totalBorrowed, value)
	return nil
}

func rateFactor(rate *big.Rat, elapsed uint64) (*uint256.Int, error) {
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(uint256.Int).Set(wadray.Ray), nil
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetUint64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetUint64(elapsed))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perSecond)
	return ratToRay(factor)
}

func ratToRay(r *big.Rat) (*uint256.Int, error) {
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(wadray.Ray.ToBig()))
	num := scaled.Num()
	den := scaled.Denom()
	half := new(big.Int).Rsh(den, 1)
	value := new(big.Int).Quo(new(big.Int).Add(num, half), den)
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrAmountOutOfRange
	}
	return out, nil
}

func computeInterest(principal *big.Int, rate *big.Rat, elapsed uint64) *big.Int {
	if principal == nil || principal.Sign() == 0 || rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetUint64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetUint64(elapsed))
	interest := new(big.Rat).Mul(perSecond, new(big.Rat).SetInt(principal))
	half := new(big.Int).Rsh(interest.Denom(), 1)
	return new(big.Int).Quo(new(big.Int).Add(interest.Num(), half), interest.Denom())
}
