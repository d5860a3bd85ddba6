package pool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/wadray"
)

var dai = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

func TestAccrueGrowsIndexes(t *testing.T) {
	p := New(NewRateModel(0, 1, 0, 1))
	p.ListReserve(dai, 0)
	if err := p.Supply(dai, uint256.NewInt(1000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := p.Borrow(dai, uint256.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := p.Accrue(dai, secondsPerYear); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	supplyIndex, borrowIndex, err := p.Indexes(dai)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}

	// Borrow rate at 50% utilisation with slope1=1 is 0.5/year, so the
	// borrow index grows 1.5x over a year.
	wantBorrow := new(uint256.Int).Mul(wadray.Ray, uint256.NewInt(3))
	wantBorrow.Div(wantBorrow, uint256.NewInt(2))
	if borrowIndex.Cmp(wantBorrow) != 0 {
		t.Fatalf("unexpected borrow index: got %s want %s", borrowIndex, wantBorrow)
	}

	// Supply rate is borrowRate * U = 0.25/year.
	wantSupply := new(uint256.Int).Mul(wadray.Ray, uint256.NewInt(5))
	wantSupply.Div(wantSupply, uint256.NewInt(4))
	if supplyIndex.Cmp(wantSupply) != 0 {
		t.Fatalf("unexpected supply index: got %s want %s", supplyIndex, wantSupply)
	}
}

func TestAccrueWithoutBorrowsLeavesIndexes(t *testing.T) {
	p := New(nil)
	p.ListReserve(dai, 0)
	if err := p.Supply(dai, uint256.NewInt(1000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := p.Accrue(dai, secondsPerYear); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	supplyIndex, borrowIndex, err := p.Indexes(dai)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	if supplyIndex.Cmp(wadray.Ray) != 0 || borrowIndex.Cmp(wadray.Ray) != 0 {
		t.Fatalf("expected unit indexes, got %s / %s", supplyIndex, borrowIndex)
	}
}

func TestCashBoundsWithdrawAndBorrow(t *testing.T) {
	p := New(nil)
	p.ListReserve(dai, 0)
	if err := p.Supply(dai, uint256.NewInt(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := p.Withdraw(dai, uint256.NewInt(150)); err != ErrInsufficientCash {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	if err := p.Borrow(dai, uint256.NewInt(60)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	cash, err := p.Cash(dai)
	if err != nil {
		t.Fatalf("cash: %v", err)
	}
	if cash.Uint64() != 40 {
		t.Fatalf("unexpected cash: %s", cash)
	}
	if err := p.Repay(dai, uint256.NewInt(100)); err != ErrInsufficientDebt {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
	if err := p.Repay(dai, uint256.NewInt(60)); err != nil {
		t.Fatalf("repay: %v", err)
	}
}

func TestRateModelKink(t *testing.T) {
	model := NewRateModel(0.02, 0.1, 1.0, 0.5)
	below := model.BorrowRate(big.NewInt(25), big.NewInt(100))
	atKink := model.BorrowRate(big.NewInt(50), big.NewInt(100))
	above := model.BorrowRate(big.NewInt(90), big.NewInt(100))

	if below.Cmp(atKink) >= 0 || atKink.Cmp(above) >= 0 {
		t.Fatalf("borrow rate must increase with utilisation: %v %v %v", below, atKink, above)
	}

	// Above the kink the marginal slope is steeper.
	kinkRate := new(big.Rat).Add(new(big.Rat).SetFloat64(0.02), new(big.Rat).SetFloat64(0.05))
	if atKink.Cmp(kinkRate) != 0 {
		t.Fatalf("unexpected kink rate: got %v want %v", atKink, kinkRate)
	}
}
