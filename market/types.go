// Package market defines the per-market state tracked by the matching
// layer: market parameters, the last observed pool indexes, the peer-to-peer
// indexes derived from them, the delta bookkeeping and per-user balances.
package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"morpho/wadray"
)

// PauseFlags exposes fine-grained switches for pausing individual market flows.
type PauseFlags struct {
	Supply    bool
	Borrow    bool
	Withdraw  bool
	Repay     bool
	Liquidate bool
}

// Market captures the governance-controlled parameters of one listed asset.
// A market is created iff Underlying is non-zero; uncreated markets reject
// every operation.
type Market struct {
	// Underlying is the asset this market wraps.
	Underlying common.Address
	// ReserveFactorBps is the share of the peer-to-peer spread routed to the
	// protocol, in basis points.
	ReserveFactorBps uint64
	// P2PIndexCursorBps positions the peer-to-peer rate between the pool
	// supply and borrow rates, in basis points.
	P2PIndexCursorBps uint64
	// LtvBps is the maximum loan-to-value ratio backing new borrows.
	LtvBps uint64
	// LiquidationThresholdBps is the LTV at which positions become
	// liquidatable.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the collateral discount granted to liquidators.
	LiquidationBonusBps uint64
	// Pauses toggles individual user flows.
	Pauses PauseFlags
}

// Created reports whether the market has been initialised.
func (m *Market) Created() bool {
	return m != nil && m.Underlying != (common.Address{})
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// PoolIndexes records the pool exchange indexes observed at the last update,
// ray scaled. They are the baseline for growth-factor computation.
type PoolIndexes struct {
	LastUpdate  uint64
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
}

// Clone returns a deep copy of the pool indexes.
func (p *PoolIndexes) Clone() *PoolIndexes {
	if p == nil {
		return nil
	}
	clone := &PoolIndexes{LastUpdate: p.LastUpdate}
	if p.SupplyIndex != nil {
		clone.SupplyIndex = new(uint256.Int).Set(p.SupplyIndex)
	}
	if p.BorrowIndex != nil {
		clone.BorrowIndex = new(uint256.Int).Set(p.BorrowIndex)
	}
	return clone
}

// EnsureDefaults initialises nil indexes to one ray.
func (p *PoolIndexes) EnsureDefaults() {
	if p.SupplyIndex == nil || p.SupplyIndex.IsZero() {
		p.SupplyIndex = new(uint256.Int).Set(wadray.Ray)
	}
	if p.BorrowIndex == nil || p.BorrowIndex.IsZero() {
		p.BorrowIndex = new(uint256.Int).Set(wadray.Ray)
	}
}

// P2PIndexes convert peer-to-peer balance units into underlying amounts,
// ray scaled. They never decrease under normal operation.
type P2PIndexes struct {
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
}

// Clone returns a deep copy of the peer-to-peer indexes.
func (p *P2PIndexes) Clone() *P2PIndexes {
	if p == nil {
		return nil
	}
	clone := &P2PIndexes{}
	if p.SupplyIndex != nil {
		clone.SupplyIndex = new(uint256.Int).Set(p.SupplyIndex)
	}
	if p.BorrowIndex != nil {
		clone.BorrowIndex = new(uint256.Int).Set(p.BorrowIndex)
	}
	return clone
}

// EnsureDefaults initialises nil indexes to one ray.
func (p *P2PIndexes) EnsureDefaults() {
	if p.SupplyIndex == nil || p.SupplyIndex.IsZero() {
		p.SupplyIndex = new(uint256.Int).Set(wadray.Ray)
	}
	if p.BorrowIndex == nil || p.BorrowIndex.IsZero() {
		p.BorrowIndex = new(uint256.Int).Set(wadray.Ray)
	}
}

// Delta tracks the mismatch between the nominal peer-to-peer book and the
// liquidity actually matched with a counterparty. Deltas are expressed in
// pool units, amounts in peer-to-peer units.
type Delta struct {
	P2PSupplyDelta  *uint256.Int
	P2PBorrowDelta  *uint256.Int
	P2PSupplyAmount *uint256.Int
	P2PBorrowAmount *uint256.Int
}

// Clone returns a deep copy of the delta bookkeeping.
func (d *Delta) Clone() *Delta {
	if d == nil {
		return nil
	}
	clone := &Delta{}
	if d.P2PSupplyDelta != nil {
		clone.P2PSupplyDelta = new(uint256.Int).Set(d.P2PSupplyDelta)
	}
	if d.P2PBorrowDelta != nil {
		clone.P2PBorrowDelta = new(uint256.Int).Set(d.P2PBorrowDelta)
	}
	if d.P2PSupplyAmount != nil {
		clone.P2PSupplyAmount = new(uint256.Int).Set(d.P2PSupplyAmount)
	}
	if d.P2PBorrowAmount != nil {
		clone.P2PBorrowAmount = new(uint256.Int).Set(d.P2PBorrowAmount)
	}
	return clone
}

// EnsureDefaults initialises nil fields to zero.
func (d *Delta) EnsureDefaults() {
	if d.P2PSupplyDelta == nil {
		d.P2PSupplyDelta = new(uint256.Int)
	}
	if d.P2PBorrowDelta == nil {
		d.P2PBorrowDelta = new(uint256.Int)
	}
	if d.P2PSupplyAmount == nil {
		d.P2PSupplyAmount = new(uint256.Int)
	}
	if d.P2PBorrowAmount == nil {
		d.P2PBorrowAmount = new(uint256.Int)
	}
}

// Balance is a user's position on one side of a market. OnPool is a scaled
// pool unit, InP2P a peer-to-peer unit; the underlying amount is
// OnPool*poolIndex + InP2P*p2pIndex.
type Balance struct {
	OnPool *uint256.Int
	InP2P  *uint256.Int
}

// Clone returns a deep copy of the balance.
func (b *Balance) Clone() *Balance {
	if b == nil {
		return nil
	}
	clone := &Balance{}
	if b.OnPool != nil {
		clone.OnPool = new(uint256.Int).Set(b.OnPool)
	}
	if b.InP2P != nil {
		clone.InP2P = new(uint256.Int).Set(b.InP2P)
	}
	return clone
}

// EnsureDefaults initialises nil fields to zero.
func (b *Balance) EnsureDefaults() {
	if b.OnPool == nil {
		b.OnPool = new(uint256.Int)
	}
	if b.InP2P == nil {
		b.InP2P = new(uint256.Int)
	}
}

// IsZero reports whether both sides of the balance are empty.
func (b *Balance) IsZero() bool {
	if b == nil {
		return true
	}
	return (b.OnPool == nil || b.OnPool.IsZero()) && (b.InP2P == nil || b.InP2P.IsZero())
}
