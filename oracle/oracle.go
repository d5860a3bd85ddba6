// Package oracle supplies asset prices to the liquidity checks. Prices are
// wad-scaled amounts of the quote currency per unit of the asset.
package oracle

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrPriceUnavailable is returned when no price is known for an asset.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceSource is the read surface the engine consumes.
type PriceSource interface {
	AssetPrice(token common.Address) (*uint256.Int, error)
}

// Static is a deterministic in-memory price source for simulations.
type Static struct {
	mu     sync.RWMutex
	prices map[common.Address]*uint256.Int
}

// NewStatic returns an empty static oracle.
func NewStatic() *Static {
	return &Static{prices: make(map[common.Address]*uint256.Int)}
}

// SetPrice pins the wad-scaled price for an asset.
func (s *Static) SetPrice(token common.Address, price *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = new(uint256.Int).Set(price)
}

// AssetPrice returns the pinned price for an asset.
func (s *Static) AssetPrice(token common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[token]
	if !ok {
		return nil, ErrPriceUnavailable
	}
	return new(uint256.Int).Set(price), nil
}
