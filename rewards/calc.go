// Package rewards distributes protocol reward emissions across the matching
// layer's pool-side positions and tracks claim settlement in a persistent
// ledger. Only pool-side balances earn external rewards; matched
// peer-to-peer liquidity sits outside the underlying protocol's emission
// programme.
package rewards

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// WeightEntry is a user's raw emission weight for one epoch, typically their
// time-averaged pool-side balance.
type WeightEntry struct {
	User   common.Address
	Weight *big.Int
}

// NormalizedWeights merges duplicate users, drops zero weights and returns a
// deterministically ordered slice alongside the aggregate weight.
func NormalizedWeights(weights []WeightEntry) ([]WeightEntry, *big.Int, error) {
	merged := make(map[common.Address]*big.Int)
	total := big.NewInt(0)
	for _, entry := range weights {
		if entry.Weight == nil || entry.Weight.Sign() == 0 {
			continue
		}
		if entry.Weight.Sign() < 0 {
			return nil, nil, errors.New("rewards: weight cannot be negative")
		}
		acc, ok := merged[entry.User]
		if !ok {
			acc = big.NewInt(0)
			merged[entry.User] = acc
		}
		acc.Add(acc, entry.Weight)
	}
	normalized := make([]WeightEntry, 0, len(merged))
	for user, weight := range merged {
		normalized = append(normalized, WeightEntry{User: user, Weight: new(big.Int).Set(weight)})
		total.Add(total, weight)
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].User.Cmp(normalized[j].User) < 0
	})
	return normalized, total, nil
}

// Share is one user's allocation out of an epoch's emission.
type Share struct {
	User   common.Address
	Amount *big.Int
}

// Distribution summarises an epoch emission split.
type Distribution struct {
	Shares        []Share
	TotalAssigned *big.Int
	Dust          *big.Int
}

// Split allocates the epoch emission across the weights. The rounding bucket
// balance is folded into the emission before splitting and leftover dust
// carries over to the next epoch, so the long-run totals match exactly.
func Split(emission *big.Int, weights []WeightEntry, bucket *RoundingBucket) (*Distribution, error) {
	if emission == nil {
		emission = big.NewInt(0)
	}
	if emission.Sign() < 0 {
		return nil, errors.New("rewards: emission cannot be negative")
	}
	normalized, totalWeight, err := NormalizedWeights(weights)
	if err != nil {
		return nil, err
	}
	pool := new(big.Int).Set(emission)
	if bucket != nil {
		pool = bucket.Apply(pool)
	}
	dist := &Distribution{
		Shares:        make([]Share, len(normalized)),
		TotalAssigned: big.NewInt(0),
		Dust:          big.NewInt(0),
	}
	if totalWeight.Sign() == 0 {
		if bucket != nil && pool.Sign() > 0 {
			bucket.AddDust(pool)
		}
		dist.Dust = new(big.Int).Set(pool)
		return dist, nil
	}
	for i, entry := range normalized {
		numerator := new(big.Int).Mul(pool, entry.Weight)
		quotient, _ := new(big.Int).DivMod(numerator, totalWeight, new(big.Int))
		dist.Shares[i] = Share{User: entry.User, Amount: quotient}
		dist.TotalAssigned.Add(dist.TotalAssigned, quotient)
	}
	dist.Dust.Sub(pool, dist.TotalAssigned)
	if dist.Dust.Sign() < 0 {
		dist.Dust.SetInt64(0)
	}
	if bucket != nil && dist.Dust.Sign() > 0 {
		bucket.AddDust(dist.Dust)
	}
	return dist, nil
}

// RoundingBucket carries rounding dust forward between epochs.
type RoundingBucket struct {
	mu    sync.Mutex
	carry *big.Int
}

// NewRoundingBucket constructs a bucket with zero balance.
func NewRoundingBucket() *RoundingBucket {
	return &RoundingBucket{carry: big.NewInt(0)}
}

// Apply folds the carried dust into the pool and resets the balance.
func (b *RoundingBucket) Apply(pool *big.Int) *big.Int {
	if b == nil {
		if pool == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(pool)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	result := big.NewInt(0)
	if pool != nil {
		result.Set(pool)
	}
	if b.carry != nil && b.carry.Sign() > 0 {
		result.Add(result, b.carry)
		b.carry.SetInt64(0)
	}
	return result
}

// AddDust accumulates leftover dust for future epochs.
func (b *RoundingBucket) AddDust(dust *big.Int) {
	if b == nil || dust == nil || dust.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.carry == nil {
		b.carry = big.NewInt(0)
	}
	b.carry.Add(b.carry, dust)
}

// Balance returns the current bucket balance.
func (b *RoundingBucket) Balance() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.carry == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(b.carry)
}

// EntryChecksum derives a deterministic idempotency key for a ledger entry.
func EntryChecksum(epoch uint64, market, user common.Address, amount *big.Int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	payload := make([]byte, 0, 8+2*common.AddressLength+len(amount.String()))
	epochBytes := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		epochBytes[7-i] = byte(epoch >> (i * 8))
	}
	payload = append(payload, epochBytes...)
	payload = append(payload, market.Bytes()...)
	payload = append(payload, user.Bytes()...)
	payload = append(payload, []byte(amount.String())...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
