package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"morpho/market"
)

const (
	marketKeyFormat        = "morpho/market/%s"
	poolIndexesKeyFormat   = "morpho/pool-indexes/%s"
	p2pIndexesKeyFormat    = "morpho/p2p-indexes/%s"
	deltaKeyFormat         = "morpho/delta/%s"
	supplyBalanceKeyFormat = "morpho/supply-balance/%s/%s"
	borrowBalanceKeyFormat = "morpho/borrow-balance/%s/%s"

	marketKeyPrefix        = "morpho/market/"
	supplyBalanceKeyPrefix = "morpho/supply-balance/%s/"
	borrowBalanceKeyPrefix = "morpho/borrow-balance/%s/"
)

// Store persists markets, indexes, deltas and balances as RLP records on a
// Database.
type Store struct {
	db Database
}

// NewStore wraps a database with the market state codec.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

type marketRecord struct {
	Underlying              common.Address
	ReserveFactorBps        uint64
	P2PIndexCursorBps       uint64
	LtvBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	SupplyPaused            bool
	BorrowPaused            bool
	WithdrawPaused          bool
	RepayPaused             bool
	LiquidatePaused         bool
}

type poolIndexesRecord struct {
	LastUpdate  uint64
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
}

type p2pIndexesRecord struct {
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
}

type deltaRecord struct {
	P2PSupplyDelta  *uint256.Int
	P2PBorrowDelta  *uint256.Int
	P2PSupplyAmount *uint256.Int
	P2PBorrowAmount *uint256.Int
}

type balanceRecord struct {
	OnPool *uint256.Int
	InP2P  *uint256.Int
}

func newMarketRecord(m *market.Market) marketRecord {
	return marketRecord{
		Underlying:              m.Underlying,
		ReserveFactorBps:        m.ReserveFactorBps,
		P2PIndexCursorBps:       m.P2PIndexCursorBps,
		LtvBps:                  m.LtvBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		SupplyPaused:            m.Pauses.Supply,
		BorrowPaused:            m.Pauses.Borrow,
		WithdrawPaused:          m.Pauses.Withdraw,
		RepayPaused:             m.Pauses.Repay,
		LiquidatePaused:         m.Pauses.Liquidate,
	}
}

func newPoolIndexesRecord(p *market.PoolIndexes) poolIndexesRecord {
	return poolIndexesRecord{
		LastUpdate:  p.LastUpdate,
		SupplyIndex: p.SupplyIndex,
		BorrowIndex: p.BorrowIndex,
	}
}

func newP2PIndexesRecord(p *market.P2PIndexes) p2pIndexesRecord {
	return p2pIndexesRecord{SupplyIndex: p.SupplyIndex, BorrowIndex: p.BorrowIndex}
}

func newDeltaRecord(d *market.Delta) deltaRecord {
	return deltaRecord{
		P2PSupplyDelta:  d.P2PSupplyDelta,
		P2PBorrowDelta:  d.P2PBorrowDelta,
		P2PSupplyAmount: d.P2PSupplyAmount,
		P2PBorrowAmount: d.P2PBorrowAmount,
	}
}

func encodeRecord(key string, record interface{}) ([]byte, error) {
	raw, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return raw, nil
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key string, record interface{}) error {
	raw, err := encodeRecord(key, record)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), raw)
}

// GetMarket loads a market by underlying token, nil when unknown.
func (s *Store) GetMarket(token common.Address) (*market.Market, error) {
	var rec marketRecord
	ok, err := s.get(fmt.Sprintf(marketKeyFormat, token.Hex()), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.Market{
		Underlying:              rec.Underlying,
		ReserveFactorBps:        rec.ReserveFactorBps,
		P2PIndexCursorBps:       rec.P2PIndexCursorBps,
		LtvBps:                  rec.LtvBps,
		LiquidationThresholdBps: rec.LiquidationThresholdBps,
		LiquidationBonusBps:     rec.LiquidationBonusBps,
		Pauses: market.PauseFlags{
			Supply:    rec.SupplyPaused,
			Borrow:    rec.BorrowPaused,
			Withdraw:  rec.WithdrawPaused,
			Repay:     rec.RepayPaused,
			Liquidate: rec.LiquidatePaused,
		},
	}, nil
}

// PutMarket stores a market keyed by its underlying token.
func (s *Store) PutMarket(m *market.Market) error {
	return s.put(fmt.Sprintf(marketKeyFormat, m.Underlying.Hex()), newMarketRecord(m))
}

// ListMarkets returns every stored market's underlying token.
func (s *Store) ListMarkets() ([]common.Address, error) {
	var tokens []common.Address
	err := s.db.IteratePrefix([]byte(marketKeyPrefix), func(key, value []byte) bool {
		var rec marketRecord
		if err := rlp.DecodeBytes(value, &rec); err == nil {
			tokens = append(tokens, rec.Underlying)
		}
		return true
	})
	return tokens, err
}

// GetPoolIndexes loads the last observed pool indexes, nil when absent.
func (s *Store) GetPoolIndexes(token common.Address) (*market.PoolIndexes, error) {
	var rec poolIndexesRecord
	ok, err := s.get(fmt.Sprintf(poolIndexesKeyFormat, token.Hex()), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.PoolIndexes{
		LastUpdate:  rec.LastUpdate,
		SupplyIndex: rec.SupplyIndex,
		BorrowIndex: rec.BorrowIndex,
	}, nil
}

// PutPoolIndexes stores the pool indexes for a market.
func (s *Store) PutPoolIndexes(token common.Address, p *market.PoolIndexes) error {
	return s.put(fmt.Sprintf(poolIndexesKeyFormat, token.Hex()), newPoolIndexesRecord(p))
}

// GetP2PIndexes loads the peer-to-peer indexes, nil when absent.
func (s *Store) GetP2PIndexes(token common.Address) (*market.P2PIndexes, error) {
	var rec p2pIndexesRecord
	ok, err := s.get(fmt.Sprintf(p2pIndexesKeyFormat, token.Hex()), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.P2PIndexes{SupplyIndex: rec.SupplyIndex, BorrowIndex: rec.BorrowIndex}, nil
}

// PutP2PIndexes stores the peer-to-peer indexes for a market.
func (s *Store) PutP2PIndexes(token common.Address, p *market.P2PIndexes) error {
	return s.put(fmt.Sprintf(p2pIndexesKeyFormat, token.Hex()), newP2PIndexesRecord(p))
}

// GetDelta loads the delta bookkeeping, nil when absent.
func (s *Store) GetDelta(token common.Address) (*market.Delta, error) {
	var rec deltaRecord
	ok, err := s.get(fmt.Sprintf(deltaKeyFormat, token.Hex()), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.Delta{
		P2PSupplyDelta:  rec.P2PSupplyDelta,
		P2PBorrowDelta:  rec.P2PBorrowDelta,
		P2PSupplyAmount: rec.P2PSupplyAmount,
		P2PBorrowAmount: rec.P2PBorrowAmount,
	}, nil
}

// PutDelta stores the delta bookkeeping for a market.
func (s *Store) PutDelta(token common.Address, d *market.Delta) error {
	return s.put(fmt.Sprintf(deltaKeyFormat, token.Hex()), newDeltaRecord(d))
}

// GetSupplyBalance loads a supplier position; absent positions read as zero.
func (s *Store) GetSupplyBalance(token common.Address, user common.Address) (*market.Balance, error) {
	return s.getBalance(fmt.Sprintf(supplyBalanceKeyFormat, token.Hex(), user.Hex()))
}

// PutSupplyBalance stores a supplier position, removing emptied records.
func (s *Store) PutSupplyBalance(token common.Address, user common.Address, b *market.Balance) error {
	return s.putBalance(fmt.Sprintf(supplyBalanceKeyFormat, token.Hex(), user.Hex()), b)
}

// GetBorrowBalance loads a borrower position; absent positions read as zero.
func (s *Store) GetBorrowBalance(token common.Address, user common.Address) (*market.Balance, error) {
	return s.getBalance(fmt.Sprintf(borrowBalanceKeyFormat, token.Hex(), user.Hex()))
}

// PutBorrowBalance stores a borrower position, removing emptied records.
func (s *Store) PutBorrowBalance(token common.Address, user common.Address, b *market.Balance) error {
	return s.putBalance(fmt.Sprintf(borrowBalanceKeyFormat, token.Hex(), user.Hex()), b)
}

// ForEachSupplyBalance walks every supplier position of a market.
func (s *Store) ForEachSupplyBalance(token common.Address, fn func(user common.Address, b *market.Balance) bool) error {
	return s.forEachBalance(fmt.Sprintf(supplyBalanceKeyPrefix, token.Hex()), fn)
}

// ForEachBorrowBalance walks every borrower position of a market.
func (s *Store) ForEachBorrowBalance(token common.Address, fn func(user common.Address, b *market.Balance) bool) error {
	return s.forEachBalance(fmt.Sprintf(borrowBalanceKeyPrefix, token.Hex()), fn)
}

func (s *Store) getBalance(key string) (*market.Balance, error) {
	var rec balanceRecord
	ok, err := s.get(key, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		b := &market.Balance{}
		b.EnsureDefaults()
		return b, nil
	}
	b := &market.Balance{OnPool: rec.OnPool, InP2P: rec.InP2P}
	b.EnsureDefaults()
	return b, nil
}

func (s *Store) putBalance(key string, b *market.Balance) error {
	if b.IsZero() {
		return s.db.Delete([]byte(key))
	}
	return s.put(key, balanceRecord{OnPool: b.OnPool, InP2P: b.InP2P})
}

// StateBatch stages the writes of one state transition; Commit lands every
// staged record in a single database write, so a mid-transition failure
// never leaves a subset of them behind.
type StateBatch interface {
	PutMarket(m *market.Market) error
	PutPoolIndexes(token common.Address, p *market.PoolIndexes) error
	PutP2PIndexes(token common.Address, p *market.P2PIndexes) error
	PutDelta(token common.Address, d *market.Delta) error
	PutSupplyBalance(token common.Address, user common.Address, b *market.Balance) error
	PutBorrowBalance(token common.Address, user common.Address, b *market.Balance) error
	Commit() error
}

// Batch starts an atomic write set over the store.
func (s *Store) Batch() StateBatch {
	return &storeBatch{batch: s.db.NewBatch()}
}

type storeBatch struct {
	batch Batch
}

func (b *storeBatch) put(key string, record interface{}) error {
	raw, err := encodeRecord(key, record)
	if err != nil {
		return err
	}
	b.batch.Put([]byte(key), raw)
	return nil
}

func (b *storeBatch) putBalance(key string, bal *market.Balance) error {
	if bal.IsZero() {
		b.batch.Delete([]byte(key))
		return nil
	}
	return b.put(key, balanceRecord{OnPool: bal.OnPool, InP2P: bal.InP2P})
}

func (b *storeBatch) PutMarket(m *market.Market) error {
	return b.put(fmt.Sprintf(marketKeyFormat, m.Underlying.Hex()), newMarketRecord(m))
}

func (b *storeBatch) PutPoolIndexes(token common.Address, p *market.PoolIndexes) error {
	return b.put(fmt.Sprintf(poolIndexesKeyFormat, token.Hex()), newPoolIndexesRecord(p))
}

func (b *storeBatch) PutP2PIndexes(token common.Address, p *market.P2PIndexes) error {
	return b.put(fmt.Sprintf(p2pIndexesKeyFormat, token.Hex()), newP2PIndexesRecord(p))
}

func (b *storeBatch) PutDelta(token common.Address, d *market.Delta) error {
	return b.put(fmt.Sprintf(deltaKeyFormat, token.Hex()), newDeltaRecord(d))
}

func (b *storeBatch) PutSupplyBalance(token common.Address, user common.Address, bal *market.Balance) error {
	return b.putBalance(fmt.Sprintf(supplyBalanceKeyFormat, token.Hex(), user.Hex()), bal)
}

func (b *storeBatch) PutBorrowBalance(token common.Address, user common.Address, bal *market.Balance) error {
	return b.putBalance(fmt.Sprintf(borrowBalanceKeyFormat, token.Hex(), user.Hex()), bal)
}

func (b *storeBatch) Commit() error {
	return b.batch.Write()
}

func (s *Store) forEachBalance(prefix string, fn func(user common.Address, b *market.Balance) bool) error {
	return s.db.IteratePrefix([]byte(prefix), func(key, value []byte) bool {
		var rec balanceRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return true
		}
		user := common.HexToAddress(string(key[len(prefix):]))
		b := &market.Balance{OnPool: rec.OnPool, InP2P: rec.InP2P}
		b.EnsureDefaults()
		return fn(user, b)
	})
}
