package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"morpho/storage"
)

// ClaimStatus is the settlement state of a reward ledger entry.
type ClaimStatus string

const (
	// ClaimStatusAccrued marks a reward that is ready to claim.
	ClaimStatusAccrued ClaimStatus = "accrued"
	// ClaimStatusClaimed marks a reward that has been settled.
	ClaimStatusClaimed ClaimStatus = "claimed"

	ledgerIndexKey       = "morpho/rewards/index"
	ledgerEntryKeyFormat = "morpho/rewards/%020d/%s/%s"
	defaultPageLimit     = 200
)

// Entry tracks one user's reward for one market and epoch.
type Entry struct {
	Epoch     uint64
	Market    common.Address
	User      common.Address
	Amount    *big.Int
	Status    ClaimStatus
	AccruedAt time.Time
	UpdatedAt time.Time
	ClaimedAt *time.Time
	TxRef     string
	Checksum  string
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		Epoch:     e.Epoch,
		Market:    e.Market,
		User:      e.User,
		Status:    e.Status,
		AccruedAt: e.AccruedAt,
		UpdatedAt: e.UpdatedAt,
		TxRef:     e.TxRef,
		Checksum:  e.Checksum,
	}
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		clone.ClaimedAt = &t
	}
	return clone
}

// Ledger persists reward entries and exposes filtered listings.
type Ledger struct {
	db storage.Database
	mu sync.RWMutex
}

// NewLedger wraps a key-value store with the reward entry codec.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

type storedEntry struct {
	Epoch     uint64
	Market    common.Address
	User      common.Address
	Amount    []byte
	Status    string
	AccruedAt uint64
	UpdatedAt uint64
	ClaimedAt uint64
	TxRef     string
	Checksum  string
}

type indexEntry struct {
	Epoch  uint64
	Market common.Address
	User   common.Address
}

func entryKey(epoch uint64, market, user common.Address) []byte {
	return []byte(fmt.Sprintf(ledgerEntryKeyFormat, epoch, market.Hex(), user.Hex()))
}

func (l *Ledger) put(entry *Entry, now time.Time) error {
	if entry == nil {
		return errors.New("rewards: nil entry")
	}
	if entry.Amount == nil || entry.Amount.Sign() < 0 {
		return errors.New("rewards: entry amount must be non-negative")
	}
	if entry.Status == "" {
		entry.Status = ClaimStatusAccrued
	}
	if entry.AccruedAt.IsZero() {
		entry.AccruedAt = now
	}
	entry.UpdatedAt = now
	encoded, err := rlp.EncodeToBytes(storedEntry{
		Epoch:     entry.Epoch,
		Market:    entry.Market,
		User:      entry.User,
		Amount:    entry.Amount.Bytes(),
		Status:    string(entry.Status),
		AccruedAt: uint64(entry.AccruedAt.Unix()),
		UpdatedAt: uint64(entry.UpdatedAt.Unix()),
		ClaimedAt: func() uint64 {
			if entry.ClaimedAt == nil {
				return 0
			}
			return uint64(entry.ClaimedAt.Unix())
		}(),
		TxRef:    entry.TxRef,
		Checksum: entry.Checksum,
	})
	if err != nil {
		return err
	}
	if err := l.db.Put(entryKey(entry.Epoch, entry.Market, entry.User), encoded); err != nil {
		return err
	}
	return l.ensureIndexEntry(entry.Epoch, entry.Market, entry.User)
}

func (l *Ledger) ensureIndexEntry(epoch uint64, market, user common.Address) error {
	index, err := l.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing.Epoch == epoch && existing.Market == market && existing.User == user {
			return nil
		}
	}
	index = append(index, indexEntry{Epoch: epoch, Market: market, User: user})
	return l.saveIndex(index)
}

func (l *Ledger) loadIndex() ([]indexEntry, error) {
	data, err := l.db.Get([]byte(ledgerIndexKey))
	if err != nil {
		return []indexEntry{}, nil
	}
	var index []indexEntry
	if err := rlp.DecodeBytes(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (l *Ledger) saveIndex(entries []indexEntry) error {
	encoded, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(ledgerIndexKey), encoded)
}

func (l *Ledger) get(epoch uint64, market, user common.Address) (*Entry, bool, error) {
	data, err := l.db.Get(entryKey(epoch, market, user))
	if err != nil {
		return nil, false, nil
	}
	var stored storedEntry
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	entry := &Entry{
		Epoch:     stored.Epoch,
		Market:    stored.Market,
		User:      stored.User,
		Status:    ClaimStatus(stored.Status),
		AccruedAt: time.Unix(int64(stored.AccruedAt), 0).UTC(),
		UpdatedAt: time.Unix(int64(stored.UpdatedAt), 0).UTC(),
		TxRef:     stored.TxRef,
		Checksum:  stored.Checksum,
	}
	if len(stored.Amount) == 0 {
		entry.Amount = big.NewInt(0)
	} else {
		entry.Amount = new(big.Int).SetBytes(stored.Amount)
	}
	if stored.ClaimedAt > 0 {
		ts := time.Unix(int64(stored.ClaimedAt), 0).UTC()
		entry.ClaimedAt = &ts
	}
	return entry, true, nil
}

// Put inserts or replaces a single ledger entry.
func (l *Ledger) Put(entry *Entry) error {
	if l == nil || l.db == nil {
		return errors.New("rewards: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	clone := entry.Clone()
	if clone == nil {
		return errors.New("rewards: nil entry")
	}
	if clone.Checksum == "" {
		clone.Checksum = EntryChecksum(clone.Epoch, clone.Market, clone.User, clone.Amount)
	}
	return l.put(clone, now)
}

// Record persists an epoch distribution for one market as accrued entries.
func (l *Ledger) Record(epoch uint64, market common.Address, dist *Distribution) error {
	if l == nil || l.db == nil {
		return errors.New("rewards: ledger not initialised")
	}
	if dist == nil {
		return errors.New("rewards: nil distribution")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	for _, share := range dist.Shares {
		if share.Amount == nil || share.Amount.Sign() == 0 {
			continue
		}
		entry := &Entry{
			Epoch:    epoch,
			Market:   market,
			User:     share.User,
			Amount:   new(big.Int).Set(share.Amount),
			Checksum: EntryChecksum(epoch, market, share.User, share.Amount),
		}
		if err := l.put(entry, now); err != nil {
			return err
		}
	}
	return nil
}

// Filter narrows and paginates ledger listings.
type Filter struct {
	Epoch  *uint64
	Market *common.Address
	User   *common.Address
	Status ClaimStatus
	Cursor string
	Limit  int
}

// List returns the entries matching the filter with the next page cursor.
func (l *Ledger) List(filter Filter) ([]*Entry, string, error) {
	if l == nil || l.db == nil {
		return nil, "", errors.New("rewards: ledger not initialised")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	index, err := l.loadIndex()
	if err != nil {
		return nil, "", err
	}
	entries := make([]*Entry, 0, len(index))
	for _, idx := range index {
		entry, ok, err := l.get(idx.Epoch, idx.Market, idx.User)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		if filter.Epoch != nil && entry.Epoch != *filter.Epoch {
			continue
		}
		if filter.Market != nil && entry.Market != *filter.Market {
			continue
		}
		if filter.User != nil && entry.User != *filter.User {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		if entries[i].Market != entries[j].Market {
			return entries[i].Market.Cmp(entries[j].Market) < 0
		}
		return entries[i].User.Cmp(entries[j].User) < 0
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	offset := 0
	if filter.Cursor != "" {
		off, err := strconv.Atoi(filter.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("rewards: invalid cursor: %w", err)
		}
		if off > 0 {
			offset = off
		}
	}
	if offset >= len(entries) {
		return []*Entry{}, "", nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	page := make([]*Entry, 0, end-offset)
	for i := offset; i < end; i++ {
		page = append(page, entries[i].Clone())
	}
	nextCursor := ""
	if end < len(entries) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

// ClaimReference identifies a ledger entry when settling rewards.
type ClaimReference struct {
	Market common.Address
	User   common.Address
	Amount *big.Int
}

// MarkClaimed settles the referenced entries when the amount matches and
// returns the number of transitions performed. Already claimed entries and
// amount mismatches are skipped.
func (l *Ledger) MarkClaimed(epoch uint64, refs []ClaimReference, txRef string, claimedAt time.Time) (int, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("rewards: ledger not initialised")
	}
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	updated := 0
	for _, ref := range refs {
		entry, ok, err := l.get(epoch, ref.Market, ref.User)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		if entry.Amount == nil || ref.Amount == nil || entry.Amount.Cmp(ref.Amount) != 0 {
			continue
		}
		if entry.Status == ClaimStatusClaimed {
			continue
		}
		entry.Status = ClaimStatusClaimed
		entry.TxRef = txRef
		entry.UpdatedAt = claimedAt
		ts := claimedAt
		entry.ClaimedAt = &ts
		if err := l.put(entry, claimedAt); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Get retrieves a single ledger entry if present.
func (l *Ledger) Get(epoch uint64, market, user common.Address) (*Entry, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, errors.New("rewards: ledger not initialised")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok, err := l.get(epoch, market, user)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Clone(), true, nil
}
