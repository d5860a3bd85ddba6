// Package storage persists the matching layer's durable state. A small
// key-value interface keeps the engine independent of the backend: an
// in-memory map for tests and simulations, LevelDB for runs that need to
// survive restarts.
package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrKeyNotFound is returned when a key has no stored value.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is the key-value store contract the state layer builds on.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// IteratePrefix visits every key sharing the prefix in ascending key
	// order; returning false from fn stops the walk.
	IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error
	// NewBatch starts a write set that Write applies in one shot.
	NewBatch() Batch
	Close()
}

// Batch stages puts and deletes; Write applies all of them atomically, so a
// failure never leaves a subset of the staged records behind.
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Write() error
}

// MemDB is the in-memory backend used by tests and one-shot simulations.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	db.mu.RLock()
	keys := make([]string, 0, len(db.data))
	for k := range db.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	db.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		db.mu.RLock()
		value, ok := db.data[k]
		db.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn([]byte(k), append([]byte(nil), value...)) {
			return nil
		}
	}
	return nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{db: db}
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {}

type memBatchOp struct {
	delete bool
	key    string
	value  []byte
}

type memBatch struct {
	db  *MemDB
	ops []memBatchOp
}

func (b *memBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memBatchOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memBatchOp{delete: true, key: string(key)})
}

// Write applies every staged operation under one lock acquisition.
func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, op.key)
			continue
		}
		b.db.data[op.key] = op.value
	}
	b.ops = nil
	return nil
}

// LevelDB is the persistent backend.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, ldberrors.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}

func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{db: ldb.db, batch: new(leveldb.Batch)}
}

func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key []byte, value []byte) {
	b.batch.Put(key, value)
}

func (b *levelBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

func (b *levelBatch) Write() error {
	err := b.db.Write(b.batch, nil)
	if err == nil {
		b.batch.Reset()
	}
	return err
}
