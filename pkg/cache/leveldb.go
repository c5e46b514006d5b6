package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage keeps caches on disk.
//
// Key layout:
//
//	s                       last sequence number (hex)
//	n:<name>                cache id (hex)
//	e:<id>:<request key>    gob(levelItem)
//	o:<id>:<seq>            request key, iterated in seq order
type LevelDBStorage struct {
	db *leveldb.DB

	mu     sync.Mutex
	seq    uint64
	closed bool
}

type levelItem struct {
	Seq   uint64
	Entry Entry
}

// OpenLevelDB opens (or creates) a storage at path.
func OpenLevelDB(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s, err := NewLevelDBStorage(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewLevelDBStorage wraps an open database. Close closes db.
func NewLevelDBStorage(db *leveldb.DB) (*LevelDBStorage, error) {
	if db == nil {
		panic("leveldb handle cannot be nil")
	}
	s := &LevelDBStorage{db: db}
	raw, err := db.Get([]byte("s"), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("leveldb read sequence: %w", err)
	default:
		seq, perr := strconv.ParseUint(string(raw), 16, 64)
		if perr != nil {
			return nil, fmt.Errorf("leveldb sequence %q: %w", raw, perr)
		}
		s.seq = seq
	}
	return s, nil
}

func hex16(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

func nameKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(id string) []byte { return []byte("e:" + id + ":") }
func orderPrefix(id string) []byte { return []byte("o:" + id + ":") }

func entryKey(id string, key RequestKey) []byte {
	return append(entryPrefix(id), key.String()...)
}

// nextSeq must be called with s.mu held. The new value is persisted by the
// caller's batch.
func (s *LevelDBStorage) nextSeq(batch *leveldb.Batch) uint64 {
	s.seq++
	batch.Put([]byte("s"), []byte(hex16(s.seq)))
	return s.seq
}

func (s *LevelDBStorage) lookupID(name string) (string, bool, error) {
	raw, err := s.db.Get(nameKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("leveldb get: %w", err)
	}
	return string(raw), true, nil
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	id, ok, err := s.lookupID(name)
	if err != nil {
		observe(backendLevelDB, "open", err)
		return nil, err
	}
	if !ok {
		batch := new(leveldb.Batch)
		id = hex16(s.nextSeq(batch))
		batch.Put(nameKey(name), []byte(id))
		if err := s.db.Write(batch, nil); err != nil {
			observe(backendLevelDB, "open", err)
			return nil, fmt.Errorf("leveldb create cache: %w", err)
		}
	}
	observe(backendLevelDB, "open", nil)
	return &levelCache{storage: s, name: name, id: id}, nil
}

func (s *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	_, ok, err := s.lookupID(name)
	return ok, err
}

// Names sorts by cache id, which is the creation sequence.
func (s *LevelDBStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	type named struct{ name, id string }
	var all []named
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	for it.Next() {
		all = append(all, named{
			name: string(bytes.TrimPrefix(it.Key(), []byte("n:"))),
			id:   string(it.Value()),
		})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate names: %w", err)
	}

	slices.SortFunc(all, func(a, b named) int { return strings.Compare(a.id, b.id) })
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names, nil
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	id, ok, err := s.lookupID(name)
	if err != nil || !ok {
		observe(backendLevelDB, "delete_cache", err)
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	for _, prefix := range [][]byte{entryPrefix(id), orderPrefix(id)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(bytes.Clone(it.Key()))
		}
		it.Release()
		if err := it.Error(); err != nil {
			observe(backendLevelDB, "delete_cache", err)
			return false, fmt.Errorf("leveldb iterate %s: %w", prefix, err)
		}
	}
	err = s.db.Write(batch, nil)
	observe(backendLevelDB, "delete_cache", err)
	if err != nil {
		return false, fmt.Errorf("leveldb delete cache: %w", err)
	}
	return true, nil
}

// Close closes the underlying database.
func (s *LevelDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type levelCache struct {
	storage *LevelDBStorage
	name    string
	id      string
}

func (c *levelCache) Name() string { return c.name }

// attached must be called with storage.mu held.
func (c *levelCache) attached() (bool, error) {
	if c.storage.closed {
		return false, ErrStorageClosed
	}
	id, ok, err := c.storage.lookupID(c.name)
	if err != nil {
		return false, err
	}
	return ok && id == c.id, nil
}

func (c *levelCache) get(key RequestKey) (*levelItem, error) {
	raw, err := c.storage.db.Get(entryKey(c.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	var item levelItem
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &item, nil
}

// dropOrder adds the removal of key's order record to batch. An entry that
// no longer decodes has lost its sequence, so the order range is scanned for
// it instead. It returns ErrCacheMiss when key is not stored.
func (c *levelCache) dropOrder(batch *leveldb.Batch, key RequestKey) error {
	old, err := c.get(key)
	switch {
	case err == nil:
		batch.Delete(append(orderPrefix(c.id), hex16(old.Seq)...))
		return nil
	case !errors.Is(err, ErrInvalidEntry):
		return err
	}

	member := []byte(key.String())
	it := c.storage.db.NewIterator(util.BytesPrefix(orderPrefix(c.id)), nil)
	for it.Next() {
		if bytes.Equal(it.Value(), member) {
			batch.Delete(bytes.Clone(it.Key()))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("leveldb iterate order: %w", err)
	}
	return nil
}

func (c *levelCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	if c.storage.closed {
		return nil, ErrStorageClosed
	}
	item, err := c.get(key)
	observe(backendLevelDB, "match", err)
	if err != nil {
		return nil, err
	}
	return &item.Entry, nil
}

func (c *levelCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()

	live, err := c.attached()
	if err != nil {
		observe(backendLevelDB, "put", err)
		return err
	}
	if !live {
		return nil
	}

	batch := new(leveldb.Batch)
	if err := c.dropOrder(batch, key); err != nil && !errors.Is(err, ErrCacheMiss) {
		observe(backendLevelDB, "put", err)
		return err
	}

	seq := c.storage.nextSeq(batch)
	item := levelItem{Seq: seq, Entry: *entry}
	item.Entry.Key = key
	if item.Entry.CachedAt.IsZero() {
		item.Entry.CachedAt = time.Now()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&item); err != nil {
		observe(backendLevelDB, "put", err)
		return fmt.Errorf("encode cache entry: %w", err)
	}
	batch.Put(entryKey(c.id, key), buf.Bytes())
	batch.Put(append(orderPrefix(c.id), hex16(seq)...), []byte(key.String()))

	err = c.storage.db.Write(batch, nil)
	observe(backendLevelDB, "put", err)
	if err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

func (c *levelCache) Keys(ctx context.Context) ([]RequestKey, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	if c.storage.closed {
		return nil, ErrStorageClosed
	}

	var keys []RequestKey
	it := c.storage.db.NewIterator(util.BytesPrefix(orderPrefix(c.id)), nil)
	for it.Next() {
		k, err := ParseRequestKey(string(it.Value()))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate keys: %w", err)
	}
	return keys, nil
}

func (c *levelCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	if c.storage.closed {
		return false, ErrStorageClosed
	}

	batch := new(leveldb.Batch)
	err := c.dropOrder(batch, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		observe(backendLevelDB, "delete", err)
		return false, err
	}
	batch.Delete(entryKey(c.id, key))
	err = c.storage.db.Write(batch, nil)
	observe(backendLevelDB, "delete", err)
	if err != nil {
		return false, fmt.Errorf("leveldb delete: %w", err)
	}
	return true, nil
}
