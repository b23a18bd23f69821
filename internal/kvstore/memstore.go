package kvstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

// MemStore is an in-memory Store with the same TTL and versioning semantics
// as FileStore. Used by tests and usable as a throwaway backend.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// NowFunc is the clock; tests override it to exercise expiry.
	NowFunc func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]memEntry),
		NowFunc: time.Now,
	}
}

func (s *MemStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Value: append([]byte(nil), e.value...), Version: e.version}, true, nil
}

func (s *MemStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := uint64(1)
	if cur, ok := s.getLocked(key); ok {
		version = cur.version + 1
	}
	s.putLocked(key, value, version, opts)
	return nil
}

func (s *MemStore) CheckAndPut(ctx context.Context, key string, value []byte, expect uint64, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getLocked(key)
	if !ok {
		if expect != 0 {
			return ErrVersionConflict
		}
		s.putLocked(key, value, 1, opts)
		return nil
	}
	if cur.version != expect {
		return ErrVersionConflict
	}
	s.putLocked(key, value, expect+1, opts)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemStore) getLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.NowFunc().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemStore) putLocked(key string, value []byte, version uint64, opts PutOptions) {
	e := memEntry{value: append([]byte(nil), value...), version: version}
	if opts.TTL > 0 {
		e.expiresAt = s.NowFunc().Add(opts.TTL)
	}
	s.entries[key] = e
}
