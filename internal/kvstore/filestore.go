package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	fileStoreDirPerm  = 0o700
	fileStoreFilePerm = 0o600
)

var validKey = regexp.MustCompile(`^[a-z0-9_:-]+$`)

// envelope is the on-disk form of an entry. ExpiresAt is epoch milliseconds,
// zero when the entry never expires.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// FileStore keeps one JSON file per key under a single directory. Writes go
// through a temp file and rename so a crash never leaves a half-written
// entry. Expiry is enforced at read time; expired files are removed
// opportunistically.
type FileStore struct {
	dir string

	mu  sync.Mutex
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("kvstore: empty dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, fileStoreDirPerm); err != nil {
		return nil, fmt.Errorf("kvstore: ensure dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, strings.ReplaceAll(key, ":", ".")+".json"), nil
}

func (s *FileStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	path, err := s.path(key)
	if err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok, err := s.readLocked(path)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{Value: append([]byte(nil), env.Value...), Version: env.Version}, true, nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.readLocked(path)
	if err != nil {
		return err
	}
	version := uint64(1)
	if ok {
		version = cur.Version + 1
	}
	return s.writeLocked(path, value, version, opts)
}

func (s *FileStore) CheckAndPut(ctx context.Context, key string, value []byte, expect uint64, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.readLocked(path)
	if err != nil {
		return err
	}
	if !ok {
		if expect != 0 {
			return ErrVersionConflict
		}
		return s.writeLocked(path, value, 1, opts)
	}
	if cur.Version != expect {
		return ErrVersionConflict
	}
	return s.writeLocked(path, value, expect+1, opts)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) readLocked(path string) (envelope, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return envelope{}, false, nil
		}
		return envelope{}, false, fmt.Errorf("kvstore: read %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, false, fmt.Errorf("kvstore: decode %s: %w", path, err)
	}
	if env.ExpiresAt > 0 && s.now().UnixMilli() >= env.ExpiresAt {
		_ = os.Remove(path)
		return envelope{}, false, nil
	}
	return env, true, nil
}

func (s *FileStore) writeLocked(path string, value []byte, version uint64, opts PutOptions) error {
	env := envelope{Value: value, Version: version}
	if opts.TTL > 0 {
		env.ExpiresAt = s.now().Add(opts.TTL).UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("kvstore: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	defer cleanup()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("kvstore: write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("kvstore: sync temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(fileStoreFilePerm); err != nil {
		return fmt.Errorf("kvstore: chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvstore: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("kvstore: rename temp for %s: %w", path, err)
	}
	return nil
}
