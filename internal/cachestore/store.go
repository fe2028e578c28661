// Package cachestore implements the three-mode, disk-backed cache
// described in the spec: atomic create-temp-then-rename writes, a
// mode-aware read policy, and per-key write coalescing.
package cachestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"providerproxy/internal/codec"
	"providerproxy/internal/config"
)

// Recorder receives cache outcome events for metrics. Implementations
// must be safe for concurrent use.
type Recorder interface {
	RecordCacheResult(hit bool)
	RecordCacheWrite(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheResult(bool)    {}
func (noopRecorder) RecordCacheWrite(string) {}

// Store is the on-disk, mode-aware key/response store.
type Store struct {
	basePath  string
	mode      config.Mode
	startTime time.Time
	recorder  Recorder

	writeGroup singleflight.Group
}

// New creates the cache directory (recursively) and returns a Store
// bound to it.
func New(basePath string, mode config.Mode, startTime time.Time, recorder Recorder) (*Store, error) {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: create cache dir: %w", err)
	}
	return &Store{basePath: basePath, mode: mode, startTime: startTime, recorder: recorder}, nil
}

// Path returns the on-disk path for a given host/hash pair.
func (s *Store) Path(host, hash string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s-%s", host, hash))
}

// ShouldWrite reports whether a cache miss should be persisted under
// the store's configured mode.
func (s *Store) ShouldWrite() bool {
	return s.mode != config.ReadOnly
}

// Lookup attempts to serve host/hash from disk. It returns hit=false
// (not an error) for an ordinary cache miss or a stale ReadOldWriteNew
// entry; it returns a non-nil error only for a corrupt or unreadable
// file that exists and is otherwise eligible to serve, per the spec's
// strict-failure policy on corrupt cache entries.
func (s *Store) Lookup(host, hash string) (codec.ResponseDocument, bool, error) {
	path := s.Path(host, hash)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.recorder.RecordCacheResult(false)
			return codec.ResponseDocument{}, false, nil
		}
		return codec.ResponseDocument{}, false, fmt.Errorf("cachestore: stat %s: %w", path, err)
	}

	if s.mode == config.ReadOldWriteNew && info.ModTime().After(s.startTime) {
		s.recorder.RecordCacheResult(false)
		return codec.ResponseDocument{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return codec.ResponseDocument{}, false, fmt.Errorf("provider-proxy: Failed to read cache entry: %w", err)
	}
	var doc codec.ResponseDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return codec.ResponseDocument{}, false, fmt.Errorf("provider-proxy: Failed to read cache entry: corrupt json in %s: %w", path, err)
	}
	s.recorder.RecordCacheResult(true)
	return doc, true, nil
}

// Save atomically persists doc at host/hash: write to a sibling temp
// file on the same filesystem, then rename into place. Concurrent
// saves for the same key are coalesced with singleflight so that a
// burst of identical misses performs one disk write instead of N
// redundant ones; concurrent saves for distinct keys proceed fully in
// parallel, and whichever rename for a given key lands last wins, per
// the spec's "final-rename-wins is acceptable" race policy.
func (s *Store) Save(host, hash string, doc codec.ResponseDocument) error {
	key := host + "-" + hash
	_, err, _ := s.writeGroup.Do(key, func() (interface{}, error) {
		err := s.atomicWrite(s.Path(host, hash), doc)
		if err != nil {
			s.recorder.RecordCacheWrite("error")
		} else {
			s.recorder.RecordCacheWrite("ok")
		}
		return nil, err
	})
	return err
}

func (s *Store) atomicWrite(finalPath string, doc codec.ResponseDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cachestore: marshal response: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".tmp-cache-*")
	if err != nil {
		return fmt.Errorf("cachestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cachestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cachestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("cachestore: rename temp file into place: %w", err)
	}
	return nil
}
