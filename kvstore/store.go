// Package kvstore provides a small string-keyed store backed by one JSON document per
// namespace. The in-memory mapping is authoritative; the file on disk trails it and is only
// read once, when the namespace is opened.
//
// Writes are coalesced: at most one write per namespace is in flight, and any number of
// persist requests that arrive while it runs collapse into a single trailing write that
// serialises whatever the mapping holds at that later time.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/onnwee/discord-relay/telemetry"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".kv-*.json.tmp"
)

type writeState int

const (
	stateIdle writeState = iota
	stateWriting
	statePendingRewrite
)

func (s writeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWriting:
		return "writing"
	case statePendingRewrite:
		return "pending_rewrite"
	default:
		return "unknown"
	}
}

// Store is a namespace of JSON-serialisable values keyed by string.
type Store[T any] struct {
	namespace string
	path      string

	mu   sync.RWMutex
	data map[string]T

	wmu   sync.Mutex
	wcond *sync.Cond
	state writeState

	// write replaces the file; swapped in tests to observe in-flight writes.
	write func(path string, data []byte) error
}

// Open loads the namespace document from dir. A missing document yields an empty store.
// A document that is not a JSON object of the expected shape is logged and also treated
// as empty; it will be overwritten by the next persisted write.
func Open[T any](dir, namespace string) *Store[T] {
	s := &Store[T]{
		namespace: namespace,
		path:      filepath.Join(dir, namespace+".json"),
		data:      make(map[string]T),
		write:     writeFileAtomic,
	}
	s.wcond = sync.NewCond(&s.wmu)

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("kv namespace not found; starting empty", slog.String("namespace", namespace), slog.String("component", "kvstore"))
		return s
	case err != nil:
		slog.Warn("kv namespace unreadable; starting empty", slog.String("namespace", namespace), slog.Any("err", err), slog.String("component", "kvstore"))
		return s
	}

	var loaded map[string]T
	if err := json.Unmarshal(raw, &loaded); err != nil {
		slog.Warn("kv namespace malformed; starting empty", slog.String("namespace", namespace), slog.Any("err", err), slog.String("component", "kvstore"))
		return s
	}
	for k, v := range loaded {
		s.data[k] = v
	}
	slog.Info("kv namespace loaded", slog.String("namespace", namespace), slog.Int("entries", len(s.data)), slog.String("component", "kvstore"))
	return s
}

// Namespace returns the namespace name.
func (s *Store[T]) Namespace() string { return s.namespace }

// Path returns the document path.
func (s *Store[T]) Path() string { return s.path }

// Get returns the value stored under key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key. It does not persist; call RequestPersist afterwards.
func (s *Store[T]) Set(key string, value T) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Delete removes key. Deleting an absent key is a no-op. It does not persist.
func (s *Store[T]) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns the keys in sorted order.
func (s *Store[T]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the mapping.
func (s *Store[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]T, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// RequestPersist schedules a write-back and returns immediately.
//
// idle -> writing starts a writer goroutine. writing -> pending_rewrite records that one more
// write is owed. A request in pending_rewrite is absorbed by the write already owed.
func (s *Store[T]) RequestPersist() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	switch s.state {
	case stateIdle:
		s.state = stateWriting
		go s.writeLoop()
	case stateWriting:
		s.state = statePendingRewrite
	case statePendingRewrite:
	}
}

// Wait blocks until no write is in flight or owed, or ctx is done.
func (s *Store[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wmu.Lock()
		for s.state != stateIdle {
			s.wcond.Wait()
		}
		s.wmu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store[T]) writeLoop() {
	for {
		if err := s.flush(); err != nil {
			telemetry.RecordStoreWrite(s.namespace, err)
			slog.Error("kv write failed", slog.String("namespace", s.namespace), slog.Any("err", err), slog.String("component", "kvstore"))
		} else {
			telemetry.RecordStoreWrite(s.namespace, nil)
		}

		s.wmu.Lock()
		if s.state == statePendingRewrite {
			s.state = stateWriting
			s.wmu.Unlock()
			continue
		}
		s.state = stateIdle
		s.wcond.Broadcast()
		s.wmu.Unlock()
		return
	}
}

func (s *Store[T]) flush() error {
	s.mu.RLock()
	data, err := json.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.namespace, err)
	}
	return s.write(s.path, data)
}

// writeFileAtomic replaces path via a temp file in the same directory and a rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	cleanup = false
	return nil
}
