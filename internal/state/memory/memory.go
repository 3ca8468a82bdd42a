// Package memory is the in-process state store used by tests and
// single-binary deployments without redis.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/state"
)

var _ state.Store = (*Store)(nil)

type entry struct {
	flag      string
	completed map[string]struct{}
	failed    map[string]struct{}
	expiresAt time.Time
}

// Store keeps execution state in a mutex-guarded map and honors the TTL by
// treating expired entries as absent.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	now     func() time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[uuid.UUID]*entry),
		now:     time.Now,
	}
}

func (s *Store) Init(_ context.Context, executionID uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = state.DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, err := s.live(executionID); err == nil {
		e.expiresAt = s.now().Add(ttl)
		return nil
	}
	s.entries[executionID] = &entry{
		flag:      state.FlagRunning,
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *Store) SetStatusFlag(_ context.Context, executionID uuid.UUID, flag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.live(executionID)
	if err != nil {
		return err
	}
	e.flag = flag
	return nil
}

func (s *Store) StatusFlag(_ context.Context, executionID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.live(executionID)
	if err != nil {
		return "", err
	}
	return e.flag, nil
}

func (s *Store) AddCompleted(_ context.Context, executionID uuid.UUID, nodeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.live(executionID)
	if err != nil {
		return err
	}
	e.completed[nodeKey] = struct{}{}
	return nil
}

func (s *Store) AddFailed(_ context.Context, executionID uuid.UUID, nodeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.live(executionID)
	if err != nil {
		return err
	}
	e.failed[nodeKey] = struct{}{}
	return nil
}

func (s *Store) Snapshot(_ context.Context, executionID uuid.UUID) (*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.live(executionID)
	if err != nil {
		return nil, err
	}
	return &state.Snapshot{
		StatusFlag: e.flag,
		Completed:  sortedKeys(e.completed),
		Failed:     sortedKeys(e.failed),
	}, nil
}

func (s *Store) Clear(_ context.Context, executionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, executionID)
	return nil
}

// live must be called with the mutex held.
func (s *Store) live(executionID uuid.UUID) (*entry, error) {
	e, ok := s.entries[executionID]
	if !ok || s.now().After(e.expiresAt) {
		return nil, fmt.Errorf("execution state %s: %w", executionID, core.ErrNotFound)
	}
	return e, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
