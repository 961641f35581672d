// Package mapping implements the in-memory fingerprint→backend map and its
// cached public-key records (spec §4.5). Every mutation is persisted through
// a Persister before Put returns, per spec §3's invariant that persistence
// happens-before the response announcing success.
package mapping

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smnsjas/agentmux"
)

// Persister writes the full, ordered set of mappings to durable storage.
// Implementations are expected to be atomic (spec §6: temp file + rename).
type Persister interface {
	Persist(mappings []agentmux.KeyMapping) error
}

// NopPersister discards writes; useful for tests.
type NopPersister struct{}

// Persist implements Persister.
func (NopPersister) Persist([]agentmux.KeyMapping) error { return nil }

// Store is the mapping store described in spec §4.5.
type Store struct {
	mu        sync.Mutex
	order     []agentmux.Fingerprint
	records   map[agentmux.Fingerprint]agentmux.KeyMapping
	persister Persister
	logger    *slog.Logger
}

// New creates a Store, seeding it from previously persisted records in
// their original order.
func New(records []agentmux.KeyMapping, persister Persister, logger *slog.Logger) *Store {
	s := &Store{
		records:   make(map[agentmux.Fingerprint]agentmux.KeyMapping, len(records)),
		persister: persister,
		logger:    logger,
	}
	for _, r := range records {
		s.order = append(s.order, r.Fingerprint)
		s.records[r.Fingerprint] = r
	}
	return s
}

// Get returns the backend mapped to fp, if any.
func (s *Store) Get(fp agentmux.Fingerprint) (backend string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return "", false
	}
	return rec.Backend, true
}

// CachedIdentities returns the identities reconstructable from cached
// blobs, in the order records were loaded/added, for seeding a merged
// listing without a backend round trip (spec §3, §4.7 startup step 1).
func (s *Store) CachedIdentities() []agentmux.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentmux.Identity
	for _, fp := range s.order {
		rec := s.records[fp]
		if len(rec.Blob) > 0 {
			out = append(out, agentmux.Identity{Blob: rec.Blob, Comment: rec.Comment})
		}
	}
	return out
}

// DistinctBackends returns the number of distinct backend names referenced
// by the store's mappings, used by router startup to decide whether a cold
// scan may be skipped (spec §4.7 startup step 2).
func (s *Store) DistinctBackends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, rec := range s.records {
		seen[rec.Backend] = struct{}{}
	}
	return len(seen)
}

// Put records that fp is served by backend, optionally updating the cached
// blob/comment, and persists the change. If the existing record already has
// the same backend and already has a cached blob, and the call passes no new
// blob, Put short-circuits without writing to disk.
func (s *Store) Put(fp agentmux.Fingerprint, backend string, blob []byte, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, had := s.records[fp]
	if had && existing.Backend == backend && len(existing.Blob) > 0 && len(blob) == 0 {
		return nil
	}

	rec := agentmux.KeyMapping{Fingerprint: fp, Backend: backend, Blob: existing.Blob, Comment: existing.Comment}
	if len(blob) > 0 {
		rec.Blob = blob
	}
	if comment != "" {
		rec.Comment = comment
	}

	s.records[fp] = rec
	if !had {
		s.order = append(s.order, fp)
	}

	if err := s.persister.Persist(s.snapshotLocked()); err != nil {
		s.logWarn("failed to persist mapping for %s: %v", fp, err)
		return fmt.Errorf("mapping: persist: %w", err)
	}
	return nil
}

// snapshotLocked returns the current records in insertion order. Caller
// must hold s.mu.
func (s *Store) snapshotLocked() []agentmux.KeyMapping {
	out := make([]agentmux.KeyMapping, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.records[fp])
	}
	return out
}

func (s *Store) logWarn(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}
