// Package snapshot keeps the latest arrival snapshot per tracked stop.
package snapshot

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// Store is an in-memory snapshot table keyed by stop. Reads see either the
// full previous snapshot or the full new one, never a mix; snapshots are
// replaced whole under the write lock.
type Store struct {
	mu        sync.RWMutex
	snapshots map[transit.StopID]transit.Snapshot
	logger    zerolog.Logger
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		snapshots: make(map[transit.StopID]transit.Snapshot),
		logger:    log.With().Str("component", "snapshot").Logger(),
	}
}

// Get returns the stored snapshot for a stop, if any.
func (s *Store) Get(stopID transit.StopID) (transit.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[stopID]
	return snap, ok
}

// Put replaces the snapshot for a stop and returns the previous one. The
// second return is false on the first snapshot for the stop.
func (s *Store) Put(snap transit.Snapshot) (transit.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.snapshots[snap.StopID]
	s.snapshots[snap.StopID] = snap
	return previous, ok
}

// Delete drops the snapshot for a stop. Called when the last subscription
// for a stop goes away, so a later re-subscribe starts cold.
func (s *Store) Delete(stopID transit.StopID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[stopID]; ok {
		delete(s.snapshots, stopID)
		s.logger.Debug().Str("stop_id", string(stopID)).Msg("Snapshot dropped")
	}
}

// Len returns the number of stops with a stored snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
