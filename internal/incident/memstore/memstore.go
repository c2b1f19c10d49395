// Package memstore provides an in-memory incident.Store. Suitable for dev
// mode and tests; state does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// Store holds incidents in memory with an open-fingerprint index.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident // incident ID -> record
	open      map[string]string           // fingerprint -> open incident ID
}

// New initializes an empty in-memory store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*models.Incident),
		open:      make(map[string]string),
	}
}

// Put stores a copy of the incident and maintains the fingerprint index.
func (s *Store) Put(_ context.Context, in *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[in.ID] = in.Clone()
	if in.Open() {
		s.open[in.Fingerprint] = in.ID
	} else if s.open[in.Fingerprint] == in.ID {
		delete(s.open, in.Fingerprint)
	}
	return nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*models.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

// OpenByFingerprint retrieves the open incident for a fingerprint, if any.
func (s *Store) OpenByFingerprint(_ context.Context, fingerprint string) (*models.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[fingerprint]
	if !ok {
		return nil, false, nil
	}
	return s.incidents[id].Clone(), true, nil
}

// ListOpen returns copies of all open incidents, oldest first.
func (s *Store) ListOpen(_ context.Context) ([]*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Incident, 0, len(s.incidents))
	for _, in := range s.incidents {
		if in.Open() {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
