package tracking

import (
	"context"
	"sync"
	"time"

	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/subject"
)

// memStore mirrors PgStore semantics, including the one-active-session rule.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	saved    map[string]stream.Stats
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]Session{}, saved: map[string]stream.Stats{}}
}

func (m *memStore) Create(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if other.Subject == s.Subject && other.Active() {
			return Session{}, apperr.Conflict("subject already has an active tracking session")
		}
	}
	s.Status = Active
	s.CreatedAt = time.Now().UTC()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memStore) ByShareTokenHash(_ context.Context, hash string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ShareTokenHash != "" && s.ShareTokenHash == hash {
			return s, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (m *memStore) End(_ context.Context, id string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if !s.Active() {
		return s, false, nil
	}
	now := time.Now().UTC()
	s.Status = Ended
	s.EndedAt = &now
	m.sessions[id] = s
	return s, true, nil
}

func (m *memStore) SaveStats(_ context.Context, id string, stats stream.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[id] = stats
	s := m.sessions[id]
	s.PointCount = stats.Points
	s.TotalDistanceM = stats.DistanceM
	m.sessions[id] = s
	return nil
}

func (m *memStore) stats(id string) (stream.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[id]
	return s, ok
}

// fakeAuthz grants publish to publishers and observe to publishers and
// observers, on every subject.
type fakeAuthz struct {
	publishers map[string]bool
	observers  map[string]bool
	err        error
}

func (f *fakeAuthz) CanPublish(_ context.Context, userID string, _ subject.Subject) (bool, error) {
	return f.publishers[userID], f.err
}

func (f *fakeAuthz) CanObserve(_ context.Context, userID string, _ subject.Subject) (bool, error) {
	return f.publishers[userID] || f.observers[userID], f.err
}

func newFakeAuthz() *fakeAuthz {
	return &fakeAuthz{
		publishers: map[string]bool{"owner-1": true, "owner-2": true},
		observers:  map[string]bool{"viewer-1": true},
	}
}

var transport42 = subject.Subject{Type: subject.Transport, ID: "42"}

func newTestService(hub *stream.Hub) (*Service, *memStore) {
	store := newMemStore()
	svc := NewService(store, hub, newFakeAuthz(), Options{
		ShareBaseURL:        "https://track.example/s/",
		PollInterval:        20 * time.Second,
		MalformedMinSamples: 4,
		MalformedMaxRatio:   0.5,
	})
	return svc, store
}
