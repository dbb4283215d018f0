// Package session owns conversation state. Each session is guarded by a
// one-slot semaphore so that all work on one session is serialized while
// different sessions proceed in parallel.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardiotriage/backend/internal/models"
)

type entry struct {
	sem     chan struct{}
	session *models.Session
}

// Store is an in-memory session registry.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*entry
	byPatient map[string]string
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*entry),
		byPatient: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Resolve finds the session a request addresses. An empty id selects the
// patient's current session, creating one if needed. An unknown id is
// created under that id when patientID is set, otherwise it is a
// validation error. The returned flag reports whether a session was created.
func (s *Store) Resolve(id, patientID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		if patientID == "" {
			return "", false, models.NewValidationError("patient_id", "patient_id or session_id is required")
		}
		if existing, ok := s.byPatient[patientID]; ok {
			return existing, false, nil
		}
		id = uuid.NewString()
	} else if e, ok := s.sessions[id]; ok {
		if patientID != "" && e.session.PatientID != patientID {
			return "", false, models.NewValidationError("session_id", "session belongs to another patient")
		}
		return id, false, nil
	} else if patientID == "" {
		return "", false, models.NewValidationError("session_id", "unknown session")
	}

	now := s.now()
	s.sessions[id] = &entry{
		sem: make(chan struct{}, 1),
		session: &models.Session{
			ID:              id,
			PatientID:       patientID,
			OpenEscalations: make(map[string]struct{}),
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
	s.byPatient[patientID] = id
	return id, true, nil
}

// Update runs fn with exclusive access to the session. fn may block on
// collaborators; other sessions are unaffected. Waiting for the lock
// honours ctx.
func (s *Store) Update(ctx context.Context, id string, fn func(sess *models.Session) error) error {
	return s.locked(ctx, id, true, fn)
}

func (s *Store) locked(ctx context.Context, id string, touch bool, fn func(sess *models.Session) error) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return models.ErrSessionNotFound
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	// The session may have been expired while we waited.
	s.mu.Lock()
	current, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok || current != e {
		return models.ErrSessionNotFound
	}

	err := fn(e.session)
	if touch {
		e.session.UpdatedAt = s.now()
	}
	return err
}

// Append adds a turn, assigning its index and timestamp.
func (s *Store) Append(sess *models.Session, t models.Turn) models.Turn {
	t.Index = len(sess.Turns)
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	sess.Turns = append(sess.Turns, t)
	return t
}

// Get returns a copy of the session taken under its lock.
func (s *Store) Get(ctx context.Context, id string) (models.Session, error) {
	var out models.Session
	err := s.locked(ctx, id, false, func(sess *models.Session) error {
		out = sess.Clone()
		return nil
	})
	return out, err
}

// ForPatient returns the id of the patient's current session.
func (s *Store) ForPatient(patientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPatient[patientID]
	return id, ok
}

// Expire removes a session. It waits for in-flight work on it to finish.
func (s *Store) Expire(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return models.ErrSessionNotFound
	}
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id, e)
	return nil
}

// ExpireIdle removes sessions untouched for longer than ttl. Sessions that
// are busy or still hold an open escalation are kept.
func (s *Store) ExpireIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		select {
		case e.sem <- struct{}{}:
		default:
			continue
		}
		if e.session.UpdatedAt.Before(cutoff) && len(e.session.OpenEscalations) == 0 {
			s.remove(id, e)
			removed++
		}
		<-e.sem
	}
	return removed
}

func (s *Store) remove(id string, e *entry) {
	delete(s.sessions, id)
	if s.byPatient[e.session.PatientID] == id {
		delete(s.byPatient, e.session.PatientID)
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunJanitor expires idle sessions every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, ttl, interval time.Duration, onExpire func(n int)) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireIdle(ttl); n > 0 && onExpire != nil {
				onExpire(n)
			}
		}
	}
}
