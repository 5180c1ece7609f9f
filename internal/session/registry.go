// Package session holds the authoritative in-process game sessions.
//
// The Registry lives from process start to shutdown. Every mutation of one
// user's session runs under that session's lock, so two rounds for the same
// user never interleave. Sessions of different users are independent.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/trustgame/internal/domain"
)

type entry struct {
	mu      sync.Mutex
	session *domain.GameSession
	deleted bool
}

// Registry maps user ids to game sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create registers a new session. It fails with ErrAlreadyExists if the user
// already has one.
func (r *Registry) Create(s *domain.GameSession) error {
	if s == nil || s.UserID == "" {
		return fmt.Errorf("%w: session without user id", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.UserID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, s.UserID)
	}
	r.entries[s.UserID] = &entry{session: s.Clone()}
	return nil
}

// Get returns a copy of the user's session.
func (r *Registry) Get(userID string) (*domain.GameSession, error) {
	var out *domain.GameSession
	err := r.with(userID, func(s *domain.GameSession) error {
		out = s.Clone()
		return nil
	})
	return out, err
}

// Update runs fn on the user's session under its lock. Changes made by fn
// are kept only if it returns nil.
func (r *Registry) Update(userID string, fn func(s *domain.GameSession) error) error {
	return r.with(userID, func(s *domain.GameSession) error {
		draft := s.Clone()
		if err := fn(draft); err != nil {
			return err
		}
		*s = *draft
		return nil
	})
}

// AppendRound adds a completed round and reports whether the horizon has
// been reached. It fails with ErrHorizonExceeded if the history is full.
func (r *Registry) AppendRound(userID string, rec domain.RoundRecord) (bool, error) {
	var finished bool
	err := r.with(userID, func(s *domain.GameSession) error {
		if len(s.History) >= s.Setup.Horizon {
			return fmt.Errorf("%w: %s already played %d rounds", domain.ErrHorizonExceeded, userID, len(s.History))
		}
		s.History = append(s.History, rec)
		finished = s.Finished()
		return nil
	})
	return finished, err
}

// AdvanceStatus moves the session to status. Moving to the same or an
// earlier status is a no-op.
func (r *Registry) AdvanceStatus(userID string, status domain.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	return r.with(userID, func(s *domain.GameSession) error {
		if s.Status.CanAdvanceTo(status) {
			s.Status = status
		}
		return nil
	})
}

// IsFinished reports whether the user's history reached the horizon.
func (r *Registry) IsFinished(userID string) (bool, error) {
	var finished bool
	err := r.with(userID, func(s *domain.GameSession) error {
		finished = s.Finished()
		return nil
	})
	return finished, err
}

// Delete removes the user's session. Deleting an unknown user is a no-op.
func (r *Registry) Delete(userID string) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	delete(r.entries, userID)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

// Users returns the ids of all active sessions in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) with(userID string, fn func(s *domain.GameSession) error) error {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrUnknownUser
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.ErrUnknownUser
	}
	return fn(e.session)
}
