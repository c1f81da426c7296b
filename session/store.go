package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CookieName is the cookie holding a browser's session id.
const CookieName = "yt_audit_session"

type Store struct {
	pipeline Pipeline

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(p Pipeline) *Store {
	return &Store{
		pipeline: p,
		sessions: make(map[string]*Session),
	}
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *Store) Create() *Session {
	s := newSession(uuid.NewString(), st.pipeline)

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	s.log.Debug("Session created")
	return s
}

// GetOrCreate returns the session for id, creating a new one when id is
// unknown. The boolean reports whether a session was created.
func (st *Store) GetOrCreate(id string) (*Session, bool) {
	if id != "" {
		if s, ok := st.Get(id); ok {
			return s, false
		}
	}
	return st.Create(), true
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Prune removes sessions that have not changed state for maxIdle. Sessions
// with a running operation are kept.
func (st *Store) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			s.Close()
			delete(st.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(st.sessions),
		}).Info("Pruned idle sessions")
	}
	return removed
}

// Close cancels every running operation, drops all sessions and waits for
// the operations to return or ctx to end.
func (st *Store) Close(ctx context.Context) {
	st.mu.Lock()
	closed := make([]*Session, 0, len(st.sessions))
	for id, s := range st.sessions {
		s.Close()
		delete(st.sessions, id)
		closed = append(closed, s)
	}
	st.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range closed {
			s.Wait()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logrus.WithField("sessions", len(closed)).Warn("Timed out waiting for session operations")
	}
}
