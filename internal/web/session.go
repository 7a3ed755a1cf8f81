package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/guard"
	"github.com/Sternrassler/episode-browser/pkg/metrics"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

// SessionCookie names the cookie carrying the session ID.
const SessionCookie = "episodes_session"

// Boundary names.
const (
	BoundaryApp  = "app"
	BoundaryDemo = "demo"
)

// Session is the server-side state of one browser.
type Session struct {
	ID       string
	Episodes *pagination.Controller[client.Episode]

	boundaries map[string]*guard.Boundary
	lastSeen   time.Time
}

// Boundary returns the named boundary, or nil.
func (s *Session) Boundary(name string) *guard.Boundary {
	return s.boundaries[name]
}

func (s *Session) close() {
	s.Episodes.Close()
}

// SessionFactory builds the state of a new session.
type SessionFactory func(id string) *Session

// SessionStore keeps sessions in memory and expires idle ones.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	factory  SessionFactory
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSessionStore creates an empty store.
func NewSessionStore(ttl time.Duration, factory SessionFactory, logger zerolog.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		factory:  factory,
		now:      time.Now,
		logger:   logger,
	}
}

// SetMaxSessions caps the number of live sessions. When the store is full
// the least recently seen session is evicted. Zero means no limit.
func (s *SessionStore) SetMaxSessions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = n
}

// Load returns the session named by the request cookie, creating one (and
// setting the cookie) when the cookie is missing, malformed or expired.
func (s *SessionStore) Load(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			if sess, ok := s.touch(c.Value); ok {
				return sess
			}
		}
	}

	id := uuid.NewString()
	sess := s.factory(id)
	sess.lastSeen = s.now()

	s.mu.Lock()
	evicted := s.evictLocked()
	limit := s.max
	s.sessions[id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))

	if evicted != nil {
		evicted.close()
		metrics.SessionEvictions.Inc()
		s.logger.Warn().
			Str("session_id", evicted.ID).
			Int("max_sessions", limit).
			Msg("Session store full - evicted least recently seen session")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.logger.Debug().Str("session_id", id).Msg("Session created")
	return sess
}

// evictLocked removes the least recently seen session when the store is at
// its limit and returns it for closing.
func (s *SessionStore) evictLocked() *Session {
	if s.max <= 0 || len(s.sessions) < s.max {
		return nil
	}
	var oldest *Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.lastSeen.Before(oldest.lastSeen) {
			oldest = sess
		}
	}
	delete(s.sessions, oldest.ID)
	return oldest
}

func (s *SessionStore) touch(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.lastSeen = s.now()
	}
	return sess, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the TTL and returns how many
// were removed.
func (s *SessionStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
	if len(expired) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		s.logger.Debug().Int("expired", len(expired)).Int("remaining", n).Msg("Swept idle sessions")
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close drops every session.
func (s *SessionStore) Close() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
	metrics.ActiveSessions.Set(0)
}
