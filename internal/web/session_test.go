package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

func newTestStore(t *testing.T, ttl time.Duration) (*SessionStore, *time.Time) {
	t.Helper()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	factory := func(id string) *Session {
		ctrl := pagination.NewController[client.Episode](context.Background(), newFakeFetcher(1),
			pagination.WithLogger(zerolog.Nop()))
		return &Session{ID: id, Episodes: ctrl}
	}
	store := NewSessionStore(ttl, factory, zerolog.Nop())
	store.now = func() time.Time { return now }
	t.Cleanup(store.Close)
	return store, &now
}

func cookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestSessionStore_CreatesAndReuses(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	rec := httptest.NewRecorder()
	first := store.Load(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	c := cookieFrom(t, rec)
	assert.Equal(t, first.ID, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, "/", c.Path)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	second := store.Load(rec, req)

	assert.Same(t, first, second)
	assert.Empty(t, rec.Result().Cookies(), "existing session should not reset the cookie")
	assert.Equal(t, 1, store.Len())
}

func TestSessionStore_RejectsUnknownOrMalformedCookie(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	for _, value := range []string{"not-a-uuid", "0b5e3e5c-6f0e-4bb4-9b43-2a3e1f0c9d11"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: value})
		rec := httptest.NewRecorder()

		sess := store.Load(rec, req)
		assert.NotEqual(t, value, sess.ID)
		assert.Equal(t, sess.ID, cookieFrom(t, rec).Value)
	}
	assert.Equal(t, 2, store.Len())
}

func TestSessionStore_Sweep(t *testing.T) {
	store, now := newTestStore(t, 10*time.Minute)

	rec := httptest.NewRecorder()
	idle := store.Load(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	idleCookie := cookieFrom(t, rec)

	*now = now.Add(6 * time.Minute)
	rec = httptest.NewRecorder()
	active := store.Load(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	activeCookie := cookieFrom(t, rec)

	*now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())

	// the swept session's controller no longer fetches
	idle.Episodes.Start()
	idle.Episodes.Wait()
	assert.Equal(t, pagination.StatusLoading, idle.Episodes.Snapshot().Status)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(activeCookie)
	assert.Same(t, active, store.Load(httptest.NewRecorder(), req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(idleCookie)
	assert.NotSame(t, idle, store.Load(httptest.NewRecorder(), req))
}

func TestSessionStore_EvictsLeastRecentlySeenWhenFull(t *testing.T) {
	store, now := newTestStore(t, time.Hour)
	store.SetMaxSessions(2)

	load := func(c *http.Cookie) (*Session, *http.Cookie) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if c != nil {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		sess := store.Load(rec, req)
		if c == nil {
			c = cookieFrom(t, rec)
		}
		return sess, c
	}

	oldest, oldestCookie := load(nil)
	*now = now.Add(time.Minute)
	kept, keptCookie := load(nil)
	*now = now.Add(time.Minute)
	// touching the oldest makes kept the least recently seen
	load(oldestCookie)
	*now = now.Add(time.Minute)
	load(nil)

	assert.Equal(t, 2, store.Len())

	// the evicted session's controller no longer fetches
	kept.Episodes.Start()
	kept.Episodes.Wait()
	assert.Equal(t, pagination.StatusLoading, kept.Episodes.Snapshot().Status)

	again, _ := load(oldestCookie)
	assert.Same(t, oldest, again)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(keptCookie)
	assert.NotSame(t, kept, store.Load(httptest.NewRecorder(), req))
	assert.Equal(t, 2, store.Len())
}

func TestServer_CookielessRequestsStayBounded(t *testing.T) {
	logger := zerolog.Nop()
	srv, err := NewServer(Options{Fetcher: newFakeFetcher(1), MaxSessions: 3, Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, srv.Sessions().Len())
}

func TestSessionStore_RunStopsWithContext(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Run did not return after cancel")
	}
}

func TestSession_Boundary(t *testing.T) {
	logger := zerolog.Nop()
	srv, err := NewServer(Options{Fetcher: newFakeFetcher(1), Logger: &logger})
	require.NoError(t, err)
	defer srv.Close()

	sess := srv.newSession("id")
	assert.NotNil(t, sess.Boundary(BoundaryApp))
	assert.NotNil(t, sess.Boundary(BoundaryDemo))
	assert.Nil(t, sess.Boundary("other"))
	sess.close()
}
