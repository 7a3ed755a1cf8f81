// Package web serves the episode browser: server-rendered pages backed by
// per-session pagination state, plus a small JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/guard"
	"github.com/Sternrassler/episode-browser/pkg/logging"
	"github.com/Sternrassler/episode-browser/pkg/metrics"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

// DefaultMaxSessions is the session store limit when Options leaves it unset.
const DefaultMaxSessions = 10000

// Options configures a Server.
type Options struct {
	// Fetcher answers page queries. Required.
	Fetcher pagination.Fetcher[client.Episode]

	// Reporter receives caught render errors. Defaults to logging them.
	Reporter guard.Reporter

	// Ready reports whether dependencies are reachable. Optional.
	Ready func(ctx context.Context) error

	FaultDemo      bool
	SessionTTL     time.Duration
	FetchTimeout   time.Duration
	AllowedOrigins []string

	// MaxSessions caps the in-memory session store. Defaults to DefaultMaxSessions.
	MaxSessions int

	// LoadingGrace is how long a page request waits for an in-flight fetch
	// before falling back to the loading view.
	LoadingGrace time.Duration

	// RefreshSeconds is the auto-refresh interval of the loading view.
	RefreshSeconds int

	// Batch configures the full export.
	Batch pagination.Config

	Logger *zerolog.Logger
}

// Server is the HTTP surface.
type Server struct {
	opts     Options
	router   chi.Router
	sessions *SessionStore
	renderer pageRenderer
	logger   zerolog.Logger
}

// NewServer builds the router and session store.
func NewServer(opts Options) (*Server, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = pagination.DefaultFetchTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.RefreshSeconds <= 0 {
		opts.RefreshSeconds = 1
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Batch.MaxConcurrency <= 0 {
		opts.Batch = pagination.DefaultConfig()
	}

	logger := logging.NewLogger("web")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Reporter == nil {
		opts.Reporter = guard.NewLogReporter(logger)
	}

	s := &Server{
		opts:     opts,
		renderer: pageRenderer{faultDemo: opts.FaultDemo, refresh: opts.RefreshSeconds},
		logger:   logger,
	}
	s.sessions = NewSessionStore(opts.SessionTTL, s.newSession, logger)
	s.sessions.SetMaxSessions(opts.MaxSessions)
	s.router = s.routes()
	return s, nil
}

func (s *Server) newSession(id string) *Session {
	ctrl := pagination.NewController[client.Episode](
		context.Background(),
		s.opts.Fetcher,
		pagination.WithFetchTimeout(s.opts.FetchTimeout),
		pagination.WithLogger(s.logger.With().Str("session_id", id).Logger()),
	)
	ctrl.Start()

	boundaries := make(map[string]*guard.Boundary, 2)
	for _, name := range []string{BoundaryApp, BoundaryDemo} {
		boundaries[name] = guard.New(name,
			guard.WithReporter(s.opts.Reporter),
			guard.WithResetAction("/boundaries/"+name+"/reset"),
			guard.WithLogger(s.logger),
		)
	}

	return &Session{ID: id, Episodes: ctrl, boundaries: boundaries}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/page/next", s.handlePage(func(c *pagination.Controller[client.Episode]) bool { return c.Next() }))
	r.Post("/page/prev", s.handlePage(func(c *pagination.Controller[client.Episode]) bool { return c.Prev() }))
	r.Post("/boundaries/{name}/reset", s.handleReset)

	static, _ := fs.Sub(assets, "templates")
	r.Handle("/static/site.css", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Get("/episodes", s.handleAPIEpisodes)
		r.Get("/episodes/all", s.handleAPIAll)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Close drops all sessions and stops their fetches.
func (s *Server) Close() {
	s.sessions.Close()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Load(w, r)

	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			sess.Episodes.SetPage(n)
		}
	}

	view := sess.Episodes.Snapshot()
	if view.Status == pagination.StatusLoading && s.opts.LoadingGrace > 0 {
		timer := time.NewTimer(s.opts.LoadingGrace)
		select {
		case <-sess.Episodes.Settled():
		case <-timer.C:
		case <-r.Context().Done():
		}
		timer.Stop()
		view = sess.Episodes.Snapshot()
	}

	ctx := guard.WithMetadata(r.Context(), "request_id", middleware.GetReqID(r.Context()))
	ctx = guard.WithMetadata(ctx, "session_id", sess.ID)
	ctx = guard.WithMetadata(ctx, "page", strconv.Itoa(view.Page))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.renderer.render(ctx, w, sess, view); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to write page")
	}
}

func (s *Server) handlePage(move func(*pagination.Controller[client.Episode]) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions.Load(w, r)
		if !move(sess.Episodes) {
			s.logger.Debug().
				Str("session_id", sess.ID).
				Int("page", sess.Episodes.State().Page).
				Msg("Page change ignored at bound")
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess := s.sessions.Load(w, r)

	b := sess.Boundary(name)
	if b == nil {
		http.NotFound(w, r)
		return
	}
	b.Reset()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type apiError struct {
	Error string `json:"error"`
}

type apiAllResponse struct {
	Info    pagination.Info  `json:"info"`
	Results []client.Episode `json:"results"`
}

func (s *Server) handleAPIEpisodes(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "page must be a positive integer"})
			return
		}
		page = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.FetchTimeout)
	defer cancel()

	res, err := s.opts.Fetcher.FetchPage(ctx, page)
	if err != nil {
		s.logger.Warn().Err(err).Int("page", page).Msg("API page fetch failed")
		writeJSON(w, statusFor(err), apiError{Error: err.Error()})
		return
	}
	if res.Items == nil {
		res.Items = []client.Episode{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIAll(w http.ResponseWriter, r *http.Request) {
	bf := pagination.NewBatchFetcher(s.opts.Fetcher, s.opts.Batch)

	items, info, err := bf.FetchAll(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("API export failed")
		writeJSON(w, statusFor(err), apiError{Error: err.Error()})
		return
	}
	if items == nil {
		items = []client.Episode{}
	}
	writeJSON(w, http.StatusOK, apiAllResponse{Info: info, Results: items})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusFor maps upstream failures to a gateway status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, client.ErrContextCancelled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
