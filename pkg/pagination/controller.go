package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/episode-browser/pkg/logging"
)

var (
	paginationFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagination_fetches_total",
		Help: "Page fetches resolved by the pagination controller by outcome",
	}, []string{"status"})

	paginationStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagination_stale_responses_total",
		Help: "Responses discarded because the user had already left their page",
	})
)

// DefaultFetchTimeout bounds a single page fetch.
const DefaultFetchTimeout = 15 * time.Second

// Fetcher is a paged query source.
type Fetcher[T any] interface {
	FetchPage(ctx context.Context, page int) (Page[T], error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[T any] func(ctx context.Context, page int) (Page[T], error)

// FetchPage calls f.
func (f FetcherFunc[T]) FetchPage(ctx context.Context, page int) (Page[T], error) {
	return f(ctx, page)
}

// Status is the view state of the current page.
type Status int

const (
	StatusLoading Status = iota
	StatusFailed
	StatusLoaded
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusFailed:
		return "failed"
	case StatusLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// View is a consistent copy of the controller state for rendering.
type View[T any] struct {
	Page   int
	Total  int
	Status Status
	Items  []T
	Info   *Info
	Err    error

	PrevDisabled bool
	NextDisabled bool
	// Empty is true when the current page loaded with zero items.
	Empty bool
}

type options struct {
	timeout     time.Duration
	logger      zerolog.Logger
	initialPage int
}

// Option configures a Controller.
type Option func(*options)

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInitialPage starts the controller at page p instead of 1.
func WithInitialPage(p int) Option {
	return func(o *options) { o.initialPage = p }
}

// Controller drives the current page and its query lifecycle.
type Controller[T any] struct {
	fetcher Fetcher[T]
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	state  State
	status Status
	items  []T
	info   *Info
	err    error
	closed bool

	// settled is closed once the current page has loaded or failed
	settled     chan struct{}
	settledDone bool

	wg sync.WaitGroup
}

// NewController creates a controller at page 1 (or the initial page option).
// Fetches run under ctx until Close is called.
func NewController[T any](ctx context.Context, fetcher Fetcher[T], opts ...Option) *Controller[T] {
	o := options{
		timeout:     DefaultFetchTimeout,
		logger:      logging.NewLogger("pagination"),
		initialPage: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cctx, cancel := context.WithCancel(ctx)
	return &Controller[T]{
		fetcher: fetcher,
		ctx:     cctx,
		cancel:  cancel,
		timeout: o.timeout,
		logger:  o.logger,
		state:   NewState().Goto(o.initialPage),
		status:  StatusLoading,
		settled: make(chan struct{}),
	}
}

// Start issues the fetch for the current page.
func (c *Controller[T]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchLocked()
}

// Next moves one page forward and fetches it.
// It returns false, without fetching, at the last known page.
func (c *Controller[T]) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(c.state.Next())
}

// Prev moves one page back and fetches it.
// It returns false, without fetching, at page 1.
func (c *Controller[T]) Prev() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(c.state.Prev())
}

// SetPage jumps to page p. Before the page count is known p is taken
// optimistically and reconciled once the response arrives.
func (c *Controller[T]) SetPage(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(c.state.Goto(p))
}

func (c *Controller[T]) moveLocked(next State) bool {
	if next == c.state {
		return false
	}
	c.state = next
	c.fetchLocked()
	return true
}

func (c *Controller[T]) fetchLocked() {
	if c.closed {
		return
	}
	c.status = StatusLoading
	c.err = nil
	c.items = nil
	if c.settledDone {
		c.settled = make(chan struct{})
		c.settledDone = false
	}

	page := c.state.Page
	c.wg.Add(1)
	go c.fetch(page)
}

func (c *Controller[T]) fetch(page int) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	res, err := c.fetcher.FetchPage(ctx, page)
	cancel()

	c.resolve(page, res, err)
}

func (c *Controller[T]) resolve(page int, res Page[T], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if page != c.state.Page {
		paginationStaleTotal.Inc()
		c.logger.Debug().
			Int("page", page).
			Int("current_page", c.state.Page).
			Msg("Discarding response for page no longer shown")
		return
	}

	if err != nil {
		paginationFetchesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Err(err).Int("page", page).Msg("Page fetch failed")
		c.status = StatusFailed
		c.err = err
		c.items = nil
		c.settleLocked()
		return
	}

	info := res.Info
	c.info = &info

	reconciled := c.state.Clamp(max(info.Pages, 1))
	if reconciled.Page != page {
		paginationFetchesTotal.WithLabelValues("reconciled").Inc()
		c.logger.Info().
			Int("page", page).
			Int("pages", info.Pages).
			Int("reconciled_page", reconciled.Page).
			Msg("Requested page out of range - reconciling")
		c.state = reconciled
		c.fetchLocked()
		return
	}

	paginationFetchesTotal.WithLabelValues("loaded").Inc()
	c.state = reconciled
	c.status = StatusLoaded
	c.items = res.Items
	c.err = nil
	c.settleLocked()
}

func (c *Controller[T]) settleLocked() {
	if !c.settledDone {
		close(c.settled)
		c.settledDone = true
	}
}

// Settled returns a channel that is closed once the current page has
// loaded or failed, or the controller is closed. Moving to another page
// hands out a fresh channel.
func (c *Controller[T]) Settled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Snapshot returns a copy of the current state for rendering.
func (c *Controller[T]) Snapshot() View[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View[T]{
		Page:         c.state.Page,
		Total:        c.state.Total,
		Status:       c.status,
		Err:          c.err,
		PrevDisabled: !c.state.CanPrev(),
		NextDisabled: !c.state.CanNext(),
	}
	if c.info != nil {
		info := *c.info
		v.Info = &info
	}
	if c.items != nil {
		v.Items = append([]T(nil), c.items...)
	}
	v.Empty = c.status == StatusLoaded && len(c.items) == 0
	return v
}

// State returns the current page state.
func (c *Controller[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until every issued fetch has resolved.
func (c *Controller[T]) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight fetches and stops further ones.
func (c *Controller[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.settleLocked()
	c.mu.Unlock()
	c.cancel()
}
