// Package guard provides render-error boundaries.
//
// A Boundary wraps a render function. While the boundary is Normal the
// function's output is passed through untouched. If the function panics or
// returns an error, nothing it wrote is shown: the boundary moves to Caught,
// reports the failure, and renders a fallback view instead. It stays Caught,
// without calling the function again, until Reset is called.
//
//	Normal --(render fails)--> Caught --(Reset)--> Normal
//
// Only failures raised inside Render are caught. Errors from request
// handlers, background work, or anything else outside the render call are
// the caller's business.
package guard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/episode-browser/pkg/logging"
)

var (
	renderErrorsCaught = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_errors_caught_total",
		Help: "Render failures caught by a boundary",
	}, []string{"boundary"})

	boundaryResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_boundary_resets_total",
		Help: "Boundaries reset back to normal by the user",
	}, []string{"boundary"})
)

// State is the boundary state.
type State int

const (
	// StateNormal renders the wrapped subtree.
	StateNormal State = iota
	// StateCaught renders the fallback view.
	StateCaught
)

func (s State) String() string {
	if s == StateCaught {
		return "caught"
	}
	return "normal"
}

// RenderFunc renders a subtree into w.
type RenderFunc func(w io.Writer) error

// FallbackFunc renders the recovery view for a caught boundary.
type FallbackFunc func(w io.Writer, fb Fallback) error

// Fallback describes a caught boundary to a FallbackFunc.
type Fallback struct {
	Boundary    string
	ResetAction string
	Err         error
}

// PanicError wraps a value recovered from a panicking render.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("render panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Boundary is a render-error boundary. It is safe for concurrent use.
type Boundary struct {
	name        string
	reporter    Reporter
	fallback    FallbackFunc
	resetAction string
	logger      zerolog.Logger

	mu       sync.Mutex
	state    State
	err      error
	attempts int
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithReporter sets where caught errors are reported.
func WithReporter(r Reporter) Option {
	return func(b *Boundary) { b.reporter = r }
}

// WithFallback replaces DefaultFallback.
func WithFallback(f FallbackFunc) Option {
	return func(b *Boundary) { b.fallback = f }
}

// WithResetAction sets the form action the fallback's retry button posts to.
func WithResetAction(path string) Option {
	return func(b *Boundary) { b.resetAction = path }
}

// WithLogger sets the boundary logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Boundary) { b.logger = l }
}

// New creates a boundary in StateNormal.
func New(name string, opts ...Option) *Boundary {
	b := &Boundary{
		name:     name,
		fallback: DefaultFallback,
		logger:   logging.NewLogger("guard"),
		state:    StateNormal,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reporter == nil {
		b.reporter = NewLogReporter(b.logger)
	}
	return b
}

// Name returns the boundary name.
func (b *Boundary) Name() string {
	return b.name
}

// Render writes fn's output to w, or the fallback view if the boundary is
// caught or fn fails. The returned error is only about writing to w.
func (b *Boundary) Render(ctx context.Context, w io.Writer, fn RenderFunc) error {
	b.mu.Lock()
	if b.state == StateCaught {
		fb := b.fallbackLocked()
		b.mu.Unlock()
		return b.fallback(w, fb)
	}
	b.attempts++
	b.mu.Unlock()

	var buf bytes.Buffer
	if err := attempt(&buf, fn); err != nil {
		b.catch(ctx, err)

		b.mu.Lock()
		fb := b.fallbackLocked()
		b.mu.Unlock()
		return b.fallback(w, fb)
	}

	_, err := buf.WriteTo(w)
	return err
}

// attempt runs fn into buf and turns a panic into a *PanicError.
func attempt(buf *bytes.Buffer, fn RenderFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(buf)
}

func (b *Boundary) catch(ctx context.Context, err error) {
	b.mu.Lock()
	b.state = StateCaught
	b.err = err
	b.mu.Unlock()

	renderErrorsCaught.WithLabelValues(b.name).Inc()

	report := Report{
		ID:       uuid.NewString(),
		Boundary: b.name,
		Err:      err,
		Metadata: metadataFrom(ctx),
		Time:     time.Now().UTC(),
	}
	if pe, ok := err.(*PanicError); ok {
		report.Stack = pe.Stack
	} else {
		report.Stack = debug.Stack()
	}

	b.report(ctx, report)
}

// report delivers r without letting a misbehaving reporter escape.
func (b *Boundary) report(ctx context.Context, r Report) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Warn().
				Str("boundary", b.name).
				Interface("panic", p).
				Msg("Error reporter panicked")
		}
	}()
	b.reporter.Report(ctx, r)
}

func (b *Boundary) fallbackLocked() Fallback {
	return Fallback{Boundary: b.name, ResetAction: b.resetAction, Err: b.err}
}

// Reset moves a caught boundary back to normal so the next Render tries the
// subtree again. Resetting a normal boundary does nothing.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateCaught {
		return
	}
	b.state = StateNormal
	b.err = nil
	boundaryResets.WithLabelValues(b.name).Inc()
	b.logger.Info().Str("boundary", b.name).Msg("Boundary reset")
}

// State returns the current state.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the caught error, or nil while normal.
func (b *Boundary) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Attempts returns how many times the subtree has been rendered.
func (b *Boundary) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
