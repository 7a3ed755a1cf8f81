package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var reportsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "render_reports_failed_total",
	Help: "Error reports that could not be delivered",
}, []string{"reporter"})

// Report describes one caught render error.
type Report struct {
	ID       string
	Boundary string
	Err      error
	Stack    []byte
	Metadata map[string]string
	Time     time.Time
}

// Reporter receives caught render errors. Report must not block the render
// for long and its failures are never shown to the user.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// LogReporter writes reports to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, rep Report) {
	event := r.logger.Error().
		Err(rep.Err).
		Str("report_id", rep.ID).
		Str("boundary", rep.Boundary).
		Bytes("stack", rep.Stack)
	for k, v := range rep.Metadata {
		event = event.Str(k, v)
	}
	event.Msg("Render error caught by boundary")
}

// MultiReporter fans a report out to several reporters.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(ctx context.Context, rep Report) {
	for _, r := range m {
		r.Report(ctx, rep)
	}
}

// ForwardReporter posts reports as JSON to an external error collector.
// Delivery happens in the background; failures are logged and counted.
type ForwardReporter struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// DefaultForwardTimeout bounds one delivery when the HTTP client sets no timeout.
const DefaultForwardTimeout = 5 * time.Second

// NewForwardReporter creates a reporter posting to url. A nil client gets
// DefaultForwardTimeout; otherwise the client's own Timeout bounds each
// delivery, falling back to DefaultForwardTimeout when it is zero.
func NewForwardReporter(url string, client *http.Client, logger zerolog.Logger) *ForwardReporter {
	if client == nil {
		client = &http.Client{Timeout: DefaultForwardTimeout}
	}
	timeout := client.Timeout
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &ForwardReporter{url: url, client: client, timeout: timeout, logger: logger}
}

type forwardPayload struct {
	ID       string            `json:"id"`
	Boundary string            `json:"boundary"`
	Message  string            `json:"message"`
	Stack    string            `json:"stack,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     time.Time         `json:"time"`
}

// Report implements Reporter. It returns immediately.
func (f *ForwardReporter) Report(_ context.Context, rep Report) {
	msg := ""
	if rep.Err != nil {
		msg = rep.Err.Error()
	}
	payload := forwardPayload{
		ID:       rep.ID,
		Boundary: rep.Boundary,
		Message:  msg,
		Stack:    string(rep.Stack),
		Metadata: rep.Metadata,
		Time:     rep.Time,
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.send(payload); err != nil {
			reportsFailed.WithLabelValues("forward").Inc()
			f.logger.Warn().
				Err(err).
				Str("report_id", payload.ID).
				Msg("Failed to forward render error report")
		}
	}()
}

func (f *ForwardReporter) send(p forwardPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	// the request that triggered the report may already be gone
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// Flush waits for in-flight deliveries.
func (f *ForwardReporter) Flush() {
	f.wg.Wait()
}
