package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	upstreamRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "episodes_upstream_ratelimit_remaining",
		Help: "Upstream request quota remaining as last reported",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "episodes_ratelimit_blocks_total",
		Help: "Total number of upstream requests blocked by throttle state",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "episodes_ratelimit_throttles_total",
		Help: "Total number of upstream requests delayed by throttle state",
	})
)

// defaultWindow bounds how long quota state is kept when no reset is reported.
const defaultWindow = 60 * time.Second

// Tracker reads and writes shared throttle state and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
	now           func() time.Time
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: time.Second,
		now:           time.Now,
	}
}

// SetThrottleDelay changes the pause applied in the warning state.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// GetState retrieves the current throttle state from Redis.
// Missing keys yield an unrestricted state.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state := &State{Remaining: UnknownRemaining}

	vals, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetAt, RedisKeyBlockedUntil).Result()
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	if s, ok := vals[0].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			state.Remaining = n
		}
	}
	if s, ok := vals[1].(string); ok {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			state.ResetAt = time.Unix(ts, 0)
		}
	}
	if s, ok := vals[2].(string); ok {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			state.BlockedUntil = time.Unix(ts, 0)
		}
	}

	return state, nil
}

// UpdateFromHeaders records throttle signals from an upstream response.
// Responses without throttle headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, statusCode int, headers http.Header) error {
	now := t.now()
	pipe := t.redis.TxPipeline()
	changed := false

	if statusCode == http.StatusTooManyRequests {
		wait, present, err := parseRetryAfter(headers.Get("Retry-After"), now)
		if err != nil {
			return fmt.Errorf("parse Retry-After header: %w", err)
		}
		if !present {
			wait = defaultWindow
		}
		changed = true

		if wait > 0 {
			until := now.Add(wait)
			pipe.Set(ctx, RedisKeyBlockedUntil, until.Unix(), wait+time.Second)

			t.logger.Warn().
				Dur("retry_after", wait).
				Time("blocked_until", until).
				Msg("Upstream returned 429 - requests will be blocked")
		} else {
			pipe.Del(ctx, RedisKeyBlockedUntil)
			t.logger.Debug().Msg("Upstream returned 429 with immediate Retry-After - not blocking")
		}
	}

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}

		window := defaultWindow
		if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
			secs, err := strconv.Atoi(strings.TrimSpace(resetStr))
			if err != nil {
				return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
			}
			if secs > 0 {
				window = time.Duration(secs) * time.Second
			}
		}

		pipe.Set(ctx, RedisKeyRemaining, remain, window)
		pipe.Set(ctx, RedisKeyResetAt, now.Add(window).Unix(), window)
		upstreamRemaining.Set(float64(remain))
		changed = true

		t.logger.Debug().
			Int("remaining", remain).
			Dur("window", window).
			Msg("Upstream quota updated")
	}

	if !changed {
		pipe.Discard()
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}

// ShouldAllowRequest reports whether a request may go upstream now.
// In the warning state it pauses before allowing the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get throttle state: %w", err)
	}

	now := t.now()
	if state.NeedsCriticalBlock(now) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilClear(now)).
			Msg("Upstream throttled - blocking request")
		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling(now) {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Upstream quota low - delaying request")
		rateLimitThrottlesTotal.Inc()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.throttleDelay):
		}
	}

	return true, nil
}

// Clear removes all stored throttle state.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.redis.Del(ctx, RedisKeyRemaining, RedisKeyResetAt, RedisKeyBlockedUntil).Err(); err != nil {
		return fmt.Errorf("clear throttle state: %w", err)
	}
	return nil
}

var errBadRetryAfter = errors.New("neither seconds nor HTTP date")

// parseRetryAfter accepts both the delay-seconds and HTTP-date forms.
// present is false when the header is absent. Zero, negative and past
// values yield a zero wait.
func parseRetryAfter(v string, now time.Time) (wait time.Duration, present bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, true, nil
		}
		return time.Duration(secs) * time.Second, true, nil
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true, nil
	}
	return 0, false, fmt.Errorf("%q: %w", v, errBadRetryAfter)
}
