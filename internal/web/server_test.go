package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/episode-browser/internal/testutil"
	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/guard"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

// fakeFetcher serves pages of generated episodes.
type fakeFetcher struct {
	mu       sync.Mutex
	episodes []client.Episode
	perPage  int
	err      error
	block    chan struct{}
}

func newFakeFetcher(n int) *fakeFetcher {
	eps := make([]client.Episode, n)
	for i := range eps {
		eps[i] = client.Episode{
			ID:      fmt.Sprint(i + 1),
			Name:    fmt.Sprintf("Episode %d", i+1),
			AirDate: "December 2, 2013",
			Episode: fmt.Sprintf("S01E%02d", i+1),
		}
	}
	return &fakeFetcher{episodes: eps, perPage: 20}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, page int) (pagination.Page[client.Episode], error) {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pagination.Page[client.Episode]{}, ctx.Err()
		}
	}
	if err != nil {
		return pagination.Page[client.Episode]{}, err
	}

	pages := (len(f.episodes) + f.perPage - 1) / f.perPage
	items := []client.Episode{}
	if page >= 1 && page <= pages {
		start := (page - 1) * f.perPage
		items = f.episodes[start:min(start+f.perPage, len(f.episodes))]
	}
	return pagination.Page[client.Episode]{
		Items: items,
		Info:  pagination.Info{Pages: pages, Count: len(f.episodes)},
	}, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// countingReporter counts reports per boundary.
type countingReporter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingReporter) Report(_ context.Context, r guard.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[r.Boundary]++
}

func (c *countingReporter) Count(boundary string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[boundary]
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	client   *http.Client
	reporter *countingReporter
}

func newTestEnv(t *testing.T, f pagination.Fetcher[client.Episode], mutate func(*Options)) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	rep := &countingReporter{}
	opts := Options{
		Fetcher:      f,
		Reporter:     rep,
		FaultDemo:    true,
		FetchTimeout: 2 * time.Second,
		LoadingGrace: 2 * time.Second,
		Logger:       &logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		server:   srv,
		http:     ts,
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
		reporter: rep,
	}
}

func (e *testEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := e.client.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (e *testEnv) post(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := e.client.PostForm(e.http.URL+path, url.Values{})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func buttonDisabled(body, label string) bool {
	i := strings.Index(body, ">"+label+"</button>")
	if i < 0 {
		return false
	}
	start := strings.LastIndex(body[:i], "<button")
	return strings.Contains(body[start:i], "disabled")
}

func TestNewServer_RequiresFetcher(t *testing.T) {
	_, err := NewServer(Options{})
	assert.EqualError(t, err, "fetcher is required")
}

func TestIndex_FirstPage(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	status, body := env.get(t, "/")
	require.Equal(t, http.StatusOK, status)

	assert.Contains(t, body, "Rick and Morty Episodes")
	assert.Contains(t, body, "Explore the multiverse of adventures!")
	assert.Equal(t, 20, strings.Count(body, `class="card"`))
	assert.Contains(t, body, "Episode 1</h2>")
	assert.Contains(t, body, "S01E01")
	assert.Contains(t, body, "Page 1 of 3")
	assert.True(t, buttonDisabled(body, "Previous"))
	assert.False(t, buttonDisabled(body, "Next"))
	assert.Contains(t, body, "&copy; 2024 Rick and Morty Fan Page")
	assert.NotContains(t, body, `http-equiv="refresh"`)

	u, _ := url.Parse(env.http.URL)
	cookies := env.client.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, 1, env.server.Sessions().Len())
}

func TestIndex_NextAndPrevStayInBounds(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)
	env.get(t, "/")

	_, body := env.post(t, "/page/next")
	assert.Contains(t, body, "Page 2 of 3")
	assert.False(t, buttonDisabled(body, "Previous"))
	assert.False(t, buttonDisabled(body, "Next"))

	_, body = env.post(t, "/page/next")
	assert.Contains(t, body, "Page 3 of 3")
	assert.Equal(t, 11, strings.Count(body, `class="card"`))
	assert.True(t, buttonDisabled(body, "Next"))

	_, body = env.post(t, "/page/next")
	assert.Contains(t, body, "Page 3 of 3")

	for i := 0; i < 5; i++ {
		_, body = env.post(t, "/page/prev")
	}
	assert.Contains(t, body, "Page 1 of 3")
	assert.True(t, buttonDisabled(body, "Previous"))
}

func TestIndex_OptimisticPageIsReconciled(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	_, body := env.get(t, "/?page=99")
	// the first response may still be the reconciling refetch
	if strings.Contains(body, "Loading episodes...") {
		_, body = env.get(t, "/")
	}
	assert.Contains(t, body, "Page 3 of 3")
	assert.True(t, buttonDisabled(body, "Next"))
}

func TestIndex_EmptyPage(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(0), nil)

	_, body := env.get(t, "/")
	assert.Contains(t, body, "No episodes found for this page.")
	assert.NotContains(t, body, `class="grid"`)
	assert.NotContains(t, body, `class="card"`)
}

func TestIndex_QueryErrorShownVerbatim(t *testing.T) {
	f := newFakeFetcher(51)
	f.setErr(errors.New("upstream said no"))
	env := newTestEnv(t, f, nil)

	_, body := env.get(t, "/")
	assert.Contains(t, body, "Error: upstream said no")
	assert.NotContains(t, body, `class="card"`)
}

func TestIndex_LoadingView(t *testing.T) {
	f := newFakeFetcher(51)
	f.block = make(chan struct{})
	env := newTestEnv(t, f, func(o *Options) { o.LoadingGrace = 0 })

	_, body := env.get(t, "/")
	assert.Contains(t, body, "Loading episodes...")
	assert.Contains(t, body, `<meta http-equiv="refresh" content="1">`)

	close(f.block)
	require.Eventually(t, func() bool {
		_, body = env.get(t, "/")
		return strings.Contains(body, "Page 1 of 3")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDemoBoundary_ContainsFaultAndRetriesOncePerClick(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	_, body := env.get(t, "/")
	assert.Contains(t, body, "Oops, something went wrong!")
	assert.Contains(t, body, `action="/boundaries/demo/reset"`)
	assert.NotContains(t, body, FaultMessage)
	// the rest of the page still renders
	assert.Contains(t, body, "Page 1 of 3")
	assert.Equal(t, 1, env.reporter.Count(BoundaryDemo))
	assert.Equal(t, 0, env.reporter.Count(BoundaryApp))

	// further renders stay on the fallback without retrying
	env.get(t, "/")
	env.post(t, "/page/next")
	assert.Equal(t, 1, env.reporter.Count(BoundaryDemo))

	for click := 1; click <= 3; click++ {
		status, body := env.post(t, "/boundaries/demo/reset")
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, "Oops, something went wrong!")
		assert.Equal(t, 1+click, env.reporter.Count(BoundaryDemo))
	}
}

func TestDemoBoundary_Disabled(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), func(o *Options) { o.FaultDemo = false })

	_, body := env.get(t, "/")
	assert.NotContains(t, body, "Oops, something went wrong!")
	assert.Equal(t, 0, env.reporter.Count(BoundaryDemo))
}

func TestReset_UnknownBoundary(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	status, _ := env.post(t, "/boundaries/nope/reset")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAppBoundary_CatchesRenderFailure(t *testing.T) {
	rep := &countingReporter{}
	app := guard.New(BoundaryApp, guard.WithReporter(rep), guard.WithLogger(zerolog.Nop()),
		guard.WithResetAction("/boundaries/app/reset"))
	ctrl := pagination.NewController[client.Episode](context.Background(), newFakeFetcher(3))
	defer ctrl.Close()
	ctrl.Start()
	ctrl.Wait()

	// no demo boundary registered: rendering it fails inside the app boundary
	sess := &Session{ID: "s", Episodes: ctrl, boundaries: map[string]*guard.Boundary{BoundaryApp: app}}

	var out strings.Builder
	r := pageRenderer{faultDemo: true, refresh: 1}
	require.NoError(t, r.render(context.Background(), &out, sess, ctrl.Snapshot()))

	body := out.String()
	assert.Contains(t, body, "<!DOCTYPE html>")
	assert.Contains(t, body, `action="/boundaries/app/reset"`)
	assert.NotContains(t, body, "Rick and Morty Episodes</h1>", "partial output must not leak")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "</html>"))
	assert.Equal(t, guard.StateCaught, app.State())
	assert.Equal(t, 1, rep.Count(BoundaryApp))
}

func TestAPIEpisodes(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	status, body := env.get(t, "/api/episodes?page=2")
	require.Equal(t, http.StatusOK, status)

	var page struct {
		Info    pagination.Info  `json:"info"`
		Results []client.Episode `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &page))
	assert.Equal(t, 3, page.Info.Pages)
	assert.Len(t, page.Results, 20)
	assert.Equal(t, "21", page.Results[0].ID)

	status, _ = env.get(t, "/api/episodes?page=zero")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.get(t, "/api/episodes?page=9")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"results":[]`)
}

func TestAPIEpisodes_Errors(t *testing.T) {
	f := newFakeFetcher(51)
	env := newTestEnv(t, f, nil)

	f.setErr(errors.New("bad gateway upstream"))
	status, body := env.get(t, "/api/episodes")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.JSONEq(t, `{"error":"bad gateway upstream"}`, body)

	f.setErr(fmt.Errorf("%w: slow down", client.ErrThrottled))
	status, _ = env.get(t, "/api/episodes")
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestAPIEpisodes_CORS(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(5), func(o *Options) {
		o.AllowedOrigins = []string{"https://fans.example"}
	})

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/episodes", nil)
	req.Header.Set("Origin", "https://fans.example")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://fans.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, env.http.URL+"/api/episodes", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPIAll(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(51), nil)

	status, body := env.get(t, "/api/episodes/all")
	require.Equal(t, http.StatusOK, status)

	var all apiAllResponse
	require.NoError(t, json.Unmarshal([]byte(body), &all))
	assert.Len(t, all.Results, 51)
	assert.Equal(t, "1", all.Results[0].ID)
	assert.Equal(t, "51", all.Results[50].ID)
	assert.Equal(t, 51, all.Info.Count)
}

func TestWithRealClient(t *testing.T) {
	mock := testutil.NewMockAPI(51)
	defer mock.Close()

	cfg := client.DefaultConfig(nil, "EpisodeBrowserTest/1.0")
	cfg.Endpoint = mock.URL()
	c, err := client.New(cfg)
	require.NoError(t, err)
	defer c.Close()

	env := newTestEnv(t, c, nil)
	_, body := env.get(t, "/")
	assert.Contains(t, body, "Page 1 of 3")
	assert.Contains(t, body, "S01E01")

	mock.SetPageResponse(2, testutil.NewGraphQLErrorResponse("Page 2 is lost in the multiverse"))
	_, body = env.post(t, "/page/next")
	assert.Contains(t, body, "Error: graphql: Page 2 is lost in the multiverse")
}

func TestHealthReadyMetrics(t *testing.T) {
	var down atomic.Bool
	env := newTestEnv(t, newFakeFetcher(1), func(o *Options) {
		o.Ready = func(context.Context) error {
			if down.Load() {
				return errors.New("redis down")
			}
			return nil
		}
	})

	status, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, _ = env.get(t, "/ready")
	assert.Equal(t, http.StatusOK, status)

	down.Store(true)
	status, body = env.get(t, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, "redis down")

	status, body = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "episodes_http_requests_total")
}

func TestStaticCSS(t *testing.T) {
	env := newTestEnv(t, newFakeFetcher(1), nil)

	status, body := env.get(t, "/static/site.css")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, ".boundary-fallback")
}
