package theoddsapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/XavierBriggs/Iris/internal/metrics"
	"github.com/XavierBriggs/Iris/internal/retry"
	"github.com/XavierBriggs/Iris/pkg/apierr"
	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nbaOdds = `[{
  "id": "evt-1", "sport_key": "basketball_nba", "commence_time": "2025-10-21T23:30:00Z",
  "home_team": "Boston Celtics", "away_team": "New York Knicks",
  "bookmakers": [{"key": "draftkings", "title": "DraftKings", "markets": [
    {"key": "h2h", "outcomes": [{"name": "Boston Celtics", "price": 1.5}, {"name": "New York Knicks", "price": 2.6}]}
  ]}]
}]`

// fakeClock starts at the real time so context deadlines stay meaningful,
// then only moves when something sleeps on it
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) TotalSlept() time.Duration {
	var total time.Duration
	for _, d := range c.Sleeps() {
		total += d
	}
	return total
}

type provider struct {
	*httptest.Server
	calls   int32
	handler func(w http.ResponseWriter, r *http.Request, call int32)
}

func newProvider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call int32)) *provider {
	t.Helper()
	p := &provider{handler: handler}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&p.calls, 1)
		p.handler(w, r, call)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *provider) Calls() int {
	return int(atomic.LoadInt32(&p.calls))
}

type testEnv struct {
	client  *Client
	clock   *fakeClock
	metrics *metrics.Metrics
	logs    *test.Hook
}

func newTestClient(t *testing.T, p *provider, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := Config{
		APIKey:            "test-key",
		BaseURL:           p.URL,
		RequestsPerMinute: 30,
		CacheTTL:          10 * time.Second,
		RequestDeadline:   45 * time.Second,
		HTTPTimeout:       5 * time.Second,
		Retry:             retry.DefaultPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())

	client, err := NewClient(cfg,
		WithClock(clock.Now, clock.Sleep),
		WithRand(func() float64 { return 0.5 }),
		WithLogger(logger),
		WithMetrics(m),
	)
	require.NoError(t, err)

	return &testEnv{client: client, clock: clock, metrics: m, logs: hook}
}

func nbaOptions() models.FetchMarketsOptions {
	return models.FetchMarketsOptions{
		SportKey: "basketball_nba",
		Regions:  []models.Region{models.RegionUS},
	}
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestFetchMarkets_Success(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		q := r.URL.Query()
		assert.Equal(t, "/v4/sports/basketball_nba/odds", r.URL.Path)
		assert.Equal(t, "test-key", q.Get("apiKey"))
		assert.Equal(t, "uk,us", q.Get("regions"))
		assert.Equal(t, "h2h,spreads", q.Get("markets"))
		assert.Equal(t, "decimal", q.Get("oddsFormat"))
		assert.Equal(t, "iso", q.Get("dateFormat"))
		assert.Equal(t, "draftkings", q.Get("bookmakers"))
		assert.Equal(t, "2025-10-21T00:00:00Z", q.Get("commenceTimeFrom"))

		w.Header().Set("x-requests-remaining", "480")
		w.Header().Set("x-requests-used", "20")
		w.Header().Set("x-requests-last", "2")
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, nil)

	from := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)
	events, err := env.client.FetchMarkets(context.Background(), models.FetchMarketsOptions{
		SportKey:         "basketball_nba",
		Regions:          []models.Region{models.RegionUS, models.RegionUK, models.RegionUS},
		Markets:          []models.Market{models.MarketSpreads, models.MarketH2H},
		Bookmakers:       []string{"draftkings"},
		CommenceTimeFrom: &from,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].GameID)
	require.Len(t, events[0].Offers, 2)
	assert.Equal(t, "Boston Celtics ML", events[0].Offers[0].Side)

	quota := env.client.Quota()
	require.NotNil(t, quota.RequestsRemaining)
	assert.Equal(t, 480, *quota.RequestsRemaining)
	assert.Equal(t, 20, *quota.RequestsUsed)
	assert.Equal(t, 2, *quota.RequestsLast)
	assert.Equal(t, 480.0, testutil.ToFloat64(env.metrics.QuotaRemaining))
}

func TestFetchMarkets_CacheHitSkipsNetwork(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, nil)
	ctx := context.Background()

	first, err := env.client.FetchMarkets(ctx, nbaOptions())
	require.NoError(t, err)

	second, err := env.client.FetchMarkets(ctx, nbaOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheLookups.WithLabelValues("FetchMarkets", "hit")))

	_, err = env.client.FetchMarkets(ctx, nbaOptions(), BypassCache())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls())

	env.clock.Advance(10 * time.Second)
	_, err = env.client.FetchMarkets(ctx, nbaOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls(), "entry is not served at expiry")
}

func TestFetchMarkets_RetryAfterIsHonoured(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		if call == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"Too many requests","error_code":"EXCEEDED_FREQ_LIMIT"}`))
			return
		}
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, nil)

	events, err := env.client.FetchMarkets(context.Background(), nbaOptions())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 2, p.Calls())
	assert.GreaterOrEqual(t, env.clock.TotalSlept(), 5*time.Second)
	assert.Contains(t, env.clock.Sleeps(), 5*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Retries.WithLabelValues("rate_limit")))
}

func TestFetchMarkets_NonRetryableMakesOneCall(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"authentication", http.StatusUnauthorized, `{"message":"API key is not valid"}`, apierr.ErrAuthentication},
		{"quota", http.StatusUnauthorized, `{"message":"Usage quota has been reached","error_code":"OUT_OF_USAGE_CREDITS"}`, apierr.ErrQuotaExceeded},
		{"payment required", http.StatusPaymentRequired, ``, apierr.ErrQuotaExceeded},
		{"validation", http.StatusUnprocessableEntity, `{"message":"Invalid market"}`, apierr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			env := newTestClient(t, p, nil)

			_, err := env.client.FetchMarkets(context.Background(), nbaOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, p.Calls())
			assert.Empty(t, env.clock.Sleeps())
		})
	}
}

func TestFetchMarkets_TransientExhaustionReturnsLastError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		w.WriteHeader(http.StatusBadGateway)
	})
	env := newTestClient(t, p, nil)

	_, err := env.client.FetchMarkets(context.Background(), nbaOptions())

	assert.ErrorIs(t, err, apierr.ErrTransient)
	assert.False(t, errors.Is(err, apierr.ErrTimeout))
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.clock.Sleeps())

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestFetchMarkets_WithoutRetry(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	env := newTestClient(t, p, nil)

	_, err := env.client.FetchMarkets(context.Background(), nbaOptions(), WithoutRetry())
	assert.ErrorIs(t, err, apierr.ErrTransient)
	assert.Equal(t, 1, p.Calls())
}

func TestFetchMarkets_UndecodableSuccessIsRetried(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		if call == 1 {
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
			return
		}
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, nil)

	events, err := env.client.FetchMarkets(context.Background(), nbaOptions())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 2, p.Calls())
}

func TestFetchMarkets_BackoffPastDeadlineIsTimeout(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	env := newTestClient(t, p, func(cfg *Config) { cfg.RequestDeadline = 2 * time.Second })

	_, err := env.client.FetchMarkets(context.Background(), nbaOptions())

	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindTimeout, kind)
	assert.ErrorIs(t, err, apierr.ErrRateLimit, "last failure stays in the chain")
	assert.Equal(t, 1, p.Calls())
}

func TestFetchMarkets_ValidationConsumesNoToken(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, func(cfg *Config) { cfg.RequestsPerMinute = 1 })
	ctx := context.Background()

	bad := []models.FetchMarketsOptions{
		{SportKey: "", Regions: []models.Region{models.RegionUS}},
		{SportKey: "basketball_nba/../x", Regions: []models.Region{models.RegionUS}},
		{SportKey: "basketball_nba"},
		{SportKey: "basketball_nba", Regions: []models.Region{"mars"}},
		{SportKey: "basketball_nba", Regions: []models.Region{models.RegionUS}, Markets: []models.Market{"corners"}},
		{SportKey: "basketball_nba", Regions: []models.Region{models.RegionUS}, OddsFormat: "fractional"},
	}
	for _, o := range bad {
		_, err := env.client.FetchMarkets(ctx, o)
		assert.ErrorIs(t, err, apierr.ErrValidation, "%+v", o)
	}

	_, err := env.client.FetchScores(ctx, "basketball_nba", intPtr(4))
	assert.ErrorIs(t, err, apierr.ErrValidation)
	assert.Equal(t, 0, p.Calls())

	// the single token is still there
	_, err = env.client.FetchMarkets(ctx, nbaOptions(), NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())
}

func TestFetchMarkets_NonBlockingWhenBucketEmpty(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		_, _ = w.Write([]byte(nbaOdds))
	})
	env := newTestClient(t, p, func(cfg *Config) { cfg.RequestsPerMinute = 1 })
	ctx := context.Background()

	_, err := env.client.FetchMarkets(ctx, nbaOptions())
	require.NoError(t, err)

	_, err = env.client.FetchMarkets(ctx, nbaOptions(), NonBlocking(), BypassCache())
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrRateLimit)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.NotNil(t, apiErr.RetryAfter)
	assert.InDelta(t, float64(60*time.Second), float64(*apiErr.RetryAfter), float64(time.Millisecond))
	assert.Equal(t, 1, p.Calls(), "no network call without a token")
	assert.Empty(t, env.clock.Sleeps())
}

func TestClient_ConcurrentCallersShareTheBucket(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		_, _ = w.Write([]byte(`[]`))
	})
	env := newTestClient(t, p, func(cfg *Config) {
		cfg.RequestsPerMinute = 1
		cfg.RequestDeadline = 10 * time.Minute
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, sport := range []string{"basketball_nba", "americanfootball_nfl"} {
		wg.Add(1)
		go func(sport string) {
			defer wg.Done()
			_, err := env.client.FetchEvents(context.Background(), sport)
			errs <- err
		}(sport)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.Calls())
	assert.GreaterOrEqual(t, env.clock.TotalSlept(), 60*time.Second)
}

func TestFetchEventOdds(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		switch r.URL.Path {
		case "/v4/sports/basketball_nba/events/evt-1/odds":
			_, _ = w.Write([]byte(nbaOdds[1 : len(nbaOdds)-1]))
		default:
			_, _ = w.Write([]byte(`{"id": "evt-2", "home_team": "Boston Celtics", "commence_time": "2025-10-21T23:30:00Z"}`))
		}
	})
	env := newTestClient(t, p, nil)
	ctx := context.Background()

	ev, err := env.client.FetchEventOdds(ctx, models.FetchEventOddsOptions{
		SportKey: "basketball_nba",
		EventID:  "evt-1",
		Regions:  []models.Region{models.RegionUS},
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.GameID)
	assert.Len(t, ev.Offers, 2)

	incomplete := models.FetchEventOddsOptions{SportKey: "basketball_nba", EventID: "evt-2", Regions: []models.Region{models.RegionUS}}
	_, err = env.client.FetchEventOdds(ctx, incomplete)
	assert.ErrorIs(t, err, ErrIncompleteEvent)

	_, err = env.client.FetchEventOdds(ctx, incomplete)
	assert.ErrorIs(t, err, ErrIncompleteEvent)
	assert.Equal(t, 3, p.Calls(), "failures are never cached")

	var drops int
	for _, e := range env.logs.AllEntries() {
		if e.Data["diagnostic"] == true {
			drops++
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
	assert.Equal(t, 2, drops)
}

func TestFetchScores(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		assert.Equal(t, "/v4/sports/americanfootball_nfl/scores", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("daysFrom"))
		_, _ = w.Write([]byte(`[
		  {"id": "g1", "commence_time": "2025-09-07T17:00:00Z", "completed": true,
		   "home_team": "Detroit Lions", "away_team": "Green Bay Packers",
		   "scores": [{"name": "Detroit Lions", "score": "34"}, {"name": "Green Bay Packers", "score": "20"}]},
		  {"id": "g2", "commence_time": "2025-09-14T17:00:00Z", "completed": false,
		   "home_team": "Bears", "away_team": "Vikings", "scores": null}
		]`))
	})
	env := newTestClient(t, p, nil)

	records, err := env.client.FetchScores(context.Background(), "americanfootball_nfl", intPtr(2))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 34, *records[0].HomeScore)
	assert.Nil(t, records[1].HomeScore)
	assert.Nil(t, records[1].AwayScore)
}

func TestListSports(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		assert.Equal(t, "/v4/sports", r.URL.Path)
		if call == 1 {
			assert.Empty(t, r.URL.Query().Get("all"))
		} else {
			assert.Equal(t, "true", r.URL.Query().Get("all"))
		}
		_, _ = w.Write([]byte(`[{"key": "basketball_nba", "group": "Basketball", "title": "NBA", "active": true}]`))
	})
	env := newTestClient(t, p, nil)
	ctx := context.Background()

	sports, err := env.client.ListSports(ctx, true)
	require.NoError(t, err)
	require.Len(t, sports, 1)
	assert.Equal(t, "basketball_nba", sports[0].Key)

	_, err = env.client.ListSports(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls(), "different parameters are different cache entries")
}

func TestRequestSignatureExcludesAPIKey(t *testing.T) {
	params, _, err := oddsParams([]models.Region{models.RegionUS}, nil, "", "")
	require.NoError(t, err)

	req := request{operation: "FetchMarkets", path: "/sports/basketball_nba/odds", params: params}
	assert.NotContains(t, req.signature(), "apiKey")

	reordered, _, err := oddsParams([]models.Region{models.RegionUK, models.RegionUS}, []models.Market{models.MarketTotals, models.MarketH2H}, "", "")
	require.NoError(t, err)
	again, _, err := oddsParams([]models.Region{models.RegionUS, models.RegionUK}, []models.Market{models.MarketH2H, models.MarketTotals}, "", "")
	require.NoError(t, err)
	assert.Equal(t, reordered.Encode(), again.Encode())
}

func TestConnectionFailureDoesNotLeakAPIKey(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := "http://" + l.Addr().String()
	require.NoError(t, l.Close())

	p := newProvider(t, func(w http.ResponseWriter, r *http.Request, call int32) {
		t.Error("provider should not be reached")
	})
	env := newTestClient(t, p, func(cfg *Config) {
		cfg.APIKey = "SUPERSECRETKEY"
		cfg.BaseURL = closed
	})

	_, err = env.client.FetchScores(context.Background(), "basketball_nba", nil, WithoutRetry())
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrTransient)
	assert.NotContains(t, err.Error(), "SUPERSECRETKEY")
	assert.Contains(t, err.Error(), "apiKey=REDACTED")

	require.NotEmpty(t, env.logs.AllEntries())
	for _, entry := range env.logs.AllEntries() {
		line, err := entry.String()
		require.NoError(t, err)
		assert.False(t, strings.Contains(line, "SUPERSECRETKEY"), "log line leaks the api key: %s", line)
	}
}

func intPtr(v int) *int { return &v }
