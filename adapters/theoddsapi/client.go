package theoddsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/XavierBriggs/Iris/internal/cache"
	"github.com/XavierBriggs/Iris/internal/metrics"
	"github.com/XavierBriggs/Iris/internal/ratelimit"
	"github.com/XavierBriggs/Iris/internal/retry"
	"github.com/XavierBriggs/Iris/internal/tracing"
	"github.com/XavierBriggs/Iris/internal/transport"
	"github.com/XavierBriggs/Iris/pkg/apierr"
	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL  = "https://api.the-odds-api.com"
	apiVersion      = "v4"
	userAgent       = "Iris/1.0 (Odds API client)"
	defaultRPM      = 30
	defaultCacheTTL = 10 * time.Second
	defaultDeadline = 45 * time.Second
	defaultTimeout  = 10 * time.Second
	tracerName      = "github.com/XavierBriggs/Iris/adapters/theoddsapi"

	// provider timestamp format for commence window filters
	commenceLayout = "2006-01-02T15:04:05Z"
)

var sportKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Config holds client settings; zero values take defaults
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	CacheTTL          time.Duration
	RequestDeadline   time.Duration
	HTTPTimeout       time.Duration
	Retry             retry.Policy
}

// Client implements contracts.VendorAdapter for The Odds API v4. The
// cache, limiter, metrics and quota belong to one Client.
type Client struct {
	apiKey   string
	baseURL  string
	cacheTTL time.Duration
	deadline time.Duration

	transport transport.Transport
	limiter   *ratelimit.Bucket
	runner    *retry.Runner
	cache     cache.Cache
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    logrus.FieldLogger

	now   func() time.Time
	sleep ratelimit.SleepFunc
	rand  func() float64
	newID func() string

	mu    sync.RWMutex
	quota models.Quota
}

var _ contracts.VendorAdapter = (*Client)(nil)

// CallOption is a per-call override (see WithoutRetry, NonBlocking, BypassCache)
type CallOption = contracts.CallOption

// WithoutRetry runs exactly one attempt
func WithoutRetry() CallOption { return contracts.WithoutRetry() }

// NonBlocking fails with a local rate limit error instead of waiting for a token
func NonBlocking() CallOption { return contracts.NonBlocking() }

// BypassCache skips the cache lookup
func BypassCache() CallOption { return contracts.BypassCache() }

// Option configures a Client
type Option func(*Client)

// WithTransport replaces the HTTP transport
func WithTransport(t transport.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithCache replaces the default in-process cache
func WithCache(cc cache.Cache) Option {
	return func(c *Client) { c.cache = cc }
}

// WithMetrics reports to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces wall-clock time and sleeping for the limiter, the
// retry driver and the default cache
func WithClock(now func() time.Time, sleep ratelimit.SleepFunc) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

// WithRand replaces the jitter source; it must return values in [0, 1)
func WithRand(r func() float64) Option {
	return func(c *Client) { c.rand = r }
}

// NewClient creates a new The Odds API client
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("theoddsapi: api key is required")
	}

	c := &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cacheTTL: cfg.CacheTTL,
		deadline: cfg.RequestDeadline,
		now:      time.Now,
		sleep:    ratelimit.Sleep,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.cacheTTL == 0 {
		c.cacheTTL = defaultCacheTTL
	}
	if c.deadline <= 0 {
		c.deadline = defaultDeadline
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.transport == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.transport = transport.NewHTTP(transport.Config{Timeout: timeout, UserAgent: userAgent, Logger: c.logger})
	}
	if c.cache == nil {
		c.cache = cache.NewMemory(c.now)
	}
	if c.tracer == nil {
		c.tracer = tracing.Tracer(tracerName)
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.New().String() }
	}

	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = defaultRPM
	}
	limiter, err := ratelimit.FromRequestsPerMinute(rpm, ratelimit.WithClock(c.now, c.sleep))
	if err != nil {
		return nil, fmt.Errorf("theoddsapi: %w", err)
	}
	c.limiter = limiter

	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	c.runner = retry.NewRunner(policy, c.logger)
	c.runner.Sleep = c.sleep
	c.runner.Now = c.now
	if c.rand != nil {
		c.runner.Rand = c.rand
	}

	return c, nil
}

// ListSports returns the sport catalogue. Inactive sports are included
// only when activeOnly is false.
func (c *Client) ListSports(ctx context.Context, activeOnly bool, opts ...CallOption) ([]models.Sport, error) {
	params := url.Values{}
	if !activeOnly {
		params.Set("all", "true")
	}

	return fetch(ctx, c, request{
		operation: "ListSports",
		endpoint:  "sports",
		path:      "/sports",
		params:    params,
	}, opts, decodeSports, func(raw []RawSport) ([]models.Sport, []Diagnostic, error) {
		return NormalizeSports(raw), nil, nil
	})
}

// FetchMarkets retrieves odds for every upcoming and live event of a sport
func (c *Client) FetchMarkets(ctx context.Context, o models.FetchMarketsOptions, opts ...CallOption) ([]models.EventOdds, error) {
	if err := validateSportKey(o.SportKey); err != nil {
		return nil, err
	}
	if len(o.Regions) == 0 && len(o.Bookmakers) == 0 {
		return nil, apierr.Validation("at least one region or bookmaker is required")
	}

	params, format, err := oddsParams(o.Regions, o.Markets, o.OddsFormat, o.DateFormat)
	if err != nil {
		return nil, err
	}

	if len(o.Bookmakers) > 0 {
		books, err := canonicalList(o.Bookmakers, "bookmaker")
		if err != nil {
			return nil, err
		}
		params.Set("bookmakers", books)
	}
	if len(o.EventIDs) > 0 {
		ids, err := canonicalList(o.EventIDs, "event id")
		if err != nil {
			return nil, err
		}
		params.Set("eventIds", ids)
	}
	if o.CommenceTimeFrom != nil && o.CommenceTimeTo != nil && o.CommenceTimeTo.Before(*o.CommenceTimeFrom) {
		return nil, apierr.Validation("commence time window ends before it starts")
	}
	if o.CommenceTimeFrom != nil {
		params.Set("commenceTimeFrom", o.CommenceTimeFrom.UTC().Format(commenceLayout))
	}
	if o.CommenceTimeTo != nil {
		params.Set("commenceTimeTo", o.CommenceTimeTo.UTC().Format(commenceLayout))
	}

	return fetch(ctx, c, request{
		operation: "FetchMarkets",
		endpoint:  "odds",
		path:      fmt.Sprintf("/sports/%s/odds", o.SportKey),
		params:    params,
		sportKey:  o.SportKey,
	}, opts, decodeEvents, func(raw []RawEvent) ([]models.EventOdds, []Diagnostic, error) {
		events, diags := NormalizeEvents(raw, format)
		return events, diags, nil
	})
}

// FetchEventOdds retrieves odds for one event. ErrIncompleteEvent is
// returned when the provider's event lacks required fields.
func (c *Client) FetchEventOdds(ctx context.Context, o models.FetchEventOddsOptions, opts ...CallOption) (*models.EventOdds, error) {
	if err := validateSportKey(o.SportKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.EventID) == "" || strings.Contains(o.EventID, "/") {
		return nil, apierr.Validation("invalid event id %q", o.EventID)
	}
	if len(o.Regions) == 0 {
		return nil, apierr.Validation("at least one region is required")
	}

	params, format, err := oddsParams(o.Regions, o.Markets, o.OddsFormat, o.DateFormat)
	if err != nil {
		return nil, err
	}

	return fetch(ctx, c, request{
		operation: "FetchEventOdds",
		endpoint:  "event_odds",
		path:      fmt.Sprintf("/sports/%s/events/%s/odds", o.SportKey, url.PathEscape(o.EventID)),
		params:    params,
		sportKey:  o.SportKey,
	}, opts, decodeEvent, func(raw RawEvent) (*models.EventOdds, []Diagnostic, error) {
		ev, diags, ok := NormalizeEvent(raw, format)
		if !ok {
			return nil, diags, fmt.Errorf("%w: %s", ErrIncompleteEvent, o.EventID)
		}
		return &ev, diags, nil
	})
}

// FetchScores retrieves live, upcoming and (with daysFrom 1..3) recently
// completed game results
func (c *Client) FetchScores(ctx context.Context, sportKey string, daysFrom *int, opts ...CallOption) ([]models.ScoreRecord, error) {
	if err := validateSportKey(sportKey); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("dateFormat", string(models.DateFormatISO))
	if daysFrom != nil {
		if *daysFrom < 1 || *daysFrom > 3 {
			return nil, apierr.Validation("daysFrom must be between 1 and 3, got %d", *daysFrom)
		}
		params.Set("daysFrom", strconv.Itoa(*daysFrom))
	}

	return fetch(ctx, c, request{
		operation: "FetchScores",
		endpoint:  "scores",
		path:      fmt.Sprintf("/sports/%s/scores", sportKey),
		params:    params,
		sportKey:  sportKey,
	}, opts, decodeScores, func(raw []RawScoreEvent) ([]models.ScoreRecord, []Diagnostic, error) {
		records, diags := NormalizeScores(raw)
		return records, diags, nil
	})
}

// FetchEvents retrieves upcoming events without odds (for discovery)
func (c *Client) FetchEvents(ctx context.Context, sportKey string, opts ...CallOption) ([]models.Event, error) {
	if err := validateSportKey(sportKey); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("dateFormat", string(models.DateFormatISO))

	return fetch(ctx, c, request{
		operation: "FetchEvents",
		endpoint:  "events",
		path:      fmt.Sprintf("/sports/%s/events", sportKey),
		params:    params,
		sportKey:  sportKey,
	}, opts, decodeEvents, func(raw []RawEvent) ([]models.Event, []Diagnostic, error) {
		events, diags := NormalizeDiscovery(raw)
		return events, diags, nil
	})
}

// Quota returns the latest usage accounting seen on a provider response
func (c *Client) Quota() models.Quota {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quota
}

type request struct {
	operation string
	endpoint  string // metrics label
	path      string // below /v4
	params    url.Values
	sportKey  string
}

// signature identifies a request for caching; the api key is never part of it
func (r request) signature() string {
	return r.operation + "|" + r.path + "|" + r.params.Encode()
}

// fetch runs the shared pipeline: cache lookup, then per attempt a limiter
// token, one transport call, classification and decoding, then
// normalization and a cache store
func fetch[R, T any](
	ctx context.Context,
	c *Client,
	req request,
	opts []CallOption,
	decode func([]byte) (R, error),
	normalize func(R) (T, []Diagnostic, error),
) (T, error) {
	var zero T
	settings := contracts.ApplyCallOptions(opts)

	ctx, span := c.tracer.Start(ctx, "theoddsapi."+req.operation, trace.WithAttributes(
		attribute.String("odds.sport_key", req.sportKey),
		attribute.String("odds.markets", req.params.Get("markets")),
		attribute.Bool("odds.retry", !settings.NoRetry),
	))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"operation":  req.operation,
		"sport_key":  req.sportKey,
		"request_id": c.newID(),
	})

	fail := func(err error) (T, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Warn("provider request failed")
		return zero, fmt.Errorf("%s: %w", strings.ToLower(req.operation), err)
	}

	key := req.signature()
	if !settings.BypassCache {
		if cached, ok := c.cacheLookup(ctx, key, logger); ok {
			var out T
			if err := json.Unmarshal(cached, &out); err == nil {
				c.metrics.ObserveCache(req.operation, true)
				span.SetAttributes(attribute.Bool("odds.cache_hit", true))
				return out, nil
			}
			logger.Warn("discarding undecodable cache entry")
		}
		c.metrics.ObserveCache(req.operation, false)
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	runner := *c.runner
	runner.Logger = logger
	if settings.NoRetry || settings.NonBlocking {
		runner.Policy.MaxAttempts = 1
	}
	runner.OnRetry = func(attempt int, err error, delay time.Duration) {
		kind, _ := apierr.KindOf(err)
		c.metrics.ObserveRetry(kind.String())
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("kind", kind.String()),
			attribute.Int64("delay_ms", delay.Milliseconds()),
		))
	}

	var raw R
	err := runner.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.acquire(ctx, settings.NonBlocking); err != nil {
			return err
		}

		start := c.now()
		resp, err := c.transport.Do(ctx, transport.Request{
			Method: http.MethodGet,
			URL:    c.baseURL + "/" + apiVersion + req.path,
			Query:  c.withAPIKey(req.params),
		})
		if resp != nil {
			c.recordQuota(resp.Header)
		}

		if cerr := Classify(ctx, resp, err); cerr != nil {
			c.metrics.ObserveRequest(req.endpoint, outcome(cerr), c.now().Sub(start))
			return cerr
		}

		decoded, err := decode(resp.Body)
		if err != nil {
			c.metrics.ObserveRequest(req.endpoint, "undecodable", c.now().Sub(start))
			return &apierr.Error{
				Kind:       apierr.KindTransient,
				StatusCode: resp.StatusCode,
				Message:    "undecodable provider response",
				Cause:      err,
			}
		}

		c.metrics.ObserveRequest(req.endpoint, "success", c.now().Sub(start))
		raw = decoded
		return nil
	})
	if err != nil {
		return fail(err)
	}

	out, diags, err := normalize(raw)
	c.reportDiagnostics(logger, diags)
	if err != nil {
		return fail(err)
	}

	if encoded, err := json.Marshal(out); err == nil {
		if err := c.cache.Set(ctx, key, encoded, c.cacheTTL); err != nil {
			logger.WithError(err).Warn("cache store failed")
		}
	}

	logger.WithField("diagnostics", len(diags)).Debug("provider request complete")
	return out, nil
}

// acquire takes one limiter token, translating limiter refusals into
// typed errors
func (c *Client) acquire(ctx context.Context, nonBlocking bool) error {
	var waitErr *ratelimit.WaitError

	if nonBlocking {
		err := c.limiter.TryAcquire(1)
		if errors.As(err, &waitErr) {
			wait := waitErr.Wait
			e := apierr.RateLimited(&wait)
			e.Message = "local rate limit reached"
			return e
		}
		return err
	}

	start := c.now()
	err := c.limiter.Acquire(ctx, 1)
	c.metrics.ObserveLimiterWait(c.now().Sub(start))

	switch {
	case err == nil:
		return nil
	case errors.As(err, &waitErr):
		return apierr.Timeout(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Timeout(err)
	default:
		return err
	}
}

func (c *Client) cacheLookup(ctx context.Context, key string, logger logrus.FieldLogger) ([]byte, bool) {
	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("cache lookup failed")
		return nil, false
	}
	return val, ok
}

func (c *Client) withAPIKey(params url.Values) url.Values {
	q := make(url.Values, len(params)+1)
	for k, v := range params {
		q[k] = v
	}
	q.Set("apiKey", c.apiKey)
	return q
}

// recordQuota extracts usage accounting from response headers
func (c *Client) recordQuota(h http.Header) {
	remaining := headerInt(h, "x-requests-remaining")
	used := headerInt(h, "x-requests-used")
	last := headerInt(h, "x-requests-last")
	if remaining == nil && used == nil && last == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if remaining != nil {
		c.quota.RequestsRemaining = remaining
		c.metrics.SetQuotaRemaining(*remaining)
	}
	if used != nil {
		c.quota.RequestsUsed = used
	}
	if last != nil {
		c.quota.RequestsLast = last
	}
	c.quota.ObservedAt = c.now()
}

func (c *Client) reportDiagnostics(logger logrus.FieldLogger, diags []Diagnostic) {
	for _, d := range diags {
		c.metrics.ObserveDrop(d.Reason)
		logger.WithFields(logrus.Fields{
			"diagnostic": true,
			"reason":     d.Reason,
			"game_id":    d.GameID,
			"bookmaker":  d.Bookmaker,
			"market":     d.Market,
		}).Warn("dropped during normalization")
	}
}

func headerInt(h http.Header, key string) *int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	n := int(f)
	return &n
}

func outcome(err error) string {
	if kind, ok := apierr.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

func validateSportKey(key string) error {
	if !sportKeyPattern.MatchString(key) {
		return apierr.Validation("invalid sport key %q", key)
	}
	return nil
}

// oddsParams validates and canonicalises the shared odds query parameters
func oddsParams(regions []models.Region, markets []models.Market, format models.OddsFormat, dates models.DateFormat) (url.Values, models.OddsFormat, error) {
	params := url.Values{}

	if len(regions) > 0 {
		names := make([]string, 0, len(regions))
		for _, r := range regions {
			if err := r.Validate(); err != nil {
				return nil, "", apierr.Validation("%v", err)
			}
			names = append(names, string(r))
		}
		params.Set("regions", joinSorted(names))
	}

	if len(markets) == 0 {
		markets = []models.Market{models.MarketH2H}
	}
	names := make([]string, 0, len(markets))
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			return nil, "", apierr.Validation("%v", err)
		}
		names = append(names, string(m))
	}
	params.Set("markets", joinSorted(names))

	if format == "" {
		format = models.OddsFormatDecimal
	}
	if err := format.Validate(); err != nil {
		return nil, "", apierr.Validation("%v", err)
	}
	params.Set("oddsFormat", string(format))

	if dates == "" {
		dates = models.DateFormatISO
	}
	if err := dates.Validate(); err != nil {
		return nil, "", apierr.Validation("%v", err)
	}
	params.Set("dateFormat", string(dates))

	return params, format, nil
}

func canonicalList(values []string, what string) (string, error) {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || strings.Contains(v, ",") {
			return "", apierr.Validation("invalid %s %q", what, v)
		}
		cleaned = append(cleaned, v)
	}
	return joinSorted(cleaned), nil
}

// joinSorted dedupes and sorts so equivalent requests share a signature
func joinSorted(values []string) string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
