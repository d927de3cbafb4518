package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/Iris/adapters/theoddsapi"
	"github.com/XavierBriggs/Iris/internal/registry"
	"github.com/XavierBriggs/Iris/pkg/apierr"
	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the read API settings
type Config struct {
	AllowedOrigins    []string
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
}

// Server exposes normalized odds and scores over a read-only JSON API
type Server struct {
	adapter  contracts.VendorAdapter
	sports   *registry.SportRegistry
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
	logger   logrus.FieldLogger
	cfg      Config
	started  time.Time
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
}

// ModuleInfo describes a registered sport module
type ModuleInfo struct {
	SportKey    string          `json:"sport_key"`
	DisplayName string          `json:"display_name"`
	Regions     []models.Region `json:"regions"`
	Markets     []models.Market `json:"markets"`
}

// New creates the API server. gatherer may be nil to disable /metrics.
func New(adapter contracts.VendorAdapter, sports *registry.SportRegistry, gatherer prometheus.Gatherer, cfg Config, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst < 1 {
		cfg.Burst = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &Server{
		adapter:  adapter,
		sports:   sports,
		gatherer: gatherer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   logger,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Get("/quota", s.handleQuota)
		r.Get("/modules", s.handleModules)
		r.Get("/sports", s.handleSports)

		r.Route("/sports/{sport}", func(r chi.Router) {
			r.Get("/odds", s.handleOdds)
			r.Get("/scores", s.handleScores)
			r.Get("/events", s.handleEvents)
			r.Get("/events/{event}/odds", s.handleEventOdds)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).String(),
		"service":   "iris",
		"sports":    s.sports.Count(),
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.adapter.Quota())
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	modules := s.sports.GetAll()
	out := make([]ModuleInfo, 0, len(modules))
	for _, m := range modules {
		out = append(out, ModuleInfo{
			SportKey:    m.GetSportKey(),
			DisplayName: m.GetDisplayName(),
			Regions:     m.GetRegions(),
			Markets:     m.GetMarkets(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"modules": out, "count": len(out)})
}

// handleSports lists the provider catalogue
// Query params: all (include inactive), fresh
func (s *Server) handleSports(w http.ResponseWriter, r *http.Request) {
	all := queryBool(r, "all")

	sports, err := s.adapter.ListSports(r.Context(), !all, callOptions(r)...)
	if err != nil {
		s.respondAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sports": sports, "count": len(sports)})
}

// handleOdds returns priced events for one sport
// Query params: regions, markets, bookmakers, eventIds, oddsFormat, dateFormat,
// commenceTimeFrom, commenceTimeTo (RFC 3339), fresh, nowait
func (s *Server) handleOdds(w http.ResponseWriter, r *http.Request) {
	sportKey := chi.URLParam(r, "sport")
	q := r.URL.Query()

	regions, markets, err := parseRegionsAndMarkets(r, sportKey, s.sports)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	opts := models.FetchMarketsOptions{
		SportKey:   sportKey,
		Regions:    regions,
		Markets:    markets,
		OddsFormat: models.OddsFormat(q.Get("oddsFormat")),
		DateFormat: models.DateFormat(q.Get("dateFormat")),
		Bookmakers: splitList(q.Get("bookmakers")),
		EventIDs:   splitList(q.Get("eventIds")),
	}
	if opts.CommenceTimeFrom, err = queryTime(r, "commenceTimeFrom"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}
	if opts.CommenceTimeTo, err = queryTime(r, "commenceTimeTo"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	events, err := s.adapter.FetchMarkets(r.Context(), opts, callOptions(r)...)
	if err != nil {
		s.respondAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleEventOdds(w http.ResponseWriter, r *http.Request) {
	sportKey := chi.URLParam(r, "sport")
	q := r.URL.Query()

	regions, markets, err := parseRegionsAndMarkets(r, sportKey, s.sports)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}

	ev, err := s.adapter.FetchEventOdds(r.Context(), models.FetchEventOddsOptions{
		SportKey:   sportKey,
		EventID:    chi.URLParam(r, "event"),
		Regions:    regions,
		Markets:    markets,
		OddsFormat: models.OddsFormat(q.Get("oddsFormat")),
		DateFormat: models.DateFormat(q.Get("dateFormat")),
	}, callOptions(r)...)
	if err != nil {
		s.respondAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

// handleScores returns live and recent results
// Query params: daysFrom (1..3), fresh, nowait
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	sportKey := chi.URLParam(r, "sport")

	var daysFrom *int
	if raw := r.URL.Query().Get("daysFrom"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "daysFrom must be an integer", "validation")
			return
		}
		daysFrom = &n
	}

	records, err := s.adapter.FetchScores(r.Context(), sportKey, daysFrom, callOptions(r)...)
	if err != nil {
		s.respondAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"scores": records, "count": len(records)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.adapter.FetchEvents(r.Context(), chi.URLParam(r, "sport"), callOptions(r)...)
	if err != nil {
		s.respondAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// rateLimit protects the shared provider quota from bursts of API callers
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", apierr.KindRateLimit.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": chimiddleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// respondAPIError maps the provider error taxonomy onto HTTP statuses
func (s *Server) respondAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := StatusFor(err)

	if apiErr, ok := apierr.As(err); ok && apiErr.RetryAfter != nil {
		secs := int(apiErr.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	entry := s.logger.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}

	respondError(w, status, err.Error(), kind)
}

// StatusFor returns the HTTP status and error kind label for err
func StatusFor(err error) (int, string) {
	if errors.Is(err, theoddsapi.ErrIncompleteEvent) {
		return http.StatusNotFound, "incomplete_event"
	}
	if errors.Is(err, context.Canceled) {
		return 499, "canceled"
	}

	kind, ok := apierr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, ""
	}

	switch kind {
	case apierr.KindValidation:
		return http.StatusBadRequest, kind.String()
	case apierr.KindRateLimit:
		return http.StatusTooManyRequests, kind.String()
	case apierr.KindQuotaExceeded:
		return http.StatusServiceUnavailable, kind.String()
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout, kind.String()
	default:
		// authentication failures are our key, not the caller's
		return http.StatusBadGateway, kind.String()
	}
}

// parseRegionsAndMarkets reads regions and markets, defaulting to the
// registered module's settings when the caller gives none
func parseRegionsAndMarkets(r *http.Request, sportKey string, sports *registry.SportRegistry) ([]models.Region, []models.Market, error) {
	q := r.URL.Query()

	regions, err := models.ParseRegions(splitList(q.Get("regions")))
	if err != nil {
		return nil, nil, err
	}
	markets, err := models.ParseMarkets(splitList(q.Get("markets")))
	if err != nil {
		return nil, nil, err
	}

	if module, ok := sports.Get(sportKey); ok {
		if len(regions) == 0 && q.Get("bookmakers") == "" {
			regions = module.GetRegions()
		}
		if len(markets) == 0 {
			markets = module.GetMarkets()
		}
	}
	return regions, markets, nil
}

func callOptions(r *http.Request) []contracts.CallOption {
	var opts []contracts.CallOption
	if queryBool(r, "fresh") {
		opts = append(opts, contracts.BypassCache())
	}
	if queryBool(r, "nowait") {
		opts = append(opts, contracts.NonBlocking())
	}
	return opts
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func queryBool(r *http.Request, param string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(param))
	return v
}

func queryTime(r *http.Request, param string) (*time.Time, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(param + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("error encoding response")
	}
}

func respondError(w http.ResponseWriter, status int, message, kind string) {
	text := http.StatusText(status)
	if text == "" {
		text = "Client Closed Request"
	}
	respondJSON(w, status, ErrorResponse{
		Error:   text,
		Message: message,
		Code:    status,
		Kind:    kind,
	})
}
