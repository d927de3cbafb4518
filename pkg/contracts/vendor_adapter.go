package contracts

import (
	"context"

	"github.com/XavierBriggs/Iris/pkg/models"
)

// VendorAdapter is the stable, vendor-independent surface the scheduler and
// the read API depend on. Every method returns normalized models and typed
// *apierr.Error failures.
type VendorAdapter interface {
	// ListSports returns the provider's sport catalogue
	ListSports(ctx context.Context, activeOnly bool, opts ...CallOption) ([]models.Sport, error)

	// FetchMarkets retrieves priced events for one sport
	FetchMarkets(ctx context.Context, opts models.FetchMarketsOptions, callOpts ...CallOption) ([]models.EventOdds, error)

	// FetchEventOdds retrieves priced markets for a single event
	FetchEventOdds(ctx context.Context, opts models.FetchEventOddsOptions, callOpts ...CallOption) (*models.EventOdds, error)

	// FetchScores retrieves live and recently completed results.
	// daysFrom nil means live and upcoming games only.
	FetchScores(ctx context.Context, sportKey string, daysFrom *int, opts ...CallOption) ([]models.ScoreRecord, error)

	// FetchEvents retrieves upcoming events without odds (for discovery)
	FetchEvents(ctx context.Context, sportKey string, opts ...CallOption) ([]models.Event, error)

	// Quota returns the latest provider usage accounting
	Quota() models.Quota
}

// CallSettings are per-call overrides of the adapter's defaults
type CallSettings struct {
	NoRetry     bool // single attempt, errors surface immediately
	NonBlocking bool // fail with a rate limit error instead of waiting for a token
	BypassCache bool // always go to the provider; the fresh result is still cached
}

// CallOption modifies CallSettings for one call
type CallOption func(*CallSettings)

// WithoutRetry disables retries for one call
func WithoutRetry() CallOption {
	return func(s *CallSettings) { s.NoRetry = true }
}

// NonBlocking makes one call fail fast instead of waiting on the rate limiter
func NonBlocking() CallOption {
	return func(s *CallSettings) { s.NonBlocking = true }
}

// BypassCache skips the cache lookup for one call
func BypassCache() CallOption {
	return func(s *CallSettings) { s.BypassCache = true }
}

// ApplyCallOptions folds opts into settings
func ApplyCallOptions(opts []CallOption) CallSettings {
	var s CallSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
