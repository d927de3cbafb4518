package contracts

import (
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
)

// SportModule defines what to poll for one sport and how often.
// This enables Iris to support multiple sports dynamically.
type SportModule interface {
	// GetSportKey returns the provider's sport key (e.g., "basketball_nba")
	GetSportKey() string

	// GetDisplayName returns the human-readable name (e.g., "NBA Basketball")
	GetDisplayName() string

	// GetRegions returns the bookmaker regions to request
	GetRegions() []models.Region

	// GetMarkets returns the markets to poll
	GetMarkets() []models.Market

	// OddsPollInterval returns the odds cadence given the nearest event start
	OddsPollInterval(hoursUntilStart float64, live bool) time.Duration

	// GetIdlePollInterval is used when the sport has no scheduled events
	GetIdlePollInterval() time.Duration

	// GetScoresPollInterval returns how often to poll results
	GetScoresPollInterval() time.Duration

	// GetScoresDaysFrom returns how many days of completed games to request (1..3)
	GetScoresDaysFrom() int

	// ValidateEvent performs sport-specific checks on a normalized event
	ValidateEvent(ev models.EventOdds) error
}
