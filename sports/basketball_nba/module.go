package basketball_nba

import (
	"time"

	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/pkg/models"
)

// Module implements the SportModule interface for NBA Basketball
type Module struct {
	config *Config
	now    func() time.Time
}

var _ contracts.SportModule = (*Module)(nil)

// NewModule creates a new NBA sport module
func NewModule() *Module {
	return &Module{
		config: DefaultConfig(),
		now:    time.Now,
	}
}

// GetSportKey returns the sport identifier
func (m *Module) GetSportKey() string {
	return m.config.SportKey
}

// GetDisplayName returns the human-readable name
func (m *Module) GetDisplayName() string {
	return m.config.DisplayName
}

// GetRegions returns the regions to poll
func (m *Module) GetRegions() []models.Region {
	return m.config.Regions
}

// GetMarkets returns the markets to poll
func (m *Module) GetMarkets() []models.Market {
	return FeaturedMarkets()
}

// OddsPollInterval returns the ramped odds cadence
func (m *Module) OddsPollInterval(hoursUntilStart float64, live bool) time.Duration {
	return m.config.GetOddsInterval(hoursUntilStart, live)
}

// GetIdlePollInterval returns the cadence used when nothing is scheduled
func (m *Module) GetIdlePollInterval() time.Duration {
	return m.config.Odds.IdleInterval
}

// GetScoresPollInterval returns the results cadence
func (m *Module) GetScoresPollInterval() time.Duration {
	return m.config.Scores.PollInterval
}

// GetScoresDaysFrom returns the completed-games lookback in days
func (m *Module) GetScoresDaysFrom() int {
	return m.config.Scores.DaysFrom
}

// ValidateEvent performs NBA-specific validation
func (m *Module) ValidateEvent(ev models.EventOdds) error {
	return ValidateEvent(ev, m.now())
}
