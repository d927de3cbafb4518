package americanfootball_nfl

import (
	"fmt"
	"time"

	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/pkg/models"
)

// Module implements the SportModule interface for NFL Football
type Module struct {
	config *Config
	now    func() time.Time
}

var _ contracts.SportModule = (*Module)(nil)

// NewModule creates a new NFL sport module
func NewModule() *Module {
	return &Module{config: DefaultConfig(), now: time.Now}
}

func (m *Module) GetSportKey() string { return m.config.SportKey }

func (m *Module) GetDisplayName() string { return m.config.DisplayName }

func (m *Module) GetRegions() []models.Region { return m.config.Regions }

func (m *Module) GetIdlePollInterval() time.Duration { return m.config.IdleInterval }

func (m *Module) GetScoresPollInterval() time.Duration { return m.config.ScoresInterval }

func (m *Module) GetScoresDaysFrom() int { return m.config.ScoresDaysFrom }

// GetMarkets returns the mainline markets
func (m *Module) GetMarkets() []models.Market {
	return []models.Market{models.MarketH2H, models.MarketSpreads, models.MarketTotals}
}

func (m *Module) OddsPollInterval(hoursUntilStart float64, live bool) time.Duration {
	return m.config.GetOddsInterval(hoursUntilStart, live)
}

// ValidateEvent rejects events that cannot belong to an NFL slate
func (m *Module) ValidateEvent(ev models.EventOdds) error {
	if ev.SportKey != "" && ev.SportKey != m.config.SportKey {
		return fmt.Errorf("invalid sport key: expected %s, got %s", m.config.SportKey, ev.SportKey)
	}
	if ev.Home == "" || ev.Away == "" {
		return fmt.Errorf("both teams are required")
	}
	if ev.Home == ev.Away {
		return fmt.Errorf("home and away teams cannot be the same")
	}
	// a game runs well under a day; anything older is stale provider data
	if ev.CommenceTime.Before(m.now().Add(-24 * time.Hour)) {
		return fmt.Errorf("event commence time is too far in the past")
	}
	for _, offer := range ev.Offers {
		switch offer.Market {
		case models.MarketMoneyline:
		case models.MarketSpread, models.MarketTotal:
			if offer.Context.Point == nil {
				return fmt.Errorf("market %s requires point value", offer.Market)
			}
		default:
			return fmt.Errorf("unexpected market %q for NFL", offer.Market)
		}
	}
	return nil
}
