package basketball_nba

import (
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
)

// Config contains NBA-specific polling configuration
type Config struct {
	// Sport identification
	SportKey    string
	DisplayName string

	// Regions to request
	Regions []models.Region

	// Odds polling for mainline markets
	Odds OddsConfig

	// Results polling
	Scores ScoresConfig
}

// OddsConfig defines the odds polling cadence
type OddsConfig struct {
	// Pre-match polling interval (beyond the ramp window)
	PreMatchInterval time.Duration

	// How many hours before start to begin ramping
	RampWithinHours float64

	// Target interval near tipoff
	RampTargetInterval time.Duration

	// In-play polling interval
	InPlayInterval time.Duration

	// Used when no games are scheduled
	IdleInterval time.Duration
}

// ScoresConfig defines results polling
type ScoresConfig struct {
	PollInterval time.Duration
	DaysFrom     int
}

// DefaultConfig returns the quota-conscious NBA defaults
func DefaultConfig() *Config {
	return &Config{
		SportKey:    "basketball_nba",
		DisplayName: "NBA Basketball",
		Regions:     []models.Region{models.RegionUS, models.RegionUS2},

		Odds: OddsConfig{
			PreMatchInterval:   5 * time.Minute,
			RampWithinHours:    6.0,
			RampTargetInterval: 90 * time.Second,
			InPlayInterval:     60 * time.Second,
			IdleInterval:       time.Hour,
		},

		Scores: ScoresConfig{
			PollInterval: 2 * time.Minute,
			DaysFrom:     1,
		},
	}
}

// GetOddsInterval returns the polling interval for odds based on hours
// until the nearest event start
func (c *Config) GetOddsInterval(hoursUntilStart float64, isLive bool) time.Duration {
	if isLive {
		return c.Odds.InPlayInterval
	}

	if hoursUntilStart > c.Odds.RampWithinHours {
		return c.Odds.PreMatchInterval
	}
	if hoursUntilStart < 0 {
		hoursUntilStart = 0
	}

	// Linear ramp from PreMatchInterval to RampTargetInterval
	rampFactor := hoursUntilStart / c.Odds.RampWithinHours
	diff := c.Odds.PreMatchInterval - c.Odds.RampTargetInterval
	return c.Odds.RampTargetInterval + time.Duration(float64(diff)*rampFactor)
}
