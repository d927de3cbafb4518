package americanfootball_nfl

import (
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
)

// Config contains NFL polling configuration. Games are weekly, so the
// pre-match cadence is far slower than basketball and only ramps on game day.
type Config struct {
	SportKey    string
	DisplayName string
	Regions     []models.Region

	PreMatchInterval   time.Duration
	RampWithinHours    float64
	RampTargetInterval time.Duration
	InPlayInterval     time.Duration
	IdleInterval       time.Duration

	ScoresInterval time.Duration
	ScoresDaysFrom int
}

// DefaultConfig returns the NFL defaults
func DefaultConfig() *Config {
	return &Config{
		SportKey:    "americanfootball_nfl",
		DisplayName: "NFL Football",
		Regions:     []models.Region{models.RegionUS},

		PreMatchInterval:   15 * time.Minute,
		RampWithinHours:    4.0,
		RampTargetInterval: 2 * time.Minute,
		InPlayInterval:     90 * time.Second,
		IdleInterval:       6 * time.Hour,

		ScoresInterval: 3 * time.Minute,
		ScoresDaysFrom: 2,
	}
}

// GetOddsInterval returns the odds cadence for the nearest kickoff
func (c *Config) GetOddsInterval(hoursUntilStart float64, isLive bool) time.Duration {
	switch {
	case isLive:
		return c.InPlayInterval
	case hoursUntilStart > c.RampWithinHours:
		return c.PreMatchInterval
	case hoursUntilStart <= 0:
		return c.RampTargetInterval
	}

	rampFactor := hoursUntilStart / c.RampWithinHours
	diff := c.PreMatchInterval - c.RampTargetInterval
	return c.RampTargetInterval + time.Duration(float64(diff)*rampFactor)
}
