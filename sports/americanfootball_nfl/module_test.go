package americanfootball_nfl

import (
	"testing"
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestGetOddsInterval(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 15*time.Minute, config.GetOddsInterval(72, false))
	assert.Equal(t, 90*time.Second, config.GetOddsInterval(1, true))
	assert.Equal(t, 2*time.Minute, config.GetOddsInterval(0, false))

	ramp := config.GetOddsInterval(2, false)
	assert.Greater(t, ramp, 2*time.Minute)
	assert.Less(t, ramp, 15*time.Minute)
}

func TestValidateEvent(t *testing.T) {
	now := time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)
	m := NewModule()
	m.now = func() time.Time { return now }

	ev := models.EventOdds{
		GameID:       "g1",
		SportKey:     "americanfootball_nfl",
		CommenceTime: now.Add(5 * time.Hour),
		Home:         "Detroit Lions",
		Away:         "Green Bay Packers",
		Offers:       []models.Offer{{Market: models.MarketMoneyline, DecimalOdds: 1.7}},
	}
	assert.NoError(t, m.ValidateEvent(ev))

	ev.Offers = []models.Offer{{Market: models.MarketTotal, DecimalOdds: 1.9}}
	assert.Error(t, m.ValidateEvent(ev), "total without a line")

	ev.Offers = nil
	ev.SportKey = "basketball_nba"
	assert.Error(t, m.ValidateEvent(ev))

	ev.SportKey = ""
	ev.Away = ev.Home
	assert.Error(t, m.ValidateEvent(ev))
}
