package basketball_nba

import (
	"fmt"
	"strings"
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
)

// ValidateEvent checks if an NBA event is usable
func ValidateEvent(event models.EventOdds, now time.Time) error {
	if event.SportKey != "" && event.SportKey != "basketball_nba" {
		return fmt.Errorf("invalid sport key: expected basketball_nba, got %s", event.SportKey)
	}

	if event.Home == "" {
		return fmt.Errorf("home team cannot be empty")
	}

	if event.Away == "" {
		return fmt.Errorf("away team cannot be empty")
	}

	if NormalizeTeamName(event.Home) == NormalizeTeamName(event.Away) {
		return fmt.Errorf("home and away teams cannot be the same")
	}

	if event.CommenceTime.Before(now.Add(-24 * time.Hour)) {
		return fmt.Errorf("event commence time is too far in the past")
	}

	for _, offer := range event.Offers {
		if !IsFeaturedMarket(offer.Market) {
			return fmt.Errorf("unexpected market %q for NBA", offer.Market)
		}
		if (offer.Market == models.MarketSpread || offer.Market == models.MarketTotal) && offer.Context.Point == nil {
			return fmt.Errorf("market %s requires point value", offer.Market)
		}
	}

	return nil
}

// NormalizeTeamName standardizes team names from vendor
// Handles variations like "LA Lakers" vs "Los Angeles Lakers"
func NormalizeTeamName(name string) string {
	name = strings.TrimSpace(name)

	replacements := map[string]string{
		"LA Lakers":   "Los Angeles Lakers",
		"LA Clippers": "Los Angeles Clippers",
		"NY Knicks":   "New York Knicks",
		"GS Warriors": "Golden State Warriors",
		"SA Spurs":    "San Antonio Spurs",
		"OKC Thunder": "Oklahoma City Thunder",
		"NO Pelicans": "New Orleans Pelicans",
	}

	if normalized, ok := replacements[name]; ok {
		return normalized
	}

	return name
}
