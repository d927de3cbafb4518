package basketball_nba

import "github.com/XavierBriggs/Iris/pkg/models"

// FeaturedMarkets returns the mainline markets polled for NBA
func FeaturedMarkets() []models.Market {
	return []models.Market{models.MarketH2H, models.MarketSpreads, models.MarketTotals}
}

// IsFeaturedMarket reports whether an internal market lane is polled for NBA
func IsFeaturedMarket(market string) bool {
	switch market {
	case models.MarketMoneyline, models.MarketSpread, models.MarketTotal:
		return true
	}
	return false
}
