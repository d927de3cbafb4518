package models

import "time"

// Internal market lanes. Vendor keys without a lane keep their raw key.
const (
	MarketMoneyline = "moneyline"
	MarketSpread    = "spread"
	MarketTotal     = "total"
)

// Sport is one entry of the provider's sport catalogue
type Sport struct {
	Key          string `json:"key"`
	Title        string `json:"title"`
	Group        string `json:"group"`
	Description  string `json:"description,omitempty"`
	Active       bool   `json:"active"`
	HasOutrights bool   `json:"has_outrights"`
}

// EventOdds is one contest with every priced offer across bookmakers.
// GameID joins odds and scores for the same contest.
type EventOdds struct {
	GameID       string    `json:"game_id"`
	SportKey     string    `json:"sport_key,omitempty"`
	CommenceTime time.Time `json:"commence_time"`
	Home         string    `json:"home"`
	Away         string    `json:"away"`
	Offers       []Offer   `json:"offers"`
}

// Offer is one bookmaker's price for one outcome of one market
type Offer struct {
	Bookmaker   string       `json:"bookmaker"`
	Market      string       `json:"market"`
	Side        string       `json:"side"`
	DecimalOdds float64      `json:"decimal_odds"`
	Context     OfferContext `json:"context"`
}

// OfferContext carries the minimal data a scoring agent needs with an offer
type OfferContext struct {
	HomeTeam          string   `json:"home_team"`
	AwayTeam          string   `json:"away_team"`
	Bookmaker         string   `json:"bookmaker"`
	ProviderMarketKey string   `json:"provider_market_key"`
	Point             *float64 `json:"point,omitempty"` // nil when the market has no line
}

// ScoreRecord is the latest known result of a contest.
// Nil scores mean the provider did not report them, not zero.
type ScoreRecord struct {
	GameID       string     `json:"game_id"`
	SportKey     string     `json:"sport_key,omitempty"`
	CommenceTime time.Time  `json:"commence_time"`
	Completed    bool       `json:"completed"`
	Home         string     `json:"home"`
	Away         string     `json:"away"`
	HomeScore    *int       `json:"home_score,omitempty"`
	AwayScore    *int       `json:"away_score,omitempty"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
}

// Event represents a scheduled contest without prices (discovery)
type Event struct {
	GameID       string    `json:"game_id"`
	SportKey     string    `json:"sport_key"`
	CommenceTime time.Time `json:"commence_time"`
	Home         string    `json:"home"`
	Away         string    `json:"away"`
}

// Quota is the provider's usage accounting, read from response headers
type Quota struct {
	RequestsRemaining *int      `json:"requests_remaining,omitempty"`
	RequestsUsed      *int      `json:"requests_used,omitempty"`
	RequestsLast      *int      `json:"requests_last,omitempty"`
	ObservedAt        time.Time `json:"observed_at"`
}

// FetchMarketsOptions contains parameters for fetching odds for a sport
type FetchMarketsOptions struct {
	SportKey   string
	Regions    []Region
	Markets    []Market // defaults to h2h
	OddsFormat OddsFormat
	DateFormat DateFormat
	Bookmakers []string
	EventIDs   []string

	CommenceTimeFrom *time.Time
	CommenceTimeTo   *time.Time
}

// FetchEventOddsOptions contains parameters for fetching odds for one event
type FetchEventOddsOptions struct {
	SportKey   string
	EventID    string
	Regions    []Region
	Markets    []Market // defaults to h2h
	OddsFormat OddsFormat
	DateFormat DateFormat
}
