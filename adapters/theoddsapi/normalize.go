package theoddsapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/XavierBriggs/Iris/pkg/oddsmath"
)

// ErrIncompleteEvent is returned when a single requested event lacks the
// fields needed to normalize it
var ErrIncompleteEvent = errors.New("theoddsapi: event is missing required fields")

// Diagnostic reasons
const (
	ReasonMissingID           = "missing_id"
	ReasonMissingTeams        = "missing_teams"
	ReasonMissingCommenceTime = "missing_commence_time"
	ReasonMissingPrice        = "missing_price"
	ReasonInvalidPrice        = "invalid_price"
)

// Diagnostic records one item dropped during normalization
type Diagnostic struct {
	GameID    string
	Bookmaker string
	Market    string
	Outcome   string
	Reason    string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Reason)
	if d.GameID != "" {
		fmt.Fprintf(&b, " game=%s", d.GameID)
	}
	if d.Bookmaker != "" {
		fmt.Fprintf(&b, " book=%s", d.Bookmaker)
	}
	if d.Market != "" {
		fmt.Fprintf(&b, " market=%s", d.Market)
	}
	if d.Outcome != "" {
		fmt.Fprintf(&b, " outcome=%q", d.Outcome)
	}
	return b.String()
}

var marketLanes = map[string]string{
	string(models.MarketH2H):     models.MarketMoneyline,
	string(models.MarketSpreads): models.MarketSpread,
	string(models.MarketTotals):  models.MarketTotal,
}

// MapMarketKey translates a provider market key. Unknown keys pass through.
func MapMarketKey(providerKey string) string {
	if lane, ok := marketLanes[providerKey]; ok {
		return lane
	}
	return providerKey
}

// NormalizeSports converts the sport catalogue
func NormalizeSports(raw []RawSport) []models.Sport {
	sports := make([]models.Sport, 0, len(raw))
	for _, s := range raw {
		if s.Key == "" {
			continue
		}
		sports = append(sports, models.Sport{
			Key:          s.Key,
			Title:        s.Title,
			Group:        s.Group,
			Description:  s.Description,
			Active:       s.Active,
			HasOutrights: s.HasOutrights,
		})
	}
	return sports
}

// NormalizeEvents converts a batch of priced events. Events missing required
// fields are dropped with a diagnostic; the rest of the batch survives.
func NormalizeEvents(raw []RawEvent, format models.OddsFormat) ([]models.EventOdds, []Diagnostic) {
	events := make([]models.EventOdds, 0, len(raw))
	var diags []Diagnostic

	for _, re := range raw {
		ev, eventDiags, ok := NormalizeEvent(re, format)
		diags = append(diags, eventDiags...)
		if ok {
			events = append(events, ev)
		}
	}
	return events, diags
}

// NormalizeEvent converts one priced event. ok is false when the event
// itself was dropped.
func NormalizeEvent(re RawEvent, format models.OddsFormat) (ev models.EventOdds, diags []Diagnostic, ok bool) {
	if d, valid := checkRequired(re.ID, re.HomeTeam, re.AwayTeam, re.CommenceTime); !valid {
		return models.EventOdds{}, []Diagnostic{d}, false
	}

	ev = models.EventOdds{
		GameID:       re.ID,
		SportKey:     re.SportKey,
		CommenceTime: re.CommenceTime.Value,
		Home:         re.HomeTeam,
		Away:         re.AwayTeam,
		Offers:       []models.Offer{},
	}

	for _, bm := range re.Bookmakers {
		book := bookLabel(bm)
		for _, mk := range bm.Markets {
			lane := MapMarketKey(mk.Key)
			for _, out := range mk.Outcomes {
				price, reason := decimalPrice(out.Price, format)
				if reason != "" {
					diags = append(diags, Diagnostic{
						GameID:    re.ID,
						Bookmaker: book,
						Market:    mk.Key,
						Outcome:   out.Name,
						Reason:    reason,
					})
					continue
				}

				point := out.Point.Ptr()
				ev.Offers = append(ev.Offers, models.Offer{
					Bookmaker:   book,
					Market:      lane,
					Side:        sideLabel(lane, out.Name, point),
					DecimalOdds: price,
					Context: models.OfferContext{
						HomeTeam:          re.HomeTeam,
						AwayTeam:          re.AwayTeam,
						Bookmaker:         book,
						ProviderMarketKey: mk.Key,
						Point:             point,
					},
				})
			}
		}
	}

	return ev, diags, true
}

// NormalizeScores converts score records. Scores the provider did not
// report, or reported unparseably, stay nil.
func NormalizeScores(raw []RawScoreEvent) ([]models.ScoreRecord, []Diagnostic) {
	records := make([]models.ScoreRecord, 0, len(raw))
	var diags []Diagnostic

	for _, rs := range raw {
		if d, valid := checkRequired(rs.ID, rs.HomeTeam, rs.AwayTeam, rs.CommenceTime); !valid {
			diags = append(diags, d)
			continue
		}

		rec := models.ScoreRecord{
			GameID:       rs.ID,
			SportKey:     rs.SportKey,
			CommenceTime: rs.CommenceTime.Value,
			Completed:    rs.Completed.Valid && rs.Completed.Value,
			Home:         rs.HomeTeam,
			Away:         rs.AwayTeam,
			LastUpdate:   rs.LastUpdate.Ptr(),
		}

		for _, s := range rs.Scores {
			switch s.Name {
			case rs.HomeTeam:
				rec.HomeScore = s.Score.Ptr()
			case rs.AwayTeam:
				rec.AwayScore = s.Score.Ptr()
			}
		}
		if rs.HomeScore.Valid {
			rec.HomeScore = rs.HomeScore.Ptr()
		}
		if rs.AwayScore.Valid {
			rec.AwayScore = rs.AwayScore.Ptr()
		}

		records = append(records, rec)
	}
	return records, diags
}

// NormalizeDiscovery converts unpriced events used for scheduling
func NormalizeDiscovery(raw []RawEvent) ([]models.Event, []Diagnostic) {
	events := make([]models.Event, 0, len(raw))
	var diags []Diagnostic

	for _, re := range raw {
		if d, valid := checkRequired(re.ID, re.HomeTeam, re.AwayTeam, re.CommenceTime); !valid {
			diags = append(diags, d)
			continue
		}
		events = append(events, models.Event{
			GameID:       re.ID,
			SportKey:     re.SportKey,
			CommenceTime: re.CommenceTime.Value,
			Home:         re.HomeTeam,
			Away:         re.AwayTeam,
		})
	}
	return events, diags
}

func checkRequired(id, home, away string, commence optTime) (Diagnostic, bool) {
	switch {
	case strings.TrimSpace(id) == "":
		return Diagnostic{Reason: ReasonMissingID}, false
	case strings.TrimSpace(home) == "" || strings.TrimSpace(away) == "":
		return Diagnostic{GameID: id, Reason: ReasonMissingTeams}, false
	case !commence.Valid:
		return Diagnostic{GameID: id, Reason: ReasonMissingCommenceTime}, false
	}
	return Diagnostic{}, true
}

// decimalPrice returns the decimal price or the reason the offer is dropped
func decimalPrice(price optFloat, format models.OddsFormat) (float64, string) {
	if !price.Valid {
		return 0, ReasonMissingPrice
	}

	value := price.Value
	if format == models.OddsFormatAmerican {
		converted, err := oddsmath.AmericanToDecimal(value)
		if err != nil {
			return 0, ReasonInvalidPrice
		}
		value = converted
	}

	if value <= 1.0 {
		return 0, ReasonInvalidPrice
	}
	return value, ""
}

func bookLabel(bm RawBookmaker) string {
	if t := strings.TrimSpace(bm.Title); t != "" {
		return t
	}
	if k := strings.TrimSpace(bm.Key); k != "" {
		return k
	}
	return "Unknown"
}

func sideLabel(lane, name string, point *float64) string {
	switch lane {
	case models.MarketMoneyline:
		return name + " ML"
	case models.MarketSpread:
		if point != nil {
			return fmt.Sprintf("%s %+g", name, *point)
		}
	default:
		if point != nil {
			return fmt.Sprintf("%s %g", name, *point)
		}
	}
	return name
}
