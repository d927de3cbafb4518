package theoddsapi

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Boundary structures matching The Odds API v4 JSON. Anything the provider
// may omit, null out, or quote as a string decodes into an opt* type so
// absence survives normalization.

type RawSport struct {
	Key          string `json:"key"`
	Group        string `json:"group"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Active       bool   `json:"active"`
	HasOutrights bool   `json:"has_outrights"`
}

type RawEvent struct {
	ID           string         `json:"id"`
	SportKey     string         `json:"sport_key"`
	SportTitle   string         `json:"sport_title"`
	CommenceTime optTime        `json:"commence_time"`
	HomeTeam     string         `json:"home_team"`
	AwayTeam     string         `json:"away_team"`
	Bookmakers   []RawBookmaker `json:"bookmakers"`
}

type RawBookmaker struct {
	Key        string      `json:"key"`
	Title      string      `json:"title"`
	LastUpdate optTime     `json:"last_update"`
	Markets    []RawMarket `json:"markets"`
}

type RawMarket struct {
	Key        string       `json:"key"`
	LastUpdate optTime      `json:"last_update"`
	Outcomes   []RawOutcome `json:"outcomes"`
}

type RawOutcome struct {
	Name  string   `json:"name"`
	Price optFloat `json:"price"`
	Point optFloat `json:"point"`
}

type RawScoreEvent struct {
	ID           string     `json:"id"`
	SportKey     string     `json:"sport_key"`
	CommenceTime optTime    `json:"commence_time"`
	Completed    optBool    `json:"completed"`
	HomeTeam     string     `json:"home_team"`
	AwayTeam     string     `json:"away_team"`
	Scores       []RawScore `json:"scores"`
	HomeScore    optInt     `json:"home_score"`
	AwayScore    optInt     `json:"away_score"`
	LastUpdate   optTime    `json:"last_update"`
}

type RawScore struct {
	Name  string `json:"name"`
	Score optInt `json:"score"`
}

// providerError is the error body shape the provider uses
type providerError struct {
	Message    string   `json:"message"`
	ErrorCode  string   `json:"error_code"`
	Details    string   `json:"details"`
	RetryAfter optFloat `json:"retry_after"`
	RetryAlt   optFloat `json:"retryAfter"`
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// unquote returns the contents of a JSON string, or the raw token otherwise
func unquote(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(trimmed)
}

// optFloat is a number that may be missing, null, or quoted
type optFloat struct {
	Value float64
	Valid bool
}

func (o *optFloat) UnmarshalJSON(data []byte) error {
	*o = optFloat{}
	if isNull(data) {
		return nil
	}
	v, err := strconv.ParseFloat(unquote(data), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		// unparseable values are treated as absent
		return nil
	}
	*o = optFloat{Value: v, Valid: true}
	return nil
}

func (o optFloat) Ptr() *float64 {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// optInt is an integer that may be missing, null, or quoted
type optInt struct {
	Value int
	Valid bool
}

func (o *optInt) UnmarshalJSON(data []byte) error {
	*o = optInt{}
	if isNull(data) {
		return nil
	}
	s := unquote(data)
	if v, err := strconv.Atoi(s); err == nil {
		*o = optInt{Value: v, Valid: true}
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt32 {
		*o = optInt{Value: int(f), Valid: true}
	}
	return nil
}

func (o optInt) Ptr() *int {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// optBool accepts true/false, quoted booleans, and null
type optBool struct {
	Value bool
	Valid bool
}

func (o *optBool) UnmarshalJSON(data []byte) error {
	*o = optBool{}
	if isNull(data) {
		return nil
	}
	if v, err := strconv.ParseBool(unquote(data)); err == nil {
		*o = optBool{Value: v, Valid: true}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
}

// optTime is an ISO-8601 string or unix seconds (dateFormat=unix)
type optTime struct {
	Value time.Time
	Valid bool
}

func (o *optTime) UnmarshalJSON(data []byte) error {
	*o = optTime{}
	if isNull(data) {
		return nil
	}

	s := unquote(data)
	if s == "" {
		return nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole, frac := math.Modf(secs)
		*o = optTime{Value: time.Unix(int64(whole), int64(frac*1e9)).UTC(), Valid: true}
		return nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*o = optTime{Value: t.UTC(), Valid: true}
			return nil
		}
	}
	return nil
}

func (o optTime) Ptr() *time.Time {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

func decodeSports(body []byte) ([]RawSport, error) {
	var out []RawSport
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEvents(body []byte) ([]RawEvent, error) {
	var out []RawEvent
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEvent(body []byte) (RawEvent, error) {
	var out RawEvent
	err := json.Unmarshal(body, &out)
	return out, err
}

func decodeScores(body []byte) ([]RawScoreEvent, error) {
	var out []RawScoreEvent
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
