package delta

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/XavierBriggs/Iris/pkg/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	keyPrefix = "odds:current"

	// decimal odds are quoted to at most 3 places
	priceEpsilon = 0.0005
	pointEpsilon = 0.001
)

// Engine detects changed offers by comparing against the last published
// state kept in Redis
type Engine struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// CachedOffer represents the minimal data stored in Redis for comparison
type CachedOffer struct {
	DecimalOdds float64  `json:"decimal_odds"`
	Point       *float64 `json:"point,omitempty"`
}

// ChangeType indicates the type of change detected
type ChangeType string

const (
	ChangeTypeNew       ChangeType = "new"
	ChangeTypePriceOnly ChangeType = "price"
	ChangeTypePointOnly ChangeType = "point"
	ChangeTypeBoth      ChangeType = "price_and_point"
	ChangeTypeNone      ChangeType = "none"
)

// Delta represents a detected change to one offer
type Delta struct {
	GameID     string
	SportKey   string
	Offer      models.Offer
	ChangeType ChangeType
	OldOdds    *float64
	OldPoint   *float64
}

// NewEngine creates a new delta detection engine. ttl bounds how long an
// unchanged offer is remembered; after that it is reported as new again.
func NewEngine(redisClient redis.UniversalClient, ttl time.Duration) *Engine {
	return &Engine{
		redis: redisClient,
		ttl:   ttl,
	}
}

// DetectChanges returns the offers that differ from their last recorded state
func (e *Engine) DetectChanges(ctx context.Context, events []models.EventOdds) ([]Delta, error) {
	var (
		keys   []string
		offers []Delta
	)
	for _, ev := range events {
		for _, offer := range ev.Offers {
			keys = append(keys, BuildKey(ev.GameID, offer))
			offers = append(offers, Delta{GameID: ev.GameID, SportKey: ev.SportKey, Offer: offer})
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cachedValues, err := e.redis.MGet(ctx, keys...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	deltas := make([]Delta, 0, len(offers))
	for i, d := range offers {
		var cached interface{}
		if i < len(cachedValues) {
			cached = cachedValues[i]
		}

		d.ChangeType, d.OldOdds, d.OldPoint = CompareOffer(d.Offer, cached)
		if d.ChangeType != ChangeTypeNone {
			deltas = append(deltas, d)
		}
	}

	return deltas, nil
}

// UpdateCache records the published state of changed offers. Call it only
// after the deltas were written downstream.
func (e *Engine) UpdateCache(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	pipe := e.redis.Pipeline()
	for _, d := range deltas {
		data, err := json.Marshal(CachedOffer{
			DecimalOdds: d.Offer.DecimalOdds,
			Point:       d.Offer.Context.Point,
		})
		if err != nil {
			return fmt.Errorf("marshal cached offer: %w", err)
		}
		pipe.Set(ctx, BuildKey(d.GameID, d.Offer), data, e.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// BuildKey creates the Redis key for an offer
// Format: odds:current:{game_id}:{market}:{bookmaker}:{side}
func BuildKey(gameID string, offer models.Offer) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", keyPrefix, gameID, offer.Market, offer.Bookmaker, offer.Side)
}

// CompareOffer compares an offer against its cached value as returned by MGET
func CompareOffer(offer models.Offer, cachedValue interface{}) (ChangeType, *float64, *float64) {
	if cachedValue == nil {
		return ChangeTypeNew, nil, nil
	}

	cachedStr, ok := cachedValue.(string)
	if !ok {
		// corrupt entry, treat as new
		return ChangeTypeNew, nil, nil
	}

	var cached CachedOffer
	if err := json.Unmarshal([]byte(cachedStr), &cached); err != nil {
		return ChangeTypeNew, nil, nil
	}

	priceChanged := math.Abs(offer.DecimalOdds-cached.DecimalOdds) > priceEpsilon
	pointChanged := pointDiffers(offer.Context.Point, cached.Point)

	if !priceChanged && !pointChanged {
		return ChangeTypeNone, nil, nil
	}

	oldOdds := cached.DecimalOdds
	var oldPoint *float64
	if cached.Point != nil {
		val := *cached.Point
		oldPoint = &val
	}

	switch {
	case priceChanged && pointChanged:
		return ChangeTypeBoth, &oldOdds, oldPoint
	case priceChanged:
		return ChangeTypePriceOnly, &oldOdds, oldPoint
	default:
		return ChangeTypePointOnly, &oldOdds, oldPoint
	}
}

func pointDiffers(newPoint, oldPoint *float64) bool {
	if newPoint == nil && oldPoint == nil {
		return false
	}
	if newPoint == nil || oldPoint == nil {
		return true
	}
	return math.Abs(*newPoint-*oldPoint) > pointEpsilon
}

// AllNew reports every offer as new; used when no Redis is configured
func AllNew(events []models.EventOdds) []Delta {
	var deltas []Delta
	for _, ev := range events {
		for _, offer := range ev.Offers {
			deltas = append(deltas, Delta{
				GameID:     ev.GameID,
				SportKey:   ev.SportKey,
				Offer:      offer,
				ChangeType: ChangeTypeNew,
			})
		}
	}
	return deltas
}
