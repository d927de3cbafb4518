package writer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/XavierBriggs/Iris/internal/delta"
	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/XavierBriggs/Iris/pkg/oddsmath"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	oddsStreamFormat   = "odds.normalized.%s" // odds.normalized.basketball_nba
	scoresStreamFormat = "scores.%s"
	defaultStreamLen   = 10000
)

// Schema holds the current-state tables. Only the latest value of each row
// is kept; history lives downstream of the streams.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	game_id       TEXT PRIMARY KEY,
	sport_key     TEXT NOT NULL,
	home_team     TEXT NOT NULL,
	away_team     TEXT NOT NULL,
	commence_time TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS offers_current (
	game_id             TEXT NOT NULL REFERENCES events (game_id) ON DELETE CASCADE,
	market              TEXT NOT NULL,
	bookmaker           TEXT NOT NULL,
	side                TEXT NOT NULL,
	decimal_odds        DOUBLE PRECISION NOT NULL,
	point               DOUBLE PRECISION,
	provider_market_key TEXT NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, market, bookmaker, side)
);

CREATE TABLE IF NOT EXISTS scores (
	game_id       TEXT PRIMARY KEY,
	sport_key     TEXT NOT NULL,
	home_team     TEXT NOT NULL,
	away_team     TEXT NOT NULL,
	commence_time TIMESTAMPTZ NOT NULL,
	completed     BOOLEAN NOT NULL,
	home_score    INTEGER,
	away_score    INTEGER,
	last_update   TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

// Writer persists current state to Postgres and publishes changes to Redis
// Streams. Either backend may be nil, which disables that half.
type Writer struct {
	db     *sql.DB
	redis  redis.UniversalClient
	logger logrus.FieldLogger
	now    func() time.Time

	streamLen int64
}

// OfferMessage is one changed offer published to odds.normalized.<sport>
type OfferMessage struct {
	GameID            string    `json:"game_id"`
	SportKey          string    `json:"sport_key"`
	CommenceTime      time.Time `json:"commence_time"`
	HomeTeam          string    `json:"home_team"`
	AwayTeam          string    `json:"away_team"`
	Bookmaker         string    `json:"bookmaker"`
	Market            string    `json:"market"`
	ProviderMarketKey string    `json:"provider_market_key"`
	Side              string    `json:"side"`
	DecimalOdds       float64   `json:"decimal_odds"`
	AmericanOdds      int       `json:"american_odds"`
	ImpliedProb       float64   `json:"implied_probability"`
	Point             *float64  `json:"point,omitempty"`
	ChangeType        string    `json:"change_type"`
	OldDecimalOdds    *float64  `json:"old_decimal_odds,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// ScoreMessage is one result published to scores.<sport>
type ScoreMessage struct {
	models.ScoreRecord
	ReceivedAt time.Time `json:"received_at"`
}

// NewWriter creates a new writer
func NewWriter(db *sql.DB, redisClient redis.UniversalClient, logger logrus.FieldLogger) *Writer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Writer{
		db:        db,
		redis:     redisClient,
		logger:    logger,
		now:       time.Now,
		streamLen: defaultStreamLen,
	}
}

// EnsureSchema creates the current-state tables if they are missing
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if w.db == nil {
		return nil
	}
	if _, err := w.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WriteOdds upserts the polled events and their changed offers, then
// publishes the changes. The database is the source of truth: a publish
// failure is logged, not returned.
func (w *Writer) WriteOdds(ctx context.Context, events []models.EventOdds, deltas []delta.Delta) error {
	if len(events) == 0 && len(deltas) == 0 {
		return nil
	}
	now := w.now().UTC()

	if w.db != nil {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := upsertEvents(ctx, tx, events, now); err != nil {
			return fmt.Errorf("upsert events: %w", err)
		}
		if err := upsertOffers(ctx, tx, deltas, now); err != nil {
			return fmt.Errorf("upsert offers: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
	}

	if err := w.publish(ctx, oddsStreamFormat, OfferMessages(events, deltas, now)); err != nil {
		w.logger.WithError(err).Warn("publish odds to stream failed")
	}
	return nil
}

// WriteScores upserts the latest results and publishes them
func (w *Writer) WriteScores(ctx context.Context, records []models.ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := w.now().UTC()

	if w.db != nil {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := upsertScores(ctx, tx, records, now); err != nil {
			return fmt.Errorf("upsert scores: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
	}

	msgs := make(map[string][]interface{})
	for _, rec := range records {
		msgs[rec.SportKey] = append(msgs[rec.SportKey], ScoreMessage{ScoreRecord: rec, ReceivedAt: now})
	}
	if err := w.publish(ctx, scoresStreamFormat, msgs); err != nil {
		w.logger.WithError(err).Warn("publish scores to stream failed")
	}
	return nil
}

// OfferMessages builds stream messages for deltas grouped by sport
func OfferMessages(events []models.EventOdds, deltas []delta.Delta, receivedAt time.Time) map[string][]interface{} {
	byGame := make(map[string]models.EventOdds, len(events))
	for _, ev := range events {
		byGame[ev.GameID] = ev
	}

	out := make(map[string][]interface{})
	for _, d := range deltas {
		ev := byGame[d.GameID]
		sportKey := d.SportKey
		if sportKey == "" {
			sportKey = ev.SportKey
		}

		// offers reaching here already have decimal odds > 1.0
		american, _ := oddsmath.DecimalToAmerican(d.Offer.DecimalOdds)
		implied, _ := oddsmath.ImpliedProbability(d.Offer.DecimalOdds)

		out[sportKey] = append(out[sportKey], OfferMessage{
			GameID:            d.GameID,
			SportKey:          sportKey,
			CommenceTime:      ev.CommenceTime,
			HomeTeam:          d.Offer.Context.HomeTeam,
			AwayTeam:          d.Offer.Context.AwayTeam,
			Bookmaker:         d.Offer.Bookmaker,
			Market:            d.Offer.Market,
			ProviderMarketKey: d.Offer.Context.ProviderMarketKey,
			Side:              d.Offer.Side,
			DecimalOdds:       d.Offer.DecimalOdds,
			AmericanOdds:      american,
			ImpliedProb:       implied,
			Point:             d.Offer.Context.Point,
			ChangeType:        string(d.ChangeType),
			OldDecimalOdds:    d.OldOdds,
			ReceivedAt:        receivedAt,
		})
	}
	return out
}

// publish appends messages to one stream per sport
func (w *Writer) publish(ctx context.Context, streamFormat string, bySport map[string][]interface{}) error {
	if w.redis == nil || len(bySport) == 0 {
		return nil
	}

	sports := make([]string, 0, len(bySport))
	for sportKey := range bySport {
		sports = append(sports, sportKey)
	}
	sort.Strings(sports)

	pipe := w.redis.Pipeline()
	for _, sportKey := range sports {
		streamKey := fmt.Sprintf(streamFormat, sportKey)
		for _, msg := range bySport[sportKey] {
			msgJSON, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal stream message: %w", err)
			}

			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: streamKey,
				MaxLen: w.streamLen,
				Approx: true,
				Values: map[string]interface{}{
					"data": msgJSON,
				},
			})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec for stream: %w", err)
	}
	return nil
}

// upsertEvents inserts or updates events in the events table
func upsertEvents(ctx context.Context, tx *sql.Tx, events []models.EventOdds, now time.Time) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO events (game_id, sport_key, home_team, away_team, commence_time, updated_at)
		SELECT UNNEST($1::text[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::text[]), UNNEST($5::timestamptz[]), $6::timestamptz
		ON CONFLICT (game_id)
		DO UPDATE SET
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			commence_time = EXCLUDED.commence_time,
			updated_at = EXCLUDED.updated_at
	`

	gameIDs := make([]string, len(events))
	sportKeys := make([]string, len(events))
	homeTeams := make([]string, len(events))
	awayTeams := make([]string, len(events))
	commenceTimes := make([]time.Time, len(events))

	for i, ev := range events {
		gameIDs[i] = ev.GameID
		sportKeys[i] = ev.SportKey
		homeTeams[i] = ev.Home
		awayTeams[i] = ev.Away
		commenceTimes[i] = ev.CommenceTime
	}

	_, err := tx.ExecContext(ctx, query,
		pq.Array(gameIDs), pq.Array(sportKeys), pq.Array(homeTeams),
		pq.Array(awayTeams), pq.Array(commenceTimes), now,
	)
	return err
}

// upsertOffers replaces the current price of each changed offer
func upsertOffers(ctx context.Context, tx *sql.Tx, deltas []delta.Delta, now time.Time) error {
	if len(deltas) == 0 {
		return nil
	}

	query := `
		INSERT INTO offers_current (
			game_id, market, bookmaker, side, decimal_odds, point, provider_market_key, updated_at
		)
		SELECT g, m, b, s, o, p, k, $8::timestamptz FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[],
			$5::float8[], $6::float8[], $7::text[]
		) AS t (g, m, b, s, o, p, k)
		ON CONFLICT (game_id, market, bookmaker, side)
		DO UPDATE SET
			decimal_odds = EXCLUDED.decimal_odds,
			point = EXCLUDED.point,
			updated_at = EXCLUDED.updated_at
	`

	gameIDs := make([]string, len(deltas))
	markets := make([]string, len(deltas))
	bookmakers := make([]string, len(deltas))
	sides := make([]string, len(deltas))
	odds := make([]float64, len(deltas))
	points := make([]*float64, len(deltas))
	providerKeys := make([]string, len(deltas))

	for i, d := range deltas {
		gameIDs[i] = d.GameID
		markets[i] = d.Offer.Market
		bookmakers[i] = d.Offer.Bookmaker
		sides[i] = d.Offer.Side
		odds[i] = d.Offer.DecimalOdds
		points[i] = d.Offer.Context.Point
		providerKeys[i] = d.Offer.Context.ProviderMarketKey
	}

	_, err := tx.ExecContext(ctx, query,
		pq.Array(gameIDs), pq.Array(markets), pq.Array(bookmakers), pq.Array(sides),
		pq.Array(odds), pq.Array(points), pq.Array(providerKeys), now,
	)
	return err
}

// upsertScores replaces the latest known result of each game
func upsertScores(ctx context.Context, tx *sql.Tx, records []models.ScoreRecord, now time.Time) error {
	query := `
		INSERT INTO scores (
			game_id, sport_key, home_team, away_team, commence_time,
			completed, home_score, away_score, last_update, updated_at
		)
		SELECT g, s, h, a, c, d, hs, aws, lu, $10::timestamptz FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[],
			$6::boolean[], $7::int[], $8::int[], $9::timestamptz[]
		) AS t (g, s, h, a, c, d, hs, aws, lu)
		ON CONFLICT (game_id)
		DO UPDATE SET
			completed = EXCLUDED.completed,
			home_score = COALESCE(EXCLUDED.home_score, scores.home_score),
			away_score = COALESCE(EXCLUDED.away_score, scores.away_score),
			last_update = COALESCE(EXCLUDED.last_update, scores.last_update),
			updated_at = EXCLUDED.updated_at
	`

	gameIDs := make([]string, len(records))
	sportKeys := make([]string, len(records))
	homeTeams := make([]string, len(records))
	awayTeams := make([]string, len(records))
	commenceTimes := make([]time.Time, len(records))
	completed := make([]bool, len(records))
	homeScores := make([]*int, len(records))
	awayScores := make([]*int, len(records))
	lastUpdates := make([]*time.Time, len(records))

	for i, rec := range records {
		gameIDs[i] = rec.GameID
		sportKeys[i] = rec.SportKey
		homeTeams[i] = rec.Home
		awayTeams[i] = rec.Away
		commenceTimes[i] = rec.CommenceTime
		completed[i] = rec.Completed
		homeScores[i] = rec.HomeScore
		awayScores[i] = rec.AwayScore
		lastUpdates[i] = rec.LastUpdate
	}

	_, err := tx.ExecContext(ctx, query,
		pq.Array(gameIDs), pq.Array(sportKeys), pq.Array(homeTeams), pq.Array(awayTeams),
		pq.Array(commenceTimes), pq.Array(completed), pq.Array(homeScores), pq.Array(awayScores),
		pq.Array(lastUpdates), now,
	)
	return err
}
