//go:build integration

package writer

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/XavierBriggs/Iris/internal/delta"
	"github.com/XavierBriggs/Iris/pkg/models"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*sql.DB, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("skipping integration test: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 3})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: %v", err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { rdb.Close() })

	return db, rdb
}

func TestWriter_OddsAndScores(t *testing.T) {
	db, rdb := setup(t)
	ctx := context.Background()
	w := NewWriter(db, rdb, nil)
	require.NoError(t, w.EnsureSchema(ctx))

	gameID := "iris-it-" + time.Now().Format("150405.000000")
	point := -4.5
	events := []models.EventOdds{{
		GameID:       gameID,
		SportKey:     "basketball_nba",
		CommenceTime: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Home:         "Boston Celtics",
		Away:         "New York Knicks",
		Offers: []models.Offer{{
			Bookmaker: "DraftKings", Market: models.MarketSpread, Side: "Boston Celtics -4.5", DecimalOdds: 1.91,
			Context: models.OfferContext{ProviderMarketKey: "spreads", Point: &point},
		}},
	}}

	require.NoError(t, w.WriteOdds(ctx, events, delta.AllNew(events)))

	events[0].Offers[0].DecimalOdds = 1.87
	require.NoError(t, w.WriteOdds(ctx, events, delta.AllNew(events)))

	var odds float64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT decimal_odds FROM offers_current WHERE game_id = $1`, gameID).Scan(&odds))
	assert.Equal(t, 1.87, odds, "current state only")

	n, err := rdb.XLen(ctx, "odds.normalized.basketball_nba").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	home := 101
	require.NoError(t, w.WriteScores(ctx, []models.ScoreRecord{{
		GameID: gameID, SportKey: "basketball_nba", CommenceTime: events[0].CommenceTime,
		Home: "Boston Celtics", Away: "New York Knicks", HomeScore: &home,
	}}))
	// a later record without scores keeps the known values
	require.NoError(t, w.WriteScores(ctx, []models.ScoreRecord{{
		GameID: gameID, SportKey: "basketball_nba", CommenceTime: events[0].CommenceTime,
		Home: "Boston Celtics", Away: "New York Knicks", Completed: true,
	}}))

	var (
		stored    sql.NullInt64
		completed bool
	)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT home_score, completed FROM scores WHERE game_id = $1`, gameID).Scan(&stored, &completed))
	assert.Equal(t, int64(101), stored.Int64)
	assert.True(t, completed)
}
