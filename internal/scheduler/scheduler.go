package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/XavierBriggs/Iris/internal/delta"
	"github.com/XavierBriggs/Iris/internal/metrics"
	"github.com/XavierBriggs/Iris/internal/registry"
	"github.com/XavierBriggs/Iris/pkg/apierr"
	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/pkg/models"
	"github.com/sirupsen/logrus"
)

// quotaPause is how long a sport stops polling after the provider reports
// the quota exhausted or the key rejected
const quotaPause = 30 * time.Minute

// ChangeDetector filters polled offers down to the ones that changed
type ChangeDetector interface {
	DetectChanges(ctx context.Context, events []models.EventOdds) ([]delta.Delta, error)
	UpdateCache(ctx context.Context, deltas []delta.Delta) error
}

// Sink receives polled state
type Sink interface {
	WriteOdds(ctx context.Context, events []models.EventOdds, deltas []delta.Delta) error
	WriteScores(ctx context.Context, records []models.ScoreRecord) error
}

// Scheduler orchestrates polling for all registered sports
type Scheduler struct {
	adapter       contracts.VendorAdapter
	detector      ChangeDetector // nil reports every offer as new
	sink          Sink
	sportRegistry *registry.SportRegistry
	metrics       *metrics.Metrics
	logger        logrus.FieldLogger
	now           func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new polling scheduler
func NewScheduler(
	adapter contracts.VendorAdapter,
	detector ChangeDetector,
	sink Sink,
	sportRegistry *registry.SportRegistry,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		adapter:       adapter,
		detector:      detector,
		sink:          sink,
		sportRegistry: sportRegistry,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
}

// Start begins polling for all registered sports
func (s *Scheduler) Start(ctx context.Context) error {
	sports := s.sportRegistry.GetAll()
	if len(sports) == 0 {
		return fmt.Errorf("no sports registered")
	}

	for _, sport := range sports {
		s.wg.Add(2)
		go func(sport contracts.SportModule) {
			defer s.wg.Done()
			s.loop(ctx, sport, "odds", s.PollOdds)
		}(sport)
		go func(sport contracts.SportModule) {
			defer s.wg.Done()
			s.loop(ctx, sport, "scores", s.PollScores)
		}(sport)

		s.logger.WithField("sport_key", sport.GetSportKey()).Infof("started polling for %s", sport.GetDisplayName())
	}

	return nil
}

// Stop gracefully shuts down the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// loop polls immediately, then again after whatever interval the last poll chose
func (s *Scheduler) loop(ctx context.Context, sport contracts.SportModule, kind string, poll func(context.Context, contracts.SportModule) (time.Duration, error)) {
	logger := s.logger.WithFields(logrus.Fields{"sport_key": sport.GetSportKey(), "kind": kind})

	for {
		next, err := poll(ctx, sport)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, apierr.ErrQuotaExceeded) || errors.Is(err, apierr.ErrAuthentication) {
				logger.WithError(err).Errorf("provider refused requests, pausing for %v", quotaPause)
				next = quotaPause
			} else {
				logger.WithError(err).Warn("poll failed")
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-timer.C:
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// PollOdds runs one odds cycle: fetch → validate → delta → write → cache
// update. It returns the interval until the next cycle.
func (s *Scheduler) PollOdds(ctx context.Context, sport contracts.SportModule) (time.Duration, error) {
	sportKey := sport.GetSportKey()
	start := s.now()

	events, err := s.adapter.FetchMarkets(ctx, models.FetchMarketsOptions{
		SportKey: sportKey,
		Regions:  sport.GetRegions(),
		Markets:  sport.GetMarkets(),
	})
	if err != nil {
		s.metrics.ObservePoll(sportKey, "odds", "error")
		return s.fallbackInterval(sport), fmt.Errorf("fetch markets: %w", err)
	}

	valid := make([]models.EventOdds, 0, len(events))
	for _, ev := range events {
		if err := sport.ValidateEvent(ev); err != nil {
			s.logger.WithFields(logrus.Fields{
				"sport_key":  sportKey,
				"game_id":    ev.GameID,
				"diagnostic": true,
			}).WithError(err).Warn("skipping invalid event")
			continue
		}
		valid = append(valid, ev)
	}

	next := s.nextOddsInterval(ctx, sport, valid)
	if len(valid) == 0 {
		s.metrics.ObservePoll(sportKey, "odds", "empty")
		return next, nil
	}

	deltas, err := s.detectChanges(ctx, valid)
	if err != nil {
		s.metrics.ObservePoll(sportKey, "odds", "error")
		return next, fmt.Errorf("detect changes: %w", err)
	}

	if err := s.sink.WriteOdds(ctx, valid, deltas); err != nil {
		s.metrics.ObservePoll(sportKey, "odds", "error")
		return next, fmt.Errorf("write odds: %w", err)
	}

	if s.detector != nil {
		if err := s.detector.UpdateCache(ctx, deltas); err != nil {
			// the next poll reports these again; nothing is lost
			s.logger.WithError(err).Warn("update delta cache failed")
		}
	}

	s.metrics.ObservePoll(sportKey, "odds", "success")
	s.logger.WithFields(logrus.Fields{
		"sport_key": sportKey,
		"events":    len(valid),
		"deltas":    len(deltas),
		"took":      s.now().Sub(start),
		"next":      next,
	}).Debug("odds poll complete")

	return next, nil
}

// PollScores runs one results cycle
func (s *Scheduler) PollScores(ctx context.Context, sport contracts.SportModule) (time.Duration, error) {
	sportKey := sport.GetSportKey()
	interval := sport.GetScoresPollInterval()

	daysFrom := sport.GetScoresDaysFrom()
	var daysArg *int
	if daysFrom > 0 {
		daysArg = &daysFrom
	}

	records, err := s.adapter.FetchScores(ctx, sportKey, daysArg)
	if err != nil {
		s.metrics.ObservePoll(sportKey, "scores", "error")
		return interval, fmt.Errorf("fetch scores: %w", err)
	}

	for i := range records {
		if records[i].SportKey == "" {
			records[i].SportKey = sportKey
		}
	}

	if err := s.sink.WriteScores(ctx, records); err != nil {
		s.metrics.ObservePoll(sportKey, "scores", "error")
		return interval, fmt.Errorf("write scores: %w", err)
	}

	s.metrics.ObservePoll(sportKey, "scores", "success")
	return interval, nil
}

func (s *Scheduler) detectChanges(ctx context.Context, events []models.EventOdds) ([]delta.Delta, error) {
	if s.detector == nil {
		return delta.AllNew(events), nil
	}
	return s.detector.DetectChanges(ctx, events)
}

// nextOddsInterval picks the cadence from the nearest start time. With no
// priced events the discovery endpoint tells us whether anything is scheduled.
func (s *Scheduler) nextOddsInterval(ctx context.Context, sport contracts.SportModule, events []models.EventOdds) time.Duration {
	now := s.now()

	starts := make([]time.Time, 0, len(events))
	for _, ev := range events {
		starts = append(starts, ev.CommenceTime)
	}

	if len(starts) == 0 {
		upcoming, err := s.adapter.FetchEvents(ctx, sport.GetSportKey())
		if err != nil {
			s.logger.WithError(err).WithField("sport_key", sport.GetSportKey()).Debug("event discovery failed")
			return sport.GetIdlePollInterval()
		}
		for _, ev := range upcoming {
			starts = append(starts, ev.CommenceTime)
		}
	}

	return IntervalFor(sport, starts, now)
}

// IntervalFor returns the odds interval for the given start times. A game
// that started within the last few hours counts as live.
func IntervalFor(sport contracts.SportModule, starts []time.Time, now time.Time) time.Duration {
	const liveWindow = 4 * time.Hour

	var (
		nearest time.Duration
		found   bool
	)
	for _, start := range starts {
		until := start.Sub(now)
		if until <= 0 && -until < liveWindow {
			return sport.OddsPollInterval(0, true)
		}
		if until > 0 && (!found || until < nearest) {
			nearest = until
			found = true
		}
	}

	if !found {
		return sport.GetIdlePollInterval()
	}
	return sport.OddsPollInterval(nearest.Hours(), false)
}

func (s *Scheduler) fallbackInterval(sport contracts.SportModule) time.Duration {
	return sport.OddsPollInterval(24, false)
}
