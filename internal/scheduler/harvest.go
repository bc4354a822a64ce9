package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/metrics"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
)

// HarvestResult reports one pair's outcome from a one-shot harvest.
type HarvestResult struct {
	Subject  string
	Region   string
	Outcome  refresher.Outcome
	Score    float64
	Duration time.Duration
	Detail   string
}

// Harvest refreshes up to n of the stalest pairs immediately, then saves
// once. It runs the same gate, classification, and recording rules as the
// loop, but a hard block aborts the remainder instead of pausing, and
// cycle progress is left alone. It refuses to run while the loop is
// active.
func (s *Scheduler) Harvest(ctx context.Context, n int) ([]HarvestResult, error) {
	if n <= 0 {
		return nil, errors.New("harvest count must be positive")
	}
	s.mu.Lock()
	if s.phase != refresher.PhaseStopped {
		s.mu.Unlock()
		return nil, errors.New("refresher is running; stop it before a one-shot harvest")
	}
	s.mu.Unlock()

	ds, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	s.ds = ds
	s.logger.Info("one-shot harvest started", zap.Int("count", n))

	tun := s.tunables()
	results := make([]HarvestResult, 0, n)
	for len(results) < n {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		sel := s.selector.Next(s.ds, s.clock.Now(), tun.StaleThreshold)
		if sel.Pair == nil {
			break
		}
		pair := sel.Pair

		release, err := s.gate.Admit(ctx)
		if err != nil {
			return results, err
		}
		res, fetchErr := s.fetcher.FetchOne(ctx, pair.Subject, pair.Region)
		release()

		cls := s.classifier.Classify(res, fetchErr)
		metrics.ObserveFetch(string(cls.Outcome))
		entry := HarvestResult{
			Subject:  pair.Subject,
			Region:   pair.Region,
			Outcome:  cls.Outcome,
			Duration: res.Duration,
			Detail:   cls.Reason,
		}
		switch cls.Outcome {
		case refresher.OutcomeHardBlock:
			s.mu.Lock()
			s.counters.Blocked++
			s.mu.Unlock()
			results = append(results, entry)
			s.logger.Warn("hard block detected, aborting harvest",
				zap.String("reason", cls.Reason))
			s.persist(ctx)
			return results, nil
		case refresher.OutcomeSoftFailure:
			reading := fallbackReading(pair.Subject, s.clock.Now())
			s.ds.Record(pair.Region, pair.Subject, reading)
			s.mu.Lock()
			s.counters.Failure++
			s.mu.Unlock()
			entry.Score = reading.Score
		default:
			reading := readingFromSample(res.Sample, s.clock.Now())
			s.ds.Record(pair.Region, pair.Subject, reading)
			s.mu.Lock()
			s.counters.Success++
			s.mu.Unlock()
			entry.Score = reading.Score
		}
		results = append(results, entry)
	}

	s.persist(ctx)
	s.logger.Info("one-shot harvest finished", zap.Int("refreshed", len(results)))
	return results, nil
}
