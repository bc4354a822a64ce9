package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendkeeper/trendkeeper/internal/dataset"
)

var (
	subjects = []string{"bulbasaur", "charmander", "squirtle"}
	regions  = []string{"JP", "US"}
)

func recordAt(ds *dataset.Dataset, region, subject string, at time.Time) {
	ds.Record(region, subject, dataset.Reading{Score: 50, FetchedAt: &at})
}

func TestNextEmptyDatasetReturnsFirstPair(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)

	sel := s.Next(dataset.New(), now, 7*24*time.Hour)
	require.NotNil(t, sel.Pair)
	assert.Equal(t, Pair{Subject: "bulbasaur", Region: "JP"}, *sel.Pair)
	assert.Equal(t, 0, sel.ProgressPercent)
	assert.Equal(t, 6, sel.Remaining)
}

func TestNextSkipsJustRefreshedPair(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)
	ds := dataset.New()

	sel := s.Next(ds, now, 7*24*time.Hour)
	require.NotNil(t, sel.Pair)
	recordAt(ds, sel.Pair.Region, sel.Pair.Subject, now)

	sel = s.Next(ds, now, 7*24*time.Hour)
	require.NotNil(t, sel.Pair)
	assert.Equal(t, Pair{Subject: "bulbasaur", Region: "US"}, *sel.Pair)
	assert.Equal(t, 17, sel.ProgressPercent)
	assert.Equal(t, 5, sel.Remaining)
}

func TestNextPrefersOldestAboveThreshold(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)
	threshold := 7 * 24 * time.Hour

	ds := dataset.New()
	for _, subject := range subjects {
		for _, region := range regions {
			recordAt(ds, region, subject, now.Add(-24*time.Hour))
		}
	}
	recordAt(ds, "US", "charmander", now.Add(-8*24*time.Hour))

	sel := s.Next(ds, now, threshold)
	require.NotNil(t, sel.Pair)
	assert.Equal(t, Pair{Subject: "charmander", Region: "US"}, *sel.Pair)
	assert.Equal(t, 83, sel.ProgressPercent)
	assert.Equal(t, 1, sel.Remaining)
}

func TestNextTieBreaksByEnumerationOrder(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)
	old := now.Add(-30 * 24 * time.Hour)

	ds := dataset.New()
	for _, subject := range subjects {
		for _, region := range regions {
			recordAt(ds, region, subject, old)
		}
	}

	sel := s.Next(ds, now, 7*24*time.Hour)
	require.NotNil(t, sel.Pair)
	assert.Equal(t, Pair{Subject: "bulbasaur", Region: "JP"}, *sel.Pair)

	// Same input, same answer.
	again := s.Next(ds, now, 7*24*time.Hour)
	require.NotNil(t, again.Pair)
	assert.Equal(t, *sel.Pair, *again.Pair)
}

func TestNextMissingBeatsMerelyStale(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)

	ds := dataset.New()
	for _, subject := range subjects {
		for _, region := range regions {
			recordAt(ds, region, subject, now.Add(-30*24*time.Hour))
		}
	}
	// A reading without a fetch timestamp counts as never fetched.
	ds.Record("US", "squirtle", dataset.Reading{Score: 10})

	sel := s.Next(ds, now, 7*24*time.Hour)
	require.NotNil(t, sel.Pair)
	assert.Equal(t, Pair{Subject: "squirtle", Region: "US"}, *sel.Pair)
}

func TestNextAllFreshSignalsCycleComplete(t *testing.T) {
	t.Parallel()

	s := New(subjects, regions)
	now := time.Unix(1700000000, 0)

	ds := dataset.New()
	for _, subject := range subjects {
		for _, region := range regions {
			recordAt(ds, region, subject, now.Add(-time.Hour))
		}
	}

	sel := s.Next(ds, now, 7*24*time.Hour)
	assert.Nil(t, sel.Pair)
	assert.Equal(t, 100, sel.ProgressPercent)
	assert.Equal(t, 0, sel.Remaining)
}

func TestProgressPercentRounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100, Percent(0, 0))
	assert.Equal(t, 17, Percent(1, 6))
	assert.Equal(t, 83, Percent(5, 6))
	assert.Equal(t, 50, Percent(3, 6))
	assert.Equal(t, 0, Percent(0, 6))
}
