// Package selector picks the next (subject, region) pair to refresh.
package selector

import (
	"math"
	"time"

	"github.com/trendkeeper/trendkeeper/internal/dataset"
)

// Pair identifies one cell of the subject/region universe.
type Pair struct {
	Subject string
	Region  string
}

// Selection is the result of one Next call.
type Selection struct {
	// Pair is the stalest pair exceeding the threshold, or nil when every
	// pair is fresh and the cycle is complete.
	Pair            *Pair
	ProgressPercent int
	Fresh           int
	Remaining       int
}

// Selector enumerates a fixed universe oldest-first. It is stateless; the
// dataset is rescanned on every call so newly stale pairs are picked up
// promptly.
type Selector struct {
	subjects []string
	regions  []string
}

// New creates a selector over the given universes. Enumeration order is
// subjects outer, regions inner, which fixes the tie-break order.
func New(subjects, regions []string) *Selector {
	return &Selector{subjects: subjects, regions: regions}
}

// UniverseSize returns the total number of pairs.
func (s *Selector) UniverseSize() int {
	return len(s.subjects) * len(s.regions)
}

// Next scans the whole universe and returns the pair with the greatest age
// above threshold. Missing pairs count as infinitely old, so the first
// missing pair in enumeration order wins outright. Ties between equal ages
// keep the earlier pair, making the result deterministic.
func (s *Selector) Next(ds *dataset.Dataset, now time.Time, threshold time.Duration) Selection {
	var (
		best         *Pair
		bestAge      time.Duration
		bestInfinite bool
		fresh        int
		remaining    int
	)
	for _, subject := range s.subjects {
		for _, region := range s.regions {
			age, known := pairAge(ds, region, subject, now)
			if known && age <= threshold {
				fresh++
				continue
			}
			remaining++
			if !known {
				if !bestInfinite {
					bestInfinite = true
					best = &Pair{Subject: subject, Region: region}
				}
				continue
			}
			if bestInfinite {
				continue
			}
			if best == nil || age > bestAge {
				bestAge = age
				best = &Pair{Subject: subject, Region: region}
			}
		}
	}
	return Selection{
		Pair:            best,
		ProgressPercent: Percent(fresh, s.UniverseSize()),
		Fresh:           fresh,
		Remaining:       remaining,
	}
}

func pairAge(ds *dataset.Dataset, region, subject string, now time.Time) (time.Duration, bool) {
	r, ok := ds.Get(region, subject)
	if !ok || r.FetchedAt == nil {
		return 0, false
	}
	return now.Sub(*r.FetchedAt), true
}

// Percent converts a fresh count into a whole cycle-progress percentage.
// An empty universe reports complete.
func Percent(fresh, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(fresh) / float64(total)))
}
