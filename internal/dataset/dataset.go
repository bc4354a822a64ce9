// Package dataset models the persisted interest dataset and its stores.
package dataset

import (
	"context"
	"time"
)

// Reading is the fetched fact for one (subject, region) pair.
type Reading struct {
	Score       float64    `json:"score"`
	PeakScore   float64    `json:"peak_score"`
	RecentScore float64    `json:"recent_score"`
	Estimate    float64    `json:"estimate"`
	Provenance  string     `json:"provenance"`
	FetchedAt   *time.Time `json:"fetched_at"`
	Fallback    bool       `json:"fallback"`
}

// Provenance tags recorded on readings.
const (
	ProvenanceAPI      = "api"
	ProvenanceFallback = "fallback"
)

// Metadata aggregates dataset-level bookkeeping surfaced to operators.
type Metadata struct {
	LastUpdate         *time.Time `json:"last_update"`
	TotalReadings      int        `json:"total_readings"`
	SuccessRatePercent float64    `json:"success_rate_percent"`
}

// Dataset maps region to subject to Reading, plus metadata. The scheduler
// loop is the only writer; stores serialize the document whole.
type Dataset struct {
	Regions map[string]map[string]Reading `json:"regions"`
	Meta    Metadata                      `json:"metadata"`
}

// Store loads and saves the dataset document.
type Store interface {
	Load(ctx context.Context) (*Dataset, error)
	Save(ctx context.Context, ds *Dataset) error
}

// New returns an empty dataset ready for recording.
func New() *Dataset {
	return &Dataset{Regions: make(map[string]map[string]Reading)}
}

// Record upserts one reading in memory and keeps the total current.
// Persistence cadence is the caller's responsibility.
func (d *Dataset) Record(region, subject string, r Reading) {
	subjects, ok := d.Regions[region]
	if !ok {
		subjects = make(map[string]Reading)
		d.Regions[region] = subjects
	}
	if _, exists := subjects[subject]; !exists {
		d.Meta.TotalReadings++
	}
	subjects[subject] = r
}

// Get returns the reading for a pair, reporting whether it exists.
func (d *Dataset) Get(region, subject string) (Reading, bool) {
	subjects, ok := d.Regions[region]
	if !ok {
		return Reading{}, false
	}
	r, ok := subjects[subject]
	return r, ok
}

// Count walks the region maps and returns the number of stored readings.
func (d *Dataset) Count() int {
	total := 0
	for _, subjects := range d.Regions {
		total += len(subjects)
	}
	return total
}
