package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/dataset"
	"github.com/trendkeeper/trendkeeper/internal/gate"
	"github.com/trendkeeper/trendkeeper/internal/metrics"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
	"github.com/trendkeeper/trendkeeper/internal/selector"
)

func TestScheduler_RefreshCycle_RecordsAndSaves(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	s := newTestSched(baseConfig(), fetcher, store, nil)

	ok, msg := s.Start()
	require.True(t, ok)
	require.Equal(t, "refresher started", msg)

	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 4
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.Status().CycleProgressPercent == 0 && store.Saves() >= 3
	}, time.Second, 10*time.Millisecond)

	ok, msg = s.Stop()
	require.True(t, ok)
	require.Equal(t, "refresher stopped", msg)
	require.Equal(t, refresher.PhaseStopped, s.Status().Phase)

	ds, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, ds.Count())
	require.Equal(t, 4, ds.Meta.TotalReadings)
	require.NotNil(t, ds.Meta.LastUpdate)
	require.InDelta(t, 100, ds.Meta.SuccessRatePercent, 0.01)

	reading, found := ds.Get("JP", "bulbasaur")
	require.True(t, found)
	require.Equal(t, dataset.ProvenanceAPI, reading.Provenance)
	require.Equal(t, 55.0, reading.Score)
	require.False(t, reading.Fallback)
	require.NotNil(t, reading.FetchedAt)
}

func TestScheduler_SoftFailure_RecordsFallback(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.errs["charmander/US"] = errors.New("connect timeout")
	s := newTestSched(baseConfig(), fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Counters.Success == 3 && st.Counters.Failure == 1
	}, time.Second, 10*time.Millisecond)
	s.Stop()

	// One attempt only: the synthetic reading advanced the staleness clock
	// so the failing pair does not wedge the cycle.
	require.Equal(t, 1, fetcher.callsFor("charmander/US"))

	ds, err := store.Load(context.Background())
	require.NoError(t, err)
	reading, found := ds.Get("US", "charmander")
	require.True(t, found)
	require.True(t, reading.Fallback)
	require.Equal(t, dataset.ProvenanceFallback, reading.Provenance)
	require.Equal(t, refresher.FallbackScore("charmander"), reading.Score)
	require.NotNil(t, reading.FetchedAt)
	require.InDelta(t, 75, ds.Meta.SuccessRatePercent, 0.01)
}

func TestScheduler_HardBlock_AutoPausesWithoutRecording(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.failures = 1
	fetcher.failErr = errors.New("upstream returned 429 too many requests")
	s := newTestSched(baseConfig(), fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return s.Status().Phase == refresher.PhasePaused
	}, time.Second, 10*time.Millisecond)

	st := s.Status()
	require.True(t, st.AutoPaused)
	require.NotNil(t, st.PausedUntil)
	require.Equal(t, uint64(1), st.Counters.Blocked)
	require.Zero(t, st.Counters.Success)

	// Paused means no further dispatches.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, fetcher.total())

	ok, msg := s.Resume()
	require.True(t, ok)
	require.Equal(t, "refresher resumed", msg)

	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 4
	}, time.Second, 10*time.Millisecond)
	st = s.Status()
	require.False(t, st.AutoPaused)
	require.Nil(t, st.PausedUntil)
	require.Equal(t, 5, fetcher.total())
	// The blocked attempt recorded nothing, so the same pair was retried
	// first after the resume.
	require.Equal(t, 2, fetcher.callsFor("bulbasaur/JP"))
	s.Stop()
}

func TestScheduler_AutoResume_AfterCooldown(t *testing.T) {
	t.Parallel()
	metrics.Init()

	cfg := baseConfig()
	cfg.BlockCooldown = 40 * time.Millisecond
	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.failures = 1
	fetcher.failErr = errors.New("quota exceeded for client")
	s := newTestSched(cfg, fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return s.Status().Phase == refresher.PhasePaused
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 4
	}, time.Second, 10*time.Millisecond)
	st := s.Status()
	require.False(t, st.AutoPaused)
	require.Nil(t, st.PausedUntil)
	s.Stop()
}

func TestScheduler_Commands_AreIdempotent(t *testing.T) {
	t.Parallel()
	metrics.Init()

	s := newTestSched(baseConfig(), newFakeFetcher(), dataset.NewMemoryStore(), nil)

	ok, msg := s.Pause()
	require.False(t, ok)
	require.Equal(t, "not running", msg)
	ok, msg = s.Resume()
	require.False(t, ok)
	require.Equal(t, "not running", msg)
	ok, msg = s.Stop()
	require.False(t, ok)
	require.Equal(t, "not running", msg)

	ok, msg = s.Start()
	require.True(t, ok)
	require.Equal(t, "refresher started", msg)
	ok, msg = s.Start()
	require.False(t, ok)
	require.Equal(t, "already running", msg)

	ok, msg = s.Pause()
	require.True(t, ok)
	require.Equal(t, "refresher paused", msg)
	ok, msg = s.Pause()
	require.False(t, ok)
	require.Equal(t, "already paused", msg)
	ok, msg = s.Start()
	require.False(t, ok)
	require.Equal(t, "already running", msg)

	ok, msg = s.Resume()
	require.True(t, ok)
	require.Equal(t, "refresher resumed", msg)
	ok, msg = s.Resume()
	require.False(t, ok)
	require.Equal(t, "not paused", msg)

	ok, msg = s.Stop()
	require.True(t, ok)
	require.Equal(t, "refresher stopped", msg)
	ok, msg = s.Stop()
	require.False(t, ok)
	require.Equal(t, "not running", msg)
}

func TestScheduler_Pause_StopsDispatch(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	// A near-zero threshold and a tiny cycle break keep fetches flowing
	// continuously, so dispatch only ever stops because of the pause.
	cfg := baseConfig()
	cfg.StaleThreshold = time.Millisecond
	cfg.CycleBreak = 5 * time.Millisecond
	cfg.SaveEvery = 100
	s := newTestSched(cfg, fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return fetcher.total() >= 1
	}, time.Second, 10*time.Millisecond)

	ok, _ = s.Pause()
	require.True(t, ok)
	time.Sleep(30 * time.Millisecond)
	before := fetcher.total()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, before, fetcher.total())

	ok, _ = s.Resume()
	require.True(t, ok)
	s.Stop()
}

func TestScheduler_SaveFailure_KeepsLoopAlive(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := &failingStore{}
	fetcher := newFakeFetcher()
	cfg := baseConfig()
	cfg.SaveEvery = 1
	s := newTestSched(cfg, fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return s.Status().Counters.Success >= 3
	}, time.Second, 10*time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, store.attempts(), 3)
}

func TestScheduler_Pacing_OnlyBetweenSubjects(t *testing.T) {
	t.Parallel()
	metrics.Init()

	// Two subjects: the move to the second must wait out the pacing pause.
	cfg := baseConfig()
	cfg.PacingMin = 40 * time.Millisecond
	cfg.PacingMax = 40 * time.Millisecond
	sel := selector.New([]string{"bulbasaur", "charmander"}, []string{"JP"})
	g := gate.New(gate.Config{MaxConcurrent: 1}, nil)
	s := New(dataset.NewMemoryStore(), sel, g, newFakeFetcher(), nil, nil, nil, cfg, zap.NewNop())

	startAt := time.Now()
	ok, _ := s.Start()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 2
	}, time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(startAt), 40*time.Millisecond)
	s.Stop()

	// One subject, two regions: an hour-long pacing window must never
	// engage, so both fetches still land within the test deadline.
	cfg = baseConfig()
	cfg.PacingMin = time.Hour
	cfg.PacingMax = time.Hour
	sel = selector.New([]string{"bulbasaur"}, []string{"JP", "US"})
	g = gate.New(gate.Config{MaxConcurrent: 1}, nil)
	s = New(dataset.NewMemoryStore(), sel, g, newFakeFetcher(), nil, nil, nil, cfg, zap.NewNop())

	ok, _ = s.Start()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 2
	}, time.Second, 10*time.Millisecond)
	s.Stop()
}

func TestScheduler_PanicInFetch_IsContained(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.panics = 1
	s := newTestSched(baseConfig(), fetcher, store, nil)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return s.Status().Counters.Success == 4
	}, time.Second, 10*time.Millisecond)
	st := s.Status()
	require.Zero(t, st.Counters.Failure)
	require.Equal(t, 5, fetcher.total())
	s.Stop()
}

func TestScheduler_PublishesSnapshotEvents(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := dataset.NewMemoryStore()
	fetcher := newFakeFetcher()
	pub := newFakePublisher()
	cfg := baseConfig()
	cfg.PublishTopic = "trend-events"
	s := newTestSched(cfg, fetcher, store, pub)

	ok, _ := s.Start()
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return pub.count() >= 1
	}, time.Second, 10*time.Millisecond)
	s.Stop()

	require.Equal(t, "trend-events", pub.lastTopic())
	ev, isEvent := pub.first().(refresher.RefreshEvent)
	require.True(t, isEvent)
	require.NotEmpty(t, ev.ID)
	require.False(t, ev.At.IsZero())
	require.Positive(t, ev.TotalReadings)
}

func TestScheduler_Status_EstimatesRemainingHours(t *testing.T) {
	t.Parallel()

	g := gate.New(gate.Config{MinInterval: 20 * time.Second, MaxConcurrent: 1}, nil)
	sel := selector.New([]string{"bulbasaur", "charmander"}, []string{"JP", "US"})
	s := New(dataset.NewMemoryStore(), sel, g, newFakeFetcher(), nil, nil, nil, baseConfig(), zap.NewNop())

	require.Zero(t, s.Status().EstimatedHoursRemaining)

	s.mu.Lock()
	s.remaining = 6150
	s.mu.Unlock()
	require.InDelta(t, 34.17, s.Status().EstimatedHoursRemaining, 0.01)
}

func TestScheduler_UpdateTunables_Normalizes(t *testing.T) {
	t.Parallel()

	s := newTestSched(baseConfig(), newFakeFetcher(), dataset.NewMemoryStore(), nil)
	s.UpdateTunables(Tunables{
		StaleThreshold: -time.Hour,
		PacingMin:      10 * time.Millisecond,
		PacingMax:      5 * time.Millisecond,
	})

	tun := s.tunables()
	require.Equal(t, 7*24*time.Hour, tun.StaleThreshold)
	require.Equal(t, 10*time.Millisecond, tun.PacingMin)
	require.Equal(t, 10*time.Millisecond, tun.PacingMax)
	require.Equal(t, 24*time.Hour, tun.BlockCooldown)
	require.Equal(t, time.Minute, tun.ErrorCooldown)
	require.Equal(t, 25, tun.SaveEvery)
}

func TestPacingPauseBounds(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10*time.Millisecond, pacingPause(10*time.Millisecond, 10*time.Millisecond))
	for i := 0; i < 50; i++ {
		d := pacingPause(5*time.Millisecond, 20*time.Millisecond)
		require.GreaterOrEqual(t, d, 5*time.Millisecond)
		require.Less(t, d, 20*time.Millisecond)
	}
}

func baseConfig() Config {
	return Config{
		Tunables: Tunables{
			StaleThreshold: time.Hour,
			BlockCooldown:  time.Hour,
			ErrorCooldown:  5 * time.Millisecond,
			SaveEvery:      2,
		},
		CycleBreak: time.Hour,
		PausePoll:  5 * time.Millisecond,
	}
}

func newTestSched(cfg Config, f refresher.Fetcher, store dataset.Store, pub refresher.Publisher) *Scheduler {
	sel := selector.New([]string{"bulbasaur", "charmander"}, []string{"JP", "US"})
	g := gate.New(gate.Config{MaxConcurrent: 1}, nil)
	return New(store, sel, g, f, nil, pub, nil, cfg, zap.NewNop())
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	failures int
	failErr  error
	panics   int
	sample   refresher.Sample
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		errs:   make(map[string]error),
		sample: refresher.Sample{Score: 55, Peak: 80, Recent: 60, Estimate: 58, Points: 52},
	}
}

func (f *fakeFetcher) FetchOne(_ context.Context, subject, region string) (refresher.FetchResult, error) {
	f.mu.Lock()
	key := subject + "/" + region
	f.calls = append(f.calls, key)
	if f.panics > 0 {
		f.panics--
		f.mu.Unlock()
		panic("fetch exploded")
	}
	if f.failures > 0 {
		f.failures--
		err := f.failErr
		f.mu.Unlock()
		return refresher.FetchResult{Subject: subject, Region: region}, err
	}
	if err, ok := f.errs[key]; ok {
		f.mu.Unlock()
		return refresher.FetchResult{Subject: subject, Region: region}, err
	}
	sample := f.sample
	f.mu.Unlock()
	return refresher.FetchResult{
		Subject:    subject,
		Region:     region,
		StatusCode: http.StatusOK,
		Sample:     &sample,
		Duration:   5 * time.Millisecond,
	}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, payload)
	return "msgid", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakePublisher) first() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[0]
}

func (p *fakePublisher) lastTopic() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.topics) == 0 {
		return ""
	}
	return p.topics[len(p.topics)-1]
}

type failingStore struct {
	mu    sync.Mutex
	saves int
}

func (f *failingStore) Load(context.Context) (*dataset.Dataset, error) {
	return dataset.New(), nil
}

func (f *failingStore) Save(context.Context, *dataset.Dataset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return errors.New("disk full")
}

func (f *failingStore) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}
