// Package scheduler drives the long-running refresh loop: pick the stalest
// pair, clear the rate gate, fetch, classify, record, persist on cadence.
// The loop never exits on its own; only Stop ends it.
package scheduler

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/clock/system"
	"github.com/trendkeeper/trendkeeper/internal/dataset"
	"github.com/trendkeeper/trendkeeper/internal/gate"
	"github.com/trendkeeper/trendkeeper/internal/metrics"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
	"github.com/trendkeeper/trendkeeper/internal/selector"
)

// finalSaveTimeout bounds the persistence attempt that runs after the loop
// context is already gone.
const finalSaveTimeout = 10 * time.Second

// Tunables are the knobs safe to change while the loop runs. Updates apply
// from the next iteration.
type Tunables struct {
	// StaleThreshold is the age beyond which a reading needs a refresh.
	StaleThreshold time.Duration
	// PacingMin and PacingMax bound the extra pause inserted when the loop
	// moves on to a different subject.
	PacingMin time.Duration
	PacingMax time.Duration
	// BlockCooldown is how long an automatic pause lasts after a hard block.
	BlockCooldown time.Duration
	// ErrorCooldown is the backoff after an iteration panics.
	ErrorCooldown time.Duration
	// SaveEvery persists the dataset after this many recorded readings.
	SaveEvery int
}

// Config controls the Scheduler.
type Config struct {
	Tunables
	// StartupDelay postpones the first fetch after Start.
	StartupDelay time.Duration
	// CycleBreak is the rest between two full passes over the universe.
	CycleBreak time.Duration
	// PausePoll is how often a paused loop re-checks for resume.
	PausePoll time.Duration
	// PublishTopic receives a snapshot event after each save; empty
	// disables publishing.
	PublishTopic string
}

// Scheduler owns the refresh state machine. The loop goroutine is the only
// writer of the dataset; commands and status share the mutex-guarded view.
type Scheduler struct {
	store      dataset.Store
	selector   *selector.Selector
	gate       *gate.Gate
	fetcher    refresher.Fetcher
	classifier *refresher.Classifier
	publisher  refresher.Publisher
	clock      refresher.Clock
	cfg        Config
	logger     *zap.Logger

	ds              *dataset.Dataset
	writesSinceSave int

	mu          sync.Mutex
	tun         Tunables
	phase       refresher.Phase
	current     string
	counters    refresher.Counters
	progress    int
	fresh       int
	remaining   int
	lastRun     *time.Time
	pausedUntil *time.Time
	autoPaused  bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New constructs a Scheduler.
func New(
	store dataset.Store,
	sel *selector.Selector,
	g *gate.Gate,
	fetcher refresher.Fetcher,
	classifier *refresher.Classifier,
	publisher refresher.Publisher,
	clk refresher.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if classifier == nil {
		classifier = refresher.NewClassifier(refresher.DefaultClassifierConfig())
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.CycleBreak <= 0 {
		cfg.CycleBreak = 5 * time.Minute
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = time.Minute
	}
	cfg.Tunables = normalizeTunables(cfg.Tunables)
	return &Scheduler{
		store:      store,
		selector:   sel,
		gate:       g,
		fetcher:    fetcher,
		classifier: classifier,
		publisher:  publisher,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
		tun:        cfg.Tunables,
		phase:      refresher.PhaseStopped,
	}
}

func normalizeTunables(t Tunables) Tunables {
	if t.StaleThreshold <= 0 {
		t.StaleThreshold = 7 * 24 * time.Hour
	}
	if t.PacingMin < 0 {
		t.PacingMin = 0
	}
	if t.PacingMax < t.PacingMin {
		t.PacingMax = t.PacingMin
	}
	if t.BlockCooldown <= 0 {
		t.BlockCooldown = 24 * time.Hour
	}
	if t.ErrorCooldown <= 0 {
		t.ErrorCooldown = time.Minute
	}
	if t.SaveEvery <= 0 {
		t.SaveEvery = 25
	}
	return t
}

// Start launches the loop goroutine. Calling it while running or paused is
// a no-op.
func (s *Scheduler) Start() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != refresher.PhaseStopped {
		return false, "already running"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setPhaseLocked(refresher.PhaseRunning)
	go s.run(ctx, s.done)
	s.logger.Info("refresher started",
		zap.Duration("startup_delay", s.cfg.StartupDelay),
		zap.Int("universe_size", s.selector.UniverseSize()))
	return true, "refresher started"
}

// Stop cancels the loop at its next wait point and blocks until the final
// save completes. Calling it while stopped is a no-op.
func (s *Scheduler) Stop() (bool, string) {
	s.mu.Lock()
	if s.phase == refresher.PhaseStopped {
		s.mu.Unlock()
		return false, "not running"
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
	return true, "refresher stopped"
}

// Pause halts fetch dispatch until Resume. The loop keeps running, polling
// for the phase to flip back.
func (s *Scheduler) Pause() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case refresher.PhaseStopped:
		return false, "not running"
	case refresher.PhasePaused:
		return false, "already paused"
	}
	s.setPhaseLocked(refresher.PhasePaused)
	s.pausedUntil = nil
	s.autoPaused = false
	s.logger.Info("refresher paused")
	return true, "refresher paused"
}

// Resume lifts a pause, including an automatic one still inside its
// cooldown.
func (s *Scheduler) Resume() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case refresher.PhaseStopped:
		return false, "not running"
	case refresher.PhaseRunning:
		return false, "not paused"
	}
	s.resumeLocked()
	s.logger.Info("refresher resumed")
	return true, "refresher resumed"
}

// Status reports a consistent snapshot of the machine.
func (s *Scheduler) Status() refresher.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := refresher.Status{
		Phase:                   s.phase,
		CurrentSubject:          s.current,
		Counters:                s.counters,
		CycleProgressPercent:    s.progress,
		AutoPaused:              s.autoPaused,
		EstimatedHoursRemaining: s.etaHoursLocked(),
	}
	if s.lastRun != nil {
		t := *s.lastRun
		st.LastRunAt = &t
	}
	if s.pausedUntil != nil {
		t := *s.pausedUntil
		st.PausedUntil = &t
	}
	return st
}

// UpdateTunables swaps the runtime-adjustable knobs, normalizing them the
// same way New does. The loop reads them fresh each iteration.
func (s *Scheduler) UpdateTunables(t Tunables) {
	t = normalizeTunables(t)
	s.mu.Lock()
	s.tun = t
	s.mu.Unlock()
	s.logger.Info("tunables updated",
		zap.Duration("stale_threshold", t.StaleThreshold),
		zap.Duration("pacing_min", t.PacingMin),
		zap.Duration("pacing_max", t.PacingMax),
		zap.Duration("block_cooldown", t.BlockCooldown),
		zap.Int("save_every", t.SaveEvery))
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.finalize()

	if err := sleep(ctx, s.cfg.StartupDelay); err != nil {
		return
	}
	for {
		ds, err := s.store.Load(ctx)
		if err == nil {
			s.ds = ds
			break
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("dataset load failed", zap.Error(err))
		if sleep(ctx, s.tunables().ErrorCooldown) != nil {
			return
		}
	}
	s.logger.Info("dataset loaded", zap.Int("readings", s.ds.Count()))

	for ctx.Err() == nil {
		s.step(ctx)
	}
}

// step runs one iteration. Panics are absorbed so a single bad fetch can
// never kill the loop.
func (s *Scheduler) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh iteration panicked", zap.Any("panic", r))
			_ = sleep(ctx, s.tunables().ErrorCooldown)
		}
	}()

	if !s.waitWhilePaused(ctx) {
		return
	}
	tun := s.tunables()

	sel := s.selector.Next(s.ds, s.clock.Now(), tun.StaleThreshold)
	s.observeSelection(sel)
	if sel.Pair == nil {
		s.completeCycle(ctx)
		return
	}

	if s.subjectChanged(sel.Pair.Subject) {
		pause := pacingPause(tun.PacingMin, tun.PacingMax)
		s.logger.Debug("pacing before next subject",
			zap.String("subject", sel.Pair.Subject),
			zap.Duration("pause", pause))
		if sleep(ctx, pause) != nil {
			return
		}
	}
	s.setCurrent(sel.Pair.Subject)

	if !s.isRunning() {
		return
	}
	release, err := s.gate.Admit(ctx)
	if err != nil {
		return
	}
	defer release()

	// The fetch survives cancellation so an in-flight upstream call can
	// finish cleanly; the fetcher's own timeout bounds it.
	res, fetchErr := s.fetcher.FetchOne(context.WithoutCancel(ctx), sel.Pair.Subject, sel.Pair.Region)

	cls := s.classifier.Classify(res, fetchErr)
	metrics.ObserveFetch(string(cls.Outcome))
	switch cls.Outcome {
	case refresher.OutcomeHardBlock:
		s.autoPause(cls.Reason)
	case refresher.OutcomeSoftFailure:
		s.recordFallback(ctx, sel.Pair, cls.Reason)
	default:
		s.recordSuccess(ctx, sel.Pair, res)
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()
}

// waitWhilePaused sleeps in poll increments while the machine is paused,
// firing the scheduled auto-resume once its deadline passes. Returns false
// when the context ended first.
func (s *Scheduler) waitWhilePaused(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.phase != refresher.PhasePaused {
			s.mu.Unlock()
			return true
		}
		if s.pausedUntil != nil && !s.clock.Now().Before(*s.pausedUntil) {
			s.resumeLocked()
			s.mu.Unlock()
			s.logger.Info("block cooldown elapsed, resuming")
			return true
		}
		s.mu.Unlock()
		if sleep(ctx, s.cfg.PausePoll) != nil {
			return false
		}
	}
}

// completeCycle persists the finished pass, resets progress, and rests
// before starting over.
func (s *Scheduler) completeCycle(ctx context.Context) {
	s.logger.Info("refresh cycle complete",
		zap.Int("readings", s.ds.Count()),
		zap.Uint64("success", s.Status().Counters.Success))
	s.persist(ctx)
	s.mu.Lock()
	s.progress = 0
	s.fresh = 0
	s.mu.Unlock()
	metrics.SetCycleProgress(0)
	_ = sleep(ctx, s.cfg.CycleBreak)
}

// autoPause reacts to a hard block: count it, flip to paused, and schedule
// the resume one cooldown out. The dataset entry is left untouched so the
// pair stays due.
func (s *Scheduler) autoPause(reason string) {
	until := s.clock.Now().Add(s.tunables().BlockCooldown)
	s.mu.Lock()
	s.counters.Blocked++
	s.pausedUntil = &until
	s.autoPaused = true
	s.setPhaseLocked(refresher.PhasePaused)
	s.mu.Unlock()
	s.logger.Warn("hard block detected, pausing",
		zap.String("reason", reason),
		zap.Time("resume_at", until))
}

func (s *Scheduler) recordSuccess(ctx context.Context, pair *selector.Pair, res refresher.FetchResult) {
	reading := readingFromSample(res.Sample, s.clock.Now())
	s.ds.Record(pair.Region, pair.Subject, reading)
	s.mu.Lock()
	s.counters.Success++
	s.mu.Unlock()
	s.updateProgressAfterWrite()
	s.logger.Info("reading refreshed",
		zap.String("subject", pair.Subject),
		zap.String("region", pair.Region),
		zap.Float64("score", reading.Score),
		zap.Duration("fetch_duration", res.Duration))
	s.maybePersist(ctx)
}

// recordFallback stamps a synthetic reading so the pair's staleness clock
// still advances and the loop cannot wedge on a permanently failing pair.
func (s *Scheduler) recordFallback(ctx context.Context, pair *selector.Pair, reason string) {
	reading := fallbackReading(pair.Subject, s.clock.Now())
	s.ds.Record(pair.Region, pair.Subject, reading)
	s.mu.Lock()
	s.counters.Failure++
	s.mu.Unlock()
	s.updateProgressAfterWrite()
	s.logger.Warn("fetch failed, recorded fallback",
		zap.String("subject", pair.Subject),
		zap.String("region", pair.Region),
		zap.String("reason", reason),
		zap.Float64("score", reading.Score))
	s.maybePersist(ctx)
}

func readingFromSample(sample *refresher.Sample, now time.Time) dataset.Reading {
	return dataset.Reading{
		Score:       sample.Score,
		PeakScore:   sample.Peak,
		RecentScore: sample.Recent,
		Estimate:    sample.Estimate,
		Provenance:  dataset.ProvenanceAPI,
		FetchedAt:   &now,
	}
}

func fallbackReading(subject string, now time.Time) dataset.Reading {
	return dataset.Reading{
		Score:      refresher.FallbackScore(subject),
		Provenance: dataset.ProvenanceFallback,
		FetchedAt:  &now,
		Fallback:   true,
	}
}

// maybePersist saves once enough writes accumulated since the last save.
func (s *Scheduler) maybePersist(ctx context.Context) {
	s.writesSinceSave++
	if s.writesSinceSave < s.tunables().SaveEvery {
		return
	}
	s.persist(ctx)
}

// persist saves the dataset and publishes a snapshot event. On failure the
// pending write count stays up so the next trigger retries.
func (s *Scheduler) persist(ctx context.Context) {
	now := s.clock.Now()
	s.ds.Meta.LastUpdate = &now
	s.ds.Meta.SuccessRatePercent = s.successRatePercent()
	if err := s.store.Save(ctx, s.ds); err != nil {
		metrics.ObserveSave(false)
		s.logger.Error("dataset save failed", zap.Error(err))
		return
	}
	metrics.ObserveSave(true)
	s.writesSinceSave = 0
	s.logger.Info("dataset saved", zap.Int("readings", s.ds.Count()))
	s.publishEvent(ctx)
}

func (s *Scheduler) publishEvent(ctx context.Context) {
	if s.publisher == nil || s.cfg.PublishTopic == "" {
		return
	}
	event := refresher.RefreshEvent{
		ID:                   uuid.NewString(),
		At:                   s.clock.Now(),
		CycleProgressPercent: s.Status().CycleProgressPercent,
		TotalReadings:        s.ds.Meta.TotalReadings,
		SuccessRatePercent:   s.ds.Meta.SuccessRatePercent,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.PublishTopic, event); err != nil {
		metrics.ObservePublish(false)
		s.logger.Warn("refresh event publish failed", zap.Error(err))
		return
	}
	metrics.ObservePublish(true)
}

// finalize persists whatever is in memory and marks the machine stopped.
// The loop context is already gone, so the save gets its own deadline.
func (s *Scheduler) finalize() {
	if s.ds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
		s.persist(ctx)
		cancel()
	}
	s.mu.Lock()
	s.setPhaseLocked(refresher.PhaseStopped)
	s.current = ""
	s.pausedUntil = nil
	s.autoPaused = false
	s.mu.Unlock()
	s.logger.Info("refresher stopped")
}

func (s *Scheduler) tunables() Tunables {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tun
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == refresher.PhaseRunning
}

// subjectChanged reports whether the loop is about to move to a different
// subject. The first pick of a run never paces.
func (s *Scheduler) subjectChanged(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != "" && s.current != subject
}

func (s *Scheduler) setCurrent(subject string) {
	s.mu.Lock()
	s.current = subject
	s.mu.Unlock()
}

func (s *Scheduler) setPhaseLocked(p refresher.Phase) {
	s.phase = p
	metrics.SetPhase(string(p))
}

func (s *Scheduler) resumeLocked() {
	s.setPhaseLocked(refresher.PhaseRunning)
	s.pausedUntil = nil
	s.autoPaused = false
}

func (s *Scheduler) observeSelection(sel selector.Selection) {
	s.mu.Lock()
	s.progress = sel.ProgressPercent
	s.fresh = sel.Fresh
	s.remaining = sel.Remaining
	s.mu.Unlock()
	metrics.SetCycleProgress(sel.ProgressPercent)
}

// updateProgressAfterWrite folds the just-refreshed pair into the cycle
// numbers without another universe scan.
func (s *Scheduler) updateProgressAfterWrite() {
	s.mu.Lock()
	s.fresh++
	if s.remaining > 0 {
		s.remaining--
	}
	s.progress = selector.Percent(s.fresh, s.selector.UniverseSize())
	progress := s.progress
	s.mu.Unlock()
	metrics.SetCycleProgress(progress)
}

// etaHoursLocked estimates time to finish the cycle assuming the gate's
// minimum interval is the only brake. Deliberately optimistic.
func (s *Scheduler) etaHoursLocked() float64 {
	interval := s.gate.MinInterval()
	if interval <= 0 || s.remaining == 0 {
		return 0
	}
	return float64(s.remaining) * interval.Hours()
}

func (s *Scheduler) successRatePercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.counters.Success + s.counters.Failure + s.counters.Blocked
	if attempts == 0 {
		return 0
	}
	return 100 * float64(s.counters.Success) / float64(attempts)
}

// pacingPause picks a uniform duration within [min, max].
func pacingPause(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
