// Package gate admits fetch dispatches under the composite rate budget.
package gate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trendkeeper/trendkeeper/internal/clock/system"
	"github.com/trendkeeper/trendkeeper/internal/metrics"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
)

// Config holds the four admission constraints.
type Config struct {
	// MinInterval is the hard floor between any two dispatches.
	MinInterval time.Duration
	// MaxConcurrent bounds in-flight dispatches.
	MaxConcurrent int
	// ReservoirSize caps the token reservoir; zero disables it.
	ReservoirSize int
	// RefillAmount tokens are credited every RefillInterval.
	RefillAmount   int
	RefillInterval time.Duration
	// MaxJitter bounds the random delay inserted before each dispatch.
	MaxJitter time.Duration
}

// Stats is a point-in-time view of the gate for the status surface.
// Tokens is zero when the reservoir is disabled.
type Stats struct {
	Tokens int `json:"tokens"`
	Active int `json:"active"`
}

// Gate layers four conjunctive constraints in front of each dispatch: a
// concurrency slot, a reservoir token, a random jitter delay, and the
// minimum inter-request interval. The interval is taken last so dispatch
// instants inherit its spacing no matter how long the earlier waits took.
// The gate never fails on its own; it only delays, and aborts a wait only
// when the context is done.
type Gate struct {
	cfg      Config
	clock    refresher.Clock
	interval *rate.Limiter
	slots    chan struct{}

	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// New creates a gate. A nil clock falls back to the system clock. The
// reservoir starts full.
func New(cfg Config, clk refresher.Clock) *Gate {
	if clk == nil {
		clk = system.New()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RefillAmount <= 0 {
		cfg.RefillAmount = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Minute
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	tokens := 0
	if cfg.ReservoirSize > 0 {
		tokens = cfg.ReservoirSize
	}
	return &Gate{
		cfg:      cfg,
		clock:    clk,
		interval: rate.NewLimiter(limit, 1),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		tokens:   tokens,
	}
}

// Admit blocks until every constraint is satisfied and returns a release
// handle for the concurrency slot. The returned error is non-nil only when
// ctx ended during a wait.
func (g *Gate) Admit(ctx context.Context) (func(), error) {
	start := g.clock.Now()
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire slot: %w", ctx.Err())
	}
	metrics.IncActiveFetches()
	release := func() {
		<-g.slots
		metrics.DecActiveFetches()
	}
	if err := g.takeToken(ctx); err != nil {
		release()
		return nil, err
	}
	if err := sleep(ctx, randomJitter(g.cfg.MaxJitter)); err != nil {
		release()
		return nil, fmt.Errorf("jitter wait: %w", err)
	}
	if err := g.interval.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("interval wait: %w", err)
	}
	metrics.ObserveGateDelay(g.clock.Now().Sub(start))
	return release, nil
}

// Stats reports reservoir tokens after a lazy refill plus in-flight count.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	g.refillLocked()
	tokens := g.tokens
	g.mu.Unlock()
	return Stats{Tokens: tokens, Active: len(g.slots)}
}

// MinInterval returns the configured floor between admissions. Throughput
// estimates divide by it.
func (g *Gate) MinInterval() time.Duration {
	return g.cfg.MinInterval
}

// takeToken consumes one reservoir token, sleeping through refill periods
// until one is available.
func (g *Gate) takeToken(ctx context.Context) error {
	if g.cfg.ReservoirSize <= 0 {
		return nil
	}
	for {
		g.mu.Lock()
		g.refillLocked()
		if g.tokens > 0 {
			g.tokens--
			metrics.SetReservoirTokens(g.tokens)
			g.mu.Unlock()
			return nil
		}
		wait := g.nextRefillLocked()
		g.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("reservoir wait: %w", err)
		}
	}
}

// refillLocked credits whole refill periods elapsed since the last credit.
// Crediting from lastRefill rather than now keeps the schedule drift-free.
func (g *Gate) refillLocked() {
	if g.cfg.ReservoirSize <= 0 {
		return
	}
	now := g.clock.Now()
	if g.lastRefill.IsZero() {
		g.lastRefill = now
		return
	}
	elapsed := now.Sub(g.lastRefill)
	if elapsed < g.cfg.RefillInterval {
		return
	}
	steps := int(elapsed / g.cfg.RefillInterval)
	g.tokens += steps * g.cfg.RefillAmount
	if g.tokens > g.cfg.ReservoirSize {
		g.tokens = g.cfg.ReservoirSize
	}
	g.lastRefill = g.lastRefill.Add(time.Duration(steps) * g.cfg.RefillInterval)
	metrics.SetReservoirTokens(g.tokens)
}

func (g *Gate) nextRefillLocked() time.Duration {
	next := g.lastRefill.Add(g.cfg.RefillInterval)
	if wait := next.Sub(g.clock.Now()); wait > 0 {
		return wait
	}
	return time.Millisecond
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
