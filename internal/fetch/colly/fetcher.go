// Package collyfetcher implements the upstream fetch collaborator with a
// gocolly collector. It resolves a subject to its series key, queries the
// interest series for one region, and hands the raw evidence back for
// classification. It never classifies outcomes itself.
package collyfetcher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	cachememory "github.com/trendkeeper/trendkeeper/internal/cache/memory"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Config controls collector behavior and the retry budget.
type Config struct {
	// BaseURL is the upstream root, without a trailing slash.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// KeyTTL bounds how long a resolved series key is reused.
	KeyTTL time.Duration
	// MaxAttempts, BaseDelay and MaxDelay shape the internal retry loop
	// for transient failures.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Fetcher implements refresher.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	cache         refresher.Cache
	logger        *zap.Logger
	baseCollector *colly.Collector
	transport     http.RoundTripper
}

// New builds a Fetcher. The cache holds resolved series keys; passing nil
// falls back to a process-local one.
func New(cfg Config, cache refresher.Cache, logger *zap.Logger) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cache == nil {
		cache = cachememory.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		cache:         cache,
		logger:        logger,
		baseCollector: c,
		transport:     transport,
	}, nil
}

// FetchOne fetches a fresh interest sample for one (subject, region) pair.
// The raw body and status always travel back with the error so the caller
// can spot blocking signals in failed responses.
func (f *Fetcher) FetchOne(ctx context.Context, subject, region string) (refresher.FetchResult, error) {
	result := refresher.FetchResult{Subject: subject, Region: region}

	key, keyResp, err := f.seriesKey(ctx, subject)
	if err != nil {
		result.StatusCode = keyResp.status
		result.Body = keyResp.body
		result.Duration = keyResp.duration
		return result, err
	}

	target := fmt.Sprintf("%s/api/v1/interest?key=%s&region=%s",
		f.cfg.BaseURL, url.QueryEscape(key), url.QueryEscape(region))
	resp, err := f.getWithRetry(ctx, target)
	result.StatusCode = resp.status
	result.Body = resp.body
	result.Duration = resp.duration
	if err != nil {
		return result, err
	}

	sample, err := parseSample(resp.body)
	if err != nil {
		return result, fmt.Errorf("parse interest series: %w", err)
	}
	result.Sample = sample
	return result, nil
}

// seriesKey returns the upstream series identifier for subject, consulting
// the cache first. Cache trouble degrades to a direct lookup.
func (f *Fetcher) seriesKey(ctx context.Context, subject string) (string, fetchResponse, error) {
	if cached, found, err := f.cache.Get(ctx, subject); err != nil {
		f.logger.Debug("series key cache read failed",
			zap.String("subject", subject),
			zap.Error(err))
	} else if found {
		return cached, fetchResponse{}, nil
	}

	target := fmt.Sprintf("%s/api/v1/keys?subject=%s", f.cfg.BaseURL, url.QueryEscape(subject))
	resp, err := f.getWithRetry(ctx, target)
	if err != nil {
		return "", resp, fmt.Errorf("resolve series key: %w", err)
	}

	var payload struct {
		Subject string `json:"subject"`
		Key     string `json:"key"`
	}
	if err := json.Unmarshal(stripXSSI(resp.body), &payload); err != nil {
		return "", resp, fmt.Errorf("parse series key payload: %w", err)
	}
	if payload.Key == "" {
		return "", resp, fmt.Errorf("no series key for subject %q", subject)
	}

	if err := f.cache.Put(ctx, subject, payload.Key, f.cfg.KeyTTL); err != nil {
		f.logger.Debug("series key cache write failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
	return payload.Key, resp, nil
}

type fetchResponse struct {
	status   int
	body     []byte
	duration time.Duration
}

// getWithRetry runs get under the retry budget. Transport failures and 5xx
// responses retry with jittered backoff; everything else returns at once so
// blocking signals reach the classifier untouched.
func (f *Fetcher) getWithRetry(ctx context.Context, target string) (fetchResponse, error) {
	var (
		resp    fetchResponse
		lastErr error
	)
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, f.backoff(attempt-1)); err != nil {
				return resp, err
			}
		}
		resp, lastErr = f.get(ctx, target)
		if lastErr == nil {
			return resp, nil
		}
		if !shouldRetry(lastErr, resp.status) {
			return resp, lastErr
		}
		f.logger.Debug("retrying upstream request",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return resp, lastErr
}

func shouldRetry(err error, status int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status == 0 {
		return true
	}
	return status >= http.StatusInternalServerError
}

// get executes one GET through a collector clone. Redirects are never
// followed; the redirect response itself comes back so challenge redirects
// stay visible to the classifier.
func (f *Fetcher) get(ctx context.Context, target string) (fetchResponse, error) {
	var (
		resp     fetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = fetchResponse{
			status:   r.StatusCode,
			body:     append([]byte(nil), r.Body...),
			duration: time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp = fetchResponse{
				status:   r.StatusCode,
				body:     append([]byte(nil), r.Body...),
				duration: time.Since(start),
			}
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return resp, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil && fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			if resp.status != 0 {
				return resp, fmt.Errorf("upstream status %d: %w", resp.status, err)
			}
			return resp, fmt.Errorf("upstream request failed: %w", err)
		}
		return resp, nil
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(f.cfg.MaxDelay) {
		delay = float64(f.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
