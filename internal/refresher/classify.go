package refresher

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Outcome classifies a single fetch attempt.
type Outcome string

// Outcome values produced by the Classifier.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft_failure"
	OutcomeHardBlock   Outcome = "hard_block"
)

// Classification carries the outcome plus the reason used for logging.
type Classification struct {
	Outcome Outcome
	Reason  string
}

// ClassifierConfig holds the provider-specific blocking heuristics. The
// marker lists are deliberately configuration rather than contract; they
// track whatever challenge pages the upstream currently serves.
type ClassifierConfig struct {
	BlockMarkers        []string
	RateLimitSignatures []string
}

// DefaultClassifierConfig returns the marker lists observed from the
// upstream interest API's challenge responses.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		BlockMarkers: []string{
			"captcha",
			"unusual traffic",
			"verify you are",
			"automated queries",
		},
		RateLimitSignatures: []string{
			"429",
			"too many requests",
			"rate limit",
			"quota exceeded",
		},
	}
}

// Classifier decides whether a fetch attempt succeeded, failed in isolation,
// or hit provider-side blocking. Conflating the two failure kinds is the
// expensive mistake: soft failures must not trigger day-long cooldowns, and
// hard blocks must not be retried next iteration.
type Classifier struct {
	markers    [][]byte
	signatures []string
}

// NewClassifier constructs a Classifier with the configured marker lists.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	markers := make([][]byte, 0, len(cfg.BlockMarkers))
	for _, m := range cfg.BlockMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	signatures := make([]string, 0, len(cfg.RateLimitSignatures))
	for _, s := range cfg.RateLimitSignatures {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		signatures = append(signatures, s)
	}
	return &Classifier{markers: markers, signatures: signatures}
}

// Classify maps a raw fetch result and transport error onto one of the
// three outcomes.
func (c *Classifier) Classify(res FetchResult, err error) Classification {
	if reason, ok := c.looksBlocked(res.Body); ok {
		return Classification{Outcome: OutcomeHardBlock, Reason: reason}
	}
	if reason, ok := blockedStatus(res.StatusCode); ok {
		return Classification{Outcome: OutcomeHardBlock, Reason: reason}
	}
	if err != nil {
		if sig, ok := c.matchesSignature(err.Error()); ok {
			return Classification{
				Outcome: OutcomeHardBlock,
				Reason:  fmt.Sprintf("rate limit signature %q in error: %v", sig, err),
			}
		}
		return Classification{Outcome: OutcomeSoftFailure, Reason: err.Error()}
	}
	if res.Sample == nil || res.Sample.Points == 0 {
		return Classification{Outcome: OutcomeSoftFailure, Reason: "empty series"}
	}
	return Classification{Outcome: OutcomeSuccess}
}

// blockedStatus flags statuses a structured JSON endpoint never returns on
// its own. Redirects in particular are how the upstream routes clients to
// its challenge page.
func blockedStatus(code int) (string, bool) {
	switch {
	case code >= http.StatusMultipleChoices && code < http.StatusBadRequest:
		return fmt.Sprintf("redirect status %d", code), true
	case code == http.StatusTooManyRequests:
		return "status 429", true
	default:
		return "", false
	}
}

func (c *Classifier) looksBlocked(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return "markup payload", true
	}
	lower := bytes.ToLower(trimmed)
	if bytes.Contains(lower, []byte("<!doctype")) {
		return "doctype marker", true
	}
	for _, marker := range c.markers {
		if bytes.Contains(lower, marker) {
			return fmt.Sprintf("block marker %q", marker), true
		}
	}
	if bytes.Contains(lower, []byte("<head")) && hasHTMLSkeleton(trimmed) {
		return "html skeleton", true
	}
	return "", false
}

func (c *Classifier) matchesSignature(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, sig := range c.signatures {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	return "", false
}

// hasHTMLSkeleton confirms the head/meta structure of a challenge page that
// slipped past the cheaper checks, such as one hidden behind a non-markup
// prefix. The html parser wraps arbitrary text in an empty skeleton, so the
// check requires actual meta elements rather than just a parseable document.
func hasHTMLSkeleton(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find("meta").Length() > 0
}
