package collyfetcher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/trendkeeper/trendkeeper/internal/refresher"
)

// xssiPrefix guards every upstream JSON payload.
const xssiPrefix = ")]}',"

// recentWindow is how many trailing points feed the recent average.
const recentWindow = 4

type seriesPayload struct {
	Key    string    `json:"key"`
	Region string    `json:"region"`
	Values []float64 `json:"values"`
}

// stripXSSI drops the anti-scraping prefix and the whitespace that follows
// it. Bodies without the prefix pass through untouched.
func stripXSSI(body []byte) []byte {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte(xssiPrefix)) {
		return bytes.TrimLeft(trimmed[len(xssiPrefix):], " \t\r\n")
	}
	return body
}

// parseSample decodes a series payload and derives the blended sample. An
// empty series yields Points 0 rather than an error; the caller decides
// what that means.
func parseSample(body []byte) (*refresher.Sample, error) {
	var payload seriesPayload
	if err := json.Unmarshal(stripXSSI(body), &payload); err != nil {
		return nil, fmt.Errorf("decode series payload: %w", err)
	}
	if len(payload.Values) == 0 {
		return &refresher.Sample{}, nil
	}
	return buildSample(payload.Values), nil
}

// buildSample blends the window average (85%), the peak (10%) and the
// recent window (5%) into the headline score.
func buildSample(values []float64) *refresher.Sample {
	var sum, peak float64
	for _, v := range values {
		sum += v
		if v > peak {
			peak = v
		}
	}
	avg := sum / float64(len(values))

	n := recentWindow
	if len(values) < n {
		n = len(values)
	}
	var recentSum float64
	for _, v := range values[len(values)-n:] {
		recentSum += v
	}
	recent := recentSum / float64(n)

	return &refresher.Sample{
		Score:    0.85*avg + 0.10*peak + 0.05*recent,
		Peak:     peak,
		Recent:   recent,
		Estimate: estimateNext(values),
		Points:   len(values),
	}
}

// estimateNext projects one step past the series end using the mean step
// between the first and last points, floored at zero.
func estimateNext(values []float64) float64 {
	last := values[len(values)-1]
	if len(values) == 1 {
		return last
	}
	step := (last - values[0]) / float64(len(values)-1)
	if est := last + step; est > 0 {
		return est
	}
	return 0
}
