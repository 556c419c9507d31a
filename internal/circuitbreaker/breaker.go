package circuitbreaker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Condition is a parsed stop_if expression such as "errors > 10%" or
// "error_rate > 0.1".
type Condition struct {
	Metric     string
	Operator   string
	Threshold  float64
	IsPercent  bool
	MinSamples int64
}

// Breaker trips a scan when the probe error rate crosses the configured
// threshold, turning a dying upstream into one deterministic scan_error
// instead of thousands of doomed retries.
type Breaker struct {
	cond    Condition
	tripped int32 // atomic: 0 = closed, 1 = open
	mu      sync.Mutex
	reason  string
}

// conditionPattern matches expressions like "errors > 10%" or "error_rate > 0.1"
var conditionPattern = regexp.MustCompile(`(?i)(errors?|error_rate|failures?)\s*([><=]+)\s*([\d.]+)(%)?`)

// ParseCondition parses a stop_if expression.
func ParseCondition(expr string, minSamples int64) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Condition{}, fmt.Errorf("empty circuit breaker condition")
	}

	matches := conditionPattern.FindStringSubmatch(expr)
	if matches == nil {
		return Condition{}, fmt.Errorf("invalid circuit breaker condition %q, expected format: 'errors > 10%%' or 'error_rate > 0.1'", expr)
	}

	threshold, err := strconv.ParseFloat(matches[3], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("invalid threshold value %q: %w", matches[3], err)
	}

	cond := Condition{
		Operator:   matches[2],
		Threshold:  threshold,
		IsPercent:  matches[4] == "%",
		MinSamples: minSamples,
	}

	switch strings.ToLower(matches[1]) {
	case "error", "errors":
		cond.Metric = "errors"
	case "failure", "failures":
		cond.Metric = "failures"
	default:
		cond.Metric = "error_rate"
	}

	if cond.MinSamples <= 0 {
		cond.MinSamples = 20 // cold start protection
	}
	return cond, nil
}

// NewBreaker creates a breaker from a stop_if expression. An empty
// expression returns a nil breaker, which never trips.
func NewBreaker(expr string, minSamples int64) (*Breaker, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	cond, err := ParseCondition(expr, minSamples)
	if err != nil {
		return nil, err
	}
	return &Breaker{cond: cond}, nil
}

// Check evaluates the condition against current probe counters. Returns
// true once the breaker has tripped.
func (b *Breaker) Check(totalRequests, errors int64) bool {
	if b == nil {
		return false
	}
	if atomic.LoadInt32(&b.tripped) == 1 {
		return true
	}
	if totalRequests < b.cond.MinSamples {
		return false
	}

	var current float64
	switch b.cond.Metric {
	case "errors", "error_rate":
		if b.cond.IsPercent {
			current = float64(errors) / float64(totalRequests) * 100
		} else {
			current = float64(errors) / float64(totalRequests)
		}
	case "failures":
		current = float64(errors)
	default:
		return false
	}

	var shouldTrip bool
	switch b.cond.Operator {
	case ">":
		shouldTrip = current > b.cond.Threshold
	case ">=":
		shouldTrip = current >= b.cond.Threshold
	case "<":
		shouldTrip = current < b.cond.Threshold
	case "<=":
		shouldTrip = current <= b.cond.Threshold
	}

	if shouldTrip && atomic.CompareAndSwapInt32(&b.tripped, 0, 1) {
		b.mu.Lock()
		if b.cond.IsPercent {
			b.reason = fmt.Sprintf("circuit breaker tripped: %s (%.1f%%) exceeded threshold (%.1f%%)",
				b.cond.Metric, current, b.cond.Threshold)
		} else {
			b.reason = fmt.Sprintf("circuit breaker tripped: %s (%.3f) exceeded threshold (%.3f)",
				b.cond.Metric, current, b.cond.Threshold)
		}
		b.mu.Unlock()
	}
	return atomic.LoadInt32(&b.tripped) == 1
}

// IsTripped returns whether the breaker has tripped.
func (b *Breaker) IsTripped() bool {
	return b != nil && atomic.LoadInt32(&b.tripped) == 1
}

// Reason returns why the breaker tripped (empty if closed).
func (b *Breaker) Reason() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}
