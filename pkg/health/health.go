package health

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP  CheckType = "http"
	CheckTypeRedis CheckType = "redis"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one external dependency of the server
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int

	// StartPeriod is the grace period during which failures are not counted,
	// for dependencies started alongside the server
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Timeout:     2 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health of a dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy flips to false only after Retries consecutive failures
	Healthy bool

	StartedAt time.Time
}

// NewStatus creates a new Status, healthy until proven otherwise
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	if s.InStartPeriod(config) {
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}

// AllChecker is healthy only while every wrapped checker is
type AllChecker struct {
	checkers []Checker
}

// NewAllChecker combines checkers, e.g. one per remote event server
func NewAllChecker(checkers ...Checker) *AllChecker {
	return &AllChecker{checkers: checkers}
}

// Check runs every checker in turn
func (a *AllChecker) Check(ctx context.Context) Result {
	start := time.Now()
	var failed []string
	for _, c := range a.checkers {
		if r := c.Check(ctx); !r.Healthy {
			failed = append(failed, r.Message)
		}
	}

	res := Result{Healthy: len(failed) == 0, CheckedAt: start}
	if len(failed) > 0 {
		res.Message = fmt.Sprintf("%d of %d unhealthy: %s", len(failed), len(a.checkers), strings.Join(failed, "; "))
	} else {
		res.Message = fmt.Sprintf("%d healthy", len(a.checkers))
	}
	res.Duration = time.Since(start)
	return res
}

// Type returns the type of the wrapped checkers
func (a *AllChecker) Type() CheckType {
	if len(a.checkers) == 0 {
		return ""
	}
	return a.checkers[0].Type()
}
