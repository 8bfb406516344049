package health

import (
	"context"
	"time"

	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor runs a checker on an interval and reports its status as the
// health of a server component
type Monitor struct {
	component string
	checker   Checker
	config    Config
	status    *Status
	logger    zerolog.Logger
}

// NewMonitor creates a monitor reporting checker as component
func NewMonitor(component string, checker Checker, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		component: component,
		checker:   checker,
		config:    config,
		status:    NewStatus(),
		logger:    log.WithComponent("health").With().Str("dependency", component).Logger(),
	}
}

// Run checks immediately and then every interval until ctx ends
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single check and reports the result. It returns
// whether the component is considered healthy afterwards.
func (m *Monitor) RunOnce(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	was := m.status.Healthy
	result := m.checker.Check(checkCtx)
	m.status.Update(result, m.config)

	if m.status.Healthy != was {
		if m.status.Healthy {
			m.logger.Info().Str("check", string(m.checker.Type())).Msg("Dependency recovered")
		} else {
			m.logger.Error().
				Str("check", string(m.checker.Type())).
				Int("failures", m.status.ConsecutiveFailures).
				Str("message", result.Message).
				Msg("Dependency unhealthy")
		}
	}

	message := ""
	if !m.status.Healthy {
		message = result.Message
	}
	metrics.UpdateComponent(m.component, m.status.Healthy, message)
	return m.status.Healthy
}
