// Package health periodically probes the service's internal components and
// feeds the results to the component registry behind /healthz and /readyz.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
)

// Checker probes one component. A nil error means healthy.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// PingChecker adapts a ping function, bounding each probe with a timeout.
// The store and both actors expose such a function.
type PingChecker struct {
	name    string
	ping    func(ctx context.Context) error
	timeout time.Duration
}

// NewPingChecker wraps a ping function as a Checker.
func NewPingChecker(name string, timeout time.Duration, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, timeout: timeout}
}

// Name returns the component name.
func (c *PingChecker) Name() string { return c.name }

// Check runs the ping under the configured timeout.
func (c *PingChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ping(ctx)
}

// Monitor runs the registered checkers on an interval and publishes each
// result to the component registry.
type Monitor struct {
	checkers []Checker
	interval time.Duration
	logger   zerolog.Logger
}

// NewMonitor creates a monitor. Components start registered as unhealthy
// until their first successful probe.
func NewMonitor(interval time.Duration, checkers ...Checker) *Monitor {
	for _, c := range checkers {
		metrics.RegisterComponent(c.Name(), false, "not checked yet")
	}
	return &Monitor{
		checkers: checkers,
		interval: interval,
		logger:   log.WithComponent("health"),
	}
}

// Run probes until ctx is canceled. The first sweep happens immediately so
// readiness does not wait a full interval after startup.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, c := range m.checkers {
		err := c.Check(ctx)
		if err != nil {
			metrics.UpdateComponent(c.Name(), false, err.Error())
			m.logger.Warn().Err(err).Str("component", c.Name()).Msg("health check failed")
			continue
		}
		metrics.UpdateComponent(c.Name(), true, "")
	}
}
