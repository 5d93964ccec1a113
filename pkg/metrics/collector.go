package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/types"
)

// StatsSource is the slice of the store the collector polls for gauges.
type StatsSource interface {
	GroupCounts(ctx context.Context) (map[types.GroupState]int, error)
	EntryCounts(ctx context.Context) (map[types.Target]map[types.EntryState]int, error)
}

// Collector keeps the group and entry state gauges in step with the store.
// Counters are incremented at the call sites that cause them; the gauges
// are derived state and the store is their source of truth, so they are
// resynced on an interval rather than tracked incrementally.
type Collector struct {
	stats    StatsSource
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a collector polling stats every interval. A zero
// interval selects the 15s default.
func NewCollector(stats StatsSource, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		stats:    stats,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Start begins the polling loop. The first collection happens immediately.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups, err := c.stats.GroupCounts(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("group count collection failed")
	} else {
		GroupsTotal.Reset()
		for state, n := range groups {
			GroupsTotal.WithLabelValues(string(state)).Set(float64(n))
		}
	}

	entries, err := c.stats.EntryCounts(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("entry count collection failed")
		return
	}
	EntriesTotal.Reset()
	for target, states := range entries {
		for state, n := range states {
			EntriesTotal.WithLabelValues(string(state), string(target)).Set(float64(n))
		}
	}
}
