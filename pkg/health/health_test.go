package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/metrics"
)

func TestPingCheckerTimeout(t *testing.T) {
	c := NewPingChecker("slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := c.Check(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMonitorPublishesComponentHealth(t *testing.T) {
	storeErr := errors.New("connection refused")
	failing := true
	m := NewMonitor(time.Minute,
		NewPingChecker("store", time.Second, func(ctx context.Context) error {
			if failing {
				return storeErr
			}
			return nil
		}),
		NewPingChecker("scheduler", time.Second, func(ctx context.Context) error {
			return nil
		}),
	)

	// Registered but not yet probed: unhealthy.
	status := metrics.GetHealth()
	require.Equal(t, "unhealthy", status.Status)

	m.sweep(context.Background())
	status = metrics.GetHealth()
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Components["store"], "connection refused")
	assert.Equal(t, "healthy", status.Components["scheduler"])

	failing = false
	m.sweep(context.Background())
	status = metrics.GetHealth()
	assert.Equal(t, "healthy", status.Components["store"])
}
