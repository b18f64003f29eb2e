package engine

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/stretchr/testify/require"
)

func TestFloodGuardAllowsBurstThenLimits(t *testing.T) {
	fg := newFloodGuard(floodGuardConfig{
		Rate:            rate.Limit(1),
		Burst:           2,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	defer fg.Stop()

	require.True(t, fg.Allow("203.0.113.1"))
	require.True(t, fg.Allow("203.0.113.1"))
	require.False(t, fg.Allow("203.0.113.1"), "burst exhausted")
	require.Equal(t, uint64(1), fg.Rejections())
}

func TestFloodGuardTracksAddressesIndependently(t *testing.T) {
	fg := newFloodGuard(floodGuardConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	defer fg.Stop()

	require.True(t, fg.Allow("203.0.113.1"))
	require.False(t, fg.Allow("203.0.113.1"))
	require.True(t, fg.Allow("203.0.113.2"), "different source must have its own budget")
}
