package limits_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/limits"
)

func TestShouldAcceptConnectionEnforcesConnectionCeiling(t *testing.T) {
	g := limits.NewGuard(limits.Config{MaxConnections: 2}, zap.NewNop())

	accept, _ := g.ShouldAcceptConnection()
	require.True(t, accept)

	g.AddConnection()
	g.AddConnection()

	accept, reason := g.ShouldAcceptConnection()
	require.False(t, accept)
	require.Equal(t, "at max connections", reason)

	g.ReleaseConnection()
	accept, _ = g.ShouldAcceptConnection()
	require.True(t, accept)
}

func TestShouldAcceptConnectionUnboundedWhenMaxConnectionsZero(t *testing.T) {
	g := limits.NewGuard(limits.Config{}, zap.NewNop())
	for i := 0; i < 1000; i++ {
		g.AddConnection()
	}
	accept, _ := g.ShouldAcceptConnection()
	require.True(t, accept, "a zero MaxConnections disables the ceiling")
}

func TestAllowAppendDisabledWithoutRateConfigured(t *testing.T) {
	g := limits.NewGuard(limits.Config{}, zap.NewNop())
	for i := 0; i < 100; i++ {
		require.True(t, g.AllowAppend())
	}
}

func TestAllowAppendEnforcesConfiguredRate(t *testing.T) {
	g := limits.NewGuard(limits.Config{MaxAppendsPerSec: 1}, zap.NewNop())

	allowedCount := 0
	for i := 0; i < 5; i++ {
		if g.AllowAppend() {
			allowedCount++
		}
	}
	require.Less(t, allowedCount, 5, "burst of 5 immediate appends must not all be allowed at rate=1/s")
}

func TestShouldAcceptConnectionEnforcesSubscribeRate(t *testing.T) {
	g := limits.NewGuard(limits.Config{MaxSubscribesPerSec: 1}, zap.NewNop())

	acceptedCount := 0
	for i := 0; i < 5; i++ {
		if accept, _ := g.ShouldAcceptConnection(); accept {
			acceptedCount++
		}
	}
	require.Less(t, acceptedCount, 5, "burst of 5 immediate subscribes must not all be accepted at rate=1/s")
}
