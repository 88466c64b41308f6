package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/internal/errkind"
)

func TestBackoffMonotonicAndStable(t *testing.T) {
	p := ParamsFor(errkind.Network)
	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := Delay(p, "r1", attempt)
		require.GreaterOrEqual(t, d, prev)
		// Deterministic: same inputs, same output.
		require.Equal(t, d, Delay(p, "r1", attempt))
		prev = d
	}
}

func TestBackoffCappedAtParamsCap(t *testing.T) {
	p := ParamsFor(errkind.Network)
	d := Delay(p, "r1", 100)
	require.LessOrEqual(t, d, p.Cap+p.MaxJitter)
}

func TestBlockedParamsForAuthAndConfig(t *testing.T) {
	require.True(t, IsBlocking(errkind.Auth))
	require.True(t, IsBlocking(errkind.Config))
	require.False(t, IsBlocking(errkind.Network))
	require.Greater(t, ParamsFor(errkind.Auth).Base, ParamsFor(errkind.Network).Base)
}

func TestAbandonedByAttemptsOrAge(t *testing.T) {
	now := time.Now()
	require.True(t, Abandoned(20, now, now))
	require.False(t, Abandoned(19, now, now))
	require.True(t, Abandoned(0, now.Add(-31*24*time.Hour), now))
	require.False(t, Abandoned(0, now.Add(-29*24*time.Hour), now))
}
