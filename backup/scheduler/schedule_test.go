package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextFireTimeStandardExpr(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, err := NextFireTime("0 12 * * *", "UTC", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), next)
}

func TestNextFireTimeHonorsTimezone(t *testing.T) {
	after := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	next, err := NextFireTime("0 9 * * *", "America/New_York", after)
	require.NoError(t, err)
	require.Equal(t, "America/New_York", next.Location().String())
}

func TestNextFireTimeInvalidExprErrors(t *testing.T) {
	_, err := NextFireTime("not a cron expr", "UTC", time.Now())
	require.Error(t, err)
}

func TestNextFireTimeInvalidTimezoneErrors(t *testing.T) {
	_, err := NextFireTime("* * * * *", "Nowhere/Imaginary", time.Now())
	require.Error(t, err)
}
