package heartbeat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSamplerSampleReturnsNonZeroMemTotal(t *testing.T) {
	s := NewSampler("")
	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Greater(t, snap.MemTotalBytes, uint64(0))
}

func TestNewSamplerDefaultsDiskPath(t *testing.T) {
	s := NewSampler("")
	require.Equal(t, "/", s.DiskPath)
}
