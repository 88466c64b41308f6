// Package heartbeat samples an agent's local resource usage for
// attachment to its periodic Ping control-plane message (C16).
package heartbeat

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/relaybackup/engine/backup/agentproto"
)

// Sampler reads a point-in-time resource snapshot for the agent's
// root filesystem.
type Sampler struct {
	// DiskPath is the filesystem path whose free space is reported,
	// typically the agent's staging directory's volume.
	DiskPath string
}

// NewSampler builds a Sampler reporting on diskPath.
func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{DiskPath: diskPath}
}

// Sample reads current CPU, memory, and disk usage. A failure on any
// one metric does not prevent reporting the others; the snapshot is
// best-effort telemetry, not a correctness input.
func (s *Sampler) Sample(ctx context.Context) (agentproto.ResourceSnapshot, error) {
	var snap agentproto.ResourceSnapshot
	var errs []error

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mem: %w", err))
	} else {
		snap.MemUsedBytes = vm.Used
		snap.MemTotalBytes = vm.Total
	}

	if usage, err := disk.UsageWithContext(ctx, s.DiskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else {
		snap.DiskFreeBytes = usage.Free
	}

	if len(errs) > 0 {
		return snap, fmt.Errorf("heartbeat: partial sample: %v", errs)
	}
	return snap, nil
}
