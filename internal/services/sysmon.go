package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time reading of host health.
type Snapshot struct {
	CPUPercent      float64
	MemPercent      float64
	MemUsedGB       float64
	MemTotalGB      float64
	DiskPercent     float64
	DiskUsedGB      float64
	DiskTotalGB     float64
	Uptime          time.Duration
	Platform        string
	PlatformVersion string
	TakenAt         time.Time
}

// Monitor samples host metrics on a ticker in the background. The
// conversation path only ever reads the latest snapshot under the lock,
// so a slow metrics source can never stall a reply.
type Monitor struct {
	interval time.Duration
	diskPath string

	mu     sync.RWMutex
	latest Snapshot
	taken  bool
}

// NewMonitor returns a monitor sampling every interval (default 30s).
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{interval: interval, diskPath: defaultDiskPath()}
}

// Run samples until ctx is cancelled. Blocks, so call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("system monitor started", "interval", m.interval)

	// Prime the CPU counters; the first delta-based reading is
	// meaningless without a baseline.
	cpu.PercentWithContext(ctx, 0, false)

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}
	m.Sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("system monitor stopping")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Latest returns the most recent snapshot. ok is false until the first
// sample lands.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.taken
}

// Sample takes one snapshot immediately, outside the Run cadence.
// One-shot sessions use it so a status query has something to report.
func (m *Monitor) Sample(ctx context.Context) {
	snap, err := takeSnapshot(ctx, m.diskPath)
	if err != nil {
		slog.Warn("system sample failed", "error", err)
		return
	}
	m.mu.Lock()
	m.latest = snap
	m.taken = true
	m.mu.Unlock()
}

// takeSnapshot reads all metric sources once. A missing disk degrades
// to zero usage rather than failing the whole snapshot.
func takeSnapshot(ctx context.Context, diskPath string) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = round2(percents[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: %w", err)
	}
	snap.MemPercent = round2(vm.UsedPercent)
	snap.MemUsedGB = toGB(vm.Used)
	snap.MemTotalGB = toGB(vm.Total)

	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		slog.Warn("disk usage unavailable", "path", diskPath, "error", err)
	} else {
		snap.DiskPercent = round2(du.UsedPercent)
		snap.DiskUsedGB = toGB(du.Used)
		snap.DiskTotalGB = toGB(du.Total)
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("host: %w", err)
	}
	snap.Uptime = time.Duration(info.Uptime) * time.Second
	snap.Platform = info.Platform
	snap.PlatformVersion = info.PlatformVersion

	return snap, nil
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		if drive := os.Getenv("SystemDrive"); drive != "" {
			return drive
		}
		return "C:"
	}
	return "/"
}

func toGB(b uint64) float64 {
	return round2(float64(b) / (1 << 30))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
