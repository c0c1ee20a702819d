package daemon

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats is a point-in-time snapshot of host health, reported
// alongside job statistics so frontends can pick the least loaded node.
type SystemStats struct {
	Hostname          string  `json:"hostname"`
	OS                string  `json:"os"`
	Arch              string  `json:"arch"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	CPUCores          int     `json:"cpu_cores"`
	CPUPercent        float64 `json:"cpu_percent"`
	LoadAvg1          float64 `json:"load_avg_1"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes   uint64  `json:"memory_used_bytes"`
	MemoryPercent     float64 `json:"memory_percent"`
	WorkDiskFreeBytes uint64  `json:"work_disk_free_bytes"`
	WorkDiskPercent   float64 `json:"work_disk_percent"`
}

// StatsCollector gathers host statistics. Every probe is best-effort: a
// metric that cannot be read is left at its zero value rather than failing
// the whole snapshot.
type StatsCollector struct {
	hostname string
	workDir  string
	started  time.Time
}

// NewStatsCollector creates a collector reporting disk usage for the given
// work directory.
func NewStatsCollector(workDir string) *StatsCollector {
	hostname, _ := os.Hostname()
	return &StatsCollector{
		hostname: hostname,
		workDir:  workDir,
		started:  time.Now(),
	}
}

// ProcessUptime returns how long this node has been running.
func (c *StatsCollector) ProcessUptime() time.Duration {
	return time.Since(c.started)
}

// Collect gathers the current host statistics.
func (c *StatsCollector) Collect(ctx context.Context) SystemStats {
	stats := SystemStats{
		Hostname: c.hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = int64(uptime)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = cores
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1 = avg.Load1
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotalBytes = vm.Total
		stats.MemoryUsedBytes = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, c.workDir); err == nil {
		stats.WorkDiskFreeBytes = usage.Free
		stats.WorkDiskPercent = usage.UsedPercent
	}

	return stats
}
