package scheduler

import (
	"context"
	"runtime"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	cpuWarnPercent    = 90.0
	memoryWarnPercent = 90.0
	diskWarnPercent   = 90.0
)

// systemHealthProbe is task 4: sample CPU/memory/disk, log warnings
// on threshold breach. Purely observational (spec §4.5 task 4),
// grounded on the teacher's ResourceMonitor.collectMetrics/
// checkThresholds (internal/worker/monitor.go).
func (s *Scheduler) systemHealthProbe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("panic", r).Error("scheduler: health probe panicked")
		}
	}()

	if cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(cpuPercent) > 0 {
		if cpuPercent[0] > cpuWarnPercent {
			logging.Log.WithField("cpu_percent", cpuPercent[0]).Warn("system health: CPU usage exceeds threshold")
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		if vm.UsedPercent > memoryWarnPercent {
			logging.Log.WithField("memory_percent", vm.UsedPercent).Warn("system health: memory usage exceeds threshold")
		}
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		if du.UsedPercent > diskWarnPercent {
			logging.Log.WithField("disk_percent", du.UsedPercent).Warn("system health: disk usage exceeds threshold")
		}
	}

	if n := runtime.NumGoroutine(); n > 5000 {
		logging.Log.WithField("goroutines", n).Warn("system health: excessive goroutine count")
	}
}
