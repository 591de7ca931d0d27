package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// StopFunc force-stops the active capture session.
type StopFunc func(ctx context.Context) error

// MonitorConfig sets the protection loop thresholds and cadence.
type MonitorConfig struct {
	Interval   time.Duration
	CPULimit   float64
	TempLimitC float64
	MemLimit   float64
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 80.0
	}
	if c.TempLimitC <= 0 {
		c.TempLimitC = 70.0
	}
	if c.MemLimit <= 0 {
		c.MemLimit = 80.0
	}
}

// Monitor samples host load on a fixed interval and force-stops streaming
// when any reading crosses its limit. While protected, toggle-on requests
// are rejected; the flag clears on the first sample back under all limits.
type Monitor struct {
	cfg       MonitorConfig
	reporter  *Reporter
	stop      StopFunc
	log       *slog.Logger
	protected atomic.Bool
}

func NewMonitor(cfg MonitorConfig, reporter *Reporter, stop StopFunc, log *slog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{cfg: cfg, reporter: reporter, stop: stop, log: log}
}

// Protected reports whether streaming is currently locked out.
func (m *Monitor) Protected() bool {
	return m.protected.Load()
}

// Run blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	snap := m.reporter.Snapshot(ctx)

	reason := m.overLimit(snap)
	if reason == "" {
		if m.protected.CompareAndSwap(true, false) {
			m.log.Info("system load recovered, streaming unlocked")
		}
		return
	}

	if m.protected.CompareAndSwap(false, true) {
		m.log.Warn("system overload, force-stopping stream", "reason", reason)
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.stop(stopCtx); err != nil {
			m.log.Error("protective stop failed", "error", err)
		}
	}
}

// overLimit returns a non-empty reason when any reading exceeds its limit.
// Unavailable readings never trip protection.
func (m *Monitor) overLimit(snap Snapshot) string {
	if snap.CPUPercent != nil && *snap.CPUPercent > m.cfg.CPULimit {
		return "cpu"
	}
	if snap.CPUTempC != nil && *snap.CPUTempC > m.cfg.TempLimitC {
		return "temperature"
	}
	if snap.MemoryPercent != nil && *snap.MemoryPercent > m.cfg.MemLimit {
		return "memory"
	}
	return ""
}
