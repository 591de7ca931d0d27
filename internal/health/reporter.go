// Package health aggregates live readings from the controller, store, hub,
// and host into status snapshots. It is strictly read-only over the rest of
// the system; a missing sensor reports as unavailable instead of failing.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/session"
	"github.com/JamesjinKim/livecam2/internal/store"
)

// SystemState classifies host load.
type SystemState string

const (
	SystemNormal   SystemState = "normal"
	SystemWarning  SystemState = "warning"
	SystemCritical SystemState = "critical"
)

// Warning/critical bands for the classification, below the protection
// thresholds so the UI ramps before the monitor intervenes.
const (
	warnCPUPct  = 60.0
	critCPUPct  = 75.0
	warnTempC   = 60.0
	critTempC   = 70.0
	warnMemPct  = 70.0
	critMemPct  = 80.0
)

// Snapshot is the status document served by GET /status and pushed over the
// WebSocket. Recomputed per request; never persisted. Nil pointer fields
// mean the reading was unavailable.
type Snapshot struct {
	State            session.State `json:"state"`
	SessionID        string        `json:"session_id,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	DevicePath       string        `json:"device"`
	DevicePresent    bool          `json:"device_present"`
	AvailableDevices []string      `json:"available_devices"`
	LastSwitchTime   *time.Time    `json:"last_switch_time,omitempty"`
	Protected        bool          `json:"protected"`

	CPUPercent    *float64 `json:"cpu_percent"`
	CPUTempC      *float64 `json:"cpu_temp_c"`
	MemoryPercent *float64 `json:"memory_percent"`
	DiskPercent   *float64 `json:"disk_percent"`
	Uptime        string   `json:"uptime"`

	System SystemState `json:"system"`

	Store   StoreStatus `json:"store"`
	Viewers int         `json:"viewers"`

	Timestamp time.Time `json:"timestamp"`
}

// StoreStatus reports stream store occupancy.
type StoreStatus struct {
	Segments       int   `json:"segments"`
	Bytes          int64 `json:"bytes"`
	LatestSequence int64 `json:"latest_sequence"`
}

// Controller is the session-facing slice the reporter reads.
type Controller interface {
	State() session.State
	SessionID() string
	Err() error
	ActiveDevice() capture.Device
	LastSwitch() (time.Time, bool)
}

// Store is the store-facing slice the reporter reads.
type Store interface {
	Occupancy() (segments int, bytes int64)
	Latest() (store.SegmentRef, bool)
}

// ViewerCounter reports connected viewers.
type ViewerCounter interface {
	Viewers() int
}

// Reporter builds snapshots on demand.
type Reporter struct {
	ctrl      Controller
	store     Store
	viewers   ViewerCounter
	discovery *capture.Discovery
	protected func() bool
}

// NewReporter wires the reporter to its read-only sources. protected may be
// nil when no protection monitor is running.
func NewReporter(ctrl Controller, st Store, viewers ViewerCounter, protected func() bool) *Reporter {
	return &Reporter{
		ctrl:      ctrl,
		store:     st,
		viewers:   viewers,
		discovery: capture.NewDiscovery(),
		protected: protected,
	}
}

// Snapshot gathers one status snapshot. Host readings are best-effort.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	device := r.ctrl.ActiveDevice().Path
	s := Snapshot{
		State:         r.ctrl.State(),
		SessionID:     r.ctrl.SessionID(),
		DevicePath:    device,
		DevicePresent: r.discovery.IsAvailable(ctx, device),
		Viewers:       r.viewers.Viewers(),
		Timestamp:     time.Now().UTC(),
	}
	if devices, err := r.discovery.ScanDevices(ctx); err == nil {
		s.AvailableDevices = devices
	}
	if at, ok := r.ctrl.LastSwitch(); ok {
		t := at.UTC()
		s.LastSwitchTime = &t
	}
	if err := r.ctrl.Err(); err != nil {
		s.LastError = err.Error()
	}
	if r.protected != nil {
		s.Protected = r.protected()
	}

	segs, bytes := r.store.Occupancy()
	s.Store = StoreStatus{Segments: segs, Bytes: bytes}
	if ref, ok := r.store.Latest(); ok {
		s.Store.LatestSequence = ref.Sequence
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = &pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = &vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		s.DiskPercent = &du.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.Uptime = formatUptime(up)
	} else {
		s.Uptime = "unavailable"
	}
	if t, ok := readCPUTemp(ctx); ok {
		s.CPUTempC = &t
	}

	s.System = classify(s.CPUPercent, s.CPUTempC, s.MemoryPercent)
	return s
}

// classify bands the host readings. Unavailable readings count as normal.
func classify(cpuPct, tempC, memPct *float64) SystemState {
	over := func(v *float64, limit float64) bool { return v != nil && *v > limit }

	if over(cpuPct, critCPUPct) || over(tempC, critTempC) || over(memPct, critMemPct) {
		return SystemCritical
	}
	if over(cpuPct, warnCPUPct) || over(tempC, warnTempC) || over(memPct, warnMemPct) {
		return SystemWarning
	}
	return SystemNormal
}

// readCPUTemp reads the SoC temperature: sysfs thermal zone first, then the
// Raspberry Pi vcgencmd tool.
func readCPUTemp(ctx context.Context) (float64, bool) {
	if raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp"); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			return milli / 1000.0, true
		}
	}

	if _, err := exec.LookPath("vcgencmd"); err != nil {
		return 0, false
	}
	out, err := exec.CommandContext(ctx, "vcgencmd", "measure_temp").Output()
	if err != nil {
		return 0, false
	}
	// Output looks like: temp=48.3'C
	v := strings.TrimPrefix(strings.TrimSpace(string(out)), "temp=")
	v = strings.TrimSuffix(v, "'C")
	t, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}

func formatUptime(seconds uint64) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}
