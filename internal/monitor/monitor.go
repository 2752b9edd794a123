// Package monitor samples process and device health in the background so
// that /health can answer from memory.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"lipsync-service/internal/inference"
	"lipsync-service/internal/logging"
)

const (
	memWarnThresholdBytes  = 600 * 1024 * 1024
	memCritThresholdBytes  = 1200 * 1024 * 1024
	goroutineWarnThreshold = 500
	goroutineCritThreshold = 1000
	gpuWarnFraction        = 0.95

	checkInterval = 30 * time.Second
	warnCooldown  = 10 * time.Minute
	probeTimeout  = 5 * time.Second
)

type Level string

const (
	LevelOK       Level = "ok"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// DeviceProbe reports the accelerator the motion model runs on. Both the
// inference sidecar client and NvidiaSMI satisfy it.
type DeviceProbe interface {
	Health(ctx context.Context) (inference.DeviceInfo, error)
}

// Alerter delivers operator notifications.
type Alerter interface {
	Alert(text string)
}

// Snapshot is the last sampled state.
type Snapshot struct {
	SampledAt  time.Time            `json:"sampled_at"`
	HeapMB     uint64               `json:"heap_mb"`
	SysMB      uint64               `json:"sys_mb"`
	Goroutines int                  `json:"goroutines"`
	Device     inference.DeviceInfo `json:"device"`
	DeviceErr  string               `json:"device_error,omitempty"`
	Level      Level                `json:"level"`
}

// Thresholds can be lowered in tests.
type Thresholds struct {
	HeapWarn, HeapCrit           uint64
	GoroutineWarn, GoroutineCrit int
	GPUWarnFraction              float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HeapWarn:        memWarnThresholdBytes,
		HeapCrit:        memCritThresholdBytes,
		GoroutineWarn:   goroutineWarnThreshold,
		GoroutineCrit:   goroutineCritThreshold,
		GPUWarnFraction: gpuWarnFraction,
	}
}

type Monitor struct {
	probe      DeviceProbe
	alert      Alerter
	log        *logging.Logger
	Thresholds Thresholds
	Interval   time.Duration

	mu         sync.RWMutex
	snap       Snapshot
	lastWarnAt time.Time
	lastLevel  Level
}

// New builds a monitor. alert may be nil.
func New(probe DeviceProbe, alert Alerter, log *logging.Logger) *Monitor {
	return &Monitor{
		probe:      probe,
		alert:      alert,
		log:        log,
		Thresholds: DefaultThresholds(),
		Interval:   checkInterval,
		snap:       Snapshot{Level: LevelOK, Device: inference.DeviceInfo{Device: "CPU"}},
		lastLevel:  LevelOK,
	}
}

// Run samples once immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := m.Thresholds
	m.log.Infof("monitor: started (warn=%dMB, crit=%dMB, goroutines warn=%d crit=%d)",
		t.HeapWarn/(1024*1024), t.HeapCrit/(1024*1024), t.GoroutineWarn, t.GoroutineCrit)

	m.Sample(ctx)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Infof("monitor: stopped")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Snapshot returns the cached state without sampling.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Sample reads memory and device state, stores it and raises alerts.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		SampledAt:  time.Now().UTC(),
		HeapMB:     ms.HeapAlloc / (1024 * 1024),
		SysMB:      ms.Sys / (1024 * 1024),
		Goroutines: runtime.NumGoroutine(),
		Device:     inference.DeviceInfo{Device: "CPU"},
	}
	if m.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		info, err := m.probe.Health(pctx)
		cancel()
		if err != nil {
			snap.DeviceErr = err.Error()
			m.log.Warnf("monitor: device probe failed: %v", err)
		} else {
			snap.Device = info
		}
	}

	level, reason := m.classify(ms.HeapAlloc, snap)
	snap.Level = level

	m.mu.Lock()
	m.snap = snap
	previous := m.lastLevel
	m.lastLevel = level
	notify := false
	switch level {
	case LevelCritical:
		notify = previous != LevelCritical
	case LevelWarn:
		notify = time.Since(m.lastWarnAt) > warnCooldown
	}
	if notify {
		m.lastWarnAt = time.Now()
	}
	m.mu.Unlock()

	switch level {
	case LevelCritical:
		m.log.Errorf("monitor: CRITICAL %s", reason)
	case LevelWarn:
		m.log.Warnf("monitor: WARNING %s", reason)
		runtime.GC()
	}
	if notify && m.alert != nil {
		m.alert.Alert(fmt.Sprintf("%s: %s\nHeap: %d MB / Sys: %d MB\nGoroutines: %d\nDevice: %s",
			level, reason, snap.HeapMB, snap.SysMB, snap.Goroutines, snap.Device.Device))
	}
	return snap
}

func (m *Monitor) classify(heap uint64, snap Snapshot) (Level, string) {
	t := m.Thresholds
	switch {
	case snap.Goroutines >= t.GoroutineCrit:
		return LevelCritical, fmt.Sprintf("goroutine leak: %d (limit %d)", snap.Goroutines, t.GoroutineCrit)
	case heap >= t.HeapCrit:
		return LevelCritical, fmt.Sprintf("heap %d MB (limit %d MB)", snap.HeapMB, t.HeapCrit/(1024*1024))
	case heap > t.HeapWarn:
		return LevelWarn, fmt.Sprintf("heap %d MB (threshold %d MB)", snap.HeapMB, t.HeapWarn/(1024*1024))
	case snap.Goroutines >= t.GoroutineWarn:
		return LevelWarn, fmt.Sprintf("goroutines %d (threshold %d)", snap.Goroutines, t.GoroutineWarn)
	}
	d := snap.Device
	if d.MemoryTotalMB > 0 && float64(d.MemoryUsedMB)/float64(d.MemoryTotalMB) >= t.GPUWarnFraction {
		return LevelWarn, fmt.Sprintf("device memory %d/%d MB", d.MemoryUsedMB, d.MemoryTotalMB)
	}
	return LevelOK, ""
}
