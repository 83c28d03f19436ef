// Package monitor aggregates request outcomes from the admission gateway and
// handlers, samples host resources, and raises threshold alerts. Alerts are
// deduplicated per type to avoid storms, expire from the active set after
// the retention window, and are always appended to the durable audit log.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	requestRingSize = 1024
	errorRingSize   = 256

	rateWindow     = 5 * time.Minute
	dedupWindow    = 5 * time.Minute
	alertRetention = 1 * time.Hour
)

// RequestSample is one observed request outcome.
type RequestSample struct {
	Timestamp time.Time
	Latency   time.Duration
	IP        string
	Endpoint  string
	Status    int
}

// AuditLog is the durable append-only alert sink. *storage.Repository
// satisfies it; tests may pass nil.
type AuditLog interface {
	AppendAlert(models.Alert) error
}

// Monitor holds the bounded sample buffers and the active alert set.
type Monitor struct {
	mu sync.Mutex

	requests  [requestRingSize]RequestSample
	reqNext   int
	reqCount  int
	errors    [errorRingSize]RequestSample
	errNext   int
	errCount  int

	active    []models.Alert
	lastRaise map[string]time.Time

	cpuPercent float64
	memPercent float64

	audit AuditLog
	cfg   config.Monitor
}

// New creates a monitor with the given thresholds and audit sink.
func New(cfg config.Monitor, audit AuditLog) *Monitor {
	return &Monitor{
		lastRaise: make(map[string]time.Time),
		audit:     audit,
		cfg:       cfg,
	}
}

// Record stores a request outcome. Statuses of 500 and above additionally
// land in the error buffer feeding the error-rate alert.
func (m *Monitor) Record(s RequestSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[m.reqNext] = s
	m.reqNext = (m.reqNext + 1) % requestRingSize
	if m.reqCount < requestRingSize {
		m.reqCount++
	}

	if s.Status >= 500 {
		m.errors[m.errNext] = s
		m.errNext = (m.errNext + 1) % errorRingSize
		if m.errCount < errorRingSize {
			m.errCount++
		}
	}
}

// Evaluate computes the 5-minute error rate and average latency and raises
// alerts when thresholds are crossed. Called on a fixed interval.
func (m *Monitor) Evaluate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-rateWindow)

	var total, errors int
	var latencySum time.Duration
	for _, s := range m.recentLocked() {
		if !s.Timestamp.After(cutoff) {
			continue
		}
		total++
		latencySum += s.Latency
		if s.Status >= 500 {
			errors++
		}
	}

	if total == 0 {
		return
	}

	errorRate := float64(errors) / float64(total)
	avgLatency := latencySum / time.Duration(total)

	switch {
	case errorRate >= m.cfg.ErrorRateCrit:
		m.raiseLocked(now, "error_rate_critical", "5-minute error rate at or above critical threshold")
	case errorRate >= m.cfg.ErrorRateWarn:
		m.raiseLocked(now, "error_rate_warning", "5-minute error rate at or above warning threshold")
	}

	switch {
	case avgLatency >= m.cfg.LatencyCrit:
		m.raiseLocked(now, "latency_critical", "average request latency at or above critical threshold")
	case avgLatency >= m.cfg.LatencyWarn:
		m.raiseLocked(now, "latency_warning", "average request latency at or above warning threshold")
	}
}

// SampleResources reads host CPU and memory usage and raises alerts against
// the resource thresholds. Called on its own, slower interval.
func (m *Monitor) SampleResources(now time.Time) {
	var cpuPct, memPct float64

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	} else if err != nil {
		log.Debug().Err(err).Msg("CPU sampling failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	} else {
		log.Debug().Err(err).Msg("Memory sampling failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cpuPercent = cpuPct
	m.memPercent = memPct

	switch {
	case cpuPct >= m.cfg.ResourceCrit:
		m.raiseLocked(now, "cpu_critical", "host CPU usage at or above critical threshold")
	case cpuPct >= m.cfg.ResourceWarn:
		m.raiseLocked(now, "cpu_warning", "host CPU usage at or above warning threshold")
	}

	switch {
	case memPct >= m.cfg.ResourceCrit:
		m.raiseLocked(now, "memory_critical", "host memory usage at or above critical threshold")
	case memPct >= m.cfg.ResourceWarn:
		m.raiseLocked(now, "memory_warning", "host memory usage at or above warning threshold")
	}
}

// Raise records an alert directly, bypassing threshold evaluation. Used by
// components that detect their own conditions.
func (m *Monitor) Raise(alertType, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.raiseLocked(time.Now(), alertType, message)
}

// ActiveAlerts returns the unexpired alerts, newest last.
func (m *Monitor) ActiveAlerts(now time.Time) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)
	return append([]models.Alert(nil), m.active...)
}

// Stats summarizes recent traffic for the stats endpoints.
func (m *Monitor) Stats(now time.Time) (activeConnections, requestsLastHour int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hourCutoff := now.Add(-1 * time.Hour)
	connCutoff := now.Add(-1 * time.Minute)
	ips := make(map[string]struct{})

	for _, s := range m.recentLocked() {
		if s.Timestamp.After(hourCutoff) {
			requestsLastHour++
		}
		if s.Timestamp.After(connCutoff) {
			ips[s.IP] = struct{}{}
		}
	}

	return len(ips), requestsLastHour
}

// Resources returns the most recent CPU and memory samples in percent.
func (m *Monitor) Resources() (cpuPct, memPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cpuPercent, m.memPercent
}

// recentLocked returns the populated portion of the request ring.
// Caller holds the mutex.
func (m *Monitor) recentLocked() []RequestSample {
	if m.reqCount < requestRingSize {
		return m.requests[:m.reqCount]
	}
	return m.requests[:]
}

// raiseLocked appends a deduplicated alert and writes it to the audit log.
// Caller holds the mutex.
func (m *Monitor) raiseLocked(now time.Time, alertType, message string) {
	if last, ok := m.lastRaise[alertType]; ok && now.Sub(last) < dedupWindow {
		return
	}
	m.lastRaise[alertType] = now

	alert := models.Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Message:   message,
		Timestamp: now,
	}

	m.pruneLocked(now)
	m.active = append(m.active, alert)

	log.Warn().Str("type", alertType).Str("id", alert.ID).Msg(message)

	if m.audit != nil {
		if err := m.audit.AppendAlert(alert); err != nil {
			log.Error().Err(err).Str("type", alertType).Msg("Failed to append alert to audit log")
		}
	}
}

// pruneLocked drops active alerts older than the retention window.
// Caller holds the mutex.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-alertRetention)

	kept := m.active[:0]
	for _, a := range m.active {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.active = kept
}
