// Package health runs scheduled agent health sweeps and raises alerts when
// error rates, repeated unhealthy checks or open circuit breakers cross
// their thresholds.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/recovery"
	"github.com/evalforge/evalforge/internal/registry"
	"github.com/evalforge/evalforge/pkg/events"
)

// AlertSeverity grades a triggered alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is one threshold breach observed during a sweep.
type Alert struct {
	Name      string
	Severity  AlertSeverity
	Detail    string
	Timestamp time.Time
}

// Options configures a Monitor. Zero values take the documented defaults.
type Options struct {
	// Schedule is a cron expression or descriptor for sweep timing.
	// Defaults to "@every 30s".
	Schedule string

	// ErrorRateThreshold is the errors-per-sweep-interval count that
	// triggers an alert. Defaults to 10.
	ErrorRateThreshold int64

	// UnhealthyThreshold is the number of consecutive unhealthy checks for
	// one agent that triggers an alert. Defaults to 3.
	UnhealthyThreshold int

	// BreakerThreshold is the number of simultaneously open circuit
	// breakers that triggers an alert. Defaults to 1.
	BreakerThreshold int

	// AlertBuffer bounds the recent-alert history. Defaults to 100.
	AlertBuffer int

	// Bus receives alertTriggered events. Optional.
	Bus *events.Bus
}

// Monitor periodically sweeps agent health and watches error-handler
// statistics. Collaborators are constructor-injected.
type Monitor struct {
	opts     Options
	registry *registry.Registry
	recovery *recovery.Handler

	cron    *cron.Cron
	entryID cron.EntryID

	mu          sync.Mutex
	running     bool
	unhealthy   map[agent.Type]int
	lastErrors  int64
	alerts      []Alert
	sweeps      int64
	lastSweepAt time.Time
}

// New creates a monitor for the given registry and error handler.
func New(reg *registry.Registry, rec *recovery.Handler, opts Options) *Monitor {
	if opts.Schedule == "" {
		opts.Schedule = "@every 30s"
	}
	if opts.ErrorRateThreshold <= 0 {
		opts.ErrorRateThreshold = 10
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 3
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 1
	}
	if opts.AlertBuffer <= 0 {
		opts.AlertBuffer = 100
	}
	return &Monitor{
		opts:      opts,
		registry:  reg,
		recovery:  rec,
		unhealthy: make(map[agent.Type]int),
	}
}

// Start schedules periodic sweeps. Idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.cron = cron.New()
	id, err := m.cron.AddFunc(m.opts.Schedule, func() {
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule health sweeps: %w", err)
	}
	m.entryID = id
	m.cron.Start()
	m.running = true

	log.Printf("health: monitor started (schedule %s)", m.opts.Schedule)
	return nil
}

// Stop halts scheduled sweeps and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	<-c.Stop().Done()
	log.Printf("health: monitor stopped")
}

// Sweep runs one health pass immediately: agent checks through the registry
// followed by threshold evaluation. Also invoked by the schedule.
func (m *Monitor) Sweep(ctx context.Context) map[agent.Type]agent.Health {
	checks := m.registry.PerformHealthCheck(ctx)

	m.mu.Lock()
	m.sweeps++
	m.lastSweepAt = time.Now()

	for t, h := range checks {
		if h.Status == agent.HealthStateUnhealthy {
			m.unhealthy[t]++
		} else {
			delete(m.unhealthy, t)
		}
	}

	var alerts []Alert
	for t, count := range m.unhealthy {
		if count >= m.opts.UnhealthyThreshold {
			alerts = append(alerts, Alert{
				Name:     "agentUnhealthy",
				Severity: AlertCritical,
				Detail: fmt.Sprintf("agent %s unhealthy for %d consecutive checks",
					t, count),
			})
		}
	}
	m.mu.Unlock()

	if m.recovery != nil {
		stats := m.recovery.Statistics()

		m.mu.Lock()
		delta := stats.TotalErrors - m.lastErrors
		if delta < 0 {
			delta = 0 // history was cleared
		}
		m.lastErrors = stats.TotalErrors
		m.mu.Unlock()

		if delta >= m.opts.ErrorRateThreshold {
			alerts = append(alerts, Alert{
				Name:     "errorRateHigh",
				Severity: AlertWarning,
				Detail:   fmt.Sprintf("%d errors since last sweep", delta),
			})
		}

		open := 0
		for _, b := range stats.CircuitBreakers {
			if b.IsOpen {
				open++
			}
		}
		if open >= m.opts.BreakerThreshold {
			alerts = append(alerts, Alert{
				Name:     "circuitBreakersOpen",
				Severity: AlertCritical,
				Detail:   fmt.Sprintf("%d circuit breakers open", open),
			})
		}
	}

	for _, a := range alerts {
		m.trigger(a)
	}
	return checks
}

// Alerts returns the recent alerts, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Sweeps returns how many sweeps have run and when the last one happened.
func (m *Monitor) Sweeps() (int64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps, m.lastSweepAt
}

func (m *Monitor) trigger(a Alert) {
	a.Timestamp = time.Now()

	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.opts.AlertBuffer {
		m.alerts = m.alerts[len(m.alerts)-m.opts.AlertBuffer:]
	}
	m.mu.Unlock()

	log.Printf("health: alert %s (%s): %s", a.Name, a.Severity, a.Detail)
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.AlertTriggered, map[string]any{
			"name":     a.Name,
			"severity": string(a.Severity),
			"detail":   a.Detail,
		})
	}
}
