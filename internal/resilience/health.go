package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trader/internal/logging"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// severity orders statuses from best to worst.
func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 3
	}
	return 2
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string
	Status    HealthStatus
	Message   string
	LastCheck time.Time
	Latency   time.Duration
}

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthAlert is raised when a component turns unhealthy.
type HealthAlert struct {
	Component string
	Status    HealthStatus
	Message   string
	Timestamp time.Time
}

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: 30 * time.Second,
		CheckTimeout:  10 * time.Second,
	}
}

// SystemHealth is the aggregate of the last check pass.
type SystemHealth struct {
	Status       HealthStatus
	StartTime    time.Time
	LastCheck    time.Time
	Components   []ComponentHealth
	TotalChecks  int64
	FailedChecks int64
}

// HealthMonitor runs registered checks periodically. The overall status is
// the worst component status.
type HealthMonitor struct {
	cfg    HealthMonitorConfig
	logger zerolog.Logger
	now    func() time.Time

	components map[string]HealthCheck
	latest     map[string]ComponentHealth
	overall    HealthStatus
	startTime  time.Time
	lastCheck  time.Time
	onAlert    func(HealthAlert)

	totalChecks  int64
	failedChecks int64

	mu sync.RWMutex
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	return &HealthMonitor{
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "health"),
		now:        time.Now,
		components: make(map[string]HealthCheck),
		latest:     make(map[string]ComponentHealth),
		overall:    HealthStatusUnknown,
		startTime:  time.Now(),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// SetAlertCallback sets the callback for health alerts.
func (m *HealthMonitor) SetAlertCallback(callback func(HealthAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = callback
}

// Run checks immediately and then every CheckInterval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every registered check concurrently and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			results <- m.runCheck(ctx, name, check)
		}(name, check)
	}
	wg.Wait()
	close(results)

	var alerts []HealthAlert
	m.mu.Lock()
	m.totalChecks++
	m.lastCheck = m.now()
	overall := HealthStatusHealthy
	for h := range results {
		prev, seen := m.latest[h.Name]
		m.latest[h.Name] = h
		if h.Status.severity() > overall.severity() {
			overall = h.Status
		}
		if h.Status == HealthStatusUnhealthy {
			m.failedChecks++
			if !seen || prev.Status != HealthStatusUnhealthy {
				alerts = append(alerts, HealthAlert{Component: h.Name, Status: h.Status, Message: h.Message, Timestamp: h.LastCheck})
			}
		}
	}
	changed := overall != m.overall
	m.overall = overall
	onAlert := m.onAlert
	m.mu.Unlock()

	if changed {
		m.logger.Info().Str("status", string(overall)).Msg("Health changed")
	}
	for _, a := range alerts {
		m.logger.Warn().Str("component", a.Component).Str("message", a.Message).Msg("Component unhealthy")
		if onAlert != nil {
			onAlert(a)
		}
	}
	return m.GetHealth()
}

func (m *HealthMonitor) runCheck(ctx context.Context, name string, check HealthCheck) (h ComponentHealth) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		h.Name = name
		h.LastCheck = m.now()
		if h.Latency == 0 {
			h.Latency = h.LastCheck.Sub(start)
		}
	}()
	return check(ctx)
}

// GetHealth returns the result of the last check pass.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.latest))
	for _, h := range m.latest {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:       m.overall,
		StartTime:    m.startTime,
		LastCheck:    m.lastCheck,
		Components:   components,
		TotalChecks:  m.totalChecks,
		FailedChecks: m.failedChecks,
	}
}

// IsHealthy returns true if every component passed the last check.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall == HealthStatusHealthy
}

// StreamHealthCheck flags a stream that has been silent for longer than
// maxSilence. lastMessage returns a zero time before the first message.
func StreamHealthCheck(lastMessage, now func() time.Time, maxSilence time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		last := lastMessage()
		if last.IsZero() {
			return ComponentHealth{Status: HealthStatusDegraded, Message: "no messages yet"}
		}
		silence := now().Sub(last)
		if silence > maxSilence {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("no messages for %v", silence.Round(time.Second))}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("last message %v ago", silence.Round(time.Millisecond))}
	}
}

// ClockHealthCheck flags a server clock offset that has not been refreshed
// within maxAge.
func ClockHealthCheck(lastSync func() (time.Time, bool), now func() time.Time, maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		at, ok := lastSync()
		if !ok {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "clock never synced"}
		}
		age := now().Sub(at)
		if age > maxAge {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("offset is %v old", age.Round(time.Second))}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("synced %v ago", age.Round(time.Second))}
	}
}

// APIHealthCheck probes an external API and grades it by latency.
func APIHealthCheck(check func(ctx context.Context) error, slow time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := check(ctx)
		latency := time.Since(start)

		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("probe failed: %v", err), Latency: latency}
		}
		if latency > slow {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("slow: %v", latency), Latency: latency}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("ok: %v", latency), Latency: latency}
	}
}
