package observability

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// CheckFunc probes one dependency.
type CheckFunc func(context.Context) error

// Check is one registered dependency probe. Critical checks gate
// readiness; non-critical ones only degrade the report.
type Check struct {
	Name     string
	Probe    CheckFunc
	Timeout  time.Duration
	Critical bool
}

// Status summarizes the service health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one probe outcome.
type CheckResult struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// Report is the full health response body.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	System    SystemInfo             `json:"system"`
}

// SystemInfo is a runtime snapshot attached to health reports.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	NumCPU     int    `json:"num_cpu"`
	MemAllocMB uint64 `json:"mem_alloc_mb"`
}

// HealthChecker runs registered probes on demand.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []Check
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// Register adds a probe. A zero timeout defaults to 5 seconds.
func (hc *HealthChecker) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	hc.checks = append(hc.checks, c)
	hc.mu.Unlock()
}

// Run executes every probe and folds the results into one report.
func (hc *HealthChecker) Run(ctx context.Context) Report {
	hc.mu.RLock()
	checks := make([]Check, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult, len(checks)),
		System:    systemInfo(),
	}

	for _, c := range checks {
		result := hc.probe(ctx, c)
		report.Checks[c.Name] = result
		switch {
		case result.Status == StatusUnhealthy && c.Critical:
			report.Status = StatusUnhealthy
		case result.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Ready reports whether every critical probe passes.
func (hc *HealthChecker) Ready(ctx context.Context) bool {
	return hc.Run(ctx).Status != StatusUnhealthy
}

func (hc *HealthChecker) probe(ctx context.Context, c Check) CheckResult {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Probe(pctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-pctx.Done():
		err = pctx.Err()
	}

	result := CheckResult{Duration: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		if c.Critical {
			result.Status = StatusUnhealthy
		} else {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
		return result
	}
	result.Status = StatusHealthy
	return result
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		MemAllocMB: m.Alloc / 1024 / 1024,
	}
}
