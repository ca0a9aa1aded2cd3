// Package health aggregates component checks into a JSON health report.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/tracing"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	System     SystemInfo                  `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo provides process-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager runs registered checkers on demand.
type HealthManager struct {
	startTime    time.Time
	version      string
	logger       zerolog.Logger
	checkCounter atomic.Int64

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string, logger zerolog.Logger) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers[checker.Name()] = checker
	hm.mu.Unlock()
	hm.logger.Debug().Str("component", checker.Name()).Msg("Registered health checker")
}

// CheckHealth runs every checker. The overall status is the worst component
// status.
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := tracing.Start(ctx, "health.CheckHealth")
	defer span.End()

	count := hm.checkCounter.Add(1)

	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make([]HealthChecker, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		checkers = append(checkers, hm.checkers[name])
	}
	hm.mu.RUnlock()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hm.startTime).Round(time.Second).String(),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth, len(checkers)),
		System:     systemInfo(),
		CheckCount: count,
	}

	for _, checker := range checkers {
		start := time.Now()
		ch := checker.Check(ctx)
		metrics.HealthCheckDurationSeconds.WithLabelValues(checker.Name()).Observe(time.Since(start).Seconds())
		metrics.HealthStatus.WithLabelValues(checker.Name()).Set(ch.Status.gauge())

		health.Components[checker.Name()] = ch
		if ch.Status == StatusUnhealthy {
			health.Status = StatusUnhealthy
		} else if ch.Status == StatusDegraded && health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
	}

	span.SetAttributes(
		attribute.String("reprsim.health.status", string(health.Status)),
		attribute.Int("reprsim.health.components", len(checkers)),
	)
	return health
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		NumGC:         m.NumGC,
	}
}

// HTTPHandler serves the health report as JSON, with 503 when unhealthy.
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			hm.logger.Error().Err(err).Msg("Failed to encode health response")
		}
	})
}
