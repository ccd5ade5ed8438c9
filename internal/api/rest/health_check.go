package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
)

// HealthChecker checks the health of a dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus  `json:"status"`
	Error        string        `json:"error,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	LastChecked  time.Time     `json:"last_checked"`
}

type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthResponse is the body of the liveness and readiness endpoints.
type HealthResponse struct {
	Status        HealthStatus                 `json:"status"`
	Version       string                       `json:"version"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Checks        map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs registered checks, caching each result briefly so a
// tight probe interval does not hammer the database.
type HealthService struct {
	checkers      []HealthChecker
	cache         sync.Map
	cacheDuration time.Duration
	timeout       time.Duration
	version       string
	clock         clock.Clock
	tracer        trace.Tracer
	startTime     time.Time
}

type cachedHealthResult struct {
	result    HealthCheckResult
	timestamp time.Time
}

func NewHealthService(version string, clk clock.Clock, checkers ...HealthChecker) *HealthService {
	return &HealthService{
		checkers:      checkers,
		cacheDuration: 5 * time.Second,
		timeout:       3 * time.Second,
		version:       version,
		clock:         clk,
		tracer:        otel.Tracer("api.rest.health"),
		startTime:     clk.Now(),
	}
}

// LivenessHandler reports that the process is serving.
func (h *HealthService) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthResponse{
		Status:        HealthStatusPass,
		Version:       h.version,
		UptimeSeconds: h.clock.Now().Sub(h.startTime).Seconds(),
	})
}

// ReadinessHandler fails with 503 when any dependency check fails.
func (h *HealthService) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "health.readiness")
	defer span.End()

	checks := h.runChecks(ctx)
	resp := HealthResponse{
		Status:        HealthStatusPass,
		Version:       h.version,
		UptimeSeconds: h.clock.Now().Sub(h.startTime).Seconds(),
		Checks:        checks,
	}
	code := http.StatusOK
	for _, c := range checks {
		if c.Status == HealthStatusFail {
			resp.Status = HealthStatusFail
			code = http.StatusServiceUnavailable
			break
		}
	}
	span.SetAttributes(
		attribute.String("health.status", string(resp.Status)),
		attribute.Int("health.checks_count", len(checks)),
	)
	writeHealth(w, code, resp)
}

func (h *HealthService) runChecks(ctx context.Context) map[string]HealthCheckResult {
	results := make(map[string]HealthCheckResult, len(h.checkers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, checker := range h.checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			result, ok := h.cached(c.Name())
			if !ok {
				checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
				defer cancel()
				result = c.Check(checkCtx)
				result.LastChecked = h.clock.Now()
				h.cache.Store(c.Name(), cachedHealthResult{result: result, timestamp: h.clock.Now()})
			}
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()
	return results
}

func (h *HealthService) cached(name string) (HealthCheckResult, bool) {
	val, ok := h.cache.Load(name)
	if !ok {
		return HealthCheckResult{}, false
	}
	c := val.(cachedHealthResult)
	if h.clock.Now().Sub(c.timestamp) >= h.cacheDuration {
		return HealthCheckResult{}, false
	}
	return c.result, true
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/health+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Pinger is implemented by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts anything with a Ping method.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewDatabaseHealthChecker(p Pinger) *PingChecker {
	return &PingChecker{name: "postgres", ping: p.Ping}
}

func NewRedisHealthChecker(client *redis.Client) *PingChecker {
	return &PingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) HealthCheckResult {
	start := time.Now()
	err := c.ping(ctx)
	result := HealthCheckResult{Status: HealthStatusPass, ResponseTime: time.Since(start)}
	if err != nil {
		result.Status = HealthStatusFail
		result.Error = err.Error()
	}
	return result
}
