// Package health serves the HTTP health endpoints of poold. Reports are built
// from the pool manager's statistics plus Redis connectivity when a
// coordinator is configured; active checks run only on request.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/pool"
)

// Status is the overall status of the service.
type Status = pool.HealthStatus

// RedisProbe is the part of the coordinator the checker needs.
type RedisProbe interface {
	Ping(ctx context.Context) error
	IsFallback() bool
}

// ComponentHealth is the health of a dependency other than a pool.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Pools      []pool.Report     `json:"pools"`
	Components []ComponentHealth `json:"components,omitempty"`
}

// Checker builds health reports.
type Checker struct {
	manager    *pool.Manager
	redis      RedisProbe
	instanceID string
	logger     *zap.Logger
}

// NewChecker returns a checker over manager. redis may be nil.
func NewChecker(manager *pool.Manager, redis RedisProbe, instanceID string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		manager:    manager,
		redis:      redis,
		instanceID: instanceID,
		logger:     logger.With(zap.String("component", "health")),
	}
}

// Check reports the current state of every pool from its statistics and
// probes Redis. It never probes database nodes or triggers a failover.
func (c *Checker) Check(ctx context.Context) *Report {
	reports, err := c.manager.Snapshot("")
	if err != nil {
		c.logger.Warn("pool snapshot failed", logging.Err(err))
	}
	return c.report(ctx, reports)
}

// Refresh runs an active health check on every pool (leak detection, node
// probing, failover) and probes Redis.
func (c *Checker) Refresh(ctx context.Context) *Report {
	reports, err := c.manager.PerformHealthCheck(ctx, "")
	if err != nil {
		c.logger.Warn("pool health check failed", logging.Err(err))
	}
	return c.report(ctx, reports)
}

func (c *Checker) report(ctx context.Context, reports []pool.Report) *Report {
	report := &Report{
		Status:     pool.StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
		Pools:      reports,
	}
	for _, r := range reports {
		report.Status = worst(report.Status, r.Status)
	}

	if c.redis != nil {
		ch := c.checkRedis(ctx)
		report.Components = append(report.Components, ch)
		report.Status = worst(report.Status, ch.Status)
	}
	return report
}

// checkRedis reports Redis as warning in fallback mode and critical when it
// cannot be reached outside fallback mode.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.redis.Ping(ctx)
	latency := time.Since(start)

	switch {
	case c.redis.IsFallback():
		msg := "fallback mode, local limits in effect"
		if err == nil {
			msg = "reachable, waiting to leave fallback mode"
		}
		return ComponentHealth{Name: "redis", Status: pool.StatusWarning, Message: msg, Latency: latency.String()}
	case err != nil:
		return ComponentHealth{
			Name:    "redis",
			Status:  pool.StatusCritical,
			Message: fmt.Sprintf("PING failed: %s", logging.SanitizeError(err)),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{Name: "redis", Status: pool.StatusHealthy, Message: "PONG", Latency: latency.String()}
}

// Handler returns the health endpoints:
//
//	GET  /health              full report, 503 when critical
//	POST /health/check        active check of every pool, 503 when critical
//	GET  /health/ready        same report, 503 when critical or no pool is registered
//	GET  /health/live         liveness only
//	GET  /health/pools/{name} one pool, 404 when unknown
//	GET  /health/failovers    failover events, ?since=RFC3339 or a duration like 1h
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, c.Check(r.Context()))
	})

	mux.HandleFunc("POST /health/check", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, c.Refresh(r.Context()))
	})

	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		code := http.StatusOK
		if report.Status == pool.StatusCritical || len(report.Pools) == 0 {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})

	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /health/pools/{name}", func(w http.ResponseWriter, r *http.Request) {
		reports, err := c.manager.Snapshot(r.PathValue("name"))
		if errors.Is(err, pool.ErrUnknownPool) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil || len(reports) == 0 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "health check failed"})
			return
		}
		code := http.StatusOK
		if reports[0].Status == pool.StatusCritical {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, reports[0])
	})

	mux.HandleFunc("GET /health/failovers", func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r.URL.Query().Get("since"), time.Now())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		events, err := c.manager.FailoverEvents(r.Context(), since)
		if err != nil {
			c.logger.Warn("reading failover events failed", logging.Err(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reading failover events failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"since": since.UTC().Format(time.RFC3339), "events": events})
	})

	return mux
}

// parseSince accepts an RFC3339 time or a duration counted back from now.
// Empty means everything still retained.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC3339 time or duration", v)
	}
	return now.Add(-d), nil
}

func writeReport(w http.ResponseWriter, report *Report) {
	code := http.StatusOK
	if report.Status == pool.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// Serve starts the health HTTP server on port in the background.
func (c *Checker) Serve(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("health server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("health server error", logging.Err(err))
		}
	}()
	return server
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var rank = map[Status]int{
	pool.StatusHealthy:  0,
	pool.StatusWarning:  1,
	pool.StatusCritical: 2,
}

func worst(a, b Status) Status {
	if rank[b] > rank[a] {
		return b
	}
	return a
}
