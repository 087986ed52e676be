// Health HTTP handlers.
//
// Two endpoints:
//   - GET /health           (process overview plus dependency checks)
//   - GET /health/database  (database ping with latency)
//
// /health answers 200 while the service can do useful work and 503 once a
// critical dependency (database, redis) fails its check. A failing fan-out
// bus only degrades the report: REST traffic still works without live push,
// and load balancers should not evict the instance for it.
//
// Checks run against the request context with a short ceiling so a hung
// dependency cannot wedge the probe.
package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/sysutil"
)

// Pinger is one dependency check. Implementations must return promptly once
// the context is done.
type Pinger func(ctx context.Context) error

// HealthHandler serves the health endpoints. Nil pingers are skipped, which
// keeps tests and partial deployments (for example, no NATS) honest instead
// of reporting a check that never ran.
type HealthHandler struct {
	db       Pinger
	redis    Pinger
	bus      Pinger
	instance string
}

// NewHealth constructs the health endpoints for one node.
func NewHealth(instance string, db, redis, bus Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, bus: bus, instance: instance}
}

const healthCheckBudget = 5 * time.Second

// ComponentHealth is one dependency's verdict inside the overview.
type ComponentHealth struct {
	// "healthy" or "unhealthy"
	Status string `json:"status" example:"healthy"`
	// Failure detail, absent when healthy
	Message string `json:"message,omitempty"`
	// Round-trip time of the check
	LatencyMS int64 `json:"latency_ms"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	// "healthy", "degraded" or "unhealthy"
	Status     string                     `json:"status" example:"healthy"`
	Timestamp  time.Time                  `json:"timestamp"`
	Instance   string                     `json:"instance,omitempty" example:"node-1"`
	UptimeS    int64                      `json:"uptime_seconds" example:"86400"`
	Goroutines int                        `json:"goroutines" example:"42"`
	Components map[string]ComponentHealth `json:"components"`
}

// DatabaseHealthResponse is the GET /health/database body.
type DatabaseHealthResponse struct {
	Status    string `json:"status" example:"healthy"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms" example:"2"`
}

// Health godoc
// @ID          getHealth
// @Summary     Service health
// @Description Reports process stats and per-dependency checks. The database and redis
// @Description are critical: a failure there turns the overall status unhealthy and the
// @Description response into a 503. A failing fan-out bus only degrades the status.
// @Tags        Health
// @Produce     json
//
// @Success     200  {object}  handlers.HealthResponse
// @Failure     503  {object}  handlers.HealthResponse  "Critical dependency down"
// @Router      /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckBudget)
	defer cancel()

	res := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Instance:   h.instance,
		UptimeS:    int64(sysutil.Uptime().Seconds()),
		Goroutines: runtime.NumGoroutine(),
		Components: make(map[string]ComponentHealth),
	}

	check := func(name string, p Pinger, critical bool) {
		if p == nil {
			return
		}
		start := time.Now()
		err := p(ctx)
		comp := ComponentHealth{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			comp.Status = "unhealthy"
			comp.Message = err.Error()
			if critical {
				res.Status = "unhealthy"
			} else if res.Status == "healthy" {
				res.Status = "degraded"
			}
		}
		res.Components[name] = comp
	}

	check("database", h.db, true)
	check("redis", h.redis, true)
	check("bus", h.bus, false)

	status := http.StatusOK
	if res.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Database godoc
// @ID          getDatabaseHealth
// @Summary     Database health
// @Description Pings the database and reports the round-trip latency.
// @Tags        Health
// @Produce     json
//
// @Success     200  {object}  handlers.DatabaseHealthResponse
// @Failure     503  {object}  handlers.DatabaseHealthResponse  "Ping failed"
// @Router      /health/database [get]
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckBudget)
	defer cancel()

	res := DatabaseHealthResponse{Status: "healthy"}
	status := http.StatusOK

	start := time.Now()
	var err error
	if h.db != nil {
		err = h.db(ctx)
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = "unhealthy"
		res.Message = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}
