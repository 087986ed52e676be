// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, and security headers.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
//
// The process exposes three surfaces from one engine: the versioned REST API
// under cfg.APIBasePath, the socket endpoint at GET /ws, and the operational
// endpoints (/health, /health/database, /metrics, optionally /swagger).
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/chatwire/go-chat-transport/docs"
	"github.com/chatwire/go-chat-transport/internal/config"
	"github.com/chatwire/go-chat-transport/internal/http/handlers"
	"github.com/chatwire/go-chat-transport/internal/http/middleware"
	"github.com/chatwire/go-chat-transport/internal/services"
)

// Deps carries the long-lived components the HTTP surface exposes. main
// builds them once (they own connections to SQLite, Redis, and NATS) and the
// router only mounts them; construction and shutdown stay out of this package.
type Deps struct {
	Ingress  handlers.IngressService
	Messages handlers.MessageService
	Receipts handlers.ReceiptService

	// Limiter feeds the Retry-After hint on throttled submissions. May be nil.
	Limiter *services.SenderLimiter

	// Socket serves GET /ws. A nil value leaves the route unregistered, which
	// keeps REST-only deployments possible.
	Socket gin.HandlerFunc

	// Health probes. Nil probes are skipped rather than reported, so a
	// partial deployment only answers for what it actually runs.
	DBPing    handlers.Pinger
	RedisPing handlers.Pinger
	BusPing   handlers.Pinger
}

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine. It configures observability (tracing, metrics), access logging,
// compression, CORS and security headers, health endpoints, the socket
// upgrade route, and then mounts the versioned REST API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. identity: lift the gateway-injected X-User-ID into the context
//  4. Access logging (header-capturing variant behind LOG_HTTP_HEADERS)
//  5. Recovery: capture panics after logging so they carry context
//  6. Body size limiter
//  7. Metrics, then gzip inside it so sizes reflect what went on the wire
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity for logs and handlers
	r.Use(identity())

	// 4) Structured access logging; the redacting variant additionally
	//    captures scrubbed request headers for incident debugging.
	if cfg.LogHTTPHeaders {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{"X-Gateway-Token"},
		}))
	} else {
		r.Use(middleware.Logger())
	}

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Prometheus metrics, /metrics endpoint, and response compression.
	//    gzip is excluded on /ws (the upgrade needs the raw connection) and
	//    /metrics (promhttp negotiates its own encoding).
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/metrics"})))

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-Request-ID"}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Retry-After"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Operational endpoints
	hh := handlers.NewHealth(cfg.InstanceID, d.DBPing, d.RedisPing, d.BusPing)
	r.GET("/health", hh.Health)
	r.GET("/health/database", hh.Database)

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Socket upgrade endpoint
	if d.Socket != nil {
		r.GET("/ws", d.Socket)
	}

	// Dependency injection: handlers ← services
	h := handlers.New(d.Ingress, d.Messages, d.Receipts, d.Limiter)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Messages
		api.POST("/messages", h.SubmitMessage)
		api.DELETE("/messages/:id", h.DeleteMessage)

		// Receipts
		api.POST("/messages/:id/receipts", h.RecordReceipt)

		// Conversations
		api.GET("/conversations/:id/messages", h.ListConversationMessages)
		api.GET("/conversations/:id/stats", h.GetConversationStats)
		api.GET("/conversations/:id/search", h.SearchConversationMessages)
	}
}

// identity lifts the gateway-injected X-User-ID header into the Gin context
// so access logs and handlers share one view of the caller. The gateway is
// trusted; nothing here authenticates.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader("X-User-ID")); uid != "" {
			c.Set("userID", uid)
		}
		c.Next()
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
