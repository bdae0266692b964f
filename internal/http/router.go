// Package httpapi wires the HTTP transport (Gin) to the sync core. It mounts
// two surfaces:
//
//   - RegisterRoutes: the local projection API the presentation layer uses
//     (queue, connectivity, sync, sessions, wallets, event stream).
//   - RegisterAuthorityRoutes: the reference authority the sync engine
//     drains into.
//
// Both centralize the same cross-cutting concerns: tracing, correlation IDs,
// structured logging, panic recovery, metrics, rate limiting, CORS and
// security headers.
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
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/config"
	"github.com/tbourn/go-offline-sync/internal/http/handlers"
	"github.com/tbourn/go-offline-sync/internal/http/middleware"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

var allowHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
	middleware.HeaderClientID, middleware.HeaderIdempotencyKey,
}

// RegisterRoutes attaches the projection API and its middleware to r and
// returns the handlers so callers can tune them.
//
// After the shared head (see useBase, with the redacting logger) come the
// per-client rate limiter, CORS, security headers and compression. The
// websocket stream and /metrics are never compressed.
func RegisterRoutes(r *gin.Engine, d handlers.Deps, cfg config.Config) *handlers.Handlers {
	apiBase := cfg.APIBasePath
	useBase(r, cfg.OTEL.ServiceName, "projection",
		middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	useCORS(r, cfg.CORS.AllowedOrigins)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		CacheControl: "no-cache",
		EnablePolicy: true,
		Expose:       []string{"ETag"},
	}))

	eventsPath := strings.TrimRight(apiBase, "/") + "/events"
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{eventsPath, "/metrics"})))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	mountHealth(r)

	h := handlers.New(d)
	h.OriginPatterns = originPatterns(cfg.CORS.AllowedOrigins)

	api := groupWithPrefix(r, apiBase)
	{
		// Queue
		api.POST("/queue", h.Enqueue)
		api.GET("/queue", h.ListQueue)
		api.GET("/queue/stats", h.QueueStats)
		api.GET("/queue/:id", h.GetQueueItem)
		api.POST("/queue/:id/resubmit", h.ResubmitQueueItem)
		api.DELETE("/queue/:id", h.ClearQueueItem)

		// Sync engine
		api.PUT("/connectivity", h.SetConnectivity)
		api.POST("/sync", h.Sync)
		api.GET("/sync/status", h.SyncStatus)

		// Projections
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id/messages", h.ListSessionMessages)
		api.GET("/wallets/:id", h.GetWallet)
		api.GET("/events", h.Events)
	}
	return h
}

// RegisterAuthorityRoutes mounts the reference authority on r. opener may be
// nil when sealed payloads are not accepted.
//
// The idempotency validator runs before the rate limiter so a replayed
// submission is answered even when its client is over budget.
func RegisterAuthorityRoutes(r *gin.Engine, db *gorm.DB, opener validation.Opener, cfg config.Config) *handlers.AuthorityHandlers {
	useBase(r, cfg.OTEL.ServiceName+"-authority", "authority", middleware.Logger())
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		CacheControl: "no-store",
	}))
	mountHealth(r)

	h := &handlers.AuthorityHandlers{
		DB:        db,
		Opener:    opener,
		Validator: validation.RuleValidator{},
		TTL:       cfg.IdempotencyTTL,
	}
	rl := middleware.NewRateLimiter(cfg.Authority.RPS, cfg.Authority.Burst, middleware.KeyByClientOrIP())

	v1 := r.Group("/v1")
	{
		v1.POST("/operations",
			middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200, Required: true}, h.SeenKey),
			rl.Handler(),
			h.SubmitOperation)
		v1.GET("/targets/:target/operations", h.ListOperations)
	}
	return h
}

// useCORS installs the CORS posture: allow all origins when none are
// configured, otherwise echo allow-listed origins.
func useCORS(r *gin.Engine, origins []string) {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		// Set ACAO even without an Origin header so plain clients see it too.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		base.AllowAllOrigins = true
		r.Use(cors.New(base))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
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
	base.AllowOrigins = origins
	r.Use(cors.New(base))
}

// originPatterns turns CORS origins into websocket origin host patterns.
// No configured origins means any origin may connect.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// maxBodyBytes caps request bodies on both servers. Queue payloads are
// small; a chat message is limited far below this by the outbox.
const maxBodyBytes = 1 << 20

// useBase installs the head of the chain both servers share: tracing,
// correlation and client ids, the access logger, panic recovery, the body
// cap and HTTP metrics. /metrics is mounted here too.
func useBase(r *gin.Engine, service, server string, accessLog gin.HandlerFunc) {
	r.HandleMethodNotAllowed = true
	r.Use(
		otelgin.Middleware(service),
		middleware.RequestID(),
		middleware.ClientID(),
		accessLog,
		middleware.Recovery(),
		limitBody(maxBodyBytes),
		middleware.Metrics(server),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// mountHealth adds /health and the JSON 404/405 answers. Call it after the
// server's own middleware so those responses carry the same headers.
func mountHealth(r *gin.Engine) {
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

// limitBody swaps the request body for an http.MaxBytesReader, so reading
// past maxBytes fails in the handler instead of buffering.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix returns a group at prefix; "" and "/" mean the root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "/" {
		prefix = ""
	}
	return r.Group(prefix)
}
