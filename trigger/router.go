package trigger

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/appctx"
)

const correlationHeader = "x-correlation-id"

type RouterConfig struct {
	// Production restricts CORS to AllowedOrigins; otherwise every origin is allowed.
	Production     bool
	AllowedOrigins []string
	// PushPath is where the Pub/Sub push subscription delivers run messages.
	PushPath string
}

// NewRouter wires the run API, the push endpoint, /healthz and /metrics.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer, logger *logrus.Logger, cfg RouterConfig) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.PushPath == "" {
		cfg.PushPath = "/pubsub/reconciliation"
	}

	r := gin.New()
	r.Use(CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.Use(cors.New(corsConfig(cfg)))
	r.Use(RequestLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/reconciliation")
	api.POST("/runs", h.CreateRunHandler())
	api.GET("/runs", h.ListRunsHandler())
	api.GET("/runs/:id", h.GetRunHandler())
	api.POST("/runs/:id/retry", h.RetryRunHandler())

	r.POST(cfg.PushPath, h.PubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func corsConfig(cfg RouterConfig) cors.Config {
	cc := cors.DefaultConfig()
	if cfg.Production {
		cc.AllowOrigins = cfg.AllowedOrigins
		if len(cc.AllowOrigins) == 0 {
			// no browser origin at all; cors.New rejects an empty list
			cc.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cc.AllowAllOrigins = true
	}
	cc.AddAllowMethods("GET", "POST", "OPTIONS")
	cc.AddAllowHeaders("Origin", "Content-Type", "Authorization", correlationHeader)
	cc.AddExposeHeaders("Content-Length", correlationHeader)
	return cc
}

// CorrelationId propagates the caller's x-correlation-id, or a fresh one, through the request context.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(correlationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(correlationHeader, cid)
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
