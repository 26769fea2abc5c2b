package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus instruments for the signing core.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	DocumentsUploaded   prometheus.Counter
	SignaturesCommitted prometheus.Counter
	DocumentsFinalized  prometheus.Counter
	OTPFailures         prometheus.Counter
	ChainVerifications  *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		DocumentsUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "documents_uploaded_total",
			Help: "Documents created through the upload endpoint.",
		}),
		SignaturesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "signatures_committed_total",
			Help: "Signer commits that reached SIGNED.",
		}),
		DocumentsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "documents_finalized_total",
			Help: "Documents stamped and moved to SIGNED.",
		}),
		OTPFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_failures_total",
			Help: "OTP verifications that failed.",
		}),
		ChainVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_verifications_total",
			Help: "Audit chain verifications by outcome.",
		}, []string{"outcome"}),
	}
}

// Middleware records request counts and latency per route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
