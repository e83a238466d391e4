// Package metrics exposes Prometheus instrumentation for purchases, provider
// calls, reconciliation sweeps and the HTTP front end.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/reconcile"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const namespace = "vasledger"

// Metrics groups every collector registered by the service.
type Metrics struct {
	purchaseTransitions *prometheus.CounterVec
	providerCalls       *prometheus.CounterVec
	providerLatency     *prometheus.HistogramVec
	sweepResults        *prometheus.CounterVec
	sweeps              prometheus.Counter
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		purchaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_transitions_total",
			Help:      "Purchase state transitions, labeled by service and states",
		}, []string{"service", "from", "to"}),
		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls, labeled by operation and outcome",
		}, []string{"operation", "outcome"}),
		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency distribution of provider calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"operation"}),
		sweepResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_results_total",
			Help:      "Reconciliation results, labeled by result",
		}, []string{"result"}),
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Completed reconciliation sweeps",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP requests",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}, []string{"method", "endpoint"}),
	}
}

// PurchaseTransitioned implements purchase.Recorder.
func (metrics *Metrics) PurchaseTransitioned(serviceType vas.ServiceType, from purchase.State, to purchase.State) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "NONE"
	}
	metrics.purchaseTransitions.WithLabelValues(serviceType.String(), fromLabel, string(to)).Inc()
}

// SweepCompleted implements reconcile.Recorder.
func (metrics *Metrics) SweepCompleted(report reconcile.Report) {
	metrics.sweeps.Inc()
	for result, count := range map[string]int{
		"marked_pending": report.MarkedPending,
		"abandoned":      report.Abandoned,
		"succeeded":      report.Succeeded,
		"failed":         report.Failed,
		"still_pending":  report.StillPending,
		"exhausted":      report.Exhausted,
		"committed":      report.Committed,
		"released":       report.Released,
		"error":          report.Errors,
	} {
		if count > 0 {
			metrics.sweepResults.WithLabelValues(result).Add(float64(count))
		}
	}
}

// Middleware records request counts and latency per route template.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		started := time.Now()
		ginContext.Next()
		endpoint := ginContext.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := ginContext.Request.Method
		metrics.httpDuration.WithLabelValues(method, endpoint).Observe(time.Since(started).Seconds())
		metrics.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(ginContext.Writer.Status())).Inc()
	}
}

// InstrumentGateway wraps gateway so every call is counted and timed.
func (metrics *Metrics) InstrumentGateway(gateway provider.Gateway) provider.Gateway {
	return &instrumentedGateway{next: gateway, metrics: metrics}
}

type instrumentedGateway struct {
	next    provider.Gateway
	metrics *Metrics
}

func (gateway *instrumentedGateway) Submit(ctx context.Context, request provider.SubmitRequest) provider.Outcome {
	timer := prometheus.NewTimer(gateway.metrics.providerLatency.WithLabelValues("submit"))
	outcome := gateway.next.Submit(ctx, request)
	timer.ObserveDuration()
	gateway.metrics.providerCalls.WithLabelValues("submit", string(outcome.Kind)).Inc()
	return outcome
}

func (gateway *instrumentedGateway) Status(ctx context.Context, idempotencyKey string, providerRef string) provider.Outcome {
	timer := prometheus.NewTimer(gateway.metrics.providerLatency.WithLabelValues("status"))
	outcome := gateway.next.Status(ctx, idempotencyKey, providerRef)
	timer.ObserveDuration()
	gateway.metrics.providerCalls.WithLabelValues("status", string(outcome.Kind)).Inc()
	return outcome
}

func (gateway *instrumentedGateway) VerifyMeter(ctx context.Context, meter string, disco string) (provider.MeterInfo, error) {
	timer := prometheus.NewTimer(gateway.metrics.providerLatency.WithLabelValues("verify_meter"))
	info, err := gateway.next.VerifyMeter(ctx, meter, disco)
	timer.ObserveDuration()
	outcome := "valid"
	switch {
	case err != nil:
		outcome = "error"
	case !info.Valid:
		outcome = "invalid"
	}
	gateway.metrics.providerCalls.WithLabelValues("verify_meter", outcome).Inc()
	return info, err
}
