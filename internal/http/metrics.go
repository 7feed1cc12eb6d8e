package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func apiOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "gateway",
		Subsystem: "api",
		Name:      name,
		Help:      help,
	}
}

// registerOrReuse registers c with the default registry, or returns the
// collector already registered under the same descriptor. Tests construct
// several routers in one process, so duplicate registration is expected.
func registerOrReuse[C prometheus.Collector](c C) C {
	err := prometheus.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts(apiOpts("http_requests_total", "Count of processed HTTP requests")),
			[]string{"method", "route", "status"},
		))
		r.requestLatency = registerOrReuse(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		))
		r.rateLimitHits = registerOrReuse(prometheus.NewCounterVec(
			prometheus.CounterOpts(apiOpts("rate_limit_hits_total", "Number of rate-limited responses")),
			[]string{"route", "key"},
		))
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
