package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	proxyRequests *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Count of proxied requests by outcome",
		}, []string{"outcome"})

		if err := prometheus.Register(proxyRequests); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					proxyRequests = v
				}
			}
		}
	})
}

func recordProxyRequest(outcome string) {
	initMetrics()
	proxyRequests.With(prometheus.Labels{"outcome": outcome}).Inc()
}
