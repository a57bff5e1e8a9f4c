package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sub_authority_requests_total",
		Help: "Количество вызовов Authority по операциям и статусам.",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sub_authority_request_duration_seconds",
		Help:    "Длительность вызовов Authority с учётом повторов.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
