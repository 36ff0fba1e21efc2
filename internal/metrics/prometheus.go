package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Operational собственные метрики экспортера
type Operational struct {
	// Polls попытки чтения по устройствам и результату
	Polls *prometheus.CounterVec

	// ReadDuration длительность чтения одного устройства
	ReadDuration *prometheus.HistogramVec

	// CycleDuration длительность цикла опроса без учета паузы
	CycleDuration prometheus.Histogram

	// MirrorOperations операции с Redis
	MirrorOperations *prometheus.CounterVec

	// RequestsTotal общее количество запросов к служебным endpoint
	RequestsTotal *prometheus.CounterVec

	// RequestDuration продолжительность запросов
	RequestDuration *prometheus.HistogramVec
}

// NewOperational регистрирует метрики в reg с пространством имён prefix
func NewOperational(reg prometheus.Registerer, prefix string) *Operational {
	factory := promauto.With(reg)

	return &Operational{
		Polls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prefix,
				Name:      "polls_total",
				Help:      "Total number of sensor read attempts",
			},
			[]string{"name", "result"},
		),
		ReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: prefix,
				Name:      "read_duration_seconds",
				Help:      "Sensor read duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"name"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: prefix,
				Name:      "cycle_duration_seconds",
				Help:      "Time spent reading all devices in one refresh cycle",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		MirrorOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prefix,
				Name:      "mirror_operations_total",
				Help:      "Total number of Redis mirror operations",
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: prefix,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: prefix,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}
