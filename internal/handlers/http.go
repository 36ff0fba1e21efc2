package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"mijia-exporter/internal/metrics"
	"mijia-exporter/internal/models"
	"mijia-exporter/internal/scheduler"
)

// StatsSource статистика планировщика
type StatsSource interface {
	Stats() scheduler.Stats
}

// SnapshotSource текущие показания
type SnapshotSource interface {
	Snapshot() []models.Sample
}

// Cache необязательное зеркало в Redis
type Cache interface {
	Ping(ctx context.Context) error
	GetStats() map[string]interface{}
}

const pingTimeout = time.Second

// Handler обработчик служебных HTTP запросов
type Handler struct {
	stats    StatsSource
	readings SnapshotSource
	cache    Cache
	metrics  *metrics.Operational
	log      zerolog.Logger
}

// NewHandler создает новый обработчик. cache может быть nil.
func NewHandler(stats StatsSource, readings SnapshotSource, cache Cache, ops *metrics.Operational, log zerolog.Logger) *Handler {
	return &Handler{
		stats:    stats,
		readings: readings,
		cache:    cache,
		metrics:  ops,
		log:      log,
	}
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	defer h.observe(r, "/health", time.Now())

	if r.Method != http.MethodGet {
		h.count(r, "/health", http.StatusMethodNotAllowed)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	httpStatus := http.StatusOK

	body := map[string]interface{}{
		"devices_reporting": len(h.readings.Snapshot()),
		"devices_total":     len(h.stats.Stats().Devices),
		"timestamp":         time.Now(),
	}

	// Проверяем Redis только если зеркало включено
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		redisOK := h.cache.Ping(ctx) == nil
		cancel()

		body["redis"] = redisOK
		if !redisOK {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	body["status"] = status

	h.count(r, "/health", httpStatus)
	h.writeJSON(w, r, httpStatus, body)
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	defer h.observe(r, "/stats", time.Now())

	if r.Method != http.MethodGet {
		h.count(r, "/stats", http.StatusMethodNotAllowed)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]interface{}{
		"scheduler": h.stats.Stats(),
		"readings":  h.readings.Snapshot(),
		"timestamp": time.Now(),
	}
	if h.cache != nil {
		body["redis"] = h.cache.GetStats()
	}

	h.count(r, "/stats", http.StatusOK)
	h.writeJSON(w, r, http.StatusOK, body)
}

func (h *Handler) observe(r *http.Request, endpoint string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
}

func (h *Handler) count(r *http.Request, endpoint string, status int) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Failed to write response")
	}
}
