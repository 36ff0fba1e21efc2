package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mijia-exporter/internal/models"
)

// Registry хранит последнее показание каждого устройства и отдаёт его как четыре gauge.
//
// Все четыре значения устройства записываются и читаются под одной блокировкой,
// поэтому scrape никогда не видит смесь показаний из разных циклов.
type Registry struct {
	mu      sync.RWMutex
	samples map[string]models.Sample

	lastRefresh *prometheus.Desc
	temperature *prometheus.Desc
	humidity    *prometheus.Desc
	battery     *prometheus.Desc
}

// NewRegistry создает пустой реестр с семействами {prefix}_*
func NewRegistry(prefix string) *Registry {
	labels := []string{"name"}

	return &Registry{
		samples: make(map[string]models.Sample),
		lastRefresh: prometheus.NewDesc(
			prefix+"_last_refresh_timestamp",
			"Unix time of the last successful sensor read",
			labels, nil,
		),
		temperature: prometheus.NewDesc(
			prefix+"_temperature_celsius",
			"Temperature reported by the sensor",
			labels, nil,
		),
		humidity: prometheus.NewDesc(
			prefix+"_humidity_percentage",
			"Relative humidity reported by the sensor",
			labels, nil,
		),
		battery: prometheus.NewDesc(
			prefix+"_battery_percentage",
			"Battery level reported by the sensor",
			labels, nil,
		),
	}
}

// Record заменяет показание устройства name целиком
func (r *Registry) Record(name string, reading models.Reading, refreshedAt time.Time) {
	r.mu.Lock()
	r.samples[name] = models.Sample{Name: name, Reading: reading, RefreshedAt: refreshedAt}
	r.mu.Unlock()
}

// Snapshot возвращает копию всех записанных показаний, отсортированную по имени.
// Устройства без единого успешного чтения отсутствуют.
func (r *Registry) Snapshot() []models.Sample {
	r.mu.RLock()
	out := make([]models.Sample, 0, len(r.samples))
	for _, s := range r.samples {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe реализует prometheus.Collector
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.lastRefresh
	ch <- r.temperature
	ch <- r.humidity
	ch <- r.battery
}

// Collect реализует prometheus.Collector
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Snapshot() {
		ts := float64(s.RefreshedAt.UnixNano()) / float64(time.Second)

		ch <- prometheus.MustNewConstMetric(r.lastRefresh, prometheus.GaugeValue, ts, s.Name)
		ch <- prometheus.MustNewConstMetric(r.temperature, prometheus.GaugeValue, s.Reading.Temperature, s.Name)
		ch <- prometheus.MustNewConstMetric(r.humidity, prometheus.GaugeValue, s.Reading.Humidity, s.Name)
		ch <- prometheus.MustNewConstMetric(r.battery, prometheus.GaugeValue, s.Reading.Battery, s.Name)
	}
}
