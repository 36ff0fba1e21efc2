package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mijia-exporter/internal/config"
	"mijia-exporter/internal/metrics"
	"mijia-exporter/internal/models"
	"mijia-exporter/internal/sensor"
)

// Recorder принимает успешные показания (metrics.Registry)
type Recorder interface {
	Record(name string, reading models.Reading, refreshedAt time.Time)
}

// Mirror дополнительная копия последних показаний (cache.RedisCache)
type Mirror interface {
	StoreReading(ctx context.Context, name string, reading models.Reading, refreshedAt time.Time) error
}

const mirrorTimeout = 2 * time.Second

// Settings параметры опроса
type Settings struct {
	Devices     []models.Device
	Interval    time.Duration
	ReadTimeout time.Duration
	Pacing      config.Pacing
}

// Scheduler опрашивает устройства по кругу и записывает успешные показания
type Scheduler struct {
	settings Settings
	reader   sensor.Reader
	recorder Recorder
	mirror   Mirror
	metrics  *metrics.Operational
	clock    Clock
	log      zerolog.Logger

	mu    sync.RWMutex
	stats Stats
}

// Option настраивает Scheduler
type Option func(*Scheduler)

// WithClock подменяет часы
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMirror включает копирование показаний в Redis
func WithMirror(m Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

// WithMetrics включает собственные метрики опроса
func WithMetrics(m *metrics.Operational) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New создает планировщик. settings.Devices не должен быть пустым.
func New(settings Settings, reader sensor.Reader, recorder Recorder, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		settings: settings,
		reader:   reader,
		recorder: recorder,
		clock:    realClock{},
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.stats.Devices = make([]DeviceStatus, len(settings.Devices))
	for i, d := range settings.Devices {
		s.stats.Devices[i] = DeviceStatus{Name: d.Name, Identifier: d.Identifier}
	}

	return s
}

// Run повторяет циклы опроса до отмены ctx. Возвращает nil при штатной остановке.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Int("devices", len(s.settings.Devices)).
		Dur("interval", s.settings.Interval).
		Str("pacing", string(s.settings.Pacing)).
		Msg("Poll scheduler started")

	for ctx.Err() == nil {
		s.cycle(ctx, true)
	}

	s.log.Info().Msg("Poll scheduler stopped")
	return nil
}

// RunCycle выполняет один проход по всем устройствам без пауз
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	return s.cycle(ctx, false)
}

// CycleResult итог одного цикла
type CycleResult struct {
	Started   time.Time
	Duration  time.Duration
	Succeeded int
	Errors    []error
}

func (s *Scheduler) cycle(ctx context.Context, paced bool) CycleResult {
	start := s.clock.Now()
	res := CycleResult{Started: start}

	step := s.settings.Interval / time.Duration(len(s.settings.Devices))
	var asleep time.Duration

	for _, d := range s.settings.Devices {
		if ctx.Err() != nil {
			break
		}

		if err := s.poll(ctx, d); err != nil {
			if ctx.Err() == nil {
				res.Errors = append(res.Errors, err)
			}
		} else {
			res.Succeeded++
		}

		if paced && s.settings.Pacing == config.PacingSpread {
			before := s.clock.Now()
			s.sleep(ctx, step)
			asleep += s.clock.Now().Sub(before)
		}
	}

	res.Duration = s.clock.Now().Sub(start) - asleep

	if ctx.Err() != nil {
		return res
	}

	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(res.Duration.Seconds())
	}

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastCycleStarted = start
	s.stats.LastCycleDuration = res.Duration
	s.mu.Unlock()

	s.log.Debug().
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("Refresh cycle finished")

	if paced && s.settings.Pacing != config.PacingSpread {
		s.sleep(ctx, s.settings.Interval-s.clock.Now().Sub(start))
	}

	return res
}

// poll читает одно устройство. Ошибка чтения не меняет записанные ранее значения.
func (s *Scheduler) poll(ctx context.Context, d models.Device) error {
	started := s.clock.Now()
	reading, err := s.read(ctx, d.Identifier)
	elapsed := s.clock.Now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug().Str("device", d.Name).Msg("Read abandoned on shutdown")
			return err
		}

		readErr := &sensor.DeviceReadError{Device: d.Name, Identifier: d.Identifier, Err: err}

		s.log.Warn().
			Err(err).
			Str("device", d.Name).
			Str("identifier", d.Identifier).
			Dur("elapsed", elapsed).
			Msg("Error refreshing sensor")

		s.observe(d.Name, metrics.ResultError, elapsed)
		s.updateStatus(d.Identifier, func(st *DeviceStatus) {
			st.LastAttempt = started
			st.LastError = err.Error()
			st.ConsecutiveFailures++
			st.Polls++
			st.Failures++
		})

		return readErr
	}

	refreshedAt := s.clock.Now()
	s.recorder.Record(d.Name, reading, refreshedAt)

	s.log.Info().
		Str("device", d.Name).
		Float64("temperature", reading.Temperature).
		Float64("humidity", reading.Humidity).
		Float64("battery", reading.Battery).
		Dur("elapsed", elapsed).
		Msg("Sensor refreshed")

	s.observe(d.Name, metrics.ResultSuccess, elapsed)
	s.updateStatus(d.Identifier, func(st *DeviceStatus) {
		st.LastAttempt = started
		st.LastSuccess = refreshedAt
		st.LastError = ""
		st.ConsecutiveFailures = 0
		st.Polls++
	})

	if s.mirror != nil {
		s.storeMirror(ctx, d.Name, reading, refreshedAt)
	}

	return nil
}

// read ограничивает чтение ReadTimeout даже если Reader игнорирует ctx
func (s *Scheduler) read(ctx context.Context, identifier string) (models.Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.settings.ReadTimeout)
	defer cancel()

	type result struct {
		reading models.Reading
		err     error
	}

	ch := make(chan result, 1)
	go func() {
		reading, err := s.reader.Read(readCtx, identifier)
		ch <- result{reading: reading, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-readCtx.Done():
		res.err = readCtx.Err()
	}

	if res.err != nil && ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
		return models.Reading{}, fmt.Errorf("%w after %s", sensor.ErrReadTimeout, s.settings.ReadTimeout)
	}
	return res.reading, res.err
}

func (s *Scheduler) storeMirror(ctx context.Context, name string, reading models.Reading, refreshedAt time.Time) {
	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	status := metrics.ResultSuccess
	if err := s.mirror.StoreReading(mctx, name, reading, refreshedAt); err != nil {
		status = metrics.ResultError
		s.log.Warn().Err(err).Str("device", name).Msg("Failed to mirror reading to Redis")
	}

	if s.metrics != nil {
		s.metrics.MirrorOperations.WithLabelValues("store_reading", status).Inc()
	}
}

func (s *Scheduler) observe(name, result string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.Polls.WithLabelValues(name, result).Inc()
	s.metrics.ReadDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// sleep ждёт d или отмены ctx
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(d):
	}
}
