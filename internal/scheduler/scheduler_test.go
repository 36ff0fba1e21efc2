package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mijia-exporter/internal/config"
	"mijia-exporter/internal/metrics"
	"mijia-exporter/internal/models"
	"mijia-exporter/internal/sensor"
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) Read(ctx context.Context, identifier string) (models.Reading, error) {
	args := m.Called(ctx, identifier)
	return args.Get(0).(models.Reading), args.Error(1)
}

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) StoreReading(ctx context.Context, name string, reading models.Reading, refreshedAt time.Time) error {
	args := m.Called(ctx, name, reading, refreshedAt)
	return args.Error(0)
}

// fakeClock advances only when the scheduler sleeps.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(n int)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	now := c.now
	c.mu.Unlock()

	if c.onSleep != nil {
		c.onSleep(n)
	}

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func lookup(r *metrics.Registry, name string) (models.Sample, bool) {
	for _, s := range r.Snapshot() {
		if s.Name == name {
			return s, true
		}
	}
	return models.Sample{}, false
}

var (
	deviceA = models.Device{Identifier: "4C:65:A8:D0:00:0A", Name: "A"}
	deviceB = models.Device{Identifier: "4C:65:A8:D0:00:0B", Name: "B"}
)

func settings(pacing config.Pacing) Settings {
	return Settings{
		Devices:     []models.Device{deviceA, deviceB},
		Interval:    10 * time.Second,
		ReadTimeout: time.Second,
		Pacing:      pacing,
	}
}

func TestRunCycle_FailingDeviceIsIsolated(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, deviceA.Identifier).
		Return(models.Reading{Temperature: 21.5, Humidity: 40, Battery: 90}, nil)
	reader.On("Read", mock.Anything, deviceB.Identifier).
		Return(models.Reading{}, errors.New("device unreachable"))

	registry := metrics.NewRegistry("mijia")
	s := New(settings(config.PacingCycle), reader, registry, zerolog.Nop())

	before := time.Now()
	res := s.RunCycle(context.Background())

	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Errors, 1)

	var readErr *sensor.DeviceReadError
	require.ErrorAs(t, res.Errors[0], &readErr)
	assert.Equal(t, "B", readErr.Device)
	assert.Equal(t, deviceB.Identifier, readErr.Identifier)
	assert.EqualError(t, readErr.Err, "device unreachable")

	snap := registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "A", snap[0].Name)
	assert.Equal(t, models.Reading{Temperature: 21.5, Humidity: 40, Battery: 90}, snap[0].Reading)
	assert.False(t, snap[0].RefreshedAt.Before(before))

	_, ok := lookup(registry, "B")
	assert.False(t, ok)

	reader.AssertNumberOfCalls(t, "Read", 2)
}

func TestRunCycle_FailureKeepsPreviousValues(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, deviceA.Identifier).
		Return(models.Reading{Temperature: 20, Humidity: 50, Battery: 80}, nil).Once()
	reader.On("Read", mock.Anything, deviceA.Identifier).
		Return(models.Reading{}, errors.New("protocol error")).Once()

	registry := metrics.NewRegistry("mijia")
	s := New(Settings{
		Devices:     []models.Device{deviceA},
		Interval:    time.Second,
		ReadTimeout: time.Second,
		Pacing:      config.PacingCycle,
	}, reader, registry, zerolog.Nop())

	s.RunCycle(context.Background())
	first, ok := lookup(registry, "A")
	require.True(t, ok)

	res := s.RunCycle(context.Background())
	require.Len(t, res.Errors, 1)

	second, ok := lookup(registry, "A")
	require.True(t, ok)
	assert.Equal(t, first, second)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Cycles)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, "protocol error", stats.Devices[0].LastError)
	assert.Equal(t, 1, stats.Devices[0].ConsecutiveFailures)
	assert.Equal(t, uint64(2), stats.Devices[0].Polls)
	assert.Equal(t, uint64(1), stats.Devices[0].Failures)
	assert.Equal(t, first.RefreshedAt, stats.Devices[0].LastSuccess)
}

type blockingReader struct {
	release chan struct{}
	reading models.Reading
}

func (b *blockingReader) Read(ctx context.Context, identifier string) (models.Reading, error) {
	if identifier == deviceA.Identifier {
		<-b.release
		return models.Reading{}, errors.New("released")
	}
	return b.reading, nil
}

func TestRunCycle_ReadTimeoutDoesNotStallCycle(t *testing.T) {
	reader := &blockingReader{
		release: make(chan struct{}),
		reading: models.Reading{Temperature: 18, Humidity: 60, Battery: 70},
	}
	defer close(reader.release)

	registry := metrics.NewRegistry("mijia")
	cfg := settings(config.PacingCycle)
	cfg.ReadTimeout = 50 * time.Millisecond
	s := New(cfg, reader, registry, zerolog.Nop())

	start := time.Now()
	res := s.RunCycle(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], sensor.ErrReadTimeout)

	sample, ok := lookup(registry, "B")
	require.True(t, ok)
	assert.Equal(t, reader.reading, sample.Reading)
}

func TestRun_CyclePacingSleepsRemainderOnce(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(models.Reading{Temperature: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	clock.onSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	s := New(settings(config.PacingCycle), reader, metrics.NewRegistry("mijia"), zerolog.Nop(), WithClock(clock))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.Sleeps())
	reader.AssertNumberOfCalls(t, "Read", 4)
}

func TestRun_SpreadPacingSleepsAfterEachDevice(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(models.Reading{Temperature: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	clock.onSleep = func(n int) {
		if n == 4 {
			cancel()
		}
	}

	s := New(settings(config.PacingSpread), reader, metrics.NewRegistry("mijia"), zerolog.Nop(), WithClock(clock))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, clock.Sleeps())
	reader.AssertNumberOfCalls(t, "Read", 4)
	assert.Equal(t, uint64(1), s.Stats().Cycles)
}

func TestRun_CancelMidSleepStopsWithoutNewCycle(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(models.Reading{Temperature: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	s := New(settings(config.PacingCycle), reader, metrics.NewRegistry("mijia"), zerolog.Nop())
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Stats().Cycles == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop within grace period")
	}

	reader.AssertNumberOfCalls(t, "Read", 2)
}

func TestPoll_MirrorsAndCountsReadings(t *testing.T) {
	reading := models.Reading{Temperature: 21.5, Humidity: 40, Battery: 90}

	reader := &mockReader{}
	reader.On("Read", mock.Anything, deviceA.Identifier).Return(reading, nil)
	reader.On("Read", mock.Anything, deviceB.Identifier).Return(models.Reading{}, errors.New("timeout"))

	mirror := &mockMirror{}
	mirror.On("StoreReading", mock.Anything, "A", reading, mock.AnythingOfType("time.Time")).
		Return(errors.New("redis down"))

	reg := prometheus.NewRegistry()
	ops := metrics.NewOperational(reg, "mijia")
	registry := metrics.NewRegistry("mijia")

	s := New(settings(config.PacingCycle), reader, registry, zerolog.Nop(), WithMirror(mirror), WithMetrics(ops))
	s.RunCycle(context.Background())

	mirror.AssertExpectations(t)

	_, ok := lookup(registry, "A")
	assert.True(t, ok, "mirror failure must not affect the registry")

	assert.Equal(t, 1.0, testutil.ToFloat64(ops.Polls.WithLabelValues("A", metrics.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.Polls.WithLabelValues("B", metrics.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.MirrorOperations.WithLabelValues("store_reading", metrics.ResultError)))
}

func TestRunCycle_CancelledContextSkipsDevices(t *testing.T) {
	reader := &mockReader{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(settings(config.PacingCycle), reader, metrics.NewRegistry("mijia"), zerolog.Nop())
	res := s.RunCycle(ctx)

	assert.Zero(t, res.Succeeded)
	assert.Empty(t, res.Errors)
	reader.AssertNotCalled(t, "Read", mock.Anything, mock.Anything)
	assert.Zero(t, s.Stats().Cycles)
}
