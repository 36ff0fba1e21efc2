package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mijia-exporter/internal/cache"
	"mijia-exporter/internal/config"
	"mijia-exporter/internal/handlers"
	"mijia-exporter/internal/logging"
	"mijia-exporter/internal/metrics"
	"mijia-exporter/internal/scheduler"
	"mijia-exporter/internal/sensor"
)

const redisConnectTimeout = 5 * time.Second

func main() {
	// Конфигурация из environment variables, до запуска любых listener
	cfg, err := config.FromEnv()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Output: cfg.LogOutput})
	if err != nil {
		zlog.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}

	logger.Info().
		Int("port", cfg.Port).
		Str("metric_prefix", cfg.MetricPrefix).
		Dur("refresh_interval", cfg.RefreshInterval).
		Dur("read_timeout", cfg.ReadTimeout).
		Str("pacing", string(cfg.Pacing)).
		Int("devices", len(cfg.Devices)).
		Msg("Starting Mijia BLE exporter...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info().Str("signal", sig.String()).Msg("Stopping on signal")
		cancel()
	}()

	reader, err := sensor.NewBLEReader(cfg.BLEScanTimeout, logging.WithComponent(logger, "ble"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Bluetooth adapter unavailable")
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		logger.Fatal().Err(err).Int("port", cfg.Port).Msg("Failed to listen")
	}

	if err := run(ctx, cfg, logger, reader, ln); err != nil {
		logger.Fatal().Err(err).Msg("Exporter failed")
	}

	logger.Info().Msg("Exporter stopped gracefully")
}

// run обслуживает ln и опрашивает устройства через reader до отмены ctx
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reader sensor.Reader, ln net.Listener) error {
	readings := metrics.NewRegistry(cfg.MetricPrefix)
	reg := metrics.NewPrometheusRegistry(readings)
	ops := metrics.NewOperational(reg, cfg.MetricPrefix)

	opts := []scheduler.Option{scheduler.WithMetrics(ops)}
	var cacheHandle handlers.Cache

	// Redis необязателен: без него экспортер работает только из памяти
	if cfg.RedisAddr != "" {
		rctx, rcancel := context.WithTimeout(ctx, redisConnectTimeout)
		redisCache, err := cache.NewRedisCache(rctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		rcancel()

		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis mirror disabled")
		} else {
			defer redisCache.Close()
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

			opts = append(opts, scheduler.WithMirror(redisCache))
			cacheHandle = redisCache
		}
	}

	sched := scheduler.New(scheduler.Settings{
		Devices:     cfg.Devices,
		Interval:    cfg.RefreshInterval,
		ReadTimeout: cfg.ReadTimeout,
		Pacing:      cfg.Pacing,
	}, reader, readings, logging.WithComponent(logger, "scheduler"), opts...)

	handler := handlers.NewHandler(sched, readings, cacheHandle, ops, logging.WithComponent(logger, "http"))
	exporter := metrics.Handler(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.HealthCheck)
	mux.HandleFunc("/stats", handler.GetStats)
	mux.Handle("/metrics", exporter)
	mux.Handle("/", exporter)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownServer(server, cfg.ShutdownTimeout, logger)
		return nil
	})

	return g.Wait()
}

// shutdownServer даёт активным запросам timeout на завершение.
// Превышение срока не ошибка процесса: остановка по сигналу всегда завершается с кодом 0.
func shutdownServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) {
	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Dur("timeout", timeout).Msg("Server shutdown did not complete, closing connections")
		if err := server.Close(); err != nil {
			logger.Debug().Err(err).Msg("Server close failed")
		}
	}
}
