package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mijia-exporter/internal/models"
)

var (
	ErrMissingDevices = errors.New("device list is missing or empty")
	ErrEmptyItem      = errors.New("device list contains an empty item")
	ErrLengthMismatch = errors.New("identifier and name lists differ in length")
	ErrNotPositive    = errors.New("value must be a positive integer")
	ErrInvalidPort    = errors.New("port must be an integer in 1..65535")
	ErrInvalidPrefix  = errors.New("metric prefix is not a valid metric name")
	ErrInvalidPacing  = errors.New("pacing must be \"cycle\" or \"spread\"")
)

var metricPrefixRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// ConfigurationError ошибка валидации конфигурации при старте
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Pacing политика распределения паузы внутри цикла опроса
type Pacing string

const (
	// PacingCycle спит остаток интервала один раз в конце цикла
	PacingCycle Pacing = "cycle"
	// PacingSpread спит interval/len(devices) после каждого устройства
	PacingSpread Pacing = "spread"
)

// Config конфигурация приложения
type Config struct {
	Port            int
	MetricPrefix    string
	RefreshInterval time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	Pacing          Pacing
	Devices         []models.Device

	BLEScanTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	LogLevel  string
	LogOutput string
}

// LookupFunc источник переменных окружения, в production os.LookupEnv
type LookupFunc func(key string) (string, bool)

// FromEnv загружает конфигурацию из окружения процесса
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load разбирает и валидирует конфигурацию. Любая ошибка имеет тип *ConfigurationError.
func Load(lookup LookupFunc) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		MetricPrefix:  e.str("METRIC_PREFIX", "mijia"),
		Pacing:        Pacing(strings.ToLower(e.str("PACING", string(PacingCycle)))),
		RedisAddr:     e.str("REDIS_ADDR", ""),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		LogLevel:      e.str("LOG_LEVEL", "info"),
		LogOutput:     e.str("LOG_OUTPUT", "stdout"),
	}

	var err error

	if cfg.Port, err = e.integer("PORT", 19667); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, &ConfigurationError{Field: "PORT", Err: ErrInvalidPort}
	}

	if !metricPrefixRE.MatchString(cfg.MetricPrefix) {
		return nil, &ConfigurationError{Field: "METRIC_PREFIX", Err: ErrInvalidPrefix}
	}

	if cfg.Pacing != PacingCycle && cfg.Pacing != PacingSpread {
		return nil, &ConfigurationError{Field: "PACING", Err: ErrInvalidPacing}
	}

	if cfg.RefreshInterval, err = e.seconds("REFRESH_INTERVAL", 60); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = e.seconds("READ_TIMEOUT", 30); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = e.seconds("SHUTDOWN_TIMEOUT", 5); err != nil {
		return nil, err
	}
	if cfg.BLEScanTimeout, err = e.seconds("BLE_SCAN_TIMEOUT", 10); err != nil {
		return nil, err
	}
	if cfg.RedisTTL, err = e.seconds("REDIS_TTL", 3600); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = e.integer("REDIS_DB", 0); err != nil {
		return nil, err
	}

	if cfg.Devices, err = e.devices("MIJIA_MACS_LIST", "MIJIA_NAMES_LIST"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// env обертка над LookupFunc с разбором типов
type env struct {
	lookup LookupFunc
}

// str получает переменную или возвращает default
func (e env) str(key, defaultValue string) string {
	value, ok := e.lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

// integer получает переменную как int
func (e env) integer(key string, defaultValue int) (int, error) {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Err: fmt.Errorf("parse %q: %w", raw, err)}
	}
	return value, nil
}

// seconds получает положительное целое число секунд
func (e env) seconds(key string, defaultValue int) (time.Duration, error) {
	value, err := e.integer(key, defaultValue)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, &ConfigurationError{Field: key, Err: ErrNotPositive}
	}
	return time.Duration(value) * time.Second, nil
}

// list разбирает список через запятую
func (e env) list(key string) ([]string, error) {
	raw := e.str(key, "")
	if raw == "" {
		return nil, &ConfigurationError{Field: key, Err: ErrMissingDevices}
	}

	items := strings.Split(raw, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
		if items[i] == "" {
			return nil, &ConfigurationError{Field: key, Err: ErrEmptyItem}
		}
	}
	return items, nil
}

// devices собирает устройства из параллельных списков идентификаторов и имён
func (e env) devices(idsKey, namesKey string) ([]models.Device, error) {
	ids, err := e.list(idsKey)
	if err != nil {
		return nil, err
	}
	names, err := e.list(namesKey)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(names) {
		return nil, &ConfigurationError{
			Field: idsKey + "/" + namesKey,
			Err:   fmt.Errorf("%w: %d identifiers, %d names", ErrLengthMismatch, len(ids), len(names)),
		}
	}

	devices := make([]models.Device, len(ids))
	for i := range ids {
		devices[i] = models.Device{Identifier: ids[i], Name: names[i]}
	}
	return devices, nil
}
