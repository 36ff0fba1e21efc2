package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mijia-exporter/internal/models"
)

// RedisCache копия последних показаний в Redis. История не хранится: ключ перезаписывается.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache создает клиент и проверяет подключение
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  2 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// ReadingKey ключ последнего показания устройства
func ReadingKey(name string) string {
	return fmt.Sprintf("reading:%s", name)
}

// EncodeReading сериализует показание для хранения
func EncodeReading(name string, reading models.Reading, refreshedAt time.Time) ([]byte, error) {
	data, err := json.Marshal(models.Sample{Name: name, Reading: reading, RefreshedAt: refreshedAt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading: %w", err)
	}
	return data, nil
}

// StoreReading перезаписывает последнее показание устройства
func (r *RedisCache) StoreReading(ctx context.Context, name string, reading models.Reading, refreshedAt time.Time) error {
	data, err := EncodeReading(name, reading, refreshedAt)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, ReadingKey(name), data, r.ttl).Err()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// GetStats возвращает статистику пула соединений
func (r *RedisCache) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
