//go:build !linux

package sensor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mijia-exporter/internal/models"
)

// BLEReader недоступен вне linux: адресация по MAC есть только в BlueZ
type BLEReader struct{}

func NewBLEReader(scanTimeout time.Duration, log zerolog.Logger) (*BLEReader, error) {
	return nil, ErrUnsupportedPlatform
}

func (r *BLEReader) Read(ctx context.Context, identifier string) (models.Reading, error) {
	return models.Reading{}, ErrUnsupportedPlatform
}
