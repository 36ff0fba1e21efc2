package sensor

import (
	"context"
	"errors"
	"fmt"

	"mijia-exporter/internal/models"
)

var (
	ErrReadTimeout         = errors.New("sensor read timed out")
	ErrUnsupportedPlatform = errors.New("bluetooth reader is only supported on linux")
	ErrMalformedPayload    = errors.New("malformed sensor payload")
)

// Reader источник показаний. Read может блокироваться на время установления BLE соединения
// и должен завершаться при отмене ctx.
type Reader interface {
	Read(ctx context.Context, identifier string) (models.Reading, error)
}

// DeviceReadError неудачное чтение одного устройства
type DeviceReadError struct {
	Device     string
	Identifier string
	Err        error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("read %s (%s): %v", e.Device, e.Identifier, e.Err)
}

func (e *DeviceReadError) Unwrap() error {
	return e.Err
}
