//go:build linux

package sensor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"mijia-exporter/internal/models"
)

// BLEReader читает MJ_HT_V1 через BlueZ. Одновременно держится не более одного соединения.
type BLEReader struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	sem         chan struct{}
	log         zerolog.Logger

	dataService bluetooth.UUID
	dataChar    bluetooth.UUID
}

// NewBLEReader включает адаптер по умолчанию (BlueZ hci0)
func NewBLEReader(scanTimeout time.Duration, log zerolog.Logger) (*BLEReader, error) {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	dataService, err := bluetooth.ParseUUID(dataServiceUUID)
	if err != nil {
		return nil, err
	}
	dataChar, err := bluetooth.ParseUUID(dataCharacteristicUUID)
	if err != nil {
		return nil, err
	}

	return &BLEReader{
		adapter:     adapter,
		scanTimeout: scanTimeout,
		sem:         make(chan struct{}, 1),
		log:         log,
		dataService: dataService,
		dataChar:    dataChar,
	}, nil
}

// Read подключается к датчику, ждёт одно уведомление с измерением и читает уровень батареи
func (r *BLEReader) Read(ctx context.Context, identifier string) (models.Reading, error) {
	mac, err := bluetooth.ParseMAC(identifier)
	if err != nil {
		return models.Reading{}, fmt.Errorf("parse address: %w", err)
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return models.Reading{}, ctx.Err()
	}

	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		r.log.Debug().Err(err).Str("identifier", identifier).Msg("Direct connect failed, scanning")

		if err := r.scan(ctx, mac); err != nil {
			return models.Reading{}, err
		}
		if dev, err = r.adapter.Connect(addr, bluetooth.ConnectionParams{}); err != nil {
			return models.Reading{}, fmt.Errorf("connect: %w", err)
		}
	}
	defer func() {
		if err := dev.Disconnect(); err != nil {
			r.log.Debug().Err(err).Str("identifier", identifier).Msg("Disconnect failed")
		}
	}()

	services, err := dev.DiscoverServices([]bluetooth.UUID{r.dataService, bluetooth.ServiceUUIDBattery})
	if err != nil {
		return models.Reading{}, fmt.Errorf("discover services: %w", err)
	}

	var data, battery *bluetooth.DeviceCharacteristic
	for _, svc := range services {
		switch svc.UUID() {
		case r.dataService:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{r.dataChar})
			if err != nil {
				return models.Reading{}, fmt.Errorf("discover data characteristic: %w", err)
			}
			if len(chars) > 0 {
				data = &chars[0]
			}
		case bluetooth.ServiceUUIDBattery:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDBatteryLevel})
			if err != nil {
				return models.Reading{}, fmt.Errorf("discover battery characteristic: %w", err)
			}
			if len(chars) > 0 {
				battery = &chars[0]
			}
		}
	}
	if data == nil || battery == nil {
		return models.Reading{}, fmt.Errorf("device %s does not expose MJ_HT_V1 characteristics", identifier)
	}

	level := make([]byte, 1)
	n, err := battery.Read(level)
	if err != nil {
		return models.Reading{}, fmt.Errorf("read battery: %w", err)
	}
	batt, err := ParseBattery(level[:n])
	if err != nil {
		return models.Reading{}, err
	}

	notifications := make(chan []byte, 1)
	err = data.EnableNotifications(func(buf []byte) {
		payload := make([]byte, len(buf))
		copy(payload, buf)
		select {
		case notifications <- payload:
		default:
		}
	})
	if err != nil {
		return models.Reading{}, fmt.Errorf("enable notifications: %w", err)
	}
	defer func() {
		if err := data.EnableNotifications(nil); err != nil {
			r.log.Debug().Err(err).Str("identifier", identifier).Msg("Disable notifications failed")
		}
	}()

	select {
	case payload := <-notifications:
		temp, hum, err := ParseMeasurement(payload)
		if err != nil {
			return models.Reading{}, err
		}
		return models.Reading{Temperature: temp, Humidity: hum, Battery: batt}, nil
	case <-ctx.Done():
		return models.Reading{}, ctx.Err()
	}
}

// scan ищет устройство, которое BlueZ ещё не видел, чтобы Connect смог его найти
func (r *BLEReader) scan(ctx context.Context, mac bluetooth.MAC) error {
	found := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- r.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.MAC == mac {
				select {
				case <-found:
				default:
					close(found)
					r.stopScan(a)
				}
			}
		})
	}()

	timer := time.NewTimer(r.scanTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	case <-found:
		<-done
		return nil
	case <-timer.C:
		r.stopScan(r.adapter)
		<-done
		return fmt.Errorf("device %s not seen within %s", mac.String(), r.scanTimeout)
	case <-ctx.Done():
		r.stopScan(r.adapter)
		<-done
		return ctx.Err()
	}

	select {
	case <-found:
		return nil
	default:
		return fmt.Errorf("device %s not seen", mac.String())
	}
}

func (r *BLEReader) stopScan(a *bluetooth.Adapter) {
	if err := a.StopScan(); err != nil {
		r.log.Debug().Err(err).Msg("Stop scan failed")
	}
}
