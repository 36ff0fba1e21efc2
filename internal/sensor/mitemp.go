package sensor

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// GATT layout of the Xiaomi MJ_HT_V1 thermometer.
const (
	dataServiceUUID        = "226c0000-6476-4566-7562-66734470666d"
	dataCharacteristicUUID = "226caa55-6476-4566-7562-66734470666d"
)

// ParseMeasurement разбирает уведомление вида "T=23.4 H=45.6" с завершающим NUL
func ParseMeasurement(payload []byte) (temperature, humidity float64, err error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}

	var haveT, haveH bool
	for _, field := range strings.Fields(string(payload)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		v, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("%w: %q: %v", ErrMalformedPayload, payload, perr)
		}

		switch key {
		case "T":
			temperature, haveT = v, true
		case "H":
			humidity, haveH = v, true
		}
	}

	if !haveT || !haveH {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	return temperature, humidity, nil
}

// ParseBattery разбирает значение характеристики Battery Level (0x2A19)
func ParseBattery(payload []byte) (float64, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty battery level", ErrMalformedPayload)
	}
	if payload[0] > 100 {
		return 0, fmt.Errorf("%w: battery level %d", ErrMalformedPayload, payload[0])
	}
	return float64(payload[0]), nil
}
