package models

import "time"

// Device датчик из конфигурации. Набор устройств фиксирован на всё время жизни процесса.
type Device struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// Reading одно показание датчика. Все три поля обновляются вместе.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Battery     float64 `json:"battery"`
}

// Sample последнее успешное показание устройства вместе со временем обновления
type Sample struct {
	Name        string    `json:"name"`
	Reading     Reading   `json:"reading"`
	RefreshedAt time.Time `json:"refreshed_at"`
}
