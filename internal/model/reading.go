package model

import (
	"fmt"
	"time"

	"irrigation-registry-backend/internal/apperr"
)

// Reading is the latest-value sensor snapshot reported by a device.
type Reading struct {
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	SoilMoisture int       `json:"soilMoisture"`
	PumpStatus   bool      `json:"pumpStatus"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Validate rejects physically impossible values before they reach subscribers.
func (r Reading) Validate() error {
	if r.Temperature < -50 || r.Temperature > 80 {
		return fmt.Errorf("%w: temperature %.1f out of range", apperr.ErrMalformedPayload, r.Temperature)
	}
	if r.Humidity < 0 || r.Humidity > 100 {
		return fmt.Errorf("%w: humidity %.1f out of range", apperr.ErrMalformedPayload, r.Humidity)
	}
	if r.SoilMoisture < 0 || r.SoilMoisture > 100 {
		return fmt.Errorf("%w: soil moisture %d out of range", apperr.ErrMalformedPayload, r.SoilMoisture)
	}
	return nil
}

// ReadingHistory is an immutable, append-only sample of a device's readings (cold table).
type ReadingHistory struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID     string    `gorm:"size:64;not null;index:idx_reading_histories_device_time,priority:1" json:"deviceId"`
	RecordedAt   time.Time `gorm:"not null;index:idx_reading_histories_device_time,priority:2" json:"timestamp"`
	Temperature  float64   `gorm:"not null" json:"temperature"`
	Humidity     float64   `gorm:"not null" json:"humidity"`
	SoilMoisture int       `gorm:"not null" json:"soilMoisture"`
	PumpStatus   bool      `gorm:"not null" json:"pumpStatus"`
}

// HistoryFromReading builds the history row for a sampled reading.
func HistoryFromReading(deviceID string, r Reading) ReadingHistory {
	return ReadingHistory{
		DeviceID:     deviceID,
		RecordedAt:   r.RecordedAt,
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		SoilMoisture: r.SoilMoisture,
		PumpStatus:   r.PumpStatus,
	}
}
