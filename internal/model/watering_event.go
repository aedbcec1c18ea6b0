package model

import "time"

// WateringEvent is the append-only record of a pump state transition with the
// sensor snapshot at that moment.
type WateringEvent struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	DeviceID     string    `gorm:"size:64;not null;index:idx_watering_events_device_time,priority:1" json:"deviceId"`
	Trigger      Trigger   `gorm:"size:16;not null" json:"trigger"`
	PumpStatus   bool      `gorm:"not null" json:"status"`
	Temperature  float64   `gorm:"not null" json:"temperature"`
	Humidity     float64   `gorm:"not null" json:"humidity"`
	SoilMoisture int       `gorm:"not null" json:"soilMoisture"`
	OccurredAt   time.Time `gorm:"not null;index:idx_watering_events_device_time,priority:2" json:"timestamp"`
}

// IngestionError captures a device payload that failed validation.
type IngestionError struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID  string    `gorm:"size:64;index" json:"deviceId"`
	Source    string    `gorm:"size:256" json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `gorm:"not null" json:"error"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}
