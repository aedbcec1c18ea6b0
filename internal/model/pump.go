package model

import (
	"fmt"
	"strings"
	"time"

	"irrigation-registry-backend/internal/apperr"
)

// PumpMode is the control mode of a device's pump.
type PumpMode string

const (
	ModeAuto      PumpMode = "AUTO"
	ModeManual    PumpMode = "MANUAL"
	ModeScheduled PumpMode = "SCHEDULED"
)

// ParsePumpMode accepts the canonical names and the dashboard's labels
// ("Automatic", "Manual", "Scheduled").
func ParsePumpMode(raw string) (PumpMode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AUTO", "AUTOMATIC":
		return ModeAuto, nil
	case "MANUAL":
		return ModeManual, nil
	case "SCHEDULED", "SCHEDULE":
		return ModeScheduled, nil
	}
	return "", fmt.Errorf("%w: unknown pump mode %q", apperr.ErrInvalidArgument, raw)
}

// Trigger is what caused a watering event.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
	TriggerAuto      Trigger = "AUTO"
)

// TriggerForMode maps the mode a device was in to the trigger of a pump transition.
func TriggerForMode(m PumpMode) Trigger {
	switch m {
	case ModeManual:
		return TriggerManual
	case ModeScheduled:
		return TriggerScheduled
	default:
		return TriggerAuto
	}
}

// ModeTransition is the audit record of a pump mode change.
type ModeTransition struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	DeviceID   string    `gorm:"size:64;not null;index" json:"deviceId"`
	FromMode   PumpMode  `gorm:"size:16;not null" json:"from"`
	ToMode     PumpMode  `gorm:"size:16;not null" json:"to"`
	ActorID    string    `gorm:"size:128;not null" json:"actorId"`
	OccurredAt time.Time `gorm:"not null;index" json:"occurredAt"`
}

// ScheduleEntry is one time-of-day activation in a device's schedule.
// Key is the normalized "HH:MM" time; Seq preserves insertion order.
type ScheduleEntry struct {
	Key       string    `json:"key"`
	Time      string    `json:"time"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// Controls is the combined control state of a device.
type Controls struct {
	Mode       PumpMode        `json:"pumpMode"`
	PumpStatus bool            `json:"pumpStatus"`
	Schedule   []ScheduleEntry `json:"schedule"`
}
