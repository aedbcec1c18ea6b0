package payload

import (
	"fmt"
	"regexp"
	"time"

	"irrigation-registry-backend/internal/model"
)

var scheduleKeyRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// DeviceMirror is the live-tree projection of a registry record. The serial
// key is never part of it.
type DeviceMirror struct {
	Name         string     `json:"name"`
	OwnerID      string     `json:"ownerId"`
	Registered   bool       `json:"registered"`
	RegisteredAt *time.Time `json:"registeredAt"`
}

// MirrorOf projects a device onto its live-tree mirror.
func MirrorOf(d model.Device) DeviceMirror {
	m := DeviceMirror{Name: d.Name, OwnerID: d.OwnerID, Registered: d.Registered}
	if d.RegisteredAt != nil {
		at := d.RegisteredAt.UTC()
		m.RegisteredAt = &at
	}
	return m
}

// Equal reports whether two mirrors carry the same values.
func (m DeviceMirror) Equal(o DeviceMirror) bool {
	if m.Name != o.Name || m.OwnerID != o.OwnerID || m.Registered != o.Registered {
		return false
	}
	if m.RegisteredAt == nil || o.RegisteredAt == nil {
		return m.RegisteredAt == nil && o.RegisteredAt == nil
	}
	return m.RegisteredAt.Equal(*o.RegisteredAt)
}

func (m DeviceMirror) Validate() error {
	if m.Registered != (m.OwnerID != "") {
		return fmt.Errorf("registered=%t inconsistent with owner %q", m.Registered, m.OwnerID)
	}
	return nil
}

// Status is the liveness node of a device.
type Status struct {
	LastActive time.Time `json:"lastActive"`
	Online     bool      `json:"online"`
}

// Reading is the live readings node; it shares the model's validation.
type Reading struct {
	model.Reading
}

// PumpMode is the pump mode node.
type PumpMode struct {
	Mode model.PumpMode `json:"mode"`
}

func (p PumpMode) Validate() error {
	_, err := model.ParsePumpMode(string(p.Mode))
	return err
}

// PumpStatus is the manual pump on/off command node.
type PumpStatus struct {
	On bool `json:"on"`
}

// Schedule is one schedule entry node.
type Schedule struct {
	model.ScheduleEntry
}

func (s Schedule) Validate() error {
	if !scheduleKeyRe.MatchString(s.Key) {
		return fmt.Errorf("schedule key %q is not HH:MM", s.Key)
	}
	if s.Time != s.Key {
		return fmt.Errorf("schedule time %q does not match key %q", s.Time, s.Key)
	}
	return nil
}

// Heartbeat is the device keep-alive message. Uptime is informational.
type Heartbeat struct {
	UptimeSeconds int64 `json:"uptimeSeconds,omitempty"`
}

// Command types sent to a device.
const (
	CommandPumpMode       = "pump_mode"
	CommandPumpStatus     = "pump_status"
	CommandScheduleAdd    = "schedule_add"
	CommandScheduleRemove = "schedule_remove"
)

// Command is a control instruction published to a device.
type Command struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Mode model.PumpMode `json:"mode,omitempty"`
	On   *bool          `json:"on,omitempty"`
	Time string         `json:"time,omitempty"`
}

func (c Command) Validate() error {
	switch c.Type {
	case CommandPumpMode:
		_, err := model.ParsePumpMode(string(c.Mode))
		return err
	case CommandPumpStatus:
		if c.On == nil {
			return fmt.Errorf("pump_status command without on")
		}
	case CommandScheduleAdd, CommandScheduleRemove:
		if !scheduleKeyRe.MatchString(c.Time) {
			return fmt.Errorf("schedule command time %q is not HH:MM", c.Time)
		}
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}

// Ack is a device's acknowledgement that a command was applied.
type Ack struct {
	CommandID  string `json:"commandId"`
	PumpStatus bool   `json:"pumpStatus"`
	Error      string `json:"error,omitempty"`
}
