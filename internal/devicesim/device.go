// Package devicesim models an irrigation controller closely enough to
// exercise the service end to end without hardware.
package devicesim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
)

// Moisture thresholds of the on-board automatic mode.
const (
	autoOnBelow  = 30
	autoOffAbove = 60
)

// Tunables of the soil model, in moisture points per minute.
const (
	gainPerMin  = 4.0
	decayPerMin = 0.5
)

// Device is the simulated controller state.
type Device struct {
	mu        sync.Mutex
	rng       *rand.Rand
	mode      model.PumpMode
	manualOn  bool
	pumpOn    bool
	schedule  map[string]struct{}
	moisture  float64
	last      time.Time
	waterFor  time.Duration
	waterTill time.Time
}

// New creates a device at the given soil moisture. Scheduled waterings last
// waterFor.
func New(moisture float64, waterFor time.Duration, seed int64) *Device {
	return &Device{
		rng:      rand.New(rand.NewSource(seed)),
		mode:     model.ModeAuto,
		schedule: make(map[string]struct{}),
		moisture: moisture,
		waterFor: waterFor,
	}
}

// Apply executes a command and returns the acknowledgement to publish.
func (d *Device) Apply(cmd payload.Command) payload.Ack {
	d.mu.Lock()
	defer d.mu.Unlock()

	ack := payload.Ack{CommandID: cmd.ID}
	switch cmd.Type {
	case payload.CommandPumpMode:
		mode, err := model.ParsePumpMode(string(cmd.Mode))
		if err != nil {
			ack.Error = err.Error()
			break
		}
		d.mode = mode
	case payload.CommandPumpStatus:
		if cmd.On == nil {
			ack.Error = "missing on"
			break
		}
		d.manualOn = *cmd.On
	case payload.CommandScheduleAdd:
		d.schedule[cmd.Time] = struct{}{}
	case payload.CommandScheduleRemove:
		delete(d.schedule, cmd.Time)
	default:
		ack.Error = fmt.Sprintf("unsupported command %q", cmd.Type)
	}
	d.updatePumpLocked(d.last)
	ack.PumpStatus = d.pumpOn
	return ack
}

// Step advances the soil model to now and returns the reading to publish.
func (d *Device) Step(now time.Time) model.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.last.IsZero() {
		minutes := now.Sub(d.last).Minutes()
		if d.pumpOn {
			d.moisture += gainPerMin * minutes
		} else {
			d.moisture -= decayPerMin * minutes
		}
		d.moisture = math.Max(0, math.Min(100, d.moisture))
	}
	d.last = now
	d.updatePumpLocked(now)

	return model.Reading{
		Temperature:  math.Round((22+d.rng.Float64()*6)*10) / 10,
		Humidity:     math.Round((40+d.rng.Float64()*20)*10) / 10,
		SoilMoisture: int(math.Round(d.moisture)),
		PumpStatus:   d.pumpOn,
		RecordedAt:   now.UTC(),
	}
}

// Mode returns the active pump mode.
func (d *Device) Mode() model.PumpMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Schedule returns the scheduled times in order.
func (d *Device) Schedule() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.schedule))
	for k := range d.schedule {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Device) updatePumpLocked(now time.Time) {
	switch d.mode {
	case model.ModeManual:
		d.pumpOn = d.manualOn
	case model.ModeScheduled:
		if !now.IsZero() {
			if _, ok := d.schedule[now.Format("15:04")]; ok && !now.Before(d.waterTill) {
				d.waterTill = now.Add(d.waterFor)
			}
		}
		d.pumpOn = now.Before(d.waterTill)
	default:
		switch {
		case d.moisture < autoOnBelow:
			d.pumpOn = true
		case d.moisture > autoOffAbove:
			d.pumpOn = false
		}
	}
}
