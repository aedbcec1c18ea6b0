// Package report derives averages, chart history and the watering log from
// the durable history. It never mutates state.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/store"
)

// Window is a coarse report bucket.
type Window string

const (
	Window24h Window = "24h"
	Window7d  Window = "7d"
	Window30d Window = "30d"
)

// ParseWindow accepts "24h", "7d", "30d" and the dashboard's "daily",
// "weekly", "monthly". Empty means 24h.
func ParseWindow(raw string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "24h", "daily", "day":
		return Window24h, nil
	case "7d", "weekly", "week":
		return Window7d, nil
	case "30d", "monthly", "month":
		return Window30d, nil
	}
	return "", fmt.Errorf("%w: unknown report window %q", apperr.ErrInvalidArgument, raw)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Summary holds the averages of every reading field over one window.
type Summary struct {
	DeviceID     string          `json:"deviceId"`
	Window       Window          `json:"window"`
	Since        time.Time       `json:"since"`
	Temperature  store.Aggregate `json:"temperature"`
	Humidity     store.Aggregate `json:"humidity"`
	SoilMoisture store.Aggregate `json:"soilMoisture"`
}

// Aggregator answers report queries.
type Aggregator struct {
	store        store.Store
	defaultLimit int
	maxLimit     int
}

// New creates an Aggregator with event list limits.
func New(s store.Store, defaultLimit, maxLimit int) *Aggregator {
	return &Aggregator{store: s, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Average is the mean of field over readings with timestamp >= now-window.
// With no readings it is zero with Count 0.
func (a *Aggregator) Average(ctx context.Context, deviceID string, field store.Field, w Window, now time.Time) (store.Aggregate, error) {
	return a.store.AverageSince(ctx, deviceID, field, now.Add(-w.Duration()))
}

func (a *Aggregator) Summary(ctx context.Context, deviceID string, w Window, now time.Time) (Summary, error) {
	since := now.Add(-w.Duration()).UTC()
	s := Summary{DeviceID: deviceID, Window: w, Since: since}
	targets := map[store.Field]*store.Aggregate{
		store.FieldTemperature:  &s.Temperature,
		store.FieldHumidity:     &s.Humidity,
		store.FieldSoilMoisture: &s.SoilMoisture,
	}
	for _, f := range store.Fields {
		agg, err := a.store.AverageSince(ctx, deviceID, f, since)
		if err != nil {
			return Summary{}, err
		}
		*targets[f] = agg
	}
	return s, nil
}

// History returns the window's readings oldest first, for charting.
func (a *Aggregator) History(ctx context.Context, deviceID string, w Window, now time.Time) ([]model.ReadingHistory, error) {
	return a.store.ReadingsSince(ctx, deviceID, now.Add(-w.Duration()))
}

// ListEvents returns watering events newest first. A non-positive limit
// selects the default; limits above the maximum are capped.
func (a *Aggregator) ListEvents(ctx context.Context, deviceID string, limit int) ([]model.WateringEvent, error) {
	if limit <= 0 {
		limit = a.defaultLimit
	}
	if limit > a.maxLimit {
		limit = a.maxLimit
	}
	return a.store.ListWateringEvents(ctx, deviceID, limit)
}
