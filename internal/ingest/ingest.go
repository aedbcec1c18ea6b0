// Package ingest turns device messages, whether they arrive over MQTT or the
// HTTP fallback, into heartbeats and readings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/parse"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/telemetry"
)

// Devices resolves a device id against the registry.
type Devices interface {
	Get(ctx context.Context, id string) (model.Device, error)
}

// Heartbeats records device activity.
type Heartbeats interface {
	ReportHeartbeat(ctx context.Context, deviceID string, ts time.Time) error
}

// Readings publishes live readings.
type Readings interface {
	PublishReading(ctx context.Context, deviceID string, r model.Reading) (telemetry.Result, error)
}

// ErrorLog keeps rejected payloads.
type ErrorLog interface {
	RecordIngestionError(ctx context.Context, e model.IngestionError) error
}

// Ingestor validates device messages and dispatches them.
type Ingestor struct {
	devices    Devices
	heartbeats Heartbeats
	readings   Readings
	errors     ErrorLog
	known      *cache.Cache
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	prefix     string
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithTopicPrefix sets the MQTT topic prefix used by HandleMessage.
func WithTopicPrefix(prefix string) Option {
	return func(i *Ingestor) { i.prefix = prefix }
}

// New creates an Ingestor. Known device ids are cached for a minute so
// steady-state traffic does not hit the durable store.
func New(devices Devices, heartbeats Heartbeats, readings Readings, errs ErrorLog, log *zap.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		devices:    devices,
		heartbeats: heartbeats,
		readings:   readings,
		errors:     errs,
		known:      cache.New(time.Minute, 5*time.Minute),
		log:        log.Named("ingest"),
		now:        time.Now,
		prefix:     "irrigation",
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleMessage routes an MQTT message by its topic.
func (i *Ingestor) HandleMessage(ctx context.Context, topic string, raw []byte) error {
	t, err := parse.ParseTopic(i.prefix, topic)
	if err != nil {
		i.reject(ctx, "", topic, raw, "topic", err)
		return err
	}
	switch t.Kind {
	case parse.KindHeartbeat:
		return i.HandleHeartbeat(ctx, t.DeviceID, topic, raw)
	case parse.KindReadings:
		return i.HandleReading(ctx, t.DeviceID, topic, raw)
	default:
		return i.HandleAck(ctx, t.DeviceID, topic, raw)
	}
}

// HandleHeartbeat records a heartbeat envelope from deviceID. The envelope
// timestamp is used as the activity time; the tracker clamps it to now.
func (i *Ingestor) HandleHeartbeat(ctx context.Context, deviceID, source string, raw []byte) error {
	if err := i.ensureKnown(ctx, deviceID, source, raw); err != nil {
		return err
	}
	var hb payload.Heartbeat
	at, err := payload.Decode(raw, payload.KindHeartbeat, &hb)
	if err != nil {
		i.reject(ctx, deviceID, source, raw, "malformed", err)
		return err
	}
	if at.IsZero() {
		at = i.now()
	}
	return i.heartbeats.ReportHeartbeat(ctx, deviceID, at)
}

// HandleReading publishes a readings envelope from deviceID. A reading is
// also proof of life, so it refreshes the heartbeat.
func (i *Ingestor) HandleReading(ctx context.Context, deviceID, source string, raw []byte) error {
	if err := i.ensureKnown(ctx, deviceID, source, raw); err != nil {
		return err
	}
	var r payload.Reading
	at, err := payload.Decode(raw, payload.KindReading, &r)
	if err != nil {
		i.reject(ctx, deviceID, source, raw, "malformed", err)
		return err
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = at
	}
	if _, err := i.readings.PublishReading(ctx, deviceID, r.Reading); err != nil {
		if errors.Is(err, apperr.ErrMalformedPayload) {
			i.reject(ctx, deviceID, source, raw, "malformed", err)
		}
		return err
	}
	return i.heartbeats.ReportHeartbeat(ctx, deviceID, r.RecordedAt)
}

// HandleAck logs a command acknowledgement.
func (i *Ingestor) HandleAck(ctx context.Context, deviceID, source string, raw []byte) error {
	if err := i.ensureKnown(ctx, deviceID, source, raw); err != nil {
		return err
	}
	var ack payload.Ack
	if _, err := payload.Decode(raw, payload.KindAck, &ack); err != nil {
		i.reject(ctx, deviceID, source, raw, "malformed", err)
		return err
	}
	if ack.Error != "" {
		i.log.Warn("device rejected command",
			zap.String("device", deviceID), zap.String("command", ack.CommandID), zap.String("error", ack.Error))
		return nil
	}
	i.log.Debug("command acknowledged",
		zap.String("device", deviceID), zap.String("command", ack.CommandID), zap.Bool("pump", ack.PumpStatus))
	return nil
}

// MarkKnown records that deviceID exists, e.g. after the API authenticated it.
func (i *Ingestor) MarkKnown(deviceID string) {
	i.known.SetDefault(deviceID, struct{}{})
}

func (i *Ingestor) ensureKnown(ctx context.Context, deviceID, source string, raw []byte) error {
	if _, ok := i.known.Get(deviceID); ok {
		return nil
	}
	if _, err := i.devices.Get(ctx, deviceID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			i.reject(ctx, deviceID, source, raw, "unknown_device", err)
		}
		return fmt.Errorf("ingest from %s: %w", deviceID, err)
	}
	i.MarkKnown(deviceID)
	return nil
}

func (i *Ingestor) reject(ctx context.Context, deviceID, source string, raw []byte, reason string, cause error) {
	i.metrics.IngestionError(reason)
	i.log.Warn("rejected device message",
		zap.String("device", deviceID), zap.String("source", source), zap.String("reason", reason), zap.Error(cause))
	if i.errors == nil {
		return
	}
	rec := model.IngestionError{
		DeviceID:  deviceID,
		Source:    source,
		Payload:   string(raw),
		Error:     cause.Error(),
		CreatedAt: i.now(),
	}
	if err := i.errors.RecordIngestionError(ctx, rec); err != nil {
		i.log.Error("failed to record ingestion error", zap.Error(err))
	}
}
