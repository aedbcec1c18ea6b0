// Package telemetry publishes live readings, samples them into history and
// derives watering events from pump transitions.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/store"
)

// ModeSource reports a device's current pump mode.
type ModeSource interface {
	Mode(ctx context.Context, deviceID string) (model.PumpMode, error)
}

// Sink receives every reading sampled into history.
type Sink interface {
	Write(ctx context.Context, deviceID string, r model.Reading) error
}

// Result describes what PublishReading did besides the live overwrite.
type Result struct {
	Sampled bool
	Stale   bool
	Event   *model.WateringEvent
}

type sampler struct {
	limiter      *rate.Limiter
	lastMoisture int
}

// Service is the telemetry store.
type Service struct {
	store    store.Store
	tree     livetree.Tree
	modes    ModeSource
	sink     Sink
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	interval time.Duration
	delta    int

	locks    sync.Map // device id -> *sync.Mutex
	mu       sync.Mutex
	samplers map[string]*sampler
	latest   map[string]model.Reading
}

// Option customizes a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates the service. History is sampled at most once per interval per
// device, or immediately when soil moisture moved by at least delta points
// since the last sample.
func New(s store.Store, tree livetree.Tree, modes ModeSource, interval time.Duration, delta int, log *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		tree:     tree,
		modes:    modes,
		log:      log.Named("telemetry"),
		now:      time.Now,
		interval: interval,
		delta:    delta,
		samplers: make(map[string]*sampler),
		latest:   make(map[string]model.Reading),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// PublishReading overwrites the device's live reading and, when the sampler
// allows, appends it to history. A pump status different from the previous
// reading is recorded as a watering event. Readings older than the live one
// are dropped and reported as Stale.
func (s *Service) PublishReading(ctx context.Context, deviceID string, r model.Reading) (Result, error) {
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	now := s.now()
	if r.RecordedAt.IsZero() || r.RecordedAt.After(now) {
		r.RecordedAt = now
	}
	r.RecordedAt = r.RecordedAt.UTC()

	unlock := s.lock(deviceID)
	defer unlock()

	var res Result
	prev, hasPrev := s.previous(ctx, deviceID)
	if hasPrev && r.RecordedAt.Before(prev.RecordedAt) {
		s.log.Debug("dropping out of order reading", zap.String("device", deviceID),
			zap.Time("recordedAt", r.RecordedAt), zap.Time("latest", prev.RecordedAt))
		res.Stale = true
		return res, nil
	}

	// The transition is written before the reading becomes the baseline, so
	// a failed write is detected again on the next reading.
	if hasPrev && prev.PumpStatus != r.PumpStatus {
		ev, err := s.recordWatering(ctx, deviceID, r)
		if err != nil {
			return res, err
		}
		res.Event = &ev
	}
	s.mu.Lock()
	s.latest[deviceID] = r
	s.mu.Unlock()

	raw, err := payload.Encode(payload.KindReading, now, payload.Reading{Reading: r})
	if err != nil {
		return res, err
	}
	if err := s.tree.Set(ctx, livetree.ReadingsPath(deviceID), raw); err != nil {
		return res, fmt.Errorf("publish reading for %s: %w", deviceID, err)
	}

	if s.shouldSample(deviceID, r, now) {
		if err := s.store.AppendReading(ctx, model.HistoryFromReading(deviceID, r)); err != nil {
			return res, err
		}
		s.commitSample(deviceID, r, now)
		res.Sampled = true
		if s.sink != nil {
			if err := s.sink.Write(ctx, deviceID, r); err != nil {
				s.log.Warn("telemetry export failed", zap.String("device", deviceID), zap.Error(err))
			}
		}
	}
	s.metrics.Reading(res.Sampled)
	return res, nil
}

// Latest returns the device's live reading.
func (s *Service) Latest(ctx context.Context, deviceID string) (model.Reading, error) {
	raw, err := s.tree.Get(ctx, livetree.ReadingsPath(deviceID))
	if err != nil {
		return model.Reading{}, err
	}
	var r payload.Reading
	if _, err := payload.Decode(raw, payload.KindReading, &r); err != nil {
		return model.Reading{}, err
	}
	return r.Reading, nil
}

// Subscribe streams the device's live readings until ctx is done.
func (s *Service) Subscribe(ctx context.Context, deviceID string) (<-chan model.Reading, error) {
	nodes, err := s.tree.Subscribe(ctx, livetree.ReadingsPath(deviceID))
	if err != nil {
		return nil, err
	}
	out := make(chan model.Reading)
	go func() {
		defer close(out)
		for n := range nodes {
			if n.Deleted {
				continue
			}
			var r payload.Reading
			if _, err := payload.Decode(n.Value, payload.KindReading, &r); err != nil {
				s.log.Warn("dropping malformed reading node", zap.String("device", deviceID), zap.Error(err))
				continue
			}
			select {
			case out <- r.Reading:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) previous(ctx context.Context, deviceID string) (model.Reading, bool) {
	s.mu.Lock()
	prev, ok := s.latest[deviceID]
	s.mu.Unlock()
	if ok {
		return prev, true
	}
	prev, err := s.Latest(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("could not load previous reading", zap.String("device", deviceID), zap.Error(err))
		}
		return model.Reading{}, false
	}
	return prev, true
}

func (s *Service) lock(deviceID string) func() {
	m, _ := s.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// shouldSample only peeks at the sampler; commitSample spends the token once
// the history row is stored.
func (s *Service) shouldSample(deviceID string, r model.Reading, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.samplers[deviceID]
	if !ok {
		return true
	}
	if sm.limiter.TokensAt(now) >= 1 {
		return true
	}
	return abs(r.SoilMoisture-sm.lastMoisture) >= s.delta
}

func (s *Service) commitSample(deviceID string, r model.Reading, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.samplers[deviceID]
	if !ok {
		sm = &sampler{limiter: rate.NewLimiter(rate.Every(s.interval), 1)}
		s.samplers[deviceID] = sm
	}
	sm.limiter.AllowN(now, 1)
	sm.lastMoisture = r.SoilMoisture
}

func (s *Service) recordWatering(ctx context.Context, deviceID string, r model.Reading) (model.WateringEvent, error) {
	mode := model.ModeAuto
	if s.modes != nil {
		m, err := s.modes.Mode(ctx, deviceID)
		if err != nil {
			s.log.Warn("pump mode unavailable, recording AUTO trigger", zap.String("device", deviceID), zap.Error(err))
		} else {
			mode = m
		}
	}

	ev := model.WateringEvent{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Trigger:      model.TriggerForMode(mode),
		PumpStatus:   r.PumpStatus,
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		SoilMoisture: r.SoilMoisture,
		OccurredAt:   r.RecordedAt,
	}
	if err := s.store.AppendWateringEvent(ctx, ev); err != nil {
		return model.WateringEvent{}, err
	}
	s.metrics.WateringEvent(string(ev.Trigger))
	s.log.Info("watering event", zap.String("device", deviceID), zap.String("trigger", string(ev.Trigger)), zap.Bool("pump", ev.PumpStatus))
	return ev, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
