package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/telemetry"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeDevices struct {
	mu    sync.Mutex
	ids   map[string]bool
	calls int
}

func (f *fakeDevices) Get(_ context.Context, id string) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.ids[id] {
		return model.Device{}, apperr.ErrNotFound
	}
	return model.Device{ID: id}, nil
}

type recorder struct {
	mu         sync.Mutex
	heartbeats []time.Time
	readings   []model.Reading
	rejected   []model.IngestionError
}

func (r *recorder) ReportHeartbeat(_ context.Context, _ string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, ts)
	return nil
}

func (r *recorder) PublishReading(_ context.Context, _ string, reading model.Reading) (telemetry.Result, error) {
	if err := reading.Validate(); err != nil {
		return telemetry.Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return telemetry.Result{}, nil
}

func (r *recorder) RecordIngestionError(_ context.Context, e model.IngestionError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, e)
	return nil
}

func newIngestor(ids ...string) (*Ingestor, *fakeDevices, *recorder) {
	devices := &fakeDevices{ids: map[string]bool{}}
	for _, id := range ids {
		devices.ids[id] = true
	}
	rec := &recorder{}
	i := New(devices, rec, rec, rec, zap.NewNop(), WithClock(func() time.Time { return t0 }))
	return i, devices, rec
}

func envelope(t *testing.T, kind payload.Kind, at time.Time, data any) []byte {
	t.Helper()
	raw, err := payload.Encode(kind, at, data)
	require.NoError(t, err)
	return raw
}

func TestHandleMessage_Heartbeat(t *testing.T) {
	i, _, rec := newIngestor("dev-001")
	at := t0.Add(-2 * time.Second)

	err := i.HandleMessage(context.Background(), "irrigation/devices/dev-001/heartbeat",
		envelope(t, payload.KindHeartbeat, at, payload.Heartbeat{UptimeSeconds: 42}))
	require.NoError(t, err)

	require.Len(t, rec.heartbeats, 1)
	assert.True(t, rec.heartbeats[0].Equal(at))
}

func TestHandleMessage_ReadingRefreshesHeartbeat(t *testing.T) {
	i, _, rec := newIngestor("dev-001")
	r := payload.Reading{Reading: model.Reading{Temperature: 22, Humidity: 50, SoilMoisture: 30}}

	err := i.HandleMessage(context.Background(), "irrigation/devices/dev-001/readings",
		envelope(t, payload.KindReading, t0, r))
	require.NoError(t, err)

	require.Len(t, rec.readings, 1)
	assert.Equal(t, 30, rec.readings[0].SoilMoisture)
	assert.True(t, rec.readings[0].RecordedAt.Equal(t0))
	assert.Len(t, rec.heartbeats, 1)
}

func TestHandleMessage_Rejections(t *testing.T) {
	testCases := []struct {
		name   string
		topic  string
		raw    func(t *testing.T) []byte
		target error
	}{
		{
			name:  "unknown device",
			topic: "irrigation/devices/ghost/heartbeat",
			raw: func(t *testing.T) []byte {
				return envelope(t, payload.KindHeartbeat, t0, payload.Heartbeat{})
			},
			target: apperr.ErrNotFound,
		},
		{
			name:  "bad topic",
			topic: "irrigation/devices/dev-001/firmware",
			raw: func(t *testing.T) []byte {
				return envelope(t, payload.KindHeartbeat, t0, payload.Heartbeat{})
			},
			target: apperr.ErrMalformedPayload,
		},
		{
			name:  "wrong kind on readings topic",
			topic: "irrigation/devices/dev-001/readings",
			raw: func(t *testing.T) []byte {
				return envelope(t, payload.KindHeartbeat, t0, payload.Heartbeat{})
			},
			target: apperr.ErrMalformedPayload,
		},
		{
			name:  "out of range moisture",
			topic: "irrigation/devices/dev-001/readings",
			raw: func(t *testing.T) []byte {
				return envelope(t, payload.KindReading, t0, payload.Reading{Reading: model.Reading{SoilMoisture: 140}})
			},
			target: apperr.ErrMalformedPayload,
		},
		{
			name:   "not json",
			topic:  "irrigation/devices/dev-001/heartbeat",
			raw:    func(*testing.T) []byte { return []byte("alive") },
			target: apperr.ErrMalformedPayload,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			i, _, rec := newIngestor("dev-001")
			raw := tc.raw(t)

			err := i.HandleMessage(context.Background(), tc.topic, raw)
			assert.ErrorIs(t, err, tc.target)
			require.Len(t, rec.rejected, 1)
			assert.Equal(t, string(raw), rec.rejected[0].Payload)
			assert.Empty(t, rec.heartbeats)
			assert.Empty(t, rec.readings)
		})
	}
}

func TestHandleMessage_CachesKnownDevices(t *testing.T) {
	i, devices, _ := newIngestor("dev-001")
	raw := envelope(t, payload.KindHeartbeat, t0, payload.Heartbeat{})

	for n := 0; n < 3; n++ {
		require.NoError(t, i.HandleMessage(context.Background(), "irrigation/devices/dev-001/heartbeat", raw))
	}
	assert.Equal(t, 1, devices.calls)
}

func TestHandleAck(t *testing.T) {
	i, _, rec := newIngestor("dev-001")
	raw := envelope(t, payload.KindAck, t0, payload.Ack{CommandID: "c-1", PumpStatus: true})

	require.NoError(t, i.HandleMessage(context.Background(), "irrigation/devices/dev-001/ack", raw))
	assert.Empty(t, rec.rejected)
}
