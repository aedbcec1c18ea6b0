package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/control"
	"irrigation-registry-backend/internal/db/dbtest"
	"irrigation-registry-backend/internal/ingest"
	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/provision"
	"irrigation-registry-backend/internal/registry"
	"irrigation-registry-backend/internal/report"
	"irrigation-registry-backend/internal/store"
	"irrigation-registry-backend/internal/telemetry"
)

// TestDeviceLifecycle follows one device from the manufacturer manifest
// through registration, telemetry, a manual watering, silence and release.
func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := zap.NewNop()

	// --- Test Setup ---
	s := store.NewGormStore(dbtest.NewSQLite(t))
	tree := livetree.NewMemory()
	defer tree.Close()

	reg := registry.New(s, tree, log, registry.WithClock(clock))
	tracker := liveness.NewTracker(20*time.Second, tree, log, liveness.WithClock(clock))
	ctrl := control.New(tree, s, reg, control.RetryPolicy{MaxAttempts: 1}, log, control.WithClock(clock))
	tel := telemetry.New(s, tree, ctrl, 5*time.Minute, 5, log, telemetry.WithClock(clock))
	ing := ingest.New(reg, tracker, tel, s, log, ingest.WithClock(clock))
	reports := report.New(s, 50, 500)

	var mu sync.Mutex
	var transitions []liveness.Transition
	tracker.OnTransition(func(tr liveness.Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})

	// 1. Manufacturer manifest provisions the device.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp provision.ManifestResponse
		resp.Data.Total = 1
		if r.URL.Query().Get("page") == "1" {
			resp.Data.Items = []provision.ManifestItem{{ID: "dev-001", Name: "Tomatoes", SerialKey: "SN-001"}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	n, err := provision.NewService(config.ProvisionConfig{Enabled: true, URL: server.URL, PageSize: 10}, reg, log).SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// 2. The user claims it.
	d, err := reg.Register(ctx, "dev-001", "user-a", "SN-001")
	require.NoError(t, err)
	assert.True(t, d.Registered)

	// 3. The device reports over MQTT.
	send := func(kind string, env payload.Kind, data any) {
		raw, err := payload.Encode(env, now, data)
		require.NoError(t, err)
		require.NoError(t, ing.HandleMessage(ctx, "irrigation/devices/dev-001/"+kind, raw))
	}
	reading := func(moisture int, pump bool) payload.Reading {
		return payload.Reading{Reading: model.Reading{Temperature: 20, Humidity: 50, SoilMoisture: moisture, PumpStatus: pump}}
	}

	send("heartbeat", payload.KindHeartbeat, payload.Heartbeat{})
	assert.True(t, tracker.IsOnline("dev-001", now))

	send("readings", payload.KindReading, reading(40, false))

	// 4. A manual watering: the user switches mode and pump, the device reports the pump on.
	_, err = ctrl.SetMode(ctx, "dev-001", "user-a", model.ModeManual)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetPumpStatus(ctx, "dev-001", "user-a", true))

	now = now.Add(10 * time.Second)
	send("readings", payload.KindReading, reading(48, true))

	events, err := reports.ListEvents(ctx, "dev-001", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.TriggerManual, events[0].Trigger)
	assert.True(t, events[0].PumpStatus)

	sum, err := reports.Summary(ctx, "dev-001", report.Window24h, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.SoilMoisture.Count)
	assert.InDelta(t, 44, sum.SoilMoisture.Value, 0.001)

	// 5. Silence is detected by the sweep alone.
	now = now.Add(30 * time.Second)
	tracker.Sweep(ctx, now)
	assert.False(t, tracker.IsOnline("dev-001", now))

	mu.Lock()
	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Online)
	assert.False(t, transitions[1].Online)
	mu.Unlock()

	// 6. Release, and the mirror follows the durable record.
	require.NoError(t, reg.Release(ctx, "dev-001", "user-a"))
	raw, err := tree.Get(ctx, livetree.DevicePath("dev-001"))
	require.NoError(t, err)
	var mirror payload.DeviceMirror
	_, err = payload.Decode(raw, payload.KindDevice, &mirror)
	require.NoError(t, err)
	assert.False(t, mirror.Registered)
	assert.Empty(t, mirror.OwnerID)

	res, err := reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Repaired)
}
