package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/telemetry"
)

type noControls struct{}

func (noControls) Subscribe(ctx context.Context, _ string) (<-chan model.Controls, error) {
	ch := make(chan model.Controls)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func nextEvent(t *testing.T, m *Manager, kind string) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestSelect_SwitchesDevicesWithoutLeaks(t *testing.T) {
	tree := livetree.NewMemory()
	log := zap.NewNop()
	tracker := liveness.NewTracker(20*time.Second, tree, log)
	tel := telemetry.New(nil, tree, nil, time.Hour, 100, log)

	m := New(context.Background(), tracker, tel, noControls{})

	require.NoError(t, m.Select("dev-001"))
	assert.Equal(t, 2, tree.Subscribers(), "status and readings")
	ev := nextEvent(t, m, KindStatus)
	assert.Equal(t, "dev-001", ev.DeviceID)

	require.NoError(t, m.Select("dev-002"))
	assert.Equal(t, "dev-002", m.Current())
	assert.Eventually(t, func() bool { return tree.Subscribers() == 2 }, time.Second, 5*time.Millisecond,
		"old device's tree subscriptions are released")

	require.NoError(t, tracker.ReportHeartbeat(context.Background(), "dev-001", time.Now()))
	require.NoError(t, tracker.ReportHeartbeat(context.Background(), "dev-002", time.Now()))

	for {
		ev := nextEvent(t, m, KindStatus)
		assert.Equal(t, "dev-002", ev.DeviceID, "no events for the deselected device")
		if st := ev.Data.(model.DeviceStatus); st.Online {
			break
		}
	}

	m.Close()
	m.Close()
	assert.Eventually(t, func() bool { return tree.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-m.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Select("dev-003"), ErrClosed)
}
