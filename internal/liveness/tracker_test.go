package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/payload"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTracker(window time.Duration) (*Tracker, *livetree.Memory, *clock) {
	c := &clock{now: t0}
	tree := livetree.NewMemory()
	return NewTracker(window, tree, zap.NewNop(), WithClock(c.Now)), tree, c
}

func TestIsOnline_WindowScenario(t *testing.T) {
	tr, _, _ := newTracker(20 * time.Second)
	require.NoError(t, tr.ReportHeartbeat(context.Background(), "dev-001", t0))

	assert.True(t, tr.IsOnline("dev-001", t0.Add(15*time.Second)))
	assert.False(t, tr.IsOnline("dev-001", t0.Add(25*time.Second)))
	assert.False(t, tr.IsOnline("dev-001", t0.Add(20*time.Second)), "window is exclusive")
}

func TestIsOnline_NeverSeenIsOffline(t *testing.T) {
	tr, _, _ := newTracker(20 * time.Second)
	assert.False(t, tr.IsOnline("dev-404", t0))
	_, ok := tr.LastActive("dev-404")
	assert.False(t, ok)
	assert.Nil(t, tr.Status("dev-404", t0).LastActive)
}

func TestReportHeartbeat_NeverRegresses(t *testing.T) {
	tr, _, c := newTracker(20 * time.Second)
	ctx := context.Background()
	c.Advance(time.Minute)

	require.NoError(t, tr.ReportHeartbeat(ctx, "dev-001", t0.Add(30*time.Second)))
	require.NoError(t, tr.ReportHeartbeat(ctx, "dev-001", t0.Add(10*time.Second)))

	last, ok := tr.LastActive("dev-001")
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second), last)
}

func TestReportHeartbeat_FutureClampedToNow(t *testing.T) {
	tr, _, _ := newTracker(20 * time.Second)
	require.NoError(t, tr.ReportHeartbeat(context.Background(), "dev-001", t0.Add(time.Hour)))

	last, _ := tr.LastActive("dev-001")
	assert.Equal(t, t0, last)
}

func TestSweep_DetectsSilence(t *testing.T) {
	tr, tree, c := newTracker(20 * time.Second)
	ctx := context.Background()

	var got []Transition
	tr.OnTransition(func(x Transition) { got = append(got, x) })

	require.NoError(t, tr.ReportHeartbeat(ctx, "dev-001", t0))
	require.Len(t, got, 1)
	assert.True(t, got[0].Online)

	assert.Empty(t, tr.Sweep(ctx, t0.Add(10*time.Second)))

	c.Advance(25 * time.Second)
	transitions := tr.Sweep(ctx, c.Now())
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0].Online)
	require.Len(t, got, 2)
	assert.False(t, got[1].Online)

	raw, err := tree.Get(ctx, livetree.StatusPath("dev-001"))
	require.NoError(t, err)
	var st payload.Status
	_, err = payload.Decode(raw, payload.KindStatus, &st)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.True(t, st.LastActive.Equal(t0))

	assert.Empty(t, tr.Sweep(ctx, c.Now().Add(time.Minute)), "offline is reported once")

	require.NoError(t, tr.ReportHeartbeat(ctx, "dev-001", c.Now()))
	require.Len(t, got, 3)
	assert.True(t, got[2].Online)
}

func TestRestore_FromStatusNodes(t *testing.T) {
	tr, tree, _ := newTracker(20 * time.Second)
	ctx := context.Background()
	require.NoError(t, tr.ReportHeartbeat(ctx, "dev-001", t0))

	fresh := NewTracker(20*time.Second, tree, zap.NewNop())
	n, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, fresh.IsOnline("dev-001", t0.Add(5*time.Second)))
}

func TestRun_StopsOnCancel(t *testing.T) {
	tr, _, _ := newTracker(20 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
