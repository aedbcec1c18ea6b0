package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/db/dbtest"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/store"
)

type ownerAuth string

func (o ownerAuth) Authorize(_ context.Context, id, callerID string) (model.Device, error) {
	if id != "dev-001" {
		return model.Device{}, apperr.ErrNotFound
	}
	if callerID != string(o) {
		return model.Device{}, apperr.ErrNotOwner
	}
	return model.Device{ID: id, OwnerID: callerID, Registered: true}, nil
}

// flakyTree fails the next n writes with ErrUnreachable.
type flakyTree struct {
	livetree.Tree
	failures atomic.Int32
	writes   atomic.Int32
}

func (f *flakyTree) Set(ctx context.Context, path string, value []byte) error {
	f.writes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return apperr.ErrUnreachable
	}
	return f.Tree.Set(ctx, path, value)
}

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []payload.Command
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, cmd payload.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.cmds {
		out = append(out, c.Type)
	}
	return out
}

type fixture struct {
	ctrl  *Controller
	tree  *flakyTree
	store store.Store
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		tree:  &flakyTree{Tree: livetree.NewMemory()},
		store: store.NewGormStore(dbtest.NewSQLite(t)),
		pub:   &recordingPublisher{},
	}
	policy := RetryPolicy{MaxAttempts: 3, MaxElapsed: time.Second, InitialInterval: time.Millisecond}
	f.ctrl = New(f.tree, f.store, ownerAuth("user-1"), policy, zap.NewNop(), WithPublisher(f.pub))
	return f
}

func TestNextMode(t *testing.T) {
	assert.Equal(t, model.ModeManual, NextMode(model.ModeAuto))
	assert.Equal(t, model.ModeScheduled, NextMode(model.ModeManual))
	assert.Equal(t, model.ModeAuto, NextMode(model.ModeScheduled))
	assert.Equal(t, model.ModeAuto, NextMode("bogus"))
}

func TestAdvanceMode_ThreeStepsReturnToAuto(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mode, err := f.ctrl.Mode(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeAuto, mode)

	want := []model.PumpMode{model.ModeManual, model.ModeScheduled, model.ModeAuto}
	for _, w := range want {
		tr, err := f.ctrl.AdvanceMode(ctx, "dev-001", "user-1")
		require.NoError(t, err)
		assert.Equal(t, w, tr.ToMode)
		assert.NotEmpty(t, tr.ID)
	}

	mode, err = f.ctrl.Mode(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeAuto, mode)

	latest, err := f.store.LatestModeTransition(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeScheduled, latest.FromMode)
	assert.Equal(t, []string{"pump_mode", "pump_mode", "pump_mode"}, f.pub.types())
}

func TestAdvanceMode_RequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.AdvanceMode(context.Background(), "dev-001", "user-2")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func TestSetMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, err := f.ctrl.SetMode(ctx, "dev-001", "user-1", "Scheduled")
	require.NoError(t, err)
	assert.Equal(t, model.ModeScheduled, tr.ToMode)

	tr, err = f.ctrl.SetMode(ctx, "dev-001", "user-1", model.ModeScheduled)
	require.NoError(t, err)
	assert.Empty(t, tr.ID, "same mode is a no-op")

	_, err = f.ctrl.SetMode(ctx, "dev-001", "user-1", "TURBO")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestMode_FallsBackToAuditLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AppendModeTransition(ctx, model.ModeTransition{
		ID: "t1", DeviceID: "dev-001", FromMode: model.ModeAuto, ToMode: model.ModeManual, ActorID: "user-1", OccurredAt: time.Now(),
	}))

	mode, err := f.ctrl.Mode(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeManual, mode)
}

func TestSetPumpStatus_OnlyInManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.ctrl.SetPumpStatus(ctx, "dev-001", "user-1", true)
	assert.ErrorIs(t, err, apperr.ErrModeConflict)

	_, err = f.ctrl.AdvanceMode(ctx, "dev-001", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SetPumpStatus(ctx, "dev-001", "user-1", true))

	on, err := f.ctrl.PumpStatus(ctx, "dev-001")
	require.NoError(t, err)
	assert.True(t, on)

	_, err = f.ctrl.AdvanceMode(ctx, "dev-001", "user-1")
	require.NoError(t, err)
	assert.ErrorIs(t, f.ctrl.SetPumpStatus(ctx, "dev-001", "user-1", false), apperr.ErrModeConflict)
}

func TestSchedule_AddRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", "06:00")
	require.NoError(t, err)
	_, err = f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", "18:00")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.RemoveScheduleEntry(ctx, "dev-001", "user-1", "06:00"))

	entries, err := f.ctrl.Schedule(ctx, "dev-001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "18:00", entries[0].Key)

	err = f.ctrl.RemoveScheduleEntry(ctx, "dev-001", "user-1", "06:00")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSchedule_InsertionOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, raw := range []string{"18:00", "6:00 AM", "12:30", "0600"} {
		_, err := f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", raw)
		require.NoError(t, err)
	}

	entries, err := f.ctrl.Schedule(ctx, "dev-001")
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"18:00", "06:00", "12:30"}, keys)

	_, err = f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", "sunrise")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestWrites_RetriedThenSurfaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.tree.failures.Store(2)
	_, err := f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", "06:00")
	require.NoError(t, err, "two transient failures are absorbed by three attempts")

	f.tree.failures.Store(100)
	f.tree.writes.Store(0)
	_, err = f.ctrl.AdvanceMode(ctx, "dev-001", "user-1")
	assert.ErrorIs(t, err, apperr.ErrUnreachable)
	assert.Equal(t, int32(3), f.tree.writes.Load())

	f.tree.failures.Store(0)
	mode, err := f.ctrl.Mode(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeAuto, mode, "failed transition leaves mode unchanged")
	_, err = f.store.LatestModeTransition(ctx, "dev-001")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no audit row for a failed transition")
}

func TestPushFailureDoesNotFailAcceptedCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	_, err := f.ctrl.AdvanceMode(ctx, "dev-001", "user-1")
	require.NoError(t, err)

	mode, err := f.ctrl.Mode(ctx, "dev-001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeManual, mode)
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ctrl.AddScheduleEntry(ctx, "dev-001", "user-1", "07:15")
	require.NoError(t, err)
	f.pub.cmds = nil

	require.NoError(t, f.ctrl.Resync(ctx, "dev-001"))
	assert.Equal(t, []string{"pump_mode", "pump_status", "schedule_add"}, f.pub.types())
}

func TestSubscribe_ControlsChanges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.ctrl.Subscribe(ctx, "dev-001")
	require.NoError(t, err)

	_, err = f.ctrl.AdvanceMode(context.Background(), "dev-001", "user-1")
	require.NoError(t, err)

	select {
	case ctrls := <-ch:
		assert.Equal(t, model.ModeManual, ctrls.Mode)
	case <-time.After(time.Second):
		t.Fatal("no controls update")
	}
}

func TestBreakerPublisher_OpensAfterFailures(t *testing.T) {
	next := &recordingPublisher{err: errors.New("broker down")}
	b := NewBreakerPublisher(next, 2, time.Minute, zap.NewNop())
	ctx := context.Background()
	cmd := payload.Command{Type: payload.CommandPumpMode, Mode: model.ModeAuto}

	assert.Error(t, b.Publish(ctx, "dev-001", cmd))
	assert.Error(t, b.Publish(ctx, "dev-001", cmd))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Publish(ctx, "dev-001", cmd)
	assert.ErrorIs(t, err, apperr.ErrUnreachable)
}
