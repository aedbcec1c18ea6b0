// Package control implements the pump mode state machine, the manual pump
// switch and the watering schedule. Every accepted change is written to the
// live tree for the device to pick up and pushed to it as a command.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/parse"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/store"
)

// Authorizer checks that a caller owns a device.
type Authorizer interface {
	Authorize(ctx context.Context, id, callerID string) (model.Device, error)
}

// Controller is the command and mode controller.
type Controller struct {
	tree      livetree.Tree
	store     store.Store
	auth      Authorizer
	publisher Publisher
	retry     RetryPolicy
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	locks sync.Map // device id -> *sync.Mutex
}

// Option customizes a Controller.
type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPublisher pushes every accepted change to the device.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// New creates a Controller.
func New(tree livetree.Tree, s store.Store, auth Authorizer, retry RetryPolicy, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		tree:  tree,
		store: s,
		auth:  auth,
		retry: retry,
		log:   log.Named("control"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) lock(deviceID string) func() {
	m, _ := c.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Mode returns the device's pump mode. The live node wins; without one the
// last audited transition is used, and a device never switched is AUTO.
func (c *Controller) Mode(ctx context.Context, deviceID string) (model.PumpMode, error) {
	raw, err := c.tree.Get(ctx, livetree.PumpModePath(deviceID))
	if err == nil {
		var pm payload.PumpMode
		if _, err := payload.Decode(raw, payload.KindPumpMode, &pm); err != nil {
			return "", err
		}
		return pm.Mode, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}

	t, err := c.store.LatestModeTransition(ctx, deviceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return model.ModeAuto, nil
	}
	if err != nil {
		return "", err
	}
	return t.ToMode, nil
}

// AdvanceMode moves the device to the next mode in the cycle.
func (c *Controller) AdvanceMode(ctx context.Context, deviceID, callerID string) (model.ModeTransition, error) {
	if _, err := c.auth.Authorize(ctx, deviceID, callerID); err != nil {
		return model.ModeTransition{}, err
	}
	unlock := c.lock(deviceID)
	defer unlock()

	cur, err := c.Mode(ctx, deviceID)
	if err != nil {
		return model.ModeTransition{}, err
	}
	return c.transition(ctx, deviceID, callerID, cur, NextMode(cur))
}

// SetMode switches the device to mode. Setting the current mode is a no-op
// and returns a transition with an empty ID.
func (c *Controller) SetMode(ctx context.Context, deviceID, callerID string, mode model.PumpMode) (model.ModeTransition, error) {
	mode, err := model.ParsePumpMode(string(mode))
	if err != nil {
		return model.ModeTransition{}, err
	}
	if _, err := c.auth.Authorize(ctx, deviceID, callerID); err != nil {
		return model.ModeTransition{}, err
	}
	unlock := c.lock(deviceID)
	defer unlock()

	cur, err := c.Mode(ctx, deviceID)
	if err != nil {
		return model.ModeTransition{}, err
	}
	if cur == mode {
		return model.ModeTransition{DeviceID: deviceID, FromMode: cur, ToMode: cur}, nil
	}
	return c.transition(ctx, deviceID, callerID, cur, mode)
}

// transition writes the live node, then the audit row. If the audit row
// cannot be written the live node is restored so the two never disagree.
func (c *Controller) transition(ctx context.Context, deviceID, callerID string, from, to model.PumpMode) (model.ModeTransition, error) {
	now := c.now()
	if err := c.writeNode(ctx, "pump_mode", livetree.PumpModePath(deviceID), payload.KindPumpMode, payload.PumpMode{Mode: to}); err != nil {
		return model.ModeTransition{}, err
	}

	t := model.ModeTransition{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		FromMode:   from,
		ToMode:     to,
		ActorID:    callerID,
		OccurredAt: now,
	}
	if err := c.store.AppendModeTransition(ctx, t); err != nil {
		if rerr := c.writeNode(ctx, "pump_mode", livetree.PumpModePath(deviceID), payload.KindPumpMode, payload.PumpMode{Mode: from}); rerr != nil {
			c.log.Error("could not restore pump mode after audit failure", zap.String("device", deviceID), zap.Error(rerr))
		}
		return model.ModeTransition{}, err
	}

	c.metrics.ModeTransition(string(to))
	c.log.Info("pump mode changed", zap.String("device", deviceID), zap.String("from", string(from)), zap.String("to", string(to)), zap.String("actor", callerID))
	c.push(ctx, deviceID, payload.Command{Type: payload.CommandPumpMode, Mode: to})
	return t, nil
}

// PumpStatus returns the manual pump switch; unset means off.
func (c *Controller) PumpStatus(ctx context.Context, deviceID string) (bool, error) {
	raw, err := c.tree.Get(ctx, livetree.PumpStatusPath(deviceID))
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var ps payload.PumpStatus
	if _, err := payload.Decode(raw, payload.KindPumpStatus, &ps); err != nil {
		return false, err
	}
	return ps.On, nil
}

// SetPumpStatus switches the pump. It is only accepted in MANUAL mode;
// otherwise ErrModeConflict, since the device would override the write.
func (c *Controller) SetPumpStatus(ctx context.Context, deviceID, callerID string, on bool) error {
	if _, err := c.auth.Authorize(ctx, deviceID, callerID); err != nil {
		return err
	}
	unlock := c.lock(deviceID)
	defer unlock()

	mode, err := c.Mode(ctx, deviceID)
	if err != nil {
		return err
	}
	if mode != model.ModeManual {
		return fmt.Errorf("%w: pump can only be switched in MANUAL, device is %s", apperr.ErrModeConflict, mode)
	}

	if err := c.writeNode(ctx, "pump_status", livetree.PumpStatusPath(deviceID), payload.KindPumpStatus, payload.PumpStatus{On: on}); err != nil {
		return err
	}
	c.log.Info("manual pump switched", zap.String("device", deviceID), zap.Bool("on", on), zap.String("actor", callerID))
	c.push(ctx, deviceID, payload.Command{Type: payload.CommandPumpStatus, On: &on})
	return nil
}

// Schedule lists the device's schedule in insertion order.
func (c *Controller) Schedule(ctx context.Context, deviceID string) ([]model.ScheduleEntry, error) {
	nodes, err := c.tree.List(ctx, livetree.SchedulesPrefix(deviceID))
	if err != nil {
		return nil, err
	}
	entries := make([]model.ScheduleEntry, 0, len(nodes))
	for _, n := range nodes {
		var s payload.Schedule
		if _, err := payload.Decode(n.Value, payload.KindSchedule, &s); err != nil {
			c.log.Warn("skipping malformed schedule node", zap.String("path", n.Path), zap.Error(err))
			continue
		}
		entries = append(entries, s.ScheduleEntry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// AddScheduleEntry adds a time of day to the schedule. Adding a time that is
// already scheduled returns the existing entry.
func (c *Controller) AddScheduleEntry(ctx context.Context, deviceID, callerID, rawTime string) (model.ScheduleEntry, error) {
	key, err := parse.TimeOfDay(rawTime)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if _, err := c.auth.Authorize(ctx, deviceID, callerID); err != nil {
		return model.ScheduleEntry{}, err
	}
	unlock := c.lock(deviceID)
	defer unlock()

	entries, err := c.Schedule(ctx, deviceID)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	var seq int64
	for _, e := range entries {
		if e.Key == key {
			return e, nil
		}
		if e.Seq > seq {
			seq = e.Seq
		}
	}

	entry := model.ScheduleEntry{Key: key, Time: key, Seq: seq + 1, CreatedAt: c.now().UTC()}
	if err := c.writeNode(ctx, "schedule_add", livetree.SchedulePath(deviceID, key), payload.KindSchedule, payload.Schedule{ScheduleEntry: entry}); err != nil {
		return model.ScheduleEntry{}, err
	}
	c.log.Info("schedule entry added", zap.String("device", deviceID), zap.String("time", key), zap.String("actor", callerID))
	c.push(ctx, deviceID, payload.Command{Type: payload.CommandScheduleAdd, Time: key})
	return entry, nil
}

// RemoveScheduleEntry removes the entry with the given key, which may be
// written in any form AddScheduleEntry accepts.
func (c *Controller) RemoveScheduleEntry(ctx context.Context, deviceID, callerID, rawKey string) error {
	key, err := parse.TimeOfDay(rawKey)
	if err != nil {
		return err
	}
	if _, err := c.auth.Authorize(ctx, deviceID, callerID); err != nil {
		return err
	}
	unlock := c.lock(deviceID)
	defer unlock()

	path := livetree.SchedulePath(deviceID, key)
	if _, err := c.tree.Get(ctx, path); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: schedule entry %s", apperr.ErrNotFound, key)
		}
		return err
	}

	err = c.retry.retry(ctx, "schedule_remove", func() error { return c.tree.Delete(ctx, path) })
	c.metrics.Command("schedule_remove", err)
	if err != nil {
		return err
	}
	c.log.Info("schedule entry removed", zap.String("device", deviceID), zap.String("time", key), zap.String("actor", callerID))
	c.push(ctx, deviceID, payload.Command{Type: payload.CommandScheduleRemove, Time: key})
	return nil
}

// Controls returns mode, manual pump status and schedule together.
func (c *Controller) Controls(ctx context.Context, deviceID string) (model.Controls, error) {
	mode, err := c.Mode(ctx, deviceID)
	if err != nil {
		return model.Controls{}, err
	}
	on, err := c.PumpStatus(ctx, deviceID)
	if err != nil {
		return model.Controls{}, err
	}
	sched, err := c.Schedule(ctx, deviceID)
	if err != nil {
		return model.Controls{}, err
	}
	return model.Controls{Mode: mode, PumpStatus: on, Schedule: sched}, nil
}

// Subscribe streams the device's controls after every change to its mode,
// pump switch or schedule, until ctx is done.
func (c *Controller) Subscribe(ctx context.Context, deviceID string) (<-chan model.Controls, error) {
	nodes, err := c.tree.Subscribe(ctx, livetree.SensorPrefix(deviceID))
	if err != nil {
		return nil, err
	}
	out := make(chan model.Controls)
	go func() {
		defer close(out)
		for n := range nodes {
			if !isControlPath(deviceID, n.Path) {
				continue
			}
			ctrls, err := c.Controls(ctx, deviceID)
			if err != nil {
				c.log.Warn("controls refresh failed", zap.String("device", deviceID), zap.Error(err))
				continue
			}
			select {
			case out <- ctrls:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Resync pushes the full control state to a device, used when it comes back
// online after missing commands.
func (c *Controller) Resync(ctx context.Context, deviceID string) error {
	if c.publisher == nil {
		return nil
	}
	ctrls, err := c.Controls(ctx, deviceID)
	if err != nil {
		return err
	}
	on := ctrls.PumpStatus
	cmds := []payload.Command{
		{Type: payload.CommandPumpMode, Mode: ctrls.Mode},
		{Type: payload.CommandPumpStatus, On: &on},
	}
	for _, e := range ctrls.Schedule {
		cmds = append(cmds, payload.Command{Type: payload.CommandScheduleAdd, Time: e.Key})
	}
	for _, cmd := range cmds {
		cmd.ID = uuid.NewString()
		if err := c.publisher.Publish(ctx, deviceID, cmd); err != nil {
			return err
		}
	}
	return nil
}

func isControlPath(deviceID, path string) bool {
	return path == livetree.PumpModePath(deviceID) ||
		path == livetree.PumpStatusPath(deviceID) ||
		livetree.Under(path, livetree.SchedulesPrefix(deviceID))
}

// writeNode encodes v and writes it with retries.
func (c *Controller) writeNode(ctx context.Context, what, path string, kind payload.Kind, v any) error {
	raw, err := payload.Encode(kind, c.now(), v)
	if err != nil {
		return err
	}
	err = c.retry.retry(ctx, what, func() error { return c.tree.Set(ctx, path, raw) })
	c.metrics.Command(what, err)
	return err
}

// push delivers cmd to the device. The live tree already holds the accepted
// state, so a failed push is logged and repaired by Resync when the device
// reconnects.
func (c *Controller) push(ctx context.Context, deviceID string, cmd payload.Command) {
	if c.publisher == nil {
		return
	}
	cmd.ID = uuid.NewString()
	err := c.retry.retry(ctx, "publish "+cmd.Type, func() error { return c.publisher.Publish(ctx, deviceID, cmd) })
	if err != nil {
		c.log.Warn("command push failed", zap.String("device", deviceID), zap.String("type", cmd.Type), zap.Error(err))
	}
}
