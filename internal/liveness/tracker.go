// Package liveness derives online/offline state from device heartbeats.
// Silence is detected by a local periodic sweep, never by the device.
package liveness

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
)

// Transition is a change of a device's derived online state.
type Transition struct {
	DeviceID   string
	Online     bool
	LastActive time.Time
	At         time.Time
}

// Listener is notified of transitions. It must not block.
type Listener func(Transition)

// Tracker keeps the most recent heartbeat per device.
type Tracker struct {
	window  time.Duration
	tree    livetree.Tree
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	lastActive map[string]time.Time
	online     map[string]bool
	listeners  []Listener
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker with the given liveness window.
func NewTracker(window time.Duration, tree livetree.Tree, log *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		window:     window,
		tree:       tree,
		log:        log.Named("liveness"),
		now:        time.Now,
		lastActive: make(map[string]time.Time),
		online:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Window returns the configured liveness window.
func (t *Tracker) Window() time.Duration { return t.window }

// OnTransition registers a listener. Register listeners before Run.
func (t *Tracker) OnTransition(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// ReportHeartbeat records ts as the device's last activity. Older or equal
// timestamps leave the record untouched, and timestamps ahead of the local
// clock are clamped to it.
func (t *Tracker) ReportHeartbeat(ctx context.Context, deviceID string, ts time.Time) error {
	now := t.now()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	t.mu.Lock()
	if prev, ok := t.lastActive[deviceID]; ok && !ts.After(prev) {
		t.mu.Unlock()
		return nil
	}
	t.lastActive[deviceID] = ts
	online := now.Sub(ts) < t.window
	tr, changed := t.setOnlineLocked(deviceID, online, ts, now)
	listeners := t.listeners
	t.mu.Unlock()

	t.metrics.Heartbeat()
	if changed {
		t.emit(listeners, tr)
	}
	return t.writeStatus(ctx, deviceID, ts, online)
}

// IsOnline reports whether a heartbeat was recorded within the window before
// now. Devices never heard from are offline.
func (t *Tracker) IsOnline(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastActive[deviceID]
	return ok && now.Sub(last) < t.window
}

// LastActive returns the device's most recent heartbeat, if any.
func (t *Tracker) LastActive(deviceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastActive[deviceID]
	return last, ok
}

// Status returns the derived liveness view at now.
func (t *Tracker) Status(deviceID string, now time.Time) model.DeviceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := model.DeviceStatus{DeviceID: deviceID}
	if last, ok := t.lastActive[deviceID]; ok {
		l := last
		st.LastActive = &l
		st.Online = now.Sub(last) < t.window
	}
	return st
}

// Sweep re-evaluates every tracked device at now, rewrites the status node of
// those whose state changed, and notifies listeners.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) []Transition {
	t.mu.Lock()
	var transitions []Transition
	for id, last := range t.lastActive {
		if tr, changed := t.setOnlineLocked(id, now.Sub(last) < t.window, last, now); changed {
			transitions = append(transitions, tr)
		}
	}
	listeners := t.listeners
	t.mu.Unlock()

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].DeviceID < transitions[j].DeviceID })
	for _, tr := range transitions {
		if err := t.writeStatus(ctx, tr.DeviceID, tr.LastActive, tr.Online); err != nil {
			t.log.Warn("status write failed", zap.String("device", tr.DeviceID), zap.Error(err))
		}
		t.emit(listeners, tr)
	}
	return transitions
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Info("liveness sweeper shutting down")
			return
		case <-ticker.C:
			t.Sweep(ctx, t.now())
		}
	}
}

// Restore seeds last-activity times from status nodes already in the tree,
// so a restart against a persistent tree keeps liveness.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	nodes, err := t.tree.List(ctx, "sensor_data")
	if err != nil {
		return 0, err
	}
	restored := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range nodes {
		if livetree.Leaf(n.Path) != "status" {
			continue
		}
		var st payload.Status
		if _, err := payload.Decode(n.Value, payload.KindStatus, &st); err != nil {
			t.log.Warn("skipping undecodable status node", zap.String("path", n.Path), zap.Error(err))
			continue
		}
		id := livetree.Leaf(n.Path[:len(n.Path)-len("/status")])
		if prev, ok := t.lastActive[id]; ok && !st.LastActive.After(prev) {
			continue
		}
		t.lastActive[id] = st.LastActive
		t.online[id] = st.Online
		restored++
	}
	return restored, nil
}

// setOnlineLocked must be called with t.mu held.
func (t *Tracker) setOnlineLocked(id string, online bool, last, now time.Time) (Transition, bool) {
	prev, known := t.online[id]
	t.online[id] = online
	if known && prev == online {
		return Transition{}, false
	}
	if !known && !online {
		return Transition{}, false
	}
	return Transition{DeviceID: id, Online: online, LastActive: last, At: now}, true
}

func (t *Tracker) onlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, on := range t.online {
		if on {
			n++
		}
	}
	return n
}

func (t *Tracker) emit(listeners []Listener, tr Transition) {
	t.metrics.Liveness(tr.Online, t.onlineCount())
	t.log.Info("liveness changed", zap.String("device", tr.DeviceID), zap.Bool("online", tr.Online), zap.Time("lastActive", tr.LastActive))
	for _, l := range listeners {
		l(tr)
	}
}

func (t *Tracker) writeStatus(ctx context.Context, deviceID string, last time.Time, online bool) error {
	raw, err := payload.Encode(payload.KindStatus, t.now(), payload.Status{LastActive: last, Online: online})
	if err != nil {
		return err
	}
	if err := t.tree.Set(ctx, livetree.StatusPath(deviceID), raw); err != nil {
		if errors.Is(err, apperr.ErrUnreachable) {
			return err
		}
		return errors.Join(apperr.ErrUnreachable, err)
	}
	return nil
}

// SubscribeStatus streams the device's status node until ctx is done. The
// current status is sent first.
func (t *Tracker) SubscribeStatus(ctx context.Context, deviceID string) (<-chan model.DeviceStatus, error) {
	nodes, err := t.tree.Subscribe(ctx, livetree.StatusPath(deviceID))
	if err != nil {
		return nil, err
	}
	out := make(chan model.DeviceStatus, 1)
	out <- t.Status(deviceID, t.now())
	go func() {
		defer close(out)
		for n := range nodes {
			if n.Deleted {
				continue
			}
			var st payload.Status
			if _, err := payload.Decode(n.Value, payload.KindStatus, &st); err != nil {
				t.log.Warn("dropping malformed status node", zap.String("device", deviceID), zap.Error(err))
				continue
			}
			last := st.LastActive
			select {
			case out <- model.DeviceStatus{DeviceID: deviceID, LastActive: &last, Online: st.Online}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
