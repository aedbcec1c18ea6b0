// Package session scopes live subscriptions to one viewer. Selecting a device
// tears down every subscription of the previously selected one before new
// ones are opened, and Close releases everything.
package session

import (
	"context"
	"errors"
	"sync"

	"irrigation-registry-backend/internal/model"
)

// Event kinds delivered to the viewer.
const (
	KindStatus   = "status"
	KindReading  = "reading"
	KindControls = "controls"
)

// Event is one update for the selected device.
type Event struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"deviceId"`
	Data     any    `json:"data"`
}

type StatusSource interface {
	SubscribeStatus(ctx context.Context, deviceID string) (<-chan model.DeviceStatus, error)
}

type ReadingSource interface {
	Subscribe(ctx context.Context, deviceID string) (<-chan model.Reading, error)
}

type ControlSource interface {
	Subscribe(ctx context.Context, deviceID string) (<-chan model.Controls, error)
}

// ErrClosed is returned by Select after Close.
var ErrClosed = errors.New("session closed")

// Manager owns the subscriptions of one viewer session.
type Manager struct {
	parent   context.Context
	status   StatusSource
	readings ReadingSource
	controls ControlSource
	events   chan Event

	mu       sync.Mutex
	deviceID string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// New creates a manager whose subscriptions never outlive ctx.
func New(ctx context.Context, status StatusSource, readings ReadingSource, controls ControlSource) *Manager {
	return &Manager{
		parent:   ctx,
		status:   status,
		readings: readings,
		controls: controls,
		events:   make(chan Event, 16),
	}
}

// Events is the session's single update stream, closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Current returns the selected device id, or "".
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// Select switches the session to deviceID. When it returns, no event of the
// previous device will be delivered any more.
func (m *Manager) Select(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.releaseLocked()

	ctx, cancel := context.WithCancel(m.parent)
	statusCh, err := m.status.SubscribeStatus(ctx, deviceID)
	if err != nil {
		cancel()
		return err
	}
	readingCh, err := m.readings.Subscribe(ctx, deviceID)
	if err != nil {
		cancel()
		return err
	}
	controlCh, err := m.controls.Subscribe(ctx, deviceID)
	if err != nil {
		cancel()
		return err
	}

	m.deviceID = deviceID
	m.cancel = cancel
	forward(ctx, &m.wg, m.events, deviceID, KindStatus, statusCh)
	forward(ctx, &m.wg, m.events, deviceID, KindReading, readingCh)
	forward(ctx, &m.wg, m.events, deviceID, KindControls, controlCh)
	return nil
}

// Close releases every subscription and closes Events. It is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.releaseLocked()
	close(m.events)
}

// releaseLocked must be called with m.mu held.
func (m *Manager) releaseLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.deviceID = ""
	for {
		select {
		case <-m.events:
		default:
			return
		}
	}
}

func forward[T any](ctx context.Context, wg *sync.WaitGroup, out chan<- Event, deviceID, kind string, in <-chan T) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok || ctx.Err() != nil {
					return
				}
				select {
				case out <- Event{Kind: kind, DeviceID: deviceID, Data: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}
