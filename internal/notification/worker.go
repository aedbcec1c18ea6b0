package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Store is the subset of the durable store the workers need.
type Store interface {
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListPushSubscriptions(ctx context.Context, ownerID string) ([]model.PushSubscription, error)
	ExpirePushSubscription(ctx context.Context, endpoint string) error
}

// Message is the JSON body delivered to the browser's service worker.
type Message struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	DeviceID   string    `json:"deviceId"`
	LastActive time.Time `json:"lastActive"`
}

// WorkerPool manages a pool of workers sending offline alerts.
type WorkerPool struct {
	size    int
	jobs    chan liveness.Transition
	store   Store
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, store Store, webpushOptions *webpush.Options, log *zap.Logger, m *metrics.Metrics) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan liveness.Transition, size*16),
		store:   store,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log.Named("notification"),
		metrics: m,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("worker started", zap.Int("worker", id))
	for {
		select {
		case tr := <-wp.jobs:
			wp.notifyOffline(ctx, tr)
		case <-ctx.Done():
			wp.log.Debug("worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues an alert for a device that went offline. Online
// transitions are ignored. It never blocks the liveness sweep: when the
// queue is full the alert is dropped.
func (wp *WorkerPool) Dispatch(tr liveness.Transition) {
	if tr.Online {
		return
	}
	select {
	case wp.jobs <- tr:
	default:
		wp.metrics.PushNotification("dropped")
		wp.log.Warn("notification queue full, dropping alert", zap.String("device", tr.DeviceID))
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan liveness.Transition {
	return wp.jobs
}

func (wp *WorkerPool) notifyOffline(ctx context.Context, tr liveness.Transition) {
	device, err := wp.store.GetDevice(ctx, tr.DeviceID)
	if err != nil {
		wp.log.Error("error fetching device", zap.String("device", tr.DeviceID), zap.Error(err))
		return
	}
	if !device.Registered || device.OwnerID == "" {
		return
	}

	subscriptions, err := wp.store.ListPushSubscriptions(ctx, device.OwnerID)
	if err != nil {
		wp.log.Error("error fetching subscriptions", zap.String("owner", device.OwnerID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	body, err := json.Marshal(Message{
		Title:      "Device offline",
		Body:       device.DisplayName() + " has stopped reporting.",
		DeviceID:   device.ID,
		LastActive: tr.LastActive.UTC(),
	})
	if err != nil {
		wp.log.Error("error encoding notification", zap.Error(err))
		return
	}

	wp.log.Info("sending offline alerts", zap.String("device", device.ID), zap.Int("subscriptions", len(subscriptions)))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, body)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.metrics.PushNotification("error")
		wp.log.Warn("error sending notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.metrics.PushNotification("expired")
		wp.log.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.ExpirePushSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
		return
	}
	wp.metrics.PushNotification("sent")
}
