package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/payload"
)

// Publisher delivers a command to a device.
type Publisher interface {
	Publish(ctx context.Context, deviceID string, cmd payload.Command) error
}

// BreakerPublisher stops hammering an unavailable broker: after the
// configured number of consecutive failures commands fail fast with
// ErrUnreachable until the open period expires.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next in a circuit breaker.
func NewBreakerPublisher(next Publisher, failures int, open time.Duration, log *zap.Logger) *BreakerPublisher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "device-commands",
		Timeout: open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &BreakerPublisher{next: next, cb: cb}
}

func (b *BreakerPublisher) Publish(ctx context.Context, deviceID string, cmd payload.Command) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, deviceID, cmd)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
	}
	return err
}

// State exposes the breaker state for readiness checks.
func (b *BreakerPublisher) State() gobreaker.State {
	return b.cb.State()
}
