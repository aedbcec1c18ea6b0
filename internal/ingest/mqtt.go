package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/parse"
	"irrigation-registry-backend/internal/payload"
)

const handleTimeout = 5 * time.Second

// Handler processes one inbound device message.
type Handler interface {
	HandleMessage(ctx context.Context, topic string, raw []byte) error
}

// MQTTClient subscribes to device topics and publishes device commands.
type MQTTClient struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	log    *zap.Logger
	now    func() time.Time
	ctx    context.Context

	mu      sync.Mutex
	handler Handler
}

// ConnectMQTT connects to the broker, retrying with exponential backoff.
// Nothing is consumed until Subscribe is called.
func ConnectMQTT(ctx context.Context, cfg config.MQTTConfig, log *zap.Logger) (*MQTTClient, error) {
	m := &MQTTClient{cfg: cfg, log: log.Named("mqtt"), now: time.Now, ctx: ctx}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.log.Error("connection lost", zap.Error(err))
	}
	// Topics are resubscribed on every reconnect so a broker restart does
	// not silently stop ingest.
	opts.OnConnect = func(c mqtt.Client) {
		m.subscribe(c)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		m.client = mqtt.NewClient(opts)
		if token := m.client.Connect(); token.Wait() && token.Error() != nil {
			m.log.Warn("failed to connect to broker", zap.String("broker", cfg.Broker), zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	m.log.Info("connected to broker", zap.String("broker", cfg.Broker))
	return m, nil
}

// Subscribe starts delivering device messages to handler.
func (m *MQTTClient) Subscribe(handler Handler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	m.subscribe(m.client)
}

func (m *MQTTClient) subscribe(c mqtt.Client) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}
	for _, kind := range []string{parse.KindHeartbeat, parse.KindReadings, parse.KindAck} {
		topic := parse.SubscriptionFilter(m.cfg.TopicPrefix, kind)
		token := c.Subscribe(topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			hctx, cancel := context.WithTimeout(m.ctx, handleTimeout)
			defer cancel()
			if err := handler.HandleMessage(hctx, msg.Topic(), msg.Payload()); err != nil {
				m.log.Debug("message dropped", zap.String("topic", msg.Topic()), zap.Error(err))
			}
		})
		if token.Wait() && token.Error() != nil {
			m.log.Error("failed to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		m.log.Info("subscribed", zap.String("topic", topic))
	}
}

// Publish sends cmd to the device's command topic. Broker failures surface
// as ErrUnreachable.
func (m *MQTTClient) Publish(ctx context.Context, deviceID string, cmd payload.Command) error {
	raw, err := payload.Encode(payload.KindCommand, m.now(), cmd)
	if err != nil {
		return err
	}
	topic := parse.DeviceTopic(m.cfg.TopicPrefix, deviceID, parse.KindCommands)
	token := m.client.Publish(topic, m.cfg.QoS, false, raw)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, apperr.ErrUnreachable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w: %v", topic, apperr.ErrUnreachable, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (m *MQTTClient) IsConnected() bool {
	return m.client != nil && m.client.IsConnected()
}

// Close disconnects from the broker.
func (m *MQTTClient) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(500)
	}
}
