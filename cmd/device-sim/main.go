package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/devicesim"
	"irrigation-registry-backend/internal/parse"
	"irrigation-registry-backend/internal/payload"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "irrigation", "Topic prefix shared with irrigationd")
	deviceID := flag.String("device-id", "dev-001", "Device identifier")
	heartbeatEvery := flag.Duration("heartbeat", 5*time.Second, "Interval between heartbeats")
	readingEvery := flag.Duration("readings", 10*time.Second, "Interval between readings")
	moisture := flag.Float64("moisture", 45, "Initial soil moisture in percent")
	waterFor := flag.Duration("water-for", time.Minute, "Length of a scheduled watering")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()
	log = log.With(zap.String("device", *deviceID))

	device := devicesim.New(*moisture, *waterFor, time.Now().UnixNano())
	started := time.Now()

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID).
		SetOrderMatters(false).SetAutoReconnect(true)

	publish := func(client mqtt.Client, kind string, env payload.Kind, data any) {
		raw, err := payload.Encode(env, time.Now(), data)
		if err != nil {
			log.Error("failed to encode payload", zap.Error(err))
			return
		}
		token := client.Publish(parse.DeviceTopic(*prefix, *deviceID, kind), 1, false, raw)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn("publish error", zap.String("kind", kind), zap.Error(err))
		}
	}

	opts.OnConnect = func(c mqtt.Client) {
		topic := parse.DeviceTopic(*prefix, *deviceID, parse.KindCommands)
		token := c.Subscribe(topic, 1, func(client mqtt.Client, m mqtt.Message) {
			var cmd payload.Command
			if _, err := payload.Decode(m.Payload(), payload.KindCommand, &cmd); err != nil {
				log.Warn("ignoring malformed command", zap.Error(err))
				return
			}
			ack := device.Apply(cmd)
			log.Info("applied command", zap.String("type", cmd.Type), zap.Bool("pump", ack.PumpStatus), zap.String("error", ack.Error))
			publish(client, parse.KindAck, payload.KindAck, ack)
		})
		if token.Wait() && token.Error() != nil {
			log.Error("failed to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal("failed to connect to broker", zap.Error(token.Error()))
	}
	log.Info("connected to MQTT broker", zap.String("broker", *brokerAddr), zap.String("client_id", clientID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heartbeat := time.NewTicker(*heartbeatEvery)
	defer heartbeat.Stop()
	readings := time.NewTicker(*readingEvery)
	defer readings.Stop()

	sendReading := func() {
		r := device.Step(time.Now())
		publish(client, parse.KindReadings, payload.KindReading, payload.Reading{Reading: r})
		log.Debug("published reading", zap.Int("moisture", r.SoilMoisture), zap.Bool("pump", r.PumpStatus))
	}
	sendHeartbeat := func() {
		publish(client, parse.KindHeartbeat, payload.KindHeartbeat, payload.Heartbeat{UptimeSeconds: int64(time.Since(started).Seconds())})
	}

	sendHeartbeat()
	sendReading()
	for {
		select {
		case <-ctx.Done():
			log.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-heartbeat.C:
			sendHeartbeat()
		case <-readings.C:
			sendReading()
		}
	}
}
