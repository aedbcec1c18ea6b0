package telemetry

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/model"
)

const measurement = "soil_reading"

// InfluxSink exports sampled readings to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink returns nil, nil when no URL is configured.
func NewInfluxSink(cfg config.InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{client: client, writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (s *InfluxSink) Write(ctx context.Context, deviceID string, r model.Reading) error {
	return s.writeAPI.WritePoint(ctx, ReadingToPoint(deviceID, r))
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

// ReadingToPoint converts a reading into a single InfluxDB point tagged by device.
func ReadingToPoint(deviceID string, r model.Reading) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
	}
	fields := map[string]interface{}{
		"temperature":   r.Temperature,
		"humidity":      r.Humidity,
		"soil_moisture": r.SoilMoisture,
		"pump_status":   r.PumpStatus,
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.RecordedAt)
}
