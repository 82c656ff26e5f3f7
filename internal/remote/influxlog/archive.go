package influxlog

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"aquatrack/internal/model"
)

// Config holds the influx connection settings.
type Config struct {
	URL    string `yaml:"url" env:"INFLUX_URL"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET"`
}

// Archive appends raw consumption events to influx for audit and replay.
// Entries are written with the event's own timestamp, so a retried flush
// overwrites the same point rather than duplicating it.
type Archive struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewArchive validates config and builds the blocking write API.
func NewArchive(cfg Config) (*Archive, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influxlog: config incomplete")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Archive{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// AppendRawReading writes one event as a point in the raw_reading measurement.
func (a *Archive) AppendRawReading(ctx context.Context, deviceID, userID string, event model.ConsumptionEvent) error {
	tags := map[string]string{
		"device_id": deviceID,
		"user_id":   userID,
	}
	fields := map[string]interface{}{
		"volume_ml":          event.VolumeMl,
		"previous_volume_ml": event.PreviousVolumeMl,
		"consumption_ml":     event.ConsumptionMl,
	}

	point := influxdb2.NewPoint("raw_reading", tags, fields, event.Timestamp)
	if err := a.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influxlog: write point: %w", err)
	}
	return nil
}

// Close shuts the influx client down.
func (a *Archive) Close() {
	a.client.Close()
}
