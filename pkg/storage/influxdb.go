package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/levenlabs/go-lflag"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/types"
)

// InfluxDB writes points to an InfluxDB 2.x bucket. InfluxDB identifies a
// point by measurement, tag set and timestamp, so rewrites overwrite.
type InfluxDB struct {
	url     string
	token   string
	org     string
	bucket  string
	timeout time.Duration

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// configuredInfluxDB registers the InfluxDB flags.
func configuredInfluxDB() *InfluxDB {
	url := lflag.String("influxdb-url", "http://localhost:8086", "InfluxDB server URL")
	token := lflag.String("influxdb-token", "", "InfluxDB API token (or INFLUXDB_TOKEN)")
	org := lflag.String("influxdb-org", "", "InfluxDB organization")
	bucket := lflag.String("influxdb-bucket", "", "InfluxDB bucket (defaults to the collector name)")
	timeout := lflag.Duration("influxdb-timeout", 30*time.Second, "Timeout for a single InfluxDB write")

	i := &InfluxDB{}

	lflag.Do(func() {
		i.url = *url
		i.token = *token
		i.org = *org
		i.bucket = *bucket
		i.timeout = *timeout
	})

	return i
}

// Validate checks if the provider is properly configured.
func (i *InfluxDB) Validate() error {
	if i.url == "" {
		return fmt.Errorf("influxdb-url is required")
	}
	if i.org == "" {
		return fmt.Errorf("influxdb-org is required")
	}
	return nil
}

// Init creates the client. The bucket falls back to the collector name.
func (i *InfluxDB) Init(ctx context.Context, collector string) error {
	if i.bucket == "" {
		i.bucket = collector
	}
	if i.timeout <= 0 {
		i.timeout = 30 * time.Second
	}
	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Second).
		SetHTTPClient(common.HTTPClient(i.timeout))
	i.client = influxdb2.NewClientWithOptions(i.url, i.token, opts)
	i.writeAPI = i.client.WriteAPIBlocking(i.org, i.bucket)

	log.Ctx(ctx).InfoContext(
		ctx,
		"influxdb writer ready",
		slog.String("url", i.url),
		slog.String("org", i.org),
		slog.String("bucket", i.bucket),
	)
	return nil
}

// Write implements Writer.
func (i *InfluxDB) Write(ctx context.Context, points ...types.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := validate(points); err != nil {
		return err
	}

	wps := make([]*write.Point, 0, len(points))
	for _, p := range points {
		wps = append(wps, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time))
	}
	if err := i.writeAPI.WritePoint(ctx, wps...); err != nil {
		return fmt.Errorf("failed to write %d points to influxdb: %w", len(points), err)
	}
	countWritten("influxdb", points)
	return nil
}

// Close closes the client.
func (i *InfluxDB) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}
