package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

const (
	fieldErrorRate = "error_rate"
	fieldP95       = "p95_ms"
	sampleWindow   = time.Minute
)

type InfluxOptions struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxHealthSource reads per-version error rate and p95 latency points
// tagged with schema_version.
type InfluxHealthSource struct {
	client      influxdb2.Client
	query       api.QueryAPI
	bucket      string
	measurement string
	now         func() time.Time
}

var _ ports.HealthSource = (*InfluxHealthSource)(nil)

func NewInfluxHealthSource(opts InfluxOptions) (*InfluxHealthSource, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("influx url is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("influx bucket is required")
	}
	measurement := strings.TrimSpace(opts.Measurement)
	if measurement == "" {
		measurement = "schema_health"
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxHealthSource{
		client:      client,
		query:       client.QueryAPI(opts.Org),
		bucket:      opts.Bucket,
		measurement: measurement,
		now:         time.Now,
	}, nil
}

func (s *InfluxHealthSource) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

// Sample averages the most recent minute of points.
func (s *InfluxHealthSource) Sample(ctx context.Context, targetVersion string) (ports.HealthReading, error) {
	now := s.now()
	return s.Window(ctx, targetVersion, now.Add(-sampleWindow), now)
}

func (s *InfluxHealthSource) Window(ctx context.Context, targetVersion string, from time.Time, to time.Time) (ports.HealthReading, error) {
	if ctx == nil {
		return ports.HealthReading{}, errors.New("context is required")
	}
	if !to.After(from) {
		return ports.HealthReading{}, fmt.Errorf("health window end %s is not after start %s", to, from)
	}

	result, err := s.query.Query(ctx, windowQuery(s.bucket, s.measurement, targetVersion, from, to))
	if err != nil {
		return ports.HealthReading{}, fmt.Errorf("%w: %v", pipeline.ErrHealthCheckUnavailable, errs.Wrap(err, "query influx"))
	}
	defer result.Close()

	reading := ports.HealthReading{At: to}
	seen := map[string]bool{}
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		switch record.Field() {
		case fieldErrorRate:
			reading.ErrorRate = value
			seen[fieldErrorRate] = true
		case fieldP95:
			reading.P95Ms = value
			seen[fieldP95] = true
		}
	}
	if err := result.Err(); err != nil {
		return ports.HealthReading{}, fmt.Errorf("%w: %v", pipeline.ErrHealthCheckUnavailable, err)
	}
	if !seen[fieldErrorRate] || !seen[fieldP95] {
		return ports.HealthReading{}, fmt.Errorf("%w: no points for version %s between %s and %s",
			pipeline.ErrHealthCheckUnavailable, targetVersion, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}
	return reading, nil
}

func windowQuery(bucket string, measurement string, version string, from time.Time, to time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r.schema_version == %q)
  |> filter(fn: (r) => r._field == %q or r._field == %q)
  |> group(columns: ["_field"])
  |> mean()`,
		bucket,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		measurement,
		version,
		fieldErrorRate,
		fieldP95,
	)
}
