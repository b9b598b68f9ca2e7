package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/homegauge/homegauge/pkg/metrics"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/types"
)

// Writer persists points. Writing a point whose measurement, tag set and
// time match an earlier point replaces it rather than adding a duplicate.
type Writer interface {
	Write(ctx context.Context, points ...types.Point) error
	Close() error
}

// LatestReader is implemented by stores that can report the newest point
// they hold for a measurement.
type LatestReader interface {
	LatestTime(ctx context.Context, measurement string) (time.Time, bool, error)
}

// validate returns the error of the first invalid point.
func validate(points []types.Point) error {
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func countWritten(backend string, points []types.Point) {
	for _, p := range points {
		metrics.PointsWrittenTotal.WithLabelValues(backend, p.Measurement).Inc()
	}
}

// Multi writes every point to all of its writers.
type Multi []Writer

// Write implements Writer. All writers are attempted even if one fails.
func (m Multi) Write(ctx context.Context, points ...types.Point) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, points...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LatestTime asks the first writer that can answer.
func (m Multi) LatestTime(ctx context.Context, measurement string) (time.Time, bool, error) {
	for _, w := range m {
		if lr, ok := w.(LatestReader); ok {
			return lr.LatestTime(ctx, measurement)
		}
	}
	return time.Time{}, false, nil
}

// Retrying wraps w so every Write is retried under p. Invalid points are
// never retried.
func Retrying(w Writer, p retry.Policy) Writer {
	return &retrying{Writer: w, policy: p}
}

type retrying struct {
	Writer
	policy retry.Policy
}

func (r *retrying) Write(ctx context.Context, points ...types.Point) error {
	if len(points) == 0 {
		return nil
	}
	return r.policy.Run(ctx, "write "+points[0].Measurement, func(ctx context.Context) error {
		err := r.Writer.Write(ctx, points...)
		if errors.Is(err, types.ErrInvalidPoint) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *retrying) LatestTime(ctx context.Context, measurement string) (time.Time, bool, error) {
	if lr, ok := r.Writer.(LatestReader); ok {
		return lr.LatestTime(ctx, measurement)
	}
	return time.Time{}, false, nil
}

// FromRecord converts a priced usage interval into a point. The meter and
// tariff become tags; rate and cost are only set when the record was priced.
func FromRecord(measurement string, tags map[string]string, rec types.ResolvedRecord) types.Point {
	p := types.NewPoint(measurement, rec.Timestamp)
	for k, v := range tags {
		p.Tags[k] = v
	}
	p = p.
		Tag("mpan", rec.Meter.PointID).
		Tag("meter", rec.Meter.Serial).
		Tag("is_export", strconv.FormatBool(rec.Meter.IsExport)).
		Tag("is_gas", strconv.FormatBool(rec.Meter.IsGas)).
		Tag("tariff", rec.TariffCode).
		Field("energy", rec.Energy).
		Field("power", rec.Power)
	if rec.RatePerUnit != nil {
		p = p.Field("rate", *rec.RatePerUnit)
	}
	if rec.Cost != nil {
		p = p.Field("cost", *rec.Cost)
	}
	return p
}

// Discard drops every point. It is used when no storage provider is
// configured, for dry runs.
type Discard struct{}

func (Discard) Write(ctx context.Context, points ...types.Point) error {
	if err := validate(points); err != nil {
		return err
	}
	countWritten("discard", points)
	return nil
}

func (Discard) Close() error { return nil }

func unknownProvider(name string) error {
	return fmt.Errorf("unknown storage provider: %s", name)
}
