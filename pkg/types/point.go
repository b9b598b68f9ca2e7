package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ErrInvalidPoint is wrapped by every error returned from Point.Validate.
var ErrInvalidPoint = errors.New("invalid point")

// Point is a single tagged, timestamped set of typed fields. A point is
// identified by its measurement, tag set and time; writing the same identity
// again replaces the earlier fields.
type Point struct {
	Measurement string
	Tags        map[string]string
	Time        time.Time
	Fields      map[string]any
}

// NewPoint returns an empty point with allocated maps.
func NewPoint(measurement string, ts time.Time) Point {
	return Point{
		Measurement: measurement,
		Tags:        map[string]string{},
		Time:        ts,
		Fields:      map[string]any{},
	}
}

// Tag sets a tag and returns the point for chaining.
func (p Point) Tag(key, value string) Point {
	p.Tags[key] = value
	return p
}

// Field sets a field and returns the point for chaining.
func (p Point) Field(key string, value any) Point {
	p.Fields[key] = value
	return p
}

// Validate makes sure the point can be written to any store.
func (p Point) Validate() error {
	if p.Measurement == "" {
		return fmt.Errorf("%w: empty measurement", ErrInvalidPoint)
	}
	if p.Time.IsZero() {
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidPoint, p.Measurement)
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("%w: %s has no fields", ErrInvalidPoint, p.Measurement)
	}
	for k, v := range p.Fields {
		if k == "" {
			return fmt.Errorf("%w: %s has an empty field name", ErrInvalidPoint, p.Measurement)
		}
		switch v.(type) {
		case float64, int64, bool, string:
		default:
			return fmt.Errorf("%w: %s field %s has unsupported type %T", ErrInvalidPoint, p.Measurement, k, v)
		}
	}
	for k := range p.Tags {
		if k == "" {
			return fmt.Errorf("%w: %s has an empty tag name", ErrInvalidPoint, p.Measurement)
		}
	}
	return nil
}

// SeriesKey returns the measurement followed by the tags sorted by key, in the
// form measurement,k1=v1,k2=v2.
func (p Point) SeriesKey() string {
	keys := lo.Keys(p.Tags)
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(p.Measurement)
	for _, k := range keys {
		sb.WriteByte(',')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p.Tags[k])
	}
	return sb.String()
}
