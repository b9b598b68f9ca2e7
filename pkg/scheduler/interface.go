package scheduler

import (
	"context"

	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

// Collector defines the interface every vendor collector implements.
type Collector interface {
	// Name identifies the collector in logs, metrics and storage defaults.
	Name() string

	// Login establishes a session with the vendor. Collectors without a
	// session can return nil.
	Login(ctx context.Context) error

	// Snapshot fetches the current state and writes it.
	Snapshot(ctx context.Context, w storage.Writer) error
}

// DayCollector is implemented by collectors that can fetch a whole day of
// history. It is used for backfill and to finalize a day once it has ended.
type DayCollector interface {
	Day(ctx context.Context, day types.Day, w storage.Writer) error
}

// MonthCollector is implemented by collectors with monthly summaries. day is
// any day in the month.
type MonthCollector interface {
	Month(ctx context.Context, day types.Day, w storage.Writer) error
}

// Refresher is implemented by collectors that reload account topology (such
// as meters and agreements) when the day rolls over.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Resumer is implemented by collectors that can report the measurement
// whose newest stored point marks how far ingestion got before a restart.
type Resumer interface {
	ResumeMeasurement() string
}
