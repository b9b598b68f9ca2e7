package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/metrics"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

// maxResumeDays caps how far back a restart catches up from the newest
// stored point.
const maxResumeDays = 5

// State is the phase the scheduler is in.
type State int

const (
	Initializing State = iota
	SteadyPoll
	DayRolloverBackfill
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case SteadyPoll:
		return "steady_poll"
	case DayRolloverBackfill:
		return "day_rollover_backfill"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Scheduler.
type Options struct {
	// Cadence decides when the next cycle runs.
	Cadence cron.Schedule

	// BackfillDays is how many days before today are fetched through
	// DayCollector at startup.
	BackfillDays int

	// PollToday fetches today through DayCollector on every cycle, in
	// addition to the snapshot.
	PollToday bool

	// Location decides where day boundaries fall. Defaults to UTC.
	Location *time.Location

	// CyclePolicy wraps startup login, every backfill day and every cycle.
	CyclePolicy retry.Policy

	// Now and SleepUntil can be replaced in tests.
	Now        func() time.Time
	SleepUntil func(ctx context.Context, deadline time.Time) error
}

// DefaultCyclePolicy retries a failed cycle twice, 30s and then 60s later.
func DefaultCyclePolicy() retry.Policy {
	return retry.New(3, 30*time.Second, 2)
}

// ParseCadence parses a cron spec or descriptor such as "@every 2m".
func ParseCadence(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", spec, err)
	}
	return s, nil
}

// Scheduler runs one collector's ingestion cycles.
type Scheduler struct {
	collector Collector
	writer    storage.Writer
	opts      Options

	// mu guards state and ss for readers outside the Run goroutine.
	mu    sync.RWMutex
	state State
	ss    types.ScheduleState
}

// New returns a scheduler for c that writes to w.
func New(c Collector, w storage.Writer, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SleepUntil == nil {
		opts.SleepUntil = common.SleepUntil
	}
	if opts.Cadence == nil {
		opts.Cadence = cron.Every(time.Minute)
	}
	if opts.CyclePolicy.MaxAttempts == 0 && opts.CyclePolicy.InitialDelay == 0 {
		opts.CyclePolicy = DefaultCyclePolicy()
	}
	return &Scheduler{
		collector: c,
		writer:    w,
		opts:      opts,
		state:     Initializing,
	}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastProcessedDay returns the last day that was fully processed.
func (s *Scheduler) LastProcessedDay() types.Day {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ss.LastProcessedDay
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) today() types.Day {
	return types.DayOf(s.opts.Now(), s.opts.Location)
}

func (s *Scheduler) ctx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx, slog.String("collector", s.collector.Name()))
}

// Init logs in and backfills history. After it returns successfully the
// scheduler is in SteadyPoll with today as the last processed day.
func (s *Scheduler) Init(ctx context.Context) error {
	return s.init(s.ctx(ctx))
}

func (s *Scheduler) init(ctx context.Context) error {
	s.setState(Initializing)

	if err := s.opts.CyclePolicy.Run(ctx, "login", s.collector.Login); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	today := s.today()
	start := s.backfillStart(ctx, today)

	if dc, ok := s.collector.(DayCollector); ok {
		for d := start; d.Before(today); d = d.Next() {
			if err := s.fetchDay(ctx, dc, d); err != nil {
				return err
			}
		}
	}
	if mc, ok := s.collector.(MonthCollector); ok && start.Before(today) {
		for m := start.FirstOfMonth(); !today.Before(m); m = m.NextMonth() {
			if err := s.fetchMonth(ctx, mc, m); err != nil {
				return err
			}
		}
	}

	s.advance(ctx, today)
	log.Ctx(ctx).InfoContext(
		ctx,
		"scheduler initialized",
		slog.String("backfillFrom", start.String()),
		slog.String("lastProcessedDay", today.String()),
	)
	return nil
}

// backfillStart returns the first day to backfill. A stored point older than
// the configured backfill extends it back to that point's day, capped at
// maxResumeDays.
func (s *Scheduler) backfillStart(ctx context.Context, today types.Day) types.Day {
	start := today.AddDays(-s.opts.BackfillDays)

	r, ok := s.collector.(Resumer)
	if !ok {
		return start
	}
	lr, ok := s.writer.(storage.LatestReader)
	if !ok {
		return start
	}
	latest, found, err := lr.LatestTime(ctx, r.ResumeMeasurement())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest stored point", slog.Any("error", err))
		return start
	}
	if !found {
		return start
	}

	resume := types.DayOf(latest, s.opts.Location)
	if limit := today.AddDays(-maxResumeDays); resume.Before(limit) {
		resume = limit
	}
	if resume.Before(start) {
		log.Ctx(ctx).InfoContext(
			ctx,
			"resuming from last stored point",
			slog.Time("latest", latest),
			slog.String("from", resume.String()),
		)
		return resume
	}
	return start
}

func (s *Scheduler) fetchDay(ctx context.Context, dc DayCollector, d types.Day) error {
	err := s.opts.CyclePolicy.Run(ctx, "day "+d.String(), func(ctx context.Context) error {
		return dc.Day(ctx, d, s.writer)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch day %s: %w", d, err)
	}
	return nil
}

func (s *Scheduler) fetchMonth(ctx context.Context, mc MonthCollector, d types.Day) error {
	err := s.opts.CyclePolicy.Run(ctx, "month "+d.Format("2006-01"), func(ctx context.Context) error {
		return mc.Month(ctx, d, s.writer)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch month %s: %w", d.Format("2006-01"), err)
	}
	return nil
}

func (s *Scheduler) advance(ctx context.Context, d types.Day) {
	s.mu.Lock()
	s.ss.LastProcessedDay = d
	s.state = SteadyPoll
	s.mu.Unlock()
	metrics.LastProcessedDay.WithLabelValues(s.collector.Name()).Set(float64(d.Start(s.opts.Location).Unix()))
}

// Cycle runs a single pass. If the day changed since the last processed day
// the ended days are finalized first and the last processed day only
// advances once they all succeeded.
func (s *Scheduler) Cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	today := s.today()
	if s.ss.LastProcessedDay.IsZero() {
		s.advance(ctx, today)
	}
	if s.ss.LastProcessedDay.Before(today) {
		s.setState(DayRolloverBackfill)
		if err := s.rollover(ctx, today); err != nil {
			return err
		}
		s.advance(ctx, today)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.collector.Snapshot(ctx, s.writer); err != nil {
		return fmt.Errorf("failed to take snapshot: %w", err)
	}

	if !s.opts.PollToday {
		return nil
	}
	dc, ok := s.collector.(DayCollector)
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dc.Day(ctx, today, s.writer); err != nil {
		return fmt.Errorf("failed to fetch day %s: %w", today, err)
	}
	return nil
}

func (s *Scheduler) rollover(ctx context.Context, today types.Day) error {
	last := s.ss.LastProcessedDay
	log.Ctx(ctx).InfoContext(
		ctx,
		"day rolled over",
		slog.String("lastProcessedDay", last.String()),
		slog.String("today", today.String()),
	)

	if r, ok := s.collector.(Refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to refresh: %w", err)
		}
	}

	if dc, ok := s.collector.(DayCollector); ok {
		for d := last; d.Before(today); d = d.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := dc.Day(ctx, d, s.writer); err != nil {
				return fmt.Errorf("failed to finalize day %s: %w", d, err)
			}
		}
	}

	if mc, ok := s.collector.(MonthCollector); ok {
		for m := last.FirstOfMonth(); !m.SameMonth(today); m = m.NextMonth() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := mc.Month(ctx, m, s.writer); err != nil {
				return fmt.Errorf("failed to finalize month %s: %w", m.Format("2006-01"), err)
			}
		}
	}
	return nil
}

// Run initializes the scheduler and then runs a cycle on every cadence tick
// until ctx is done. Failed cycles are logged and counted and the next tick
// runs as usual. Run only returns early if initialization fails.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = s.ctx(ctx)
	if err := s.init(ctx); err != nil {
		return err
	}
	name := s.collector.Name()

	for {
		start := s.opts.Now()
		err := s.opts.CyclePolicy.Run(ctx, "cycle", s.Cycle)
		metrics.CycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.CyclesTotal.WithLabelValues(name, "ok").Inc()
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			metrics.CyclesTotal.WithLabelValues(name, "failed").Inc()
			attrs := []any{slog.Any("error", err), slog.String("state", s.state.String())}
			var tfe *retry.TerminalFetchError
			if errors.As(err, &tfe) {
				attrs = append(attrs, slog.Int("attempts", tfe.Attempts))
			}
			log.Ctx(ctx).ErrorContext(ctx, "cycle failed", attrs...)
		}

		next := s.opts.Cadence.Next(s.opts.Now())
		log.Ctx(ctx).DebugContext(ctx, "waiting for next cycle", slog.Time("next", next))
		if err := s.opts.SleepUntil(ctx, next); err != nil {
			return err
		}
	}
}
