package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/metrics"
	"github.com/homegauge/homegauge/pkg/types"
)

// ConfigDataError means no agreement on a meter point covers an interval.
// It indicates broken upstream account data and is never defaulted.
type ConfigDataError struct {
	Meter types.Meter
	At    time.Time
}

func (e *ConfigDataError) Error() string {
	return fmt.Sprintf("no agreement covers %s for meter %s/%s", e.At.Format(time.RFC3339), e.Meter.PointID, e.Meter.Serial)
}

// Resolver prices usage intervals against the agreements of a meter point
// and the rates in a RateTable.
type Resolver struct {
	Rates *RateTable
}

// NewResolver returns a resolver backed by rates.
func NewResolver(rates *RateTable) *Resolver {
	return &Resolver{Rates: rates}
}

// Resolve computes energy, average power and, when a rate is in force at the
// interval start, the rate and cost for a single usage interval.
func (r *Resolver) Resolve(
	ctx context.Context,
	meter types.Meter,
	interval types.UsageInterval,
	agreements []types.Agreement,
	fetch FetchFunc,
) (types.ResolvedRecord, error) {
	if err := interval.Validate(); err != nil {
		return types.ResolvedRecord{}, err
	}

	energy := meter.Unit.ToKWh(interval.Quantity)
	rec := types.ResolvedRecord{
		Timestamp: interval.Start,
		Meter:     meter,
		Energy:    energy,
		Power:     AveragePower(energy, interval.Duration()),
	}

	agreement, ok := firstContaining(ctx, "agreement", interval.Start, agreements, func(a types.Agreement) types.Window {
		return a.Window
	})
	if !ok {
		return types.ResolvedRecord{}, &ConfigDataError{Meter: meter, At: interval.Start}
	}
	if agreement.TariffCode == "" {
		return types.ResolvedRecord{}, fmt.Errorf("meter %s/%s: %w", meter.PointID, meter.Serial, types.ErrEmptyTariffCode)
	}
	rec.TariffCode = agreement.TariffCode

	rates, err := r.Rates.RateFor(ctx, agreement.TariffCode, fetch)
	if err != nil {
		return types.ResolvedRecord{}, err
	}

	rate, ok := Select(ctx, interval.Start, rates)
	if !ok {
		metrics.UnpricedIntervalsTotal.WithLabelValues(agreement.TariffCode).Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"no rate covers interval, writing without cost",
			slog.String("tariff", agreement.TariffCode),
			slog.Time("at", interval.Start),
		)
		return rec, nil
	}

	price := rate.PricePerUnit
	cost := Cost(energy, price)
	rec.RatePerUnit = &price
	rec.Cost = &cost
	return rec, nil
}

// AveragePower returns energy * 1000 / seconds(d), the power figure written
// alongside every usage interval.
func AveragePower(energy float64, d time.Duration) float64 {
	return energy * 1000 / d.Seconds()
}

// Cost returns the cost in major currency units of energy kWh at a price in
// minor units per kWh.
func Cost(energy, pricePerUnit float64) float64 {
	return energy * pricePerUnit / 100
}

// Select returns the first record in source order whose window contains at.
// Overlapping matches are logged as a data quality problem.
func Select(ctx context.Context, at time.Time, rates []types.RateRecord) (types.RateRecord, bool) {
	return firstContaining(ctx, "rate", at, rates, func(r types.RateRecord) types.Window {
		return r.Window
	})
}

func firstContaining[T any](ctx context.Context, kind string, at time.Time, items []T, window func(T) types.Window) (T, bool) {
	matches := lo.Filter(items, func(item T, _ int) bool {
		return window(item).Contains(at)
	})
	if len(matches) == 0 {
		var zero T
		return zero, false
	}
	if len(matches) > 1 {
		log.Ctx(ctx).WarnContext(
			ctx,
			"overlapping validity windows, using the first",
			slog.String("kind", kind),
			slog.Time("at", at),
			slog.Int("matches", len(matches)),
			slog.String("chosen", window(matches[0]).String()),
		)
	}
	return matches[0], true
}
