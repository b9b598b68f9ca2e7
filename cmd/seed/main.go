package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/tariff"
	"github.com/homegauge/homegauge/pkg/types"
)

const seedTariff = "E-1R-AGILE-SEED-A"

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	days := lflag.Int("seed-days", 1, "Number of days before now to seed")
	lflag.Configure()

	ctx := context.Background()
	w, err := s.Open(ctx, "seed")
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer w.Close()

	now := time.Now().UTC()
	start := now.Truncate(24*time.Hour).AddDate(0, 0, -*days)
	log.Ctx(ctx).InfoContext(ctx, "seeding mock data", slog.Time("from", start))

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	points, err := usagePoints(ctx, rng, start, now)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to price usage", slog.Any("error", err))
		os.Exit(1)
	}
	points = append(points, solarPoints(rng, start, now)...)

	if err := w.Write(ctx, points...); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write points", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded points", slog.Int("count", len(points)))
}

// halfHourPrice follows the usual agile shape: cheap overnight and midday,
// expensive in the evening peak.
func halfHourPrice(rng *rand.Rand, t time.Time) float64 {
	price := 18.0
	switch h := t.Hour(); {
	case h < 6:
		price = 9
	case h >= 10 && h < 15:
		price = 12
	case h >= 16 && h < 19:
		price = 38
	}
	// Jitter
	return price + rng.Float64()*2 - 1
}

func usagePoints(ctx context.Context, rng *rand.Rand, start, end time.Time) ([]types.Point, error) {
	var rates []types.RateRecord
	for t := start; t.Before(end); t = t.Add(30 * time.Minute) {
		to := t.Add(30 * time.Minute)
		rates = append(rates, types.RateRecord{
			Window:       types.Window{ValidFrom: t, ValidTo: &to},
			PricePerUnit: halfHourPrice(rng, t),
		})
	}
	table := tariff.NewRateTable()
	table.Seed(seedTariff, rates)
	resolver := tariff.NewResolver(table)

	meter := types.Meter{PointID: "1900000000000", Serial: "SEED0001", Unit: types.UnitKWh}
	agreements := []types.Agreement{{Window: types.Window{ValidFrom: start}, TariffCode: seedTariff}}
	tags := map[string]string{"account": "A-SEED"}

	var points []types.Point
	for t := start; t.Add(30 * time.Minute).Before(end); t = t.Add(30 * time.Minute) {
		// base load plus an evening bump
		kwh := 0.15 + rng.Float64()*0.1
		if h := t.Hour(); h >= 17 && h < 22 {
			kwh += 0.4
		}
		rec, err := resolver.Resolve(ctx, meter, types.UsageInterval{
			Start:    t,
			End:      t.Add(30 * time.Minute),
			Quantity: kwh,
		}, agreements, nil)
		if err != nil {
			return nil, err
		}
		points = append(points, storage.FromRecord("octopus", tags, rec))
	}
	return points, nil
}

func solarPoints(rng *rand.Rand, start, end time.Time) []types.Point {
	const peakW = 4000.0
	var points []types.Point
	for t := start; t.Before(end); t = t.Add(5 * time.Minute) {
		hour := float64(t.Hour()) + float64(t.Minute())/60
		solar := 0.0
		if hour > 6 && hour < 20 {
			solar = peakW * math.Sin((hour-6)/14*math.Pi) * (0.8 + rng.Float64()*0.2)
		}
		use := 300 + rng.Float64()*400
		points = append(points, types.NewPoint("solarman_power", t).
			Tag("plant_id", "seed").
			Field("power", solar).
			Field("powerUseage", use).
			Field("powerGrid", use-solar).
			Field("powerBattery", 0.0))
	}
	return points
}
