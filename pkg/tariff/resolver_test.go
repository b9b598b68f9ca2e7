package tariff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homegauge/homegauge/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func day(d int) time.Time {
	return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC)
}

func staticFetch(rates map[string][]types.RateRecord) (FetchFunc, *int) {
	var calls int
	return func(ctx context.Context, code string) ([]types.RateRecord, error) {
		calls++
		return rates[code], nil
	}, &calls
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	elec := types.Meter{PointID: "1900000000001", Serial: "21L000001", Unit: types.UnitKWh}

	agreements := []types.Agreement{
		{Window: types.Window{ValidFrom: day(1), ValidTo: ptr(day(10))}, TariffCode: "E-1R-OLD-23-01-01-C"},
		{Window: types.Window{ValidFrom: day(10)}, TariffCode: "E-1R-NEW-24-05-01-C"},
	}
	rates := map[string][]types.RateRecord{
		"E-1R-OLD-23-01-01-C": {
			{Window: types.Window{ValidFrom: day(1), ValidTo: ptr(day(5))}, PricePerUnit: 20},
			{Window: types.Window{ValidFrom: day(5)}, PricePerUnit: 30},
		},
		"E-1R-NEW-24-05-01-C": {
			{Window: types.Window{ValidFrom: day(10)}, PricePerUnit: 25},
		},
	}

	t.Run("priced interval", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		start := day(3).Add(12 * time.Hour)
		rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: start, End: start.Add(30 * time.Minute), Quantity: 0.5}, agreements, fetch)
		require.NoError(t, err)

		assert.Equal(t, start, rec.Timestamp)
		assert.Equal(t, "E-1R-OLD-23-01-01-C", rec.TariffCode)
		assert.Equal(t, 0.5, rec.Energy)
		assert.InDelta(t, 0.5*1000/1800, rec.Power, 1e-9)
		require.True(t, rec.Priced())
		assert.Equal(t, 20.0, *rec.RatePerUnit)
		assert.InDelta(t, 0.1, *rec.Cost, 1e-9)
	})

	t.Run("rate boundary is half open", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(5), End: day(5).Add(30 * time.Minute), Quantity: 1}, agreements, fetch)
		require.NoError(t, err)
		assert.Equal(t, 30.0, *rec.RatePerUnit)

		rec, err = r.Resolve(ctx, elec, types.UsageInterval{Start: day(5).Add(-30 * time.Minute), End: day(5), Quantity: 1}, agreements, fetch)
		require.NoError(t, err)
		assert.Equal(t, 20.0, *rec.RatePerUnit)
	})

	t.Run("agreement boundary switches tariff", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(10), End: day(10).Add(30 * time.Minute), Quantity: 1}, agreements, fetch)
		require.NoError(t, err)
		assert.Equal(t, "E-1R-NEW-24-05-01-C", rec.TariffCode)
		assert.Equal(t, 25.0, *rec.RatePerUnit)
	})

	t.Run("every instant in a window selects it", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		for ts := day(1); ts.Before(day(10)); ts = ts.Add(30 * time.Minute) {
			rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: ts, End: ts.Add(30 * time.Minute), Quantity: 1}, agreements, fetch)
			require.NoError(t, err)
			want := 20.0
			if !ts.Before(day(5)) {
				want = 30.0
			}
			require.Equal(t, want, *rec.RatePerUnit, "at %s", ts)
		}
	})

	t.Run("fetches each tariff once", func(t *testing.T) {
		fetch, calls := staticFetch(rates)
		r := NewResolver(NewRateTable())
		for ts := day(1); ts.Before(day(12)); ts = ts.Add(time.Hour) {
			_, err := r.Resolve(ctx, elec, types.UsageInterval{Start: ts, End: ts.Add(time.Hour), Quantity: 1}, agreements, fetch)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, *calls, "one fetch per tariff code")
	})

	t.Run("pricing gap", func(t *testing.T) {
		fetch, _ := staticFetch(map[string][]types.RateRecord{})
		r := NewResolver(NewRateTable())
		a := []types.Agreement{{Window: types.Window{ValidFrom: day(1)}, TariffCode: "X"}}
		rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(2), End: day(2).Add(time.Hour), Quantity: 2}, a, fetch)
		require.NoError(t, err)
		assert.Nil(t, rec.RatePerUnit)
		assert.Nil(t, rec.Cost)
		assert.False(t, rec.Priced())
		assert.Equal(t, "X", rec.TariffCode)
		assert.InDelta(t, 2.0*1000/3600, rec.Power, 1e-9)
	})

	t.Run("no agreement is a config error", func(t *testing.T) {
		fetch, calls := staticFetch(rates)
		r := NewResolver(NewRateTable())
		_, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(1).Add(-time.Hour), End: day(1), Quantity: 1}, agreements, fetch)
		var cfgErr *ConfigDataError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, elec, cfgErr.Meter)
		assert.Equal(t, 0, *calls)
	})

	t.Run("empty tariff code", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		a := []types.Agreement{{Window: types.Window{ValidFrom: day(1)}}}
		_, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(2), End: day(2).Add(time.Hour), Quantity: 1}, a, fetch)
		assert.ErrorIs(t, err, types.ErrEmptyTariffCode)
	})

	t.Run("overlapping windows pick the first", func(t *testing.T) {
		overlapping := map[string][]types.RateRecord{
			"O": {
				{Window: types.Window{ValidFrom: day(1), ValidTo: ptr(day(8))}, PricePerUnit: 11},
				{Window: types.Window{ValidFrom: day(3)}, PricePerUnit: 99},
			},
		}
		fetch, _ := staticFetch(overlapping)
		r := NewResolver(NewRateTable())
		a := []types.Agreement{
			{Window: types.Window{ValidFrom: day(1)}, TariffCode: "O"},
			{Window: types.Window{ValidFrom: day(2)}, TariffCode: "P"},
		}
		rec, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(4), End: day(4).Add(time.Hour), Quantity: 1}, a, fetch)
		require.NoError(t, err)
		assert.Equal(t, "O", rec.TariffCode)
		assert.Equal(t, 11.0, *rec.RatePerUnit)
	})

	t.Run("gas is converted to kWh", func(t *testing.T) {
		gas := types.Meter{PointID: "7000000001", Serial: "G4A00000", Unit: types.UnitCubicMetres, IsGas: true}
		fetch, _ := staticFetch(map[string][]types.RateRecord{
			"G-1R-VAR-22-11-01-C": {{Window: types.Window{ValidFrom: day(1)}, PricePerUnit: 10}},
		})
		r := NewResolver(NewRateTable())
		a := []types.Agreement{{Window: types.Window{ValidFrom: day(1)}, TariffCode: "G-1R-VAR-22-11-01-C"}}
		rec, err := r.Resolve(ctx, gas, types.UsageInterval{Start: day(2), End: day(2).Add(time.Hour), Quantity: 1.0}, a, fetch)
		require.NoError(t, err)
		assert.InDelta(t, 11.0786, rec.Energy, 1e-4)
		assert.InDelta(t, 11.0786*1000/3600, rec.Power, 1e-3)
		assert.InDelta(t, 1.10786, *rec.Cost, 1e-4)
	})

	t.Run("fetch failure propagates", func(t *testing.T) {
		r := NewResolver(NewRateTable())
		_, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(2), End: day(2).Add(time.Hour), Quantity: 1}, agreements,
			func(ctx context.Context, code string) ([]types.RateRecord, error) {
				return nil, errors.New("timeout")
			})
		assert.ErrorContains(t, err, "timeout")
	})

	t.Run("invalid interval", func(t *testing.T) {
		fetch, _ := staticFetch(rates)
		r := NewResolver(NewRateTable())
		_, err := r.Resolve(ctx, elec, types.UsageInterval{Start: day(2), End: day(2), Quantity: 1}, agreements, fetch)
		assert.Error(t, err)
	})
}

func TestAveragePower(t *testing.T) {
	for _, tc := range []struct {
		energy float64
		d      time.Duration
		want   float64
	}{
		{0.5, 30 * time.Minute, 500.0 / 1800},
		{1, time.Hour, 1000.0 / 3600},
		{0.25, 15 * time.Minute, 250.0 / 900},
		{0, 30 * time.Minute, 0},
		{3.3, 30 * time.Minute, 3300.0 / 1800},
	} {
		got := AveragePower(tc.energy, tc.d)
		assert.InDelta(t, tc.want, got, 1e-9)
		assert.Equal(t, got, AveragePower(tc.energy, tc.d), "repeated computation is identical")
	}
}
