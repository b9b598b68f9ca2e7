package utility

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/types"
)

type captureWriter struct {
	mu     sync.Mutex
	points []types.Point
}

func (c *captureWriter) Write(ctx context.Context, points ...types.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	c.points = append(c.points, points...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func (c *captureWriter) byMeter(serial string) []types.Point {
	var out []types.Point
	for _, p := range c.points {
		if p.Tags["meter"] == serial {
			out = append(out, p)
		}
	}
	return out
}

const octopusAccountJSON = `{
	"number": "A-1234ABCD",
	"properties": [{
		"electricity_meter_points": [{
			"mpan": "1900000000001",
			"is_export": false,
			"meters": [{"serial_number": "21L000001"}],
			"agreements": [
				{"tariff_code": "E-1R-VAR-BB-23-04-01-J", "valid_from": "2023-04-01T00:00:00+01:00", "valid_to": "2024-04-01T00:00:00+01:00"},
				{"tariff_code": "E-1R-AGILE-24-04-03-C", "valid_from": "2024-04-01T00:00:00+01:00", "valid_to": null}
			]
		}],
		"gas_meter_points": [{
			"mprn": "7000000001",
			"meters": [{"serial_number": "G4A00000"}],
			"agreements": [
				{"tariff_code": "G-1R-VAR-22-11-01-C", "valid_from": "2022-11-01T00:00:00Z", "valid_to": null}
			]
		}]
	}]
}`

type octopusServer struct {
	*httptest.Server

	mu         sync.Mutex
	rateCalls  map[string]int
	queries    map[string][]string
	failures   map[string]int
	failStatus int
}

func newOctopusServer(t *testing.T) *octopusServer {
	s := &octopusServer{
		rateCalls: map[string]int{},
		queries:   map[string][]string{},
		failures:  map[string]int{},
	}
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(v))
	}

	mux.HandleFunc("/v1/accounts/A-1234ABCD/", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sk_live_test" || pass != "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		write(w, octopusAccountJSON)
	})

	mux.HandleFunc("/v1/electricity-meter-points/1900000000001/meters/21L000001/consumption/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries["electricity"] = append(s.queries["electricity"], r.URL.RawQuery)
		fail, status := s.failures["electricity"], s.failStatus
		if fail > 0 {
			s.failures["electricity"]--
		}
		s.mu.Unlock()
		if fail > 0 {
			http.Error(w, "oops", status)
			return
		}

		if r.URL.Query().Get("page") == "2" {
			write(w, `{"next": null, "results": [
				{"consumption": 0.5, "interval_start": "2024-05-01T00:00:00Z", "interval_end": "2024-05-01T00:30:00Z"}
			]}`)
			return
		}
		next := "http://" + r.Host + r.URL.Path + "?" + r.URL.RawQuery + "&page=2"
		body, _ := json.Marshal(map[string]any{
			"next": next,
			"results": []map[string]any{
				{"consumption": 0.25, "interval_start": "2024-05-01T01:00:00Z", "interval_end": "2024-05-01T01:30:00Z"},
				{"consumption": 0.75, "interval_start": "2024-05-01T00:30:00Z", "interval_end": "2024-05-01T01:00:00Z"},
			},
		})
		write(w, string(body))
	})

	mux.HandleFunc("/v1/gas-meter-points/7000000001/meters/G4A00000/consumption/", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"next": null, "results": [
			{"consumption": 1.0, "interval_start": "2024-05-01T00:00:00Z", "interval_end": "2024-05-01T00:30:00Z"}
		]}`)
	})

	mux.HandleFunc("/v1/products/AGILE-24-04-03/electricity-tariffs/E-1R-AGILE-24-04-03-C/standard-unit-rates/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.rateCalls["E-1R-AGILE-24-04-03-C"]++
		s.mu.Unlock()
		write(w, `{"next": null, "results": [
			{"value_exc_vat": 19.0, "value_inc_vat": 20.0, "valid_from": "2024-05-01T01:00:00Z", "valid_to": null},
			{"value_exc_vat": 9.5, "value_inc_vat": 10.0, "valid_from": "2024-05-01T00:00:00Z", "valid_to": "2024-05-01T01:00:00Z"}
		]}`)
	})

	mux.HandleFunc("/v1/products/VAR-22-11-01/gas-tariffs/G-1R-VAR-22-11-01-C/standard-unit-rates/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.rateCalls["G-1R-VAR-22-11-01-C"]++
		s.mu.Unlock()
		write(w, `{"next": null, "results": [
			{"value_inc_vat": 6.0, "valid_from": "2024-04-01T00:00:00Z", "valid_to": null}
		]}`)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *octopusServer) fail(kind string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = n
	s.failStatus = status
}

func (s *octopusServer) electricityQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries["electricity"]...)
}

func (s *octopusServer) rateCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateCalls[code]
}

func newTestOctopus(srv *octopusServer) *Octopus {
	o := NewOctopus(
		OctopusConfig{APIKey: "sk_live_test", Account: "A-1234ABCD", BaseURL: srv.URL + "/v1/"},
		common.HTTPClient(10*time.Second),
		retry.New(3, time.Millisecond, 1),
		time.UTC,
	)
	o.now = func() time.Time { return time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC) }
	return o
}

func TestOctopus(t *testing.T) {
	ctx := context.Background()
	day := types.Day{Year: 2024, Month: time.May, Day: 1}

	t.Run("Day", func(t *testing.T) {
		srv := newOctopusServer(t)
		o := newTestOctopus(srv)
		require.NoError(t, o.Login(ctx))
		assert.Len(t, o.meters, 2)

		w := &captureWriter{}
		require.NoError(t, o.Day(ctx, day, w))

		elec := w.byMeter("21L000001")
		require.Len(t, elec, 3)
		for i, want := range []time.Time{
			time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC),
		} {
			assert.True(t, want.Equal(elec[i].Time), "interval %d starts at %s", i, elec[i].Time)
		}

		first := elec[0]
		assert.Equal(t, "octopus", first.Measurement)
		assert.Equal(t, map[string]string{
			"account":   "A-1234ABCD",
			"mpan":      "1900000000001",
			"meter":     "21L000001",
			"is_export": "false",
			"is_gas":    "false",
			"tariff":    "E-1R-AGILE-24-04-03-C",
		}, first.Tags)
		assert.Equal(t, 0.5, first.Fields["energy"])
		assert.InDelta(t, 0.5*1000/1800, first.Fields["power"], 1e-9)
		assert.Equal(t, 10.0, first.Fields["rate"])
		assert.InDelta(t, 0.05, first.Fields["cost"], 1e-9)
		assert.Equal(t, 20.0, elec[2].Fields["rate"])

		gas := w.byMeter("G4A00000")
		require.Len(t, gas, 1)
		assert.Equal(t, "true", gas[0].Tags["is_gas"])
		assert.Equal(t, "7000000001", gas[0].Tags["mpan"])
		assert.InDelta(t, 11.0786, gas[0].Fields["energy"], 1e-3)
		assert.InDelta(t, 0.6647, gas[0].Fields["cost"], 1e-3)

		queries := srv.electricityQueries()
		require.NotEmpty(t, queries)
		q := queries[0]
		assert.Contains(t, q, "period_from=2024-05-01T00%3A00%3A00Z")
		assert.Contains(t, q, "period_to=2024-05-02T00%3A00%3A00Z")
		assert.Contains(t, q, "order_by=period")

		// a second pass uses the cached rates
		require.NoError(t, o.Day(ctx, day, w))
		assert.Equal(t, 1, srv.rateCount("E-1R-AGILE-24-04-03-C"))
		assert.Equal(t, 1, srv.rateCount("G-1R-VAR-22-11-01-C"))
	})

	t.Run("Snapshot covers lookback days", func(t *testing.T) {
		srv := newOctopusServer(t)
		o := newTestOctopus(srv)
		require.NoError(t, o.Login(ctx))
		require.NoError(t, o.Snapshot(ctx, &captureWriter{}))
		q := srv.electricityQueries()[0]
		assert.Contains(t, q, "period_from=2024-04-30T00%3A00%3A00Z")
		assert.Contains(t, q, "period_to=2024-05-02T09%3A00%3A00Z")
	})

	t.Run("server errors are retried", func(t *testing.T) {
		srv := newOctopusServer(t)
		srv.fail("electricity", 2, http.StatusBadGateway)
		o := newTestOctopus(srv)
		require.NoError(t, o.Login(ctx))
		w := &captureWriter{}
		require.NoError(t, o.Day(ctx, day, w))
		assert.Len(t, w.byMeter("21L000001"), 3)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		srv := newOctopusServer(t)
		srv.fail("electricity", 5, http.StatusNotFound)
		o := newTestOctopus(srv)
		require.NoError(t, o.Login(ctx))
		err := o.Day(ctx, day, &captureWriter{})
		require.Error(t, err)
		assert.False(t, retry.IsTerminal(err))
		assert.Len(t, srv.electricityQueries(), 1)
	})

	t.Run("bad api key", func(t *testing.T) {
		srv := newOctopusServer(t)
		o := NewOctopus(
			OctopusConfig{APIKey: "wrong", Account: "A-1234ABCD", BaseURL: srv.URL + "/v1"},
			srv.Client(),
			retry.New(3, time.Millisecond, 1),
			nil,
		)
		err := o.Login(ctx)
		assert.ErrorContains(t, err, "status 401")
	})
}

func TestOctopusLegacyTariff(t *testing.T) {
	o := NewOctopus(OctopusConfig{APIKey: "k", Account: "A"}, http.DefaultClient, retry.New(1, time.Millisecond, 1), nil)
	meter := types.Meter{PointID: "1900000000001", Serial: "21L000001", Unit: types.UnitKWh}
	agreements := []types.Agreement{{
		Window:     types.Window{ValidFrom: time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)},
		TariffCode: "E-1R-VAR-BB-23-04-01-J",
	}}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rec, err := o.resolver.Resolve(
		context.Background(),
		meter,
		types.UsageInterval{Start: start, End: start.Add(30 * time.Minute), Quantity: 1},
		agreements,
		func(ctx context.Context, code string) ([]types.RateRecord, error) {
			t.Fatal("legacy tariffs are never fetched")
			return nil, nil
		},
	)
	require.NoError(t, err)
	require.True(t, rec.Priced())
	assert.Equal(t, 0.3486, *rec.RatePerUnit)
}

func TestProductCode(t *testing.T) {
	for code, want := range map[string]string{
		"E-1R-AGILE-24-04-03-C":           "AGILE-24-04-03",
		"G-1R-VAR-22-11-01-C":             "VAR-22-11-01",
		"E-1R-BULB-SEG-FIX-V1-21-04-01-J": "BULB-SEG-FIX-V1-21-04-01",
		"E-2R-VAR-22-11-01-A":             "VAR-22-11-01",
		"BAD":                             "BAD",
	} {
		assert.Equal(t, want, ProductCode(code), code)
	}
}

func TestOctopusConfigValidate(t *testing.T) {
	assert.Error(t, OctopusConfig{}.Validate())
	assert.Error(t, OctopusConfig{APIKey: "k"}.Validate())
	assert.NoError(t, OctopusConfig{APIKey: "k", Account: "A-1"}.Validate())
}
