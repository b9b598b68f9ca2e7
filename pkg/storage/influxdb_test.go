package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homegauge/homegauge/pkg/types"
)

func TestInfluxDB(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
		status = http.StatusNoContent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		query = r.URL.RawQuery
		code := status
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	ctx := context.Background()
	i := &InfluxDB{url: srv.URL, org: "home", token: "secret"}
	require.NoError(t, i.Validate())
	require.NoError(t, i.Init(ctx, "solarman"))
	defer i.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, i.Write(ctx, samplePoint(ts, 1500)))

	mu.Lock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "solarman_power,plant_id=123 power=1500")
	assert.Contains(t, bodies[0], "1714564800")
	assert.Contains(t, query, "bucket=solarman")
	assert.Contains(t, query, "org=home")
	mu.Unlock()

	t.Run("invalid point is rejected locally", func(t *testing.T) {
		err := i.Write(ctx, types.NewPoint("solarman_power", ts))
		assert.ErrorIs(t, err, types.ErrInvalidPoint)
		mu.Lock()
		assert.Len(t, bodies, 1)
		mu.Unlock()
	})

	t.Run("server error", func(t *testing.T) {
		mu.Lock()
		status = http.StatusServiceUnavailable
		mu.Unlock()
		err := i.Write(ctx, samplePoint(ts, 1))
		assert.Error(t, err)
	})
}

func TestInfluxDBValidate(t *testing.T) {
	assert.Error(t, (&InfluxDB{}).Validate())
	assert.Error(t, (&InfluxDB{url: "http://localhost:8086"}).Validate())
	assert.NoError(t, (&InfluxDB{url: "http://localhost:8086", org: "home"}).Validate())
}
