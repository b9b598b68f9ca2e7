package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/types"
)

// FetchFunc loads the full rate schedule for a tariff code. Implementations
// are expected to do their own retrying.
type FetchFunc func(ctx context.Context, tariffCode string) ([]types.RateRecord, error)

// RateTable lazily caches rate schedules per tariff code for the life of the
// process. Each code is fetched at most once after a successful fetch, even
// if the schedule came back empty. Failed fetches are not cached.
type RateTable struct {
	mu    sync.RWMutex
	rates map[string][]types.RateRecord
	group singleflight.Group
}

// NewRateTable returns an empty table.
func NewRateTable() *RateTable {
	return &RateTable{
		rates: make(map[string][]types.RateRecord),
	}
}

// Seed stores a static schedule for code, replacing anything already cached.
func (t *RateTable) Seed(code string, records []types.RateRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[code] = slices.Clone(records)
}

// Cached returns the schedule for code and whether it has been loaded.
func (t *RateTable) Cached(code string) ([]types.RateRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rates[code]
	return r, ok
}

// Len returns the number of tariff codes loaded.
func (t *RateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rates)
}

// RateFor returns the schedule for code, calling fetch on the first request.
// Concurrent first requests for the same code share a single fetch.
func (t *RateTable) RateFor(ctx context.Context, code string, fetch FetchFunc) ([]types.RateRecord, error) {
	if r, ok := t.Cached(code); ok {
		return r, nil
	}

	v, err, _ := t.group.Do(code, func() (any, error) {
		// another caller may have finished the fetch while we waited
		if r, ok := t.Cached(code); ok {
			return r, nil
		}

		log.Ctx(ctx).DebugContext(ctx, "fetching tariff rates", slog.String("tariff", code))
		r, err := fetch(ctx, code)
		if err != nil {
			return nil, err
		}
		if r == nil {
			r = []types.RateRecord{}
		}

		t.mu.Lock()
		t.rates[code] = r
		t.mu.Unlock()

		log.Ctx(ctx).InfoContext(ctx, "loaded tariff rates", slog.String("tariff", code), slog.Int("records", len(r)))
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates for tariff %s: %w", code, err)
	}
	return v.([]types.RateRecord), nil
}
