package utility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/samber/lo"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/tariff"
	"github.com/homegauge/homegauge/pkg/types"
)

const (
	octopusBaseURL     = "https://api.octopus.energy/v1"
	octopusMeasurement = "octopus"
)

// legacyTariffs are tariffs the Octopus API no longer serves rates for.
var legacyTariffs = map[string]float64{
	"E-1R-BULB-SEG-FIX-V1-21-04-01-J": 0.0557,
	"E-1R-VAR-BB-23-04-01-J":          0.3486,
}

// OctopusConfig is the octopus section of the collector document.
type OctopusConfig struct {
	APIKey       string `yaml:"api_key"`
	Account      string `yaml:"account"`
	BaseURL      string `yaml:"base_url"`
	LookbackDays int    `yaml:"lookback_days"`
}

// Validate ensures the configuration is valid.
func (c OctopusConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("octopus api_key is required")
	}
	if c.Account == "" {
		return errors.New("octopus account is required")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("failed to parse octopus url (%s): %w", c.BaseURL, err)
		}
	}
	return nil
}

// Octopus collects half-hourly consumption from the Octopus Energy API and
// prices every interval against the tariff agreement in force at the time.
type Octopus struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	account  string
	lookback int
	policy   retry.Policy
	loc      *time.Location
	now      func() time.Time

	rates    *tariff.RateTable
	resolver *tariff.Resolver

	mu       sync.Mutex
	number   string
	meters   []octopusMeter
	rateKind map[string]string
}

// octopusMeter is one physical meter and the agreements of its meter point.
type octopusMeter struct {
	meter      types.Meter
	agreements []types.Agreement
}

// NewOctopus returns an Octopus collector. Day boundaries are taken in loc.
func NewOctopus(cfg OctopusConfig, client *http.Client, policy retry.Policy, loc *time.Location) *Octopus {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = octopusBaseURL
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 2
	}
	if loc == nil {
		loc = time.UTC
	}

	rates := tariff.NewRateTable()
	epoch := time.Unix(0, 0).UTC()
	for code, price := range legacyTariffs {
		rates.Seed(code, []types.RateRecord{{
			Window:       types.Window{ValidFrom: epoch},
			PricePerUnit: price,
		}})
	}

	return &Octopus{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   cfg.APIKey,
		account:  cfg.Account,
		lookback: lookback,
		policy:   policy,
		loc:      loc,
		now:      time.Now,
		rates:    rates,
		resolver: tariff.NewResolver(rates),
		rateKind: map[string]string{},
	}
}

func (o *Octopus) Name() string { return "octopus" }

// ResumeMeasurement implements scheduler.Resumer.
func (o *Octopus) ResumeMeasurement() string { return octopusMeasurement }

type octopusAgreement struct {
	TariffCode string           `json:"tariff_code"`
	ValidFrom  strfmt.DateTime  `json:"valid_from"`
	ValidTo    *strfmt.DateTime `json:"valid_to"`
}

type octopusMeterPoint struct {
	MPAN     string `json:"mpan"`
	MPRN     string `json:"mprn"`
	IsExport bool   `json:"is_export"`
	Meters   []struct {
		SerialNumber string `json:"serial_number"`
	} `json:"meters"`
	Agreements []octopusAgreement `json:"agreements"`
}

type octopusAccount struct {
	Number     string `json:"number"`
	Properties []struct {
		ElectricityMeterPoints []octopusMeterPoint `json:"electricity_meter_points"`
		GasMeterPoints         []octopusMeterPoint `json:"gas_meter_points"`
	} `json:"properties"`
}

type octopusPage struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

type octopusRate struct {
	ValueIncVAT float64          `json:"value_inc_vat"`
	ValidFrom   strfmt.DateTime  `json:"valid_from"`
	ValidTo     *strfmt.DateTime `json:"valid_to"`
}

type octopusConsumption struct {
	Consumption   float64         `json:"consumption"`
	IntervalStart strfmt.DateTime `json:"interval_start"`
	IntervalEnd   strfmt.DateTime `json:"interval_end"`
}

func window(from strfmt.DateTime, to *strfmt.DateTime) types.Window {
	w := types.Window{ValidFrom: time.Time(from)}
	if to != nil {
		t := time.Time(*to)
		w.ValidTo = &t
	}
	return w
}

// Login loads the account topology: meter points, meters and agreements.
func (o *Octopus) Login(ctx context.Context) error {
	return o.loadAccount(ctx)
}

// Refresh reloads the account topology, picking up tariff changes.
func (o *Octopus) Refresh(ctx context.Context) error {
	return o.loadAccount(ctx)
}

func (o *Octopus) loadAccount(ctx context.Context) error {
	var acct octopusAccount
	if err := o.get(ctx, "octopus account", o.baseURL+"/accounts/"+url.PathEscape(o.account)+"/", &acct); err != nil {
		return fmt.Errorf("failed to get octopus account: %w", err)
	}

	var meters []octopusMeter
	kinds := map[string]string{}
	add := func(mp octopusMeterPoint, gas bool) {
		agreements := lo.Map(mp.Agreements, func(a octopusAgreement, _ int) types.Agreement {
			return types.Agreement{Window: window(a.ValidFrom, a.ValidTo), TariffCode: a.TariffCode}
		})
		kind, id, unit := "electricity", mp.MPAN, types.UnitKWh
		if gas {
			kind, id, unit = "gas", mp.MPRN, types.UnitCubicMetres
		}
		for _, a := range agreements {
			kinds[a.TariffCode] = kind
		}
		for _, m := range mp.Meters {
			meters = append(meters, octopusMeter{
				meter: types.Meter{
					PointID:  id,
					Serial:   m.SerialNumber,
					Unit:     unit,
					IsExport: mp.IsExport && !gas,
					IsGas:    gas,
				},
				agreements: agreements,
			})
		}
	}
	for _, p := range acct.Properties {
		for _, mp := range p.ElectricityMeterPoints {
			add(mp, false)
		}
		for _, mp := range p.GasMeterPoints {
			add(mp, true)
		}
	}

	o.mu.Lock()
	o.number = acct.Number
	o.meters = meters
	o.rateKind = kinds
	o.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"loaded octopus account",
		slog.String("account", acct.Number),
		slog.Int("meters", len(meters)),
	)
	return nil
}

// Snapshot writes the intervals of the last lookback days. Octopus publishes
// consumption the day after, so re-reading recent days fills in late data.
func (o *Octopus) Snapshot(ctx context.Context, w storage.Writer) error {
	now := o.now()
	from := types.DayOf(now, o.loc).AddDays(-o.lookback).Start(o.loc)
	return o.collect(ctx, from, now, w)
}

// Day writes every interval of a single local day.
func (o *Octopus) Day(ctx context.Context, day types.Day, w storage.Writer) error {
	return o.collect(ctx, day.Start(o.loc), day.End(o.loc), w)
}

func (o *Octopus) collect(ctx context.Context, from, to time.Time, w storage.Writer) error {
	o.mu.Lock()
	number, meters := o.number, o.meters
	o.mu.Unlock()

	tags := map[string]string{"account": number}
	var configErrs []error
	for _, m := range meters {
		intervals, err := o.consumption(ctx, m.meter, from, to)
		if err != nil {
			return err
		}

		points := make([]types.Point, 0, len(intervals))
		for _, iv := range intervals {
			rec, err := o.resolver.Resolve(ctx, m.meter, iv, m.agreements, o.fetchRates)
			var cfgErr *tariff.ConfigDataError
			if errors.As(err, &cfgErr) || errors.Is(err, types.ErrEmptyTariffCode) {
				log.Ctx(ctx).ErrorContext(ctx, "skipping octopus interval", slog.Any("error", err))
				configErrs = append(configErrs, err)
				continue
			}
			if err != nil {
				return err
			}
			points = append(points, storage.FromRecord(octopusMeasurement, tags, rec))
		}
		if err := w.Write(ctx, points...); err != nil {
			return fmt.Errorf("failed to write octopus points: %w", err)
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"wrote octopus meter",
			slog.String("mpan", m.meter.PointID),
			slog.String("meter", m.meter.Serial),
			slog.Int("intervals", len(points)),
		)
	}
	if len(configErrs) > 0 {
		// broken account data does not fix itself on retry
		return retry.Permanent(errors.Join(configErrs...))
	}
	return nil
}

func (o *Octopus) consumption(ctx context.Context, m types.Meter, from, to time.Time) ([]types.UsageInterval, error) {
	kind := "electricity"
	if m.IsGas {
		kind = "gas"
	}
	params := url.Values{}
	params.Set("period_from", from.UTC().Format(time.RFC3339))
	params.Set("period_to", to.UTC().Format(time.RFC3339))
	params.Set("order_by", "period")
	endpoint := fmt.Sprintf(
		"%s/%s-meter-points/%s/meters/%s/consumption/?%s",
		o.baseURL, kind, url.PathEscape(m.PointID), url.PathEscape(m.Serial), params.Encode(),
	)

	rows, err := octopusList[octopusConsumption](ctx, o, "octopus consumption", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption for %s/%s: %w", m.PointID, m.Serial, err)
	}
	intervals := lo.Map(rows, func(r octopusConsumption, _ int) types.UsageInterval {
		return types.UsageInterval{
			Start:    time.Time(r.IntervalStart),
			End:      time.Time(r.IntervalEnd),
			Quantity: r.Consumption,
		}
	})
	slices.SortFunc(intervals, func(a, b types.UsageInterval) int {
		return a.Start.Compare(b.Start)
	})
	return intervals, nil
}

// ProductCode returns the product a tariff code belongs to. Tariff codes look
// like E-1R-AGILE-24-04-03-C: the product drops the fuel and register prefix
// and the region suffix.
func ProductCode(tariffCode string) string {
	parts := strings.Split(tariffCode, "-")
	if len(parts) < 3 {
		return tariffCode
	}
	return strings.Join(parts[2:len(parts)-1], "-")
}

func (o *Octopus) fetchRates(ctx context.Context, code string) ([]types.RateRecord, error) {
	o.mu.Lock()
	kind, ok := o.rateKind[code]
	o.mu.Unlock()
	if !ok {
		kind = "electricity"
		if strings.HasPrefix(code, "G-") {
			kind = "gas"
		}
	}

	endpoint := fmt.Sprintf(
		"%s/products/%s/%s-tariffs/%s/standard-unit-rates/",
		o.baseURL, url.PathEscape(ProductCode(code)), kind, url.PathEscape(code),
	)
	rows, err := octopusList[octopusRate](ctx, o, "octopus rates", endpoint)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched octopus rates", slog.String("tariff", code), slog.Int("rates", len(rows)))
	return lo.Map(rows, func(r octopusRate, _ int) types.RateRecord {
		return types.RateRecord{Window: window(r.ValidFrom, r.ValidTo), PricePerUnit: r.ValueIncVAT}
	}), nil
}

// octopusList follows next links until the last page.
func octopusList[T any](ctx context.Context, o *Octopus, op, endpoint string) ([]T, error) {
	var out []T
	next := endpoint
	for next != "" {
		var page octopusPage
		if err := o.get(ctx, op, next, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Results {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("failed to decode octopus result: %w", err)
			}
			out = append(out, v)
		}
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return out, nil
}

// get fetches rawURL under the retry policy and decodes the JSON body.
func (o *Octopus) get(ctx context.Context, op, rawURL string, dest any) error {
	return o.policy.Run(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.SetBasicAuth(o.apiKey, "")
		req.Header.Set("Accept", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := common.CheckResponse(resp); err != nil {
			var se *common.StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return retry.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("failed to decode octopus response: %w", err)
		}
		return nil
	})
}
