package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

const (
	metOfficeBaseURL = "https://api-metoffice.apiconnect.ibmcloud.com/metoffice/production/v0/forecasts/point"

	// Met Office times look like 2024-05-01T12:00Z.
	metOfficeTimeLayout = "2006-01-02T15:04Z07:00"

	cacheTTL     = 600 * time.Second
	cacheEntries = 10
)

type fieldKind int

const (
	floatField fieldKind = iota
	intField
)

// Forecasts are fetched and written in this order. Each name is both the API
// path and the measurement.
var Forecasts = []string{"hourly", "three-hourly", "daily"}

var forecastFields = map[string]map[string]fieldKind{
	"hourly": {
		"screenTemperature":         floatField,
		"screenDewPointTemperature": floatField,
		"feelsLikeTemperature":      floatField,
		"windSpeed10m":              floatField,
		"windDirectionFrom10m":      floatField,
		"windGustSpeed10m":          floatField,
		"visibility":                intField,
		"screenRelativeHumidity":    floatField,
		"mslp":                      intField,
		"uvIndex":                   intField,
		"significantWeatherCode":    intField,
		"precipitationRate":         floatField,
		"probOfPrecipitation":       intField,
	},
	"three-hourly": {
		"maxScreenAirTemp":       floatField,
		"minScreenAirTemp":       floatField,
		"max10mWindGust":         floatField,
		"significantWeatherCode": intField,
		"totalPrecipAmount":      floatField,
		"totalSnowAmount":        floatField,
		"windSpeed10m":           floatField,
		"windDirectionFrom10m":   floatField,
		"windGustSpeed10m":       floatField,
		"visibility":             intField,
		"mslp":                   intField,
		"screenRelativeHumidity": floatField,
		"feelsLikeTemp":          floatField,
		"uvIndex":                intField,
		"probOfPrecipitation":    intField,
		"probOfSnow":             intField,
		"probOfHeavySnow":        intField,
		"probOfRain":             intField,
		"probOfHeavyRain":        intField,
		"probOfHail":             intField,
		"probOfSferics":          intField,
	},
	"daily": {
		"midday10MWindSpeed":              floatField,
		"midnight10MWindSpeed":            floatField,
		"midday10MWindDirection":          floatField,
		"midnight10MWindDirection":        floatField,
		"midday10MWindGust":               floatField,
		"midnight10MWindGust":             floatField,
		"middayVisibility":                intField,
		"midnightVisibility":              intField,
		"middayRelativeHumidity":          floatField,
		"midnightRelativeHumidity":        floatField,
		"middayMslp":                      intField,
		"midnightMslp":                    intField,
		"maxUvIndex":                      intField,
		"daySignificantWeatherCode":       intField,
		"nightSignificantWeatherCode":     intField,
		"dayMaxScreenTemperature":         floatField,
		"nightMinScreenTemperature":       floatField,
		"dayUpperBoundMaxTemp":            floatField,
		"nightUpperBoundMinTemp":          floatField,
		"dayLowerBoundMaxTemp":            floatField,
		"nightLowerBoundMinTemp":          floatField,
		"dayMaxFeelsLikeTemp":             floatField,
		"nightMinFeelsLikeTemp":           floatField,
		"dayUpperBoundMaxFeelsLikeTemp":   floatField,
		"nightUpperBoundMinFeelsLikeTemp": floatField,
		"dayLowerBoundMaxFeelsLikeTemp":   floatField,
		"nightLowerBoundMinFeelsLikeTemp": floatField,
		"dayProbabilityOfPrecipitation":   intField,
		"nightProbabilityOfPrecipitation": intField,
		"dayProbabilityOfSnow":            intField,
		"nightProbabilityOfSnow":          intField,
		"dayProbabilityOfHeavySnow":       intField,
		"nightProbabilityOfHeavySnow":     intField,
		"dayProbabilityOfRain":            intField,
		"nightProbabilityOfRain":          intField,
		"dayProbabilityOfHeavyRain":       intField,
		"nightProbabilityOfHeavyRain":     intField,
		"dayProbabilityOfHail":            intField,
		"nightProbabilityOfHail":          intField,
		"dayProbabilityOfSferics":         intField,
		"nightProbabilityOfSferics":       intField,
	},
}

// MetOfficeConfig is the met_office section of the collector document.
type MetOfficeConfig struct {
	ClientID     string  `yaml:"client_id"`
	ClientSecret string  `yaml:"client_secret"`
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	Location     string  `yaml:"location"`
	BaseURL      string  `yaml:"base_url"`
}

// Validate ensures the configuration is valid.
func (c MetOfficeConfig) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("met_office client_id and client_secret are required")
	}
	if c.Location == "" {
		return errors.New("met_office location is required")
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("invalid met_office coordinates %f,%f", c.Latitude, c.Longitude)
	}
	return nil
}

type timeSeriesEntry map[string]json.RawMessage

type forecastResponse struct {
	Features []struct {
		Properties struct {
			TimeSeries []timeSeriesEntry `json:"timeSeries"`
		} `json:"properties"`
	} `json:"features"`
}

type cachedForecast struct {
	expires  time.Time
	forecast forecastResponse
}

// fresh is false once the entry is past its expiry by the collector's clock.
// The LRU expires entries on the real clock as well.
func (c cachedForecast) fresh(now time.Time) bool {
	return now.Before(c.expires)
}

// MetOffice writes the Met Office site-specific forecasts for one location.
type MetOffice struct {
	client  *http.Client
	baseURL string
	cfg     MetOfficeConfig
	policy  retry.Policy
	now     func() time.Time

	cache *expirable.LRU[string, cachedForecast]
}

// NewMetOffice returns a MetOffice collector.
func NewMetOffice(cfg MetOfficeConfig, client *http.Client, policy retry.Policy) *MetOffice {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = metOfficeBaseURL
	}
	return &MetOffice{
		client:  client,
		baseURL: baseURL,
		cfg:     cfg,
		policy:  policy,
		now:     time.Now,
		cache:   expirable.NewLRU[string, cachedForecast](cacheEntries, nil, cacheTTL),
	}
}

func (m *MetOffice) Name() string { return "met_office" }

// Login does nothing: every request carries the client id and secret.
func (m *MetOffice) Login(ctx context.Context) error {
	return nil
}

// Snapshot writes every forecast.
func (m *MetOffice) Snapshot(ctx context.Context, w storage.Writer) error {
	for _, name := range Forecasts {
		f, err := m.forecast(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get %s forecast: %w", name, err)
		}
		points, err := forecastPoints(name, m.cfg.Location, f)
		if err != nil {
			return retry.Permanent(err)
		}
		log.Ctx(ctx).DebugContext(ctx, "writing forecast", slog.String("forecast", name), slog.Int("points", len(points)))
		if err := w.Write(ctx, points...); err != nil {
			return fmt.Errorf("failed to write %s forecast: %w", name, err)
		}
	}
	return nil
}

// forecast returns the named forecast, from the cache if it was fetched
// within cacheTTL.
func (m *MetOffice) forecast(ctx context.Context, name string) (forecastResponse, error) {
	now := m.now()
	if c, ok := m.cache.Get(name); ok {
		if c.fresh(now) {
			log.Ctx(ctx).DebugContext(ctx, "using cached forecast", slog.String("forecast", name))
			return c.forecast, nil
		}
		m.cache.Remove(name)
	}

	f, err := retry.Do(ctx, m.policy, "met office "+name, func(ctx context.Context) (forecastResponse, error) {
		return m.fetch(ctx, name)
	})
	if err != nil {
		return forecastResponse{}, err
	}
	m.cache.Add(name, cachedForecast{expires: now.Add(cacheTTL), forecast: f})
	return f, nil
}

func (m *MetOffice) fetch(ctx context.Context, name string) (forecastResponse, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return forecastResponse{}, retry.Permanent(err)
	}
	u.Path, err = url.JoinPath(u.Path, name)
	if err != nil {
		return forecastResponse{}, retry.Permanent(err)
	}
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(m.cfg.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(m.cfg.Longitude, 'f', -1, 64))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return forecastResponse{}, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ibm-client-id", m.cfg.ClientID)
	req.Header.Set("x-ibm-client-secret", m.cfg.ClientSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return forecastResponse{}, err
	}
	defer resp.Body.Close()
	if err := common.CheckResponse(resp); err != nil {
		var se *common.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return forecastResponse{}, retry.Permanent(err)
		}
		return forecastResponse{}, err
	}

	var f forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return forecastResponse{}, fmt.Errorf("failed to decode met office response: %w", err)
	}
	if len(f.Features) == 0 {
		return forecastResponse{}, errors.New("met office response has no features")
	}
	return f, nil
}

// forecastPoints converts every time series entry of the first feature into
// a point. Fields missing from an entry are written as 0.
func forecastPoints(name, location string, f forecastResponse) ([]types.Point, error) {
	fields, ok := forecastFields[name]
	if !ok {
		return nil, fmt.Errorf("unknown forecast %q", name)
	}
	if len(f.Features) == 0 {
		return nil, nil
	}

	series := f.Features[0].Properties.TimeSeries
	points := make([]types.Point, 0, len(series))
	for _, entry := range series {
		var raw string
		if err := json.Unmarshal(entry["time"], &raw); err != nil {
			return nil, fmt.Errorf("invalid forecast time: %w", err)
		}
		ts, err := time.Parse(metOfficeTimeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid forecast time %q: %w", raw, err)
		}

		p := types.NewPoint(name, ts).Tag("location", location)
		for key, kind := range fields {
			var v float64
			if b, ok := entry[key]; ok && string(b) != "null" {
				if err := json.Unmarshal(b, &v); err != nil {
					return nil, fmt.Errorf("invalid forecast field %s: %w", key, err)
				}
			}
			if kind == intField {
				p = p.Field(key, int64(v))
			} else {
				p = p.Field(key, v)
			}
		}
		points = append(points, p)
	}
	return points, nil
}
