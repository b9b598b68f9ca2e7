package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

const (
	solarmanBaseURL   = "https://home.solarman.cn"
	solarmanLoginPath = "cpro/login/validateLogin.json"
	solarmanPlantPath = "cpro/epc/plantDetail/showPlantDetailAjax.json"
	solarmanChartPath = "cpro/epc/plantDetail/showCharts.json"
	solarmanSocPath   = "cpro/epc/plantDetail/showSocCharts.json"

	solarmanPowerMeasurement   = "solarman_power"
	solarmanChartMeasurement   = "solarman"
	solarmanSummaryMeasurement = "solarman_daily_summary"
	solarmanBatteryMeasurement = "solarman_battery"
)

var (
	solarmanSnapshotFields = []string{"power", "powerBattery", "powerGrid", "powerUseage"}

	solarmanChartFields = []string{
		"energy_batter_",
		"energy_batter_in",
		"energy_batter_out",
		"power",
		"power_",
		"power_buy",
		"power_sell",
		"power_useage",
	}

	solarmanSummaryFields = []string{
		"energy",
		"energy_batter_in",
		"energy_batter_out",
		"energy_buy",
		"energy_sell",
		"energy_useage",
		"energy_useage_buy",
		"energy_useage_gen",
		"energy_useage_out",
		"self_energy_in",
		"self_energy_sell",
		"selfuseage",
	}
)

// SolarmanConfig is the solarman section of the collector document.
type SolarmanConfig struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Domain     string `yaml:"domain"`
	Lan        int    `yaml:"lan"`
	UserType   string `yaml:"user_type"`
	PlantID    string `yaml:"plant_id"`
	TimezoneID string `yaml:"timezone_id"`
	BaseURL    string `yaml:"base_url"`
}

// Validate ensures the configuration is valid.
func (c SolarmanConfig) Validate() error {
	if c.Username == "" {
		return errors.New("solarman username is required")
	}
	if c.Password == "" {
		return errors.New("solarman password is required")
	}
	if c.PlantID == "" {
		return errors.New("solarman plant_id is required")
	}
	return nil
}

// Solarman scrapes a single plant from the Solarman web portal. The portal
// has no API keys, so it logs in with a form post and keeps the session
// cookie.
type Solarman struct {
	client  *http.Client
	baseURL string
	cfg     SolarmanConfig
	policy  retry.Policy

	mu         sync.Mutex
	timezoneID string
}

// NewSolarman returns a Solarman collector. A cookie jar is added to client
// if it has none. Every call is retried under policy and an expired session
// logs in again before the next attempt.
func NewSolarman(cfg SolarmanConfig, client *http.Client, policy retry.Policy) (*Solarman, error) {
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = solarmanBaseURL
	}
	if cfg.Lan == 0 {
		cfg.Lan = 2
	}
	if cfg.UserType == "" {
		cfg.UserType = "C"
	}

	s := &Solarman{
		client:     client,
		baseURL:    cfg.BaseURL,
		cfg:        cfg,
		timezoneID: cfg.TimezoneID,
	}
	s.policy = policy.WithRelogin(s.login)
	return s, nil
}

func (s *Solarman) Name() string { return "solarman" }

// ResumeMeasurement implements scheduler.Resumer.
func (s *Solarman) ResumeMeasurement() string { return solarmanChartMeasurement }

// Login opens a session and, if no timezone was configured, discovers the
// plant's timezone id from its detail page.
func (s *Solarman) Login(ctx context.Context) error {
	if err := s.policy.Run(ctx, "solarman login", s.login); err != nil {
		return err
	}

	s.mu.Lock()
	tz := s.timezoneID
	s.mu.Unlock()
	if tz != "" {
		return nil
	}

	detail, err := s.plantDetail(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover plant timezone: %w", err)
	}
	s.mu.Lock()
	s.timezoneID = detail.PlantAllWapper.Plant.TimezoneID
	s.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "discovered solarman timezone", slog.String("timezoneId", detail.PlantAllWapper.Plant.TimezoneID))
	return nil
}

func (s *Solarman) login(ctx context.Context) error {
	data := url.Values{}
	data.Set("userName", s.cfg.Username)
	data.Set("password", s.cfg.Password)
	data.Set("lan", strconv.Itoa(s.cfg.Lan))
	data.Set("userType", s.cfg.UserType)
	data.Set("domain", s.cfg.Domain)

	req, err := s.newPostFormRequest(ctx, solarmanLoginPath, data)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := common.CheckResponse(resp); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "solarman login failed", slog.Any("error", err))
		return fmt.Errorf("login failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	log.Ctx(ctx).DebugContext(ctx, "solarman login success", slog.String("username", s.cfg.Username))
	return nil
}

func (s *Solarman) newPostFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

type solarmanResponse struct {
	Result json.RawMessage `json:"result"`
}

// doRequest posts data to endpoint and decodes the result member into dest.
// The portal answers with its HTML login page once the session is gone.
func (s *Solarman) doRequest(ctx context.Context, op, endpoint string, data url.Values, dest interface{}) error {
	return s.policy.Run(ctx, op, func(ctx context.Context) error {
		req, err := s.newPostFormRequest(ctx, endpoint, data)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := common.CheckResponse(resp); err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		var sr solarmanResponse
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&sr); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				return fmt.Errorf("solarman returned a non-json body: %w", retry.ErrAuthExpired)
			}
			return fmt.Errorf("failed to decode solarman response: %w", err)
		}
		if len(sr.Result) == 0 || string(sr.Result) == "null" {
			log.Ctx(ctx).ErrorContext(ctx, "solarman response has no result", slog.String("body", string(body)))
			return errors.New("solarman response has no result")
		}
		if err := json.Unmarshal(sr.Result, dest); err != nil {
			return fmt.Errorf("failed to decode solarman result: %w", err)
		}
		return nil
	})
}

// solarmanNumber accepts both JSON numbers and numeric strings, which the
// portal mixes freely.
type solarmanNumber float64

func (n *solarmanNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid solarman number %q: %w", s, err)
		}
		*n = solarmanNumber(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = solarmanNumber(f)
	return nil
}

func (n solarmanNumber) millis() time.Time {
	return time.UnixMilli(int64(n)).UTC()
}

// solarmanRecord is one loosely typed entry of a chart or summary.
type solarmanRecord map[string]json.RawMessage

// float returns the named field, or 0 if it is missing.
func (r solarmanRecord) float(key string) (float64, error) {
	raw, ok := r[key]
	if !ok {
		return 0, nil
	}
	var n solarmanNumber
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return float64(n), nil
}

func (r solarmanRecord) str(key string) string {
	raw, ok := r[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	return s
}

func (r solarmanRecord) point(measurement string, ts time.Time, plantID string, keys []string) (types.Point, error) {
	p := types.NewPoint(measurement, ts).Tag("plant_id", plantID)
	for _, k := range keys {
		v, err := r.float(k)
		if err != nil {
			return types.Point{}, err
		}
		p = p.Field(k, v)
	}
	return p, nil
}

type solarmanPlantDetail struct {
	PlantAllWapper struct {
		Plant struct {
			TimezoneID string `json:"timezoneId"`
		} `json:"plant"`
		PlantData solarmanRecord `json:"plantData"`
	} `json:"plantAllWapper"`
}

type solarmanCharts struct {
	PlantSta      solarmanRecord   `json:"plantSta"`
	ChartsDataAll []solarmanRecord `json:"chartsDataAll"`
}

type solarmanSocCharts struct {
	PlantData [][]solarmanNumber `json:"plantData"`
}

func (s *Solarman) plantDetail(ctx context.Context) (solarmanPlantDetail, error) {
	var detail solarmanPlantDetail
	data := url.Values{}
	data.Set("plantId", s.cfg.PlantID)
	err := s.doRequest(ctx, "solarman plant detail", solarmanPlantPath, data, &detail)
	return detail, err
}

func (s *Solarman) chartForm(chartType int, date string) url.Values {
	s.mu.Lock()
	tz := s.timezoneID
	s.mu.Unlock()

	data := url.Values{}
	data.Set("plantId", s.cfg.PlantID)
	data.Set("type", strconv.Itoa(chartType))
	data.Set("date", date)
	data.Set("plantTimezoneId", tz)
	return data
}

// Snapshot writes the plant's live power readings.
func (s *Solarman) Snapshot(ctx context.Context, w storage.Writer) error {
	detail, err := s.plantDetail(ctx)
	if err != nil {
		return fmt.Errorf("failed to get solarman snapshot: %w", err)
	}
	data := detail.PlantAllWapper.PlantData
	updated, err := data.float("plantUpdateTime")
	if err != nil {
		return retry.Permanent(err)
	}
	ts := solarmanNumber(updated).millis()
	p, err := data.point(solarmanPowerMeasurement, ts, s.cfg.PlantID, solarmanSnapshotFields)
	if err != nil {
		return retry.Permanent(err)
	}
	log.Ctx(ctx).DebugContext(ctx, "writing solarman snapshot", slog.Time("time", ts))
	return w.Write(ctx, p)
}

// Day writes the day summary, the five minute chart and the battery charge
// curve of day.
func (s *Solarman) Day(ctx context.Context, day types.Day, w storage.Writer) error {
	date := day.Format("2006/01/02")

	var charts solarmanCharts
	if err := s.doRequest(ctx, "solarman day", solarmanChartPath, s.chartForm(1, date), &charts); err != nil {
		return fmt.Errorf("failed to get solarman day %s: %w", day, err)
	}

	var points []types.Point
	if p, ok, err := s.summaryPoint(ctx, charts.PlantSta); err != nil {
		return err
	} else if ok {
		points = append(points, p)
	}
	for _, entry := range charts.ChartsDataAll {
		ms, err := entry.float("date")
		if err != nil {
			return retry.Permanent(err)
		}
		p, err := entry.point(solarmanChartMeasurement, solarmanNumber(ms).millis(), s.cfg.PlantID, solarmanChartFields)
		if err != nil {
			return retry.Permanent(err)
		}
		points = append(points, p)
	}

	var soc solarmanSocCharts
	if err := s.doRequest(ctx, "solarman battery", solarmanSocPath, s.chartForm(1, date), &soc); err != nil {
		return fmt.Errorf("failed to get solarman battery charge %s: %w", day, err)
	}
	for _, pair := range soc.PlantData {
		if len(pair) < 2 {
			continue
		}
		points = append(points, types.NewPoint(solarmanBatteryMeasurement, pair[0].millis()).
			Tag("plant_id", s.cfg.PlantID).
			Field("charge_pc", float64(pair[1])))
	}

	log.Ctx(ctx).DebugContext(ctx, "writing solarman day", slog.String("day", day.String()), slog.Int("points", len(points)))
	return w.Write(ctx, points...)
}

// Month writes a summary for every day of the month containing day.
func (s *Solarman) Month(ctx context.Context, day types.Day, w storage.Writer) error {
	month := day.Format("2006-01")

	var charts solarmanCharts
	if err := s.doRequest(ctx, "solarman month", solarmanChartPath, s.chartForm(2, month), &charts); err != nil {
		return fmt.Errorf("failed to get solarman month %s: %w", month, err)
	}

	var points []types.Point
	for _, summary := range charts.ChartsDataAll {
		p, ok, err := s.summaryPoint(ctx, summary)
		if err != nil {
			return err
		}
		if ok {
			points = append(points, p)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "writing solarman month", slog.String("month", month), slog.Int("points", len(points)))
	return w.Write(ctx, points...)
}

// summaryPoint converts a day summary. Right after midnight the portal can
// return a summary without a date, which is skipped.
func (s *Solarman) summaryPoint(ctx context.Context, summary solarmanRecord) (types.Point, bool, error) {
	date := summary.str("date")
	if date == "" {
		log.Ctx(ctx).InfoContext(ctx, "no solarman summary for date yet")
		return types.Point{}, false, nil
	}
	ts, err := parseSolarmanDate(date)
	if err != nil {
		return types.Point{}, false, retry.Permanent(err)
	}
	p, err := summary.point(solarmanSummaryMeasurement, ts, s.cfg.PlantID, solarmanSummaryFields)
	if err != nil {
		return types.Point{}, false, retry.Permanent(err)
	}
	return p, true, nil
}

// parseSolarmanDate parses either yyyy-MM-dd or yyyyMMdd as midnight UTC.
func parseSolarmanDate(s string) (time.Time, error) {
	layout := "20060102"
	if strings.Contains(s, "-") {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid solarman date %q: %w", s, err)
	}
	return t, nil
}
