package charger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/icholy/digest"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

const (
	directorURL      = "https://director.myenergi.net"
	asnHeader        = "X_MYENERGI-asn"
	zappiMeasurement = "zappi"
)

// MyenergiConfig is the myenergi section of the collector document.
type MyenergiConfig struct {
	HubSerial   string `yaml:"hub_serial"`
	HubPassword string `yaml:"hub_password"`
	ZappiSerial string `yaml:"zappi_serial"`
	DirectorURL string `yaml:"director_url"`
}

// Validate ensures the configuration is valid.
func (c MyenergiConfig) Validate() error {
	if c.HubSerial == "" {
		return errors.New("myenergi hub_serial is required")
	}
	if c.HubPassword == "" {
		return errors.New("myenergi hub_password is required")
	}
	return nil
}

// Myenergi reads a zappi charger through the myenergi cloud. Requests go to
// whichever server the director assigns to the hub.
type Myenergi struct {
	client   *http.Client
	director string
	scheme   string
	policy   retry.Policy

	mu     sync.Mutex
	asn    string
	serial string
}

// NewMyenergi returns a Myenergi collector. client is wrapped with digest
// authentication for the hub serial and password.
func NewMyenergi(cfg MyenergiConfig, client *http.Client, policy retry.Policy) *Myenergi {
	client.Transport = &digest.Transport{
		Username:  cfg.HubSerial,
		Password:  cfg.HubPassword,
		Transport: client.Transport,
	}
	director := cfg.DirectorURL
	if director == "" {
		director = directorURL
	}
	return &Myenergi{
		client:   client,
		director: director,
		scheme:   "https",
		policy:   policy,
		serial:   cfg.ZappiSerial,
	}
}

func (m *Myenergi) Name() string { return "myenergi" }

// ResumeMeasurement implements scheduler.Resumer.
func (m *Myenergi) ResumeMeasurement() string { return zappiMeasurement }

// Login asks the director for the hub's server and, if it was not
// configured, discovers the zappi serial.
func (m *Myenergi) Login(ctx context.Context) error {
	asn, err := retry.Do(ctx, m.policy, "myenergi director", func(ctx context.Context) (string, error) {
		resp, err := m.get(ctx, m.director)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		asn := resp.Header.Get(asnHeader)
		if asn == "" {
			return "", errors.New("director response has no server")
		}
		return asn, nil
	})
	if err != nil {
		return fmt.Errorf("failed to find myenergi server: %w", err)
	}
	m.mu.Lock()
	m.asn = asn
	serial := m.serial
	m.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "myenergi server assigned", slog.String("asn", asn))

	if serial != "" {
		return nil
	}
	status, err := m.status(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover zappi: %w", err)
	}
	m.mu.Lock()
	m.serial = status.Serial.String()
	m.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "discovered zappi", slog.String("serial", status.Serial.String()))
	return nil
}

func (m *Myenergi) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := common.CheckResponse(resp); err != nil {
		resp.Body.Close()
		var se *common.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return resp, nil
}

// getJSON fetches path on the assigned server and decodes the body into dest.
func (m *Myenergi) getJSON(ctx context.Context, op, path string, dest interface{}) error {
	m.mu.Lock()
	asn := m.asn
	m.mu.Unlock()
	if asn == "" {
		return retry.Permanent(errors.New("myenergi server unknown, login first"))
	}

	return m.policy.Run(ctx, op, func(ctx context.Context) error {
		resp, err := m.get(ctx, m.scheme+"://"+asn+"/"+path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("failed to decode myenergi response: %w", err)
		}
		return nil
	})
}

type zappiStatus struct {
	Serial   json.Number `json:"sno"`
	Date     string      `json:"dat"`
	Time     string      `json:"tim"`
	Diverted float64     `json:"div"`
	Voltage  float64     `json:"vol"`
}

func (m *Myenergi) status(ctx context.Context) (zappiStatus, error) {
	var res struct {
		Zappi []zappiStatus `json:"zappi"`
	}
	if err := m.getJSON(ctx, "myenergi status", "cgi-jstatus-Z", &res); err != nil {
		return zappiStatus{}, err
	}
	if len(res.Zappi) == 0 {
		return zappiStatus{}, retry.Permanent(errors.New("no zappi found on hub"))
	}
	return res.Zappi[0], nil
}

// Snapshot writes the zappi's current diverted power and supply voltage.
func (m *Myenergi) Snapshot(ctx context.Context, w storage.Writer) error {
	status, err := m.status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get zappi status: %w", err)
	}
	ts, err := time.Parse("02-01-2006 15:04:05", status.Date+" "+status.Time)
	if err != nil {
		return retry.Permanent(fmt.Errorf("invalid zappi time %q %q: %w", status.Date, status.Time, err))
	}
	p := types.NewPoint(zappiMeasurement, ts).
		Tag("zappi_serial", status.Serial.String()).
		Field("power", status.Diverted).
		Field("voltage", status.Voltage)
	return w.Write(ctx, p)
}

type zappiMinute struct {
	Year   int     `json:"yr"`
	Month  int     `json:"mon"`
	Day    int     `json:"dom"`
	Hour   int     `json:"hr"`
	Minute int     `json:"min"`
	V1     float64 `json:"v1"`
	H1D    float64 `json:"h1d"`
	H2D    float64 `json:"h2d"`
	H3D    float64 `json:"h3d"`
	H1B    float64 `json:"h1b"`
	H2B    float64 `json:"h2b"`
	H3B    float64 `json:"h3b"`
}

func (z zappiMinute) time() time.Time {
	return time.Date(z.Year, time.Month(z.Month), z.Day, z.Hour, z.Minute, 0, 0, time.UTC)
}

func (z zappiMinute) voltage() float64 {
	return z.V1 / 10
}

// power converts the minute's energy counters into watts.
func (z zappiMinute) power() float64 {
	v := z.voltage()
	if v == 0 {
		return 0
	}
	energy := z.H1D + z.H2D + z.H3D + z.H1B + z.H2B + z.H3B
	return energy / v * 4
}

// Day writes the per-minute history of day.
func (m *Myenergi) Day(ctx context.Context, day types.Day, w storage.Writer) error {
	m.mu.Lock()
	serial := m.serial
	m.mu.Unlock()

	var res map[string][]zappiMinute
	path := fmt.Sprintf("cgi-jday-Z%s-%s", serial, day.Format("2006-01-02"))
	if err := m.getJSON(ctx, "myenergi day", path, &res); err != nil {
		return fmt.Errorf("failed to get zappi day %s: %w", day, err)
	}

	minutes := res["U"+serial]
	points := make([]types.Point, 0, len(minutes))
	for _, z := range minutes {
		if z.Year == 0 {
			continue
		}
		points = append(points, types.NewPoint(zappiMeasurement, z.time()).
			Tag("zappi_serial", serial).
			Field("voltage", z.voltage()).
			Field("power", z.power()))
	}
	log.Ctx(ctx).DebugContext(ctx, "writing zappi day", slog.String("day", day.String()), slog.Int("points", len(points)))
	return w.Write(ctx, points...)
}
