package collector

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"

	"github.com/homegauge/homegauge/pkg/charger"
	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/config"
	"github.com/homegauge/homegauge/pkg/ess"
	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/scheduler"
	"github.com/homegauge/homegauge/pkg/utility"
	"github.com/homegauge/homegauge/pkg/weather"
)

// Defaults are the per-collector settings used when the document doesn't
// override them.
type Defaults struct {
	Cadence      string
	BackfillDays int
	PollToday    bool
	Retry        retry.Policy
	Timeout      time.Duration
}

var defaults = map[string]Defaults{
	"octopus": {
		Cadence: "@every 4h",
		Retry:   retry.New(10, time.Second, 2),
		Timeout: time.Minute,
	},
	"solarman": {
		Cadence:      "@every 2m",
		BackfillDays: 1,
		PollToday:    true,
		Retry:        retry.New(5, time.Second, 2),
		Timeout:      time.Minute,
	},
	"met_office": {
		Cadence: "@every 1h",
		Retry:   retry.New(10, time.Second, 2),
		Timeout: time.Minute,
	},
	"myenergi": {
		Cadence:      "@every 1m",
		BackfillDays: 1,
		Retry:        retry.New(10, time.Second, 2),
		Timeout:      time.Minute,
	},
}

// Names returns the known collectors, sorted.
func Names() []string {
	names := lo.Keys(defaults)
	sort.Strings(names)
	return names
}

// DefaultsFor returns the defaults of the named collector.
func DefaultsFor(name string) (Defaults, bool) {
	d, ok := defaults[name]
	return d, ok
}

// Config holds the process flags that pick and supervise a collector.
type Config struct {
	name            string
	startupAttempts int
	startupDelay    time.Duration
}

// Configured registers the -collector and startup flags.
func Configured() *Config {
	c := &Config{}
	name := lflag.String("collector", "", "Collector to run (available: "+strings.Join(Names(), ", ")+")")
	attempts := lflag.Int("startup-attempts", 0, "Times to try starting the collector before exiting, 0 tries forever")
	delay := lflag.Duration("startup-delay", time.Minute, "Time to wait between startup attempts")
	lflag.Do(func() {
		c.name = strings.ToLower(strings.TrimSpace(*name))
		c.startupAttempts = *attempts
		c.startupDelay = *delay
	})
	return c
}

// Name returns the selected collector.
func (c *Config) Name() string {
	return c.name
}

// StartupPolicy wraps the whole collector startup. Every failed start waits
// the same delay.
func (c *Config) StartupPolicy() retry.Policy {
	return retry.Fixed(c.startupAttempts, c.startupDelay)
}

// Build returns the selected collector configured from doc.
func (c *Config) Build(doc *config.Document) (Built, error) {
	return Build(c.name, doc)
}

// Built is a collector ready to be scheduled.
type Built struct {
	Collector scheduler.Collector
	Options   scheduler.Options

	// Retry is the policy the collector wraps its remote calls in. Writes
	// use it too.
	Retry retry.Policy
}

// Build constructs the named collector from its section of doc, merging the
// document's overrides into the collector defaults.
func Build(name string, doc *config.Document) (Built, error) {
	d, ok := defaults[name]
	if !ok {
		return Built{}, fmt.Errorf("unknown collector %q (available: %s)", name, strings.Join(Names(), ", "))
	}

	cadence := d.Cadence
	if doc.Cadence != "" {
		cadence = doc.Cadence
	}
	schedule, err := scheduler.ParseCadence(cadence)
	if err != nil {
		return Built{}, err
	}
	backfill := d.BackfillDays
	if doc.BackfillDays != nil {
		backfill = *doc.BackfillDays
	}
	pollToday := d.PollToday
	if doc.PollToday != nil {
		pollToday = *doc.PollToday
	}
	timeout := d.Timeout
	if doc.Timeout > 0 {
		timeout = doc.Timeout
	}
	policy := mergeRetry(d.Retry, doc.Retry)
	loc, err := doc.Location()
	if err != nil {
		return Built{}, err
	}

	client := common.HTTPClient(timeout)
	col, err := newCollector(name, doc, client, policy, loc)
	if err != nil {
		return Built{}, err
	}

	return Built{
		Collector: col,
		Options: scheduler.Options{
			Cadence:      schedule,
			BackfillDays: backfill,
			PollToday:    pollToday,
			Location:     loc,
			CyclePolicy:  scheduler.DefaultCyclePolicy(),
		},
		Retry: policy,
	}, nil
}

func mergeRetry(p retry.Policy, o config.RetryConfig) retry.Policy {
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelay > 0 {
		p.InitialDelay = o.InitialDelay
	}
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	return p
}

func newCollector(name string, doc *config.Document, client *http.Client, policy retry.Policy, loc *time.Location) (scheduler.Collector, error) {
	switch name {
	case "octopus":
		if err := doc.Octopus.Validate(); err != nil {
			return nil, err
		}
		return utility.NewOctopus(doc.Octopus, client, policy, loc), nil
	case "solarman":
		if err := doc.Solarman.Validate(); err != nil {
			return nil, err
		}
		return ess.NewSolarman(doc.Solarman, client, policy)
	case "met_office":
		if err := doc.MetOffice.Validate(); err != nil {
			return nil, err
		}
		return weather.NewMetOffice(doc.MetOffice, client, policy), nil
	case "myenergi":
		if err := doc.Myenergi.Validate(); err != nil {
			return nil, err
		}
		return charger.NewMyenergi(doc.Myenergi, client, policy), nil
	default:
		return nil, fmt.Errorf("unknown collector %q", name)
	}
}
