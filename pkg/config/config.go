package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/homegauge/homegauge/pkg/charger"
	"github.com/homegauge/homegauge/pkg/ess"
	"github.com/homegauge/homegauge/pkg/utility"
	"github.com/homegauge/homegauge/pkg/weather"
)

// RetryConfig overrides parts of a collector's retry policy. Zero values keep
// the collector default.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Document is the collector document, usually homegauge.yml.
type Document struct {
	Timezone     string        `yaml:"timezone"`
	Cadence      string        `yaml:"cadence"`
	BackfillDays *int          `yaml:"backfill_days"`
	PollToday    *bool         `yaml:"poll_today"`
	Timeout      time.Duration `yaml:"timeout"`
	Retry        RetryConfig   `yaml:"retry"`

	Octopus   utility.OctopusConfig   `yaml:"octopus"`
	Solarman  ess.SolarmanConfig      `yaml:"solarman"`
	MetOffice weather.MetOfficeConfig `yaml:"met_office"`
	Myenergi  charger.MyenergiConfig  `yaml:"myenergi"`
}

// secrets override the document when set in the environment.
type secrets struct {
	OctopusAPIKey         string `env:"OCTOPUS_API_KEY"`
	SolarmanPassword      string `env:"SOLARMAN_PASSWORD"`
	MetOfficeClientSecret string `env:"METOFFICE_CLIENT_SECRET"`
	MyenergiHubPassword   string `env:"MYENERGI_HUB_PASSWORD"`
}

// Config holds the location of the collector document.
type Config struct {
	path string
}

// Configured registers the -config flag.
func Configured() *Config {
	c := &Config{}
	path := lflag.String("config", "homegauge.yml", "Path to the YAML collector document")
	lflag.Do(func() {
		c.path = *path
	})
	return c
}

// Path returns the configured document path.
func (c *Config) Path() string {
	return c.path
}

// Load reads the configured document and applies environment overrides.
func (c *Config) Load() (*Document, error) {
	return Load(c.path)
}

// Load reads the document at path and applies environment overrides.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b, nil)
}

// Parse decodes a document. Unknown keys are rejected so typos don't go
// unnoticed. Secrets are taken from environ, or from the process environment
// if environ is nil.
func Parse(b []byte, environ map[string]string) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var s secrets
	var err error
	if environ == nil {
		err = env.Parse(&s)
	} else {
		err = env.ParseWithOptions(&s, env.Options{Environment: environ})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if s.OctopusAPIKey != "" {
		doc.Octopus.APIKey = s.OctopusAPIKey
	}
	if s.SolarmanPassword != "" {
		doc.Solarman.Password = s.SolarmanPassword
	}
	if s.MetOfficeClientSecret != "" {
		doc.MetOffice.ClientSecret = s.MetOfficeClientSecret
	}
	if s.MyenergiHubPassword != "" {
		doc.Myenergi.HubPassword = s.MyenergiHubPassword
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the settings shared by every collector. Vendor sections are
// validated when their collector is built.
func (d *Document) Validate() error {
	if _, err := d.Location(); err != nil {
		return err
	}
	if d.BackfillDays != nil && *d.BackfillDays < 0 {
		return fmt.Errorf("backfill_days must not be negative: %d", *d.BackfillDays)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %s", d.Timeout)
	}
	if d.Retry.MaxAttempts < 0 || d.Retry.InitialDelay < 0 || d.Retry.Multiplier < 0 {
		return errors.New("retry settings must not be negative")
	}
	return nil
}

// Location returns the timezone day boundaries are computed in. It defaults
// to UTC.
func (d *Document) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", d.Timezone, err)
	}
	return loc, nil
}
