package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"
)

// provider is a Writer that needs configuration checked and a connection set
// up before use.
type provider interface {
	Writer
	Validate() error
	Init(ctx context.Context, collector string) error
}

// secrets can be given through the environment instead of flags.
type secrets struct {
	InfluxDBToken string `env:"INFLUXDB_TOKEN"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
}

// Config holds the configured storage providers.
type Config struct {
	names     []string
	providers map[string]provider
}

// Configured sets up the storage providers based on flags.
func Configured() *Config {
	list := lflag.String(
		"storage-providers",
		"influxdb",
		"Comma separated storage providers to write to (available: influxdb, firestore, postgres, mqtt, discard)",
	)

	influx := configuredInfluxDB()
	fs := configuredFirestore()
	pg := configuredPostgres()
	mq := configuredMQTT()

	c := &Config{
		providers: map[string]provider{
			"influxdb":  influx,
			"firestore": fs,
			"postgres":  pg,
			"mqtt":      mq,
		},
	}

	lflag.Do(func() {
		c.names = parseProviders(*list)

		var s secrets
		if err := env.Parse(&s); err != nil {
			panic(fmt.Sprintf("failed to parse storage environment: %v", err))
		}
		if influx.token == "" {
			influx.token = s.InfluxDBToken
		}
		if pg.dsn == "" {
			pg.dsn = s.DatabaseURL
		}
		if mq.password == "" {
			mq.password = s.MQTTPassword
		}
	})

	return c
}

func parseProviders(list string) []string {
	names := lo.Map(strings.Split(list, ","), func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	return lo.Uniq(lo.Compact(names))
}

// Names returns the selected providers in the order they were given.
func (c *Config) Names() []string {
	return c.names
}

// Open validates and initializes every selected provider and returns a
// Writer that writes to all of them. The collector name is used as a default
// by providers that namespace their data, such as the InfluxDB bucket.
func (c *Config) Open(ctx context.Context, collector string) (Writer, error) {
	if len(c.names) == 0 {
		return nil, errors.New("no storage providers configured")
	}

	var opened Multi
	for _, name := range c.names {
		if name == "discard" {
			opened = append(opened, Discard{})
			continue
		}
		p, ok := c.providers[name]
		if !ok {
			opened.Close()
			return nil, unknownProvider(name)
		}
		if err := p.Validate(); err != nil {
			opened.Close()
			return nil, fmt.Errorf("%s validation failed: %w", name, err)
		}
		if err := p.Init(ctx, collector); err != nil {
			opened.Close()
			return nil, fmt.Errorf("%s init failed: %w", name, err)
		}
		opened = append(opened, p)
	}

	if len(opened) == 1 {
		return opened[0], nil
	}
	return opened, nil
}
