package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gosimple/slug"
	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/types"
)

const mqttTimeout = 5 * time.Second

// publisher is the part of paho.Client the MQTT writer needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTT publishes the latest state of every series as a retained message, so
// home automation systems can pick up readings without polling a database.
// It is a sink only: points older than the last one published on a topic are
// skipped, which keeps backfills from clobbering the current state. A point at
// the same time replaces it.
type MQTT struct {
	broker   string
	username string
	password string
	prefix   string

	client paho.Client
	pub    publisher

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func configuredMQTT() *MQTT {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password (or MQTT_PASSWORD)")
	prefix := lflag.String("mqtt-topic-prefix", "homegauge", "Prefix for published topics")

	m := &MQTT{}
	lflag.Do(func() {
		m.broker = *broker
		m.username = *username
		m.password = *password
		m.prefix = *prefix
	})
	return m
}

// Validate checks if the provider is properly configured.
func (m *MQTT) Validate() error {
	if m.broker == "" {
		return fmt.Errorf("mqtt-broker is required")
	}
	return nil
}

// Init connects to the broker.
func (m *MQTT) Init(ctx context.Context, collector string) error {
	opts := paho.NewClientOptions().
		AddBroker(m.broker).
		SetClientID("homegauge-" + collector).
		SetUsername(m.username).
		SetPassword(m.password).
		SetAutoReconnect(true)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("unable to connect to mqtt broker in time")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	m.client = client
	m.pub = client
	log.Ctx(ctx).InfoContext(ctx, "mqtt writer ready", slog.String("broker", m.broker))
	return nil
}

// newMQTT returns a writer that publishes through pub.
func newMQTT(pub publisher, prefix string) *MQTT {
	return &MQTT{pub: pub, prefix: prefix}
}

// Topic returns the state topic for the series of p.
func (m *MQTT) Topic(p types.Point) string {
	parts := []string{m.prefix, slugify(p.Measurement)}
	if len(p.Tags) > 0 {
		keys := lo.Keys(p.Tags)
		slices.Sort(keys)
		vals := lo.Map(keys, func(k string, _ int) string {
			return p.Tags[k]
		})
		parts = append(parts, slugify(strings.Join(vals, " ")))
	}
	return strings.Join(append(parts, "state"), "/")
}

func slugify(s string) string {
	return strings.ReplaceAll(slug.Make(s), "-", "_")
}

// Write implements Writer.
func (m *MQTT) Write(ctx context.Context, points ...types.Point) error {
	if err := validate(points); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSent == nil {
		m.lastSent = map[string]time.Time{}
	}

	var published []types.Point
	for _, p := range points {
		topic := m.Topic(p)
		if last, ok := m.lastSent[topic]; ok && p.Time.Before(last) {
			continue
		}
		payload := make(map[string]any, len(p.Fields)+1)
		for k, v := range p.Fields {
			payload[k] = v
		}
		payload["time"] = p.Time.UTC().Format(time.RFC3339)
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", p.Measurement, err)
		}

		token := m.pub.Publish(topic, 1, true, body)
		if !token.WaitTimeout(mqttTimeout) {
			return fmt.Errorf("timed out publishing to %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		m.lastSent[topic] = p.Time
		published = append(published, p)
	}
	countWritten("mqtt", published)
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}
