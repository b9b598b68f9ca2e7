package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
timezone: Europe/London
cadence: "@every 30m"
backfill_days: 3
poll_today: true
timeout: 30s
retry:
  max_attempts: 4
  initial_delay: 2s
octopus:
  api_key: sk_live_doc
  account: A-1234ABCD
solarman:
  username: me@example.com
  password: doc-password
  domain: home.solarman.cn
  plant_id: "123"
met_office:
  client_id: id
  client_secret: doc-secret
  latitude: 51.5
  longitude: -0.12
  location: london
myenergi:
  hub_serial: "12345"
  hub_password: doc-hub
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc), map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "@every 30m", doc.Cadence)
	require.NotNil(t, doc.BackfillDays)
	assert.Equal(t, 3, *doc.BackfillDays)
	require.NotNil(t, doc.PollToday)
	assert.True(t, *doc.PollToday)
	assert.Equal(t, 30*time.Second, doc.Timeout)
	assert.Equal(t, RetryConfig{MaxAttempts: 4, InitialDelay: 2 * time.Second}, doc.Retry)

	assert.Equal(t, "sk_live_doc", doc.Octopus.APIKey)
	assert.Equal(t, "A-1234ABCD", doc.Octopus.Account)
	assert.Equal(t, "123", doc.Solarman.PlantID)
	assert.Equal(t, 51.5, doc.MetOffice.Latitude)
	assert.Equal(t, "12345", doc.Myenergi.HubSerial)

	loc, err := doc.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", loc.String())
}

func TestParseEnvironmentWins(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc), map[string]string{
		"OCTOPUS_API_KEY":         "sk_live_env",
		"SOLARMAN_PASSWORD":       "env-password",
		"METOFFICE_CLIENT_SECRET": "env-secret",
		"MYENERGI_HUB_PASSWORD":   "env-hub",
	})
	require.NoError(t, err)
	assert.Equal(t, "sk_live_env", doc.Octopus.APIKey)
	assert.Equal(t, "env-password", doc.Solarman.Password)
	assert.Equal(t, "env-secret", doc.MetOffice.ClientSecret)
	assert.Equal(t, "env-hub", doc.Myenergi.HubPassword)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "timezon: UTC\n"},
		{"bad timezone", "timezone: Mars/Olympus\n"},
		{"negative backfill", "backfill_days: -1\n"},
		{"bad duration", "timeout: soon\n"},
		{"negative retry", "retry:\n  max_attempts: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), map[string]string{})
			assert.Error(t, err)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	doc, err := Parse(nil, map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, doc.BackfillDays)
	loc, err := doc.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homegauge.yml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: UTC\n"), 0o600))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", doc.Timezone)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
