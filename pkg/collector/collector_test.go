package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homegauge/homegauge/pkg/charger"
	"github.com/homegauge/homegauge/pkg/config"
	"github.com/homegauge/homegauge/pkg/ess"
	"github.com/homegauge/homegauge/pkg/scheduler"
	"github.com/homegauge/homegauge/pkg/utility"
	"github.com/homegauge/homegauge/pkg/weather"
)

func fullDocument() *config.Document {
	return &config.Document{
		Octopus:   utility.OctopusConfig{APIKey: "k", Account: "A-1"},
		Solarman:  ess.SolarmanConfig{Username: "u", Password: "p", PlantID: "123", TimezoneID: "Europe/London"},
		MetOffice: weather.MetOfficeConfig{ClientID: "id", ClientSecret: "s", Location: "london", Latitude: 51.5, Longitude: -0.12},
		Myenergi:  charger.MyenergiConfig{HubSerial: "1", HubPassword: "p"},
	}
}

func TestBuild(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		wantType  any
		next      time.Time
		backfill  int
		pollToday bool
		attempts  int
	}{
		{"octopus", &utility.Octopus{}, start.Add(4 * time.Hour), 0, false, 10},
		{"solarman", &ess.Solarman{}, start.Add(2 * time.Minute), 1, true, 5},
		{"met_office", &weather.MetOffice{}, start.Add(time.Hour), 0, false, 10},
		{"myenergi", &charger.Myenergi{}, start.Add(time.Minute), 1, false, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Build(tt.name, fullDocument())
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, b.Collector)
			assert.Equal(t, tt.name, b.Collector.Name())
			assert.Equal(t, tt.next, b.Options.Cadence.Next(start))
			assert.Equal(t, tt.backfill, b.Options.BackfillDays)
			assert.Equal(t, tt.pollToday, b.Options.PollToday)
			assert.Equal(t, time.UTC, b.Options.Location)
			assert.Equal(t, tt.attempts, b.Retry.MaxAttempts)
			assert.Equal(t, time.Second, b.Retry.InitialDelay)
			assert.Equal(t, 3, b.Options.CyclePolicy.MaxAttempts)
			assert.Equal(t, 30*time.Second, b.Options.CyclePolicy.InitialDelay)
		})
	}
}

func TestBuildOverrides(t *testing.T) {
	doc := fullDocument()
	doc.Timezone = "Europe/London"
	doc.Cadence = "*/5 * * * *"
	backfill, poll := 4, true
	doc.BackfillDays = &backfill
	doc.PollToday = &poll
	doc.Retry = config.RetryConfig{MaxAttempts: 2, Multiplier: 3}

	b, err := Build("octopus", doc)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Options.BackfillDays)
	assert.True(t, b.Options.PollToday)
	assert.Equal(t, "Europe/London", b.Options.Location.String())
	assert.Equal(t, 2, b.Retry.MaxAttempts)
	assert.Equal(t, time.Second, b.Retry.InitialDelay)
	assert.Equal(t, 3.0, b.Retry.Multiplier)

	start := time.Date(2024, 5, 1, 12, 1, 0, 0, b.Options.Location)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, b.Options.Location), b.Options.Cadence.Next(start))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build("kia", fullDocument())
	assert.ErrorContains(t, err, `unknown collector "kia"`)

	doc := fullDocument()
	doc.Cadence = "every now and then"
	_, err = Build("octopus", doc)
	assert.ErrorContains(t, err, "invalid cadence")

	for _, name := range Names() {
		_, err := Build(name, &config.Document{})
		assert.Error(t, err, name)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"met_office", "myenergi", "octopus", "solarman"}, Names())
	d, ok := DefaultsFor("solarman")
	require.True(t, ok)
	assert.Equal(t, "@every 2m", d.Cadence)
	_, ok = DefaultsFor("kia")
	assert.False(t, ok)
}

func TestStartupPolicy(t *testing.T) {
	c := &Config{startupDelay: time.Minute}
	p := c.StartupPolicy()
	assert.Equal(t, 0, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, time.Minute, p.Delay(5))
}

var _ scheduler.DayCollector = (*utility.Octopus)(nil)
var _ scheduler.Refresher = (*utility.Octopus)(nil)
var _ scheduler.MonthCollector = (*ess.Solarman)(nil)
var _ scheduler.DayCollector = (*charger.Myenergi)(nil)
