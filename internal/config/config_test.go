package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineMatchesProductTunables(t *testing.T) {
	e := DefaultEngine()

	assert.Equal(t, 60*time.Second, e.DecisionWindow())
	assert.Equal(t, 60*time.Second, e.NavigationDeadline())
	assert.Equal(t, 120*time.Second, e.MovementDeadline())
	assert.Equal(t, 30*time.Second, e.BoostInterval())
	assert.Equal(t, Range{Min: 2, Max: 5}, e.BoostRange)
	assert.Equal(t, Range{Min: 0.20, Max: 0.30}, e.UrgencyPremiumRange)
	assert.Equal(t, 3218.0, e.MaxRadiusMeters)
	assert.Equal(t, 3*time.Second, e.HeadStart())
	assert.Equal(t, 30*time.Second, e.DwellThreshold())
	assert.Equal(t, 10*time.Minute, e.StationaryWindow())
	assert.Equal(t, 20.0, e.StationaryRadiusMeters)
	assert.Equal(t, 5.0, e.TrackerMinMovementMeters)
	assert.Equal(t, 27.8, e.ImpossibleSpeedMps)
	assert.Equal(t, 500.0, e.LocationJumpDistanceMeters)
	assert.Equal(t, 30*time.Second, e.LocationJumpTime())
	assert.Equal(t, 75.0, e.LowAccuracyThresholdMeters)
	assert.Equal(t, 1.39, e.WalkingSpeedMps)
	assert.Equal(t, 2*time.Second, e.LivePingInterval())
	assert.Equal(t, 30*time.Second, e.MovementSampleInterval())
	assert.Equal(t, time.Second, e.TickInterval())

	require.NoError(t, e.Validate())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	data := []byte(`
engine:
  decision_window_seconds: 120
  boost_range:
    min: 1
    max: 3
  head_start_seconds: 0
server:
  grpc_addr: ":6000"
storage:
  dir: /tmp/questd
log:
  format: json
`)
	cfg, err := FromYAML(data)
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.Engine.DecisionWindow())
	assert.Equal(t, Range{Min: 1, Max: 3}, cfg.Engine.BoostRange)
	assert.Equal(t, time.Duration(0), cfg.Engine.HeadStart())
	assert.Equal(t, ":6000", cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "unset keys keep defaults")
	assert.Equal(t, "/tmp/questd", cfg.Storage.Dir)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Engine.BoostInterval())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero decision window", "engine:\n  decision_window_seconds: 0\n"},
		{"inverted boost range", "engine:\n  boost_range: {min: 5, max: 2}\n"},
		{"negative premium", "engine:\n  urgency_premium_range: {min: -0.1, max: 0.2}\n"},
		{"near below arrived", "engine:\n  near_threshold_meters: 10\n  arrived_threshold_meters: 20\n"},
		{"negative head start", "engine:\n  head_start_seconds: -1\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n  broker: \"\"\n"},
		{"unknown log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  enabled: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Metrics.Enabled)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: [unclosed"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "questd.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultEngine(), cfg.Engine, "shipped file restates the defaults")
	assert.Equal(t, "./data", cfg.Storage.Dir)
	assert.False(t, cfg.MQTT.Enabled)
}
