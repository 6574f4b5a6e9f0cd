package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "slog", cfg.Log.Backend)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, []radio.Transport{radio.TransportWWAN, radio.TransportWLAN}, cfg.TransportList())
	assert.Equal(t, "pdpd", cfg.TracingConfig().ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PDPD_LOG_LEVEL", "debug")
	t.Setenv("PDPD_LOG_BACKEND", "zap")
	t.Setenv("PDPD_TRACING_ENABLED", "true")
	t.Setenv("PDPD_TRACING_EXPORTER", "otlp")
	t.Setenv("PDPD_TRANSPORTS", "wlan")
	t.Setenv("PDPD_TICK_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LoggingConfig().Level)
	assert.Equal(t, "zap", cfg.LoggingConfig().Backend)
	assert.True(t, cfg.TracingConfig().Enabled)
	assert.Equal(t, "otlp", cfg.TracingConfig().Exporter)
	assert.Equal(t, []radio.Transport{radio.TransportWLAN}, cfg.TransportList())
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// godotenv never overrides variables that are already set.
	t.Setenv("PDPD_METRICS_ADDR", ":9999")
	t.Setenv("PDPD_CARRIER_PROFILE", "")
	os.Unsetenv("PDPD_CARRIER_PROFILE")
	t.Setenv("PDPD_SETTINGS_DB", "")
	os.Unsetenv("PDPD_SETTINGS_DB")
	env := "PDPD_CARRIER_PROFILE=/etc/pdpd/carrier.yaml\nPDPD_METRICS_ADDR=:1234\nPDPD_SETTINGS_DB=state.db\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pdpd.env"), []byte(env), 0o600))

	cfg, err := Load(filepath.Join(dir, "pdpd.env"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/pdpd/carrier.yaml", cfg.CarrierProfile)
	assert.Equal(t, "state.db", cfg.SettingsDB)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
}

func TestLoadMissingNamedEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Config{
		Log:          LogConfig{Level: "loud", Format: "xml", Backend: "slog"},
		Tracing:      TracingConfig{Exporter: "jaeger", SampleRatio: 2},
		TickInterval: 0,
		Transports:   []string{"wwan", "satellite", "cellular"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`log level "loud"`,
		`log format "xml"`,
		`tracing exporter "jaeger"`,
		"sample ratio 2",
		"tick interval",
		`unknown transport "satellite"`,
		`transport "cellular" listed twice`,
	} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}
