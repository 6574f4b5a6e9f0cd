// Package config loads the daemon's process settings from the environment
// and the carrier profile from YAML.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/observability"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "PDPD"

type LogConfig struct {
	Level      string `envconfig:"LEVEL"        default:"info"`
	Format     string `envconfig:"FORMAT"       default:"text"`
	Backend    string `envconfig:"BACKEND"      default:"slog"`
	File       string `envconfig:"FILE"`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB"  default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS"  default:"3"`
	MaxAgeDays int    `envconfig:"MAX_AGE_DAYS" default:"28"`
}

type TracingConfig struct {
	Enabled     bool    `envconfig:"ENABLED"`
	ServiceName string  `envconfig:"SERVICE_NAME" default:"pdpd"`
	Exporter    string  `envconfig:"EXPORTER"     default:"stdout"`
	Endpoint    string  `envconfig:"ENDPOINT"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"1"`
}

// Config holds the daemon's process configuration.
type Config struct {
	Log     LogConfig     `envconfig:"LOG"`
	Tracing TracingConfig `envconfig:"TRACING"`

	// MetricsAddr serves /metrics on its own listener; empty disables it.
	MetricsAddr   string `envconfig:"METRICS_ADDR"    default:":9464"`
	DebugHTTPAddr string `envconfig:"DEBUG_HTTP_ADDR" default:"127.0.0.1:8088"`
	DebugGRPCAddr string `envconfig:"DEBUG_GRPC_ADDR" default:"127.0.0.1:50061"`

	// SettingsDB is the sqlite file for persisted settings; empty keeps them
	// in memory.
	SettingsDB     string `envconfig:"SETTINGS_DB"     default:"pdpd.db"`
	CarrierProfile string `envconfig:"CARRIER_PROFILE"`

	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"100ms"`
	Transports   []string      `envconfig:"TRANSPORTS"    default:"wwan,wlan"`
	SubID        int           `envconfig:"SUB_ID"        default:"1"`
}

// Load reads envFiles (or ./.env when none are named and it exists) into the
// environment, then decodes PDPD_* variables. Variables already set in the
// environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "load .env")
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, errors.Wrapf(err, "load %s", strings.Join(envFiles, ","))
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if !oneOf(c.Log.Level, "debug", "info", "warn", "warning", "error") {
		errs = multierror.Append(errs, errors.Errorf("log level %q", c.Log.Level))
	}
	if !oneOf(c.Log.Format, "text", "json") {
		errs = multierror.Append(errs, errors.Errorf("log format %q", c.Log.Format))
	}
	if !oneOf(c.Log.Backend, "slog", "zap") {
		errs = multierror.Append(errs, errors.Errorf("log backend %q", c.Log.Backend))
	}
	if !oneOf(c.Tracing.Exporter, "stdout", "otlp", "otlpgrpc") {
		errs = multierror.Append(errs, errors.Errorf("tracing exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = multierror.Append(errs, errors.Errorf("tracing sample ratio %v outside [0,1]", c.Tracing.SampleRatio))
	}
	if c.TickInterval <= 0 {
		errs = multierror.Append(errs, errors.Errorf("tick interval %v must be positive", c.TickInterval))
	}
	if c.SubID < 0 {
		errs = multierror.Append(errs, errors.Errorf("subscription id %d", c.SubID))
	}
	if len(c.Transports) == 0 {
		errs = multierror.Append(errs, errors.New("no transports configured"))
	}
	seen := make(map[radio.Transport]bool)
	for _, name := range c.Transports {
		t := radio.ParseTransport(name)
		switch {
		case t == radio.TransportInvalid:
			errs = multierror.Append(errs, errors.Errorf("unknown transport %q", name))
		case seen[t]:
			errs = multierror.Append(errs, errors.Errorf("transport %q listed twice", name))
		}
		seen[t] = true
	}
	return errs.ErrorOrNil()
}

// TransportList returns the configured transports, WWAN first.
func (c *Config) TransportList() []radio.Transport {
	var out []radio.Transport
	for _, want := range []radio.Transport{radio.TransportWWAN, radio.TransportWLAN} {
		for _, name := range c.Transports {
			if radio.ParseTransport(name) == want {
				out = append(out, want)
				break
			}
		}
	}
	return out
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Backend:    c.Log.Backend,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		SubID:       c.SubID,
	}
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
