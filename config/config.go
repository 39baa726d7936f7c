// Package config centralises runtime configuration for the Bookwatch
// processes. Settings come from compiled defaults merged with an optional
// YAML file; OUTPUT_DIR is the sole environment-driven value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputDirEnv names the required environment variable holding the absolute
// filesystem root shared by the discovery and polling processes.
const OutputDirEnv = "OUTPUT_DIR"

// Duration wraps time.Duration with YAML text parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoggingConfig controls process log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// TelemetryConfig configures optional OTLP metric export. An empty endpoint
// leaves the meter provider as a noop.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// BackoffConfig shapes the per-instrument exponential backoff curve.
type BackoffConfig struct {
	Base       Duration `yaml:"base"`
	Cap        Duration `yaml:"cap"`
	JitterFrac float64  `yaml:"jitterFrac"`
}

// AIMDConfig holds the per-venue congestion control knobs.
type AIMDConfig struct {
	Ceiling           int      `yaml:"ceiling"`
	Initial           int      `yaml:"initial"`
	CooldownOn429     Duration `yaml:"cooldownOn429"`
	HighFailRate      float64  `yaml:"highFailRate"`
	HighLatencyMS     int64    `yaml:"highLatencyMs"`
	LowLatencyMS      int64    `yaml:"lowLatencyMs"`
	StablePeriod      Duration `yaml:"stablePeriod"`
	MinAdjustInterval Duration `yaml:"minAdjustInterval"`
}

// PolymarketRule is one declarative discovery rule consumed opaquely by the
// Polymarket client.
type PolymarketRule struct {
	Name               string   `yaml:"name"`
	Queries            []string `yaml:"queries"`
	MinMinutesToExpiry float64  `yaml:"minMinutesToExpiry"`
	MaxMinutesToExpiry float64  `yaml:"maxMinutesToExpiry"`
	MustContain        []string `yaml:"mustContain"`
	MustNotContain     []string `yaml:"mustNotContain"`
}

// VenueConfig bundles the per-venue transport, worker and control settings.
type VenueConfig struct {
	Name           string           `yaml:"name"`
	BaseURL        string           `yaml:"baseUrl"`
	GammaURL       string           `yaml:"gammaUrl"`
	MaxWorkers     int              `yaml:"maxWorkers"`
	RequestTimeout Duration         `yaml:"requestTimeout"`
	Backoff        BackoffConfig    `yaml:"backoff"`
	AIMD           AIMDConfig       `yaml:"aimd"`
	Underlyings    []string         `yaml:"underlyings"`
	Rules          []PolymarketRule `yaml:"rules"`
}

// DiscoveryConfig controls the discovery process cadence.
type DiscoveryConfig struct {
	Interval Duration `yaml:"interval"`
}

// PollerConfig controls the polling process cadences and journal durability.
type PollerConfig struct {
	PollInterval      Duration `yaml:"pollInterval"`
	SnapshotRefresh   Duration `yaml:"snapshotRefresh"`
	StatsInterval     Duration `yaml:"statsInterval"`
	ShutdownGrace     Duration `yaml:"shutdownGrace"`
	FsyncInterval     Duration `yaml:"fsyncInterval"`
	FsyncEvery        int      `yaml:"fsyncEvery"`
	ErrorSamplePerSec float64  `yaml:"errorSamplePerSec"`
	WriteFailureLimit int      `yaml:"writeFailureLimit"`
	FullOrderbook     bool     `yaml:"fullOrderbook"`
}

// Settings is the full configuration tree for both processes.
type Settings struct {
	OutputDir string          `yaml:"-"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Poller    PollerConfig    `yaml:"poller"`
	Venues    []VenueConfig   `yaml:"venues"`
}

// Default returns the compiled-in configuration: the two shipped venues with
// the documented cadences and control thresholds.
func Default() Settings {
	return Settings{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{ServiceName: "bookwatch"},
		Discovery: DiscoveryConfig{Interval: Duration(60 * time.Second)},
		Poller: PollerConfig{
			PollInterval:      Duration(time.Second),
			SnapshotRefresh:   Duration(time.Second),
			StatsInterval:     Duration(10 * time.Second),
			ShutdownGrace:     Duration(5 * time.Second),
			FsyncInterval:     Duration(time.Second),
			FsyncEvery:        256,
			ErrorSamplePerSec: 50,
			WriteFailureLimit: 30,
			FullOrderbook:     true,
		},
		Venues: []VenueConfig{
			{
				Name:           "limitless",
				BaseURL:        "https://api.limitless.exchange",
				MaxWorkers:     16,
				RequestTimeout: Duration(5 * time.Second),
				Backoff:        defaultBackoff(),
				AIMD:           defaultAIMD(16),
				Underlyings:    []string{"BTC", "ETH", "SOL", "XRP"},
			},
			{
				Name:           "polymarket",
				BaseURL:        "https://clob.polymarket.com",
				GammaURL:       "https://gamma-api.polymarket.com",
				MaxWorkers:     8,
				RequestTimeout: Duration(5 * time.Second),
				Backoff:        defaultBackoff(),
				AIMD:           defaultAIMD(4),
				Rules: []PolymarketRule{
					{
						Name:               "hourly-crypto",
						Queries:            []string{"bitcoin", "ethereum"},
						MinMinutesToExpiry: 5,
						MaxMinutesToExpiry: 24 * 60,
					},
				},
			},
		},
	}
}

func defaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:       Duration(time.Second),
		Cap:        Duration(300 * time.Second),
		JitterFrac: 0.25,
	}
}

func defaultAIMD(ceiling int) AIMDConfig {
	return AIMDConfig{
		Ceiling:           ceiling,
		Initial:           ceiling / 2,
		CooldownOn429:     Duration(30 * time.Second),
		HighFailRate:      0.5,
		HighLatencyMS:     2000,
		LowLatencyMS:      500,
		StablePeriod:      Duration(60 * time.Second),
		MinAdjustInterval: Duration(30 * time.Second),
	}
}

// Load builds Settings from defaults, the optional YAML file at path, and the
// OUTPUT_DIR environment variable. The second return reports whether the file
// was found.
func Load(path string) (Settings, bool, error) {
	cfg := Default()

	loaded := false
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	outputDir := strings.TrimSpace(os.Getenv(OutputDirEnv))
	if outputDir == "" {
		return Settings{}, loaded, fmt.Errorf("%s must be set", OutputDirEnv)
	}
	if !filepath.IsAbs(outputDir) {
		return Settings{}, loaded, fmt.Errorf("%s must be an absolute path, got %q", OutputDirEnv, outputDir)
	}
	cfg.OutputDir = outputDir

	cfg.applyFloors()
	if err := cfg.Validate(); err != nil {
		return Settings{}, loaded, err
	}
	return cfg, loaded, nil
}

// applyFloors fills any zero values left by a sparse override file.
func (s *Settings) applyFloors() {
	def := Default()
	if s.Discovery.Interval <= 0 {
		s.Discovery.Interval = def.Discovery.Interval
	}
	if s.Poller.PollInterval <= 0 {
		s.Poller.PollInterval = def.Poller.PollInterval
	}
	if s.Poller.SnapshotRefresh <= 0 {
		s.Poller.SnapshotRefresh = def.Poller.SnapshotRefresh
	}
	if s.Poller.StatsInterval <= 0 {
		s.Poller.StatsInterval = def.Poller.StatsInterval
	}
	if s.Poller.ShutdownGrace <= 0 {
		s.Poller.ShutdownGrace = def.Poller.ShutdownGrace
	}
	if s.Poller.FsyncInterval <= 0 {
		s.Poller.FsyncInterval = def.Poller.FsyncInterval
	}
	if s.Poller.FsyncEvery <= 0 {
		s.Poller.FsyncEvery = def.Poller.FsyncEvery
	}
	if s.Poller.ErrorSamplePerSec <= 0 {
		s.Poller.ErrorSamplePerSec = def.Poller.ErrorSamplePerSec
	}
	if s.Poller.WriteFailureLimit <= 0 {
		s.Poller.WriteFailureLimit = def.Poller.WriteFailureLimit
	}
	for i := range s.Venues {
		v := &s.Venues[i]
		if v.MaxWorkers <= 0 {
			v.MaxWorkers = 8
		}
		if v.RequestTimeout <= 0 {
			v.RequestTimeout = Duration(5 * time.Second)
		}
		if v.Backoff.Base <= 0 {
			v.Backoff = defaultBackoff()
		}
		if v.AIMD.Ceiling <= 0 {
			v.AIMD = defaultAIMD(v.MaxWorkers)
		}
		if v.AIMD.Initial <= 0 {
			v.AIMD.Initial = 1
		}
	}
}

// Validate rejects configurations the runtime cannot honour.
func (s Settings) Validate() error {
	if len(s.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	seen := make(map[string]struct{}, len(s.Venues))
	for _, v := range s.Venues {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return fmt.Errorf("venue name required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate venue %q", name)
		}
		seen[name] = struct{}{}
		if v.AIMD.Ceiling < 1 {
			return fmt.Errorf("venue %s: aimd ceiling must be >=1", name)
		}
		if v.AIMD.Initial < 1 || v.AIMD.Initial > v.AIMD.Ceiling {
			return fmt.Errorf("venue %s: aimd initial must be within [1, ceiling]", name)
		}
		if v.MaxWorkers < v.AIMD.Ceiling {
			return fmt.Errorf("venue %s: maxWorkers (%d) must be >= aimd ceiling (%d)", name, v.MaxWorkers, v.AIMD.Ceiling)
		}
		if v.Backoff.JitterFrac < 0 || v.Backoff.JitterFrac >= 1 {
			return fmt.Errorf("venue %s: backoff jitterFrac must be in [0,1)", name)
		}
	}
	return nil
}

// Venue returns the configuration for the named venue.
func (s Settings) Venue(name string) (VenueConfig, bool) {
	for _, v := range s.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}
