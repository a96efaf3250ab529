// Package config loads wristlink settings from defaults, a TOML file,
// WRISTLINK_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WRISTLINK"

	TransportPipe = "pipe"
	TransportHTTP = "http"

	SourceSimulated = "simulated"
	SourceBLE       = "ble"
	SourceMockStrap = "mock-strap"
)

var ErrInvalid = errors.New("config: invalid setting")

type LinkConfig struct {
	Transport    string        `mapstructure:"transport"`
	Listen       string        `mapstructure:"listen"`
	Peer         string        `mapstructure:"peer"`
	Replies      bool          `mapstructure:"replies"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type CoordinatorConfig struct {
	ResultTimeout time.Duration `mapstructure:"result_timeout"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
}

type ProvidersConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type HeartRateConfig struct {
	Source       string        `mapstructure:"source"`
	SimulatedBPM int           `mapstructure:"simulated_bpm"`
	ScanWindow   time.Duration `mapstructure:"scan_window"`
	Preferences  string        `mapstructure:"preferences"`
}

type MotionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Amplitude float64       `mapstructure:"amplitude"`
}

type SimulatorConfig struct {
	// Listen enables the simulator control server when non-empty.
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	UI          bool              `mapstructure:"ui"`
	Link        LinkConfig        `mapstructure:"link"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	HeartRate   HeartRateConfig   `mapstructure:"heart_rate"`
	Motion      MotionConfig      `mapstructure:"motion"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	Log         LogConfig         `mapstructure:"log"`
}

// Dir is ~/.wristlink.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".wristlink")
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("ui", false)

	v.SetDefault("link.transport", TransportHTTP)
	v.SetDefault("link.listen", ":7421")
	v.SetDefault("link.peer", "http://127.0.0.1:7422")
	v.SetDefault("link.replies", true)
	v.SetDefault("link.reply_timeout", 5*time.Second)
	v.SetDefault("link.ping_interval", 2*time.Second)

	v.SetDefault("coordinator.result_timeout", 10*time.Second)
	v.SetDefault("coordinator.send_timeout", 5*time.Second)
	v.SetDefault("providers.timeout", 2*time.Second)

	v.SetDefault("heart_rate.source", SourceSimulated)
	v.SetDefault("heart_rate.simulated_bpm", 72)
	v.SetDefault("heart_rate.scan_window", 5*time.Second)
	v.SetDefault("heart_rate.preferences", filepath.Join(dir, "devices.toml"))

	v.SetDefault("motion.interval", 20*time.Millisecond)
	v.SetDefault("motion.amplitude", 0.8)

	v.SetDefault("simulator.listen", "")

	v.SetDefault("log.file", filepath.Join(dir, "wristlink.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads file (or ~/.wristlink/config.toml when file is empty) into v
// and returns the merged configuration. A missing default file is not an
// error; a missing explicit file is.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetConfigType("toml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Link.Transport {
	case TransportHTTP, TransportPipe:
	default:
		return fmt.Errorf("%w: link.transport %q (want %s or %s)", ErrInvalid, c.Link.Transport, TransportHTTP, TransportPipe)
	}
	switch c.HeartRate.Source {
	case SourceSimulated, SourceBLE, SourceMockStrap:
	default:
		return fmt.Errorf("%w: heart_rate.source %q", ErrInvalid, c.HeartRate.Source)
	}
	positive := map[string]time.Duration{
		"link.reply_timeout":         c.Link.ReplyTimeout,
		"link.ping_interval":         c.Link.PingInterval,
		"coordinator.result_timeout": c.Coordinator.ResultTimeout,
		"coordinator.send_timeout":   c.Coordinator.SendTimeout,
		"providers.timeout":          c.Providers.Timeout,
		"motion.interval":            c.Motion.Interval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalid, key, d)
		}
	}
	if c.HeartRate.SimulatedBPM < 0 {
		return fmt.Errorf("%w: heart_rate.simulated_bpm must not be negative", ErrInvalid)
	}
	return nil
}
