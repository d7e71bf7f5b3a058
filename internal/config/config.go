// Package config loads the siptx command configuration.
//
// Values come from, in increasing priority: defaults, a YAML/JSON/TOML file,
// SIPTX_* environment variables (SIPTX_TIMINGS_T1, SIPTX_LOG_LEVEL, ...)
// and command line flags bound by the caller.
package config

//go:generate errtrace -w .

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/viper"

	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/sip"
)

// EnvPrefix is the prefix of environment variables.
const EnvPrefix = "SIPTX"

// ErrInvalidConfig is returned by [Config.Validate].
const ErrInvalidConfig errorutil.Error = "invalid config"

// Config is the application configuration.
type Config struct {
	Listen  string        `mapstructure:"listen"`
	Timers  TimingsConfig `mapstructure:"timings"`
	Manager ManagerConfig `mapstructure:"manager"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	DNS     DNSConfig     `mapstructure:"dns"`
}

// TimingsConfig are the SIP timer values. Zero values mean RFC 3261 defaults.
type TimingsConfig struct {
	T1      time.Duration `mapstructure:"t1"`
	T2      time.Duration `mapstructure:"t2"`
	T4      time.Duration `mapstructure:"t4"`
	TimeD   time.Duration `mapstructure:"time_d"`
	Time100 time.Duration `mapstructure:"time_100"`
}

type ManagerConfig struct {
	EventBuffer int           `mapstructure:"event_buffer"`
	LingerTime  time.Duration `mapstructure:"linger_time"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Addr is the HTTP address of the /metrics endpoint, empty disables it.
	Addr string `mapstructure:"addr"`
}

type DNSConfig struct {
	NameServer string        `mapstructure:"nameserver"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SetDefaults configures default values for the configuration.
// Every key has a default, so that environment variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "0.0.0.0:5060")
	v.SetDefault("timings.t1", 0)
	v.SetDefault("timings.t2", 0)
	v.SetDefault("timings.t4", 0)
	v.SetDefault("timings.time_d", 0)
	v.SetDefault("timings.time_100", 0)
	v.SetDefault("manager.event_buffer", sip.DefaultEventBuffer)
	v.SetDefault("manager.linger_time", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(log.FormatConsole))
	v.SetDefault("metrics.addr", "")
	v.SetDefault("dns.nameserver", "")
	v.SetDefault("dns.timeout", 5*time.Second)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the file, if not empty, and the environment.
func Load(configFile string) (*Config, error) {
	v := New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("read config file %s: %w", configFile, err))
		}
	}
	return errtrace.Wrap2(LoadWithViper(v))
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("unmarshal config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		errs = append(errs, errorutil.Errorf("listen must be ip:port, got %q", c.Listen))
	}

	for name, d := range map[string]time.Duration{
		"timings.t1":       c.Timers.T1,
		"timings.t2":       c.Timers.T2,
		"timings.t4":       c.Timers.T4,
		"timings.time_d":   c.Timers.TimeD,
		"timings.time_100": c.Timers.Time100,
		"dns.timeout":      c.DNS.Timeout,
	} {
		if d < 0 {
			errs = append(errs, errorutil.Errorf("%s must be >= 0, got %v", name, d))
		}
	}
	if c.Timers.T1 > 0 && c.Timers.T2 > 0 && c.Timers.T2 < c.Timers.T1 {
		errs = append(errs, errorutil.Errorf("timings.t2 %v is less than timings.t1 %v", c.Timers.T2, c.Timers.T1))
	}
	if c.Manager.EventBuffer < 0 {
		errs = append(errs, errorutil.Errorf("manager.event_buffer must be >= 0, got %d", c.Manager.EventBuffer))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q: %w", c.Log.Level, err))
	}
	switch log.Format(strings.ToLower(c.Log.Format)) {
	case log.FormatConsole, log.FormatDev, log.FormatJSON, "":
	default:
		errs = append(errs, errorutil.Errorf("log.format must be one of console/dev/json, got %q", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, errorutil.Join(errs...)))
}

// Timings returns the SIP timer values.
func (c *Config) Timings() sip.TimingConfig {
	return sip.NewTimings(c.Timers.T1, c.Timers.T2, c.Timers.T4, c.Timers.TimeD, c.Timers.Time100)
}

// ManagerOptions returns the transaction manager options.
func (c *Config) ManagerOptions() *sip.ManagerOptions {
	return &sip.ManagerOptions{
		Timings:     c.Timings(),
		EventBuffer: c.Manager.EventBuffer,
		LingerTime:  c.Manager.LingerTime,
	}
}

// ListenAddr returns the parsed listen address.
func (c *Config) ListenAddr() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(c.Listen)
	return ap
}
