// Package config loads saltpeterd's own operational configuration (bind
// addresses, ports, the cron-definition directory) and the cron
// definitions themselves.
//
// The two are deliberately separate: the daemon config is a single small
// document layered with Viper, a small bound config struct with defaults;
// the cron definitions are a directory of many small YAML files that are
// re-read on every scheduler tick, so they get their own loader with mtime
// tracking instead of going through Viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ErrConfigNotFound indicates no usable daemon config file was found; the
// caller should fall back to defaults, which is not itself an error for a
// daemon meant to run with zero configuration against a single cron
// directory.
var ErrConfigNotFound = errors.New("config not found")

// Daemon holds saltpeterd's own settings, as opposed to the cron
// definitions it schedules.
type Daemon struct {
	CronDir string `json:"cronDir" yaml:"cronDir" mapstructure:"cronDir"`

	MachineEndpoint EndpointConfig `json:"machineEndpoint" yaml:"machineEndpoint" mapstructure:"machineEndpoint"`
	UIEndpoint      EndpointConfig `json:"uiEndpoint" yaml:"uiEndpoint" mapstructure:"uiEndpoint"`

	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// EndpointConfig is shared shape for the two WebSocket/HTTP surfaces
// (machine endpoint and UI endpoint).
type EndpointConfig struct {
	Bind string `json:"bind" yaml:"bind" mapstructure:"bind"`
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
}

// SchedulerConfig exposes the timing constants of the wire/behavioral
// contract so operators can tune them for tests without recompiling.
type SchedulerConfig struct {
	TickIntervalMs      int `json:"tickIntervalMs" yaml:"tickIntervalMs" mapstructure:"tickIntervalMs"`
	FireDebounceMs      int `json:"fireDebounceMs" yaml:"fireDebounceMs" mapstructure:"fireDebounceMs"`
	GracePeriodSeconds  int `json:"gracePeriodSeconds" yaml:"gracePeriodSeconds" mapstructure:"gracePeriodSeconds"`
	LogThrottleSeconds  int `json:"logThrottleSeconds" yaml:"logThrottleSeconds" mapstructure:"logThrottleSeconds"`
	TimeoutExtensionSec int `json:"timeoutExtensionSeconds" yaml:"timeoutExtensionSeconds" mapstructure:"timeoutExtensionSeconds"`
	BroadcastIntervalMs int `json:"broadcastIntervalMs" yaml:"broadcastIntervalMs" mapstructure:"broadcastIntervalMs"`
}

// LoggingConfig controls the zerolog root logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// StateDir returns saltpeterd's state directory.
// Can be overridden via SALTPETER_STATE_DIR.
// Default: ~/.saltpeter
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("SALTPETER_STATE_DIR")); override != "" {
		return expandPath(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".saltpeter"
	}
	return filepath.Join(home, ".saltpeter")
}

// ConfigPath returns the default daemon config file path.
// Can be overridden via SALTPETER_CONFIG_PATH.
// Default: ~/.saltpeter/saltpeter.yaml
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("SALTPETER_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "saltpeter.yaml")
}

// DefaultCronDir returns the default directory saltpeterd scans for cron
// definition YAML files when no --cron-dir flag or config value is set.
func DefaultCronDir() string {
	return filepath.Join(StateDir(), "crons.d")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the daemon configuration into a Viper instance, applying
// defaults before the file and SALTPETER_-prefixed environment variables
// are layered on top.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("SALTPETER_CONFIG_PATH")); configPath != "" {
		v.SetConfigFile(expandPath(configPath))
	} else {
		v.SetConfigName("saltpeter")
		v.SetConfigType("yaml")
		v.AddConfigPath(StateDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SALTPETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, ErrConfigNotFound
		}
		if os.IsNotExist(err) {
			return v, ErrConfigNotFound
		}
		return nil, err
	}

	return v, nil
}

// Load reads the daemon configuration from file and environment. A missing
// config file is not fatal: defaults plus env overrides are returned
// alongside ErrConfigNotFound so callers can decide whether to proceed.
func Load() (*Daemon, error) {
	v, loadErr := LoadViper()
	if loadErr != nil && loadErr != ErrConfigNotFound {
		return nil, loadErr
	}

	var cfg Daemon
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.CronDir == "" {
		cfg.CronDir = DefaultCronDir()
	}
	cfg.CronDir = expandPath(cfg.CronDir)

	return &cfg, loadErr
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cronDir", DefaultCronDir())

	v.SetDefault("machineEndpoint.bind", "0.0.0.0")
	v.SetDefault("machineEndpoint.port", 8901)

	v.SetDefault("uiEndpoint.bind", "0.0.0.0")
	v.SetDefault("uiEndpoint.port", 8900)

	v.SetDefault("scheduler.tickIntervalMs", 500)
	v.SetDefault("scheduler.fireDebounceMs", 1000)
	v.SetDefault("scheduler.gracePeriodSeconds", 30)
	v.SetDefault("scheduler.logThrottleSeconds", 5)
	v.SetDefault("scheduler.timeoutExtensionSeconds", 300)
	v.SetDefault("scheduler.broadcastIntervalMs", 2000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate checks for the semantic errors that would make the daemon
// config unusable.
func (c *Daemon) Validate() error {
	if c.CronDir == "" {
		return errors.New("cronDir must not be empty")
	}
	if c.MachineEndpoint.Port <= 0 {
		return errors.New("machineEndpoint.port must be positive")
	}
	if c.UIEndpoint.Port <= 0 {
		return errors.New("uiEndpoint.port must be positive")
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return errors.New("scheduler.tickIntervalMs must be positive")
	}
	return nil
}
