// Package config loads the daemon policy configuration. All values have
// working defaults; a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JWRepairing is the just-works re-pairing policy applied when a
// confirmation request with the just-works hint arrives for an already
// paired device.
type JWRepairing string

const (
	JWNever  JWRepairing = "never"
	JWAlways JWRepairing = "always"
	JWAsk    JWRepairing = "ask"
)

// Config is the root policy configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Pairing PairingConfig `yaml:"pairing"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig holds per-device lifecycle policy.
type DeviceConfig struct {
	// TemporaryTimeout is the TTL of a temporary device, in seconds.
	TemporaryTimeout int `yaml:"temporary_timeout"`

	// NameRequestRetryDelay is how long a failed remote-name request
	// suppresses further requests, in seconds.
	NameRequestRetryDelay int `yaml:"name_request_retry_delay"`
}

// PairingConfig holds bonding policy.
type PairingConfig struct {
	JustWorksRepairing JWRepairing `yaml:"just_works_repairing"`

	// ConnectFirst opens the ATT channel before requesting an LE bond
	// so key exchange can ride it.
	ConnectFirst bool `yaml:"connect_first"`

	// ElevateSecurity raises an open ATT link to medium security to
	// trigger SMP instead of asking the management layer directly.
	ElevateSecurity bool `yaml:"elevate_security"`
}

// StorageConfig locates the per-adapter persistence directory.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the built-in policy.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			TemporaryTimeout:      30,
			NameRequestRetryDelay: 300,
		},
		Pairing: PairingConfig{
			JustWorksRepairing: JWNever,
			ConnectFirst:       true,
			ElevateSecurity:    true,
		},
		Storage: StorageConfig{
			Dir: "/var/lib/btd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML policy file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("can't parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the device core cannot run with.
func (c *Config) Validate() error {
	if c.Device.TemporaryTimeout <= 0 {
		return fmt.Errorf("device.temporary_timeout must be positive")
	}
	if c.Device.NameRequestRetryDelay < 0 {
		return fmt.Errorf("device.name_request_retry_delay must not be negative")
	}
	switch c.Pairing.JustWorksRepairing {
	case JWNever, JWAlways, JWAsk:
	default:
		return fmt.Errorf("pairing.just_works_repairing: unknown policy %q", c.Pairing.JustWorksRepairing)
	}
	return nil
}

// TemporaryTTL is the device TTL as a duration.
func (c *Config) TemporaryTTL() time.Duration {
	return time.Duration(c.Device.TemporaryTimeout) * time.Second
}

// NameRetryDelay is the name-resolve suppression window as a duration.
func (c *Config) NameRetryDelay() time.Duration {
	return time.Duration(c.Device.NameRequestRetryDelay) * time.Second
}
