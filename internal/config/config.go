package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/memsql/errors"
	"github.com/spf13/viper"
)

// Policy decides what the identity page does when no verified identity is available
type Policy string

const (
	// PolicyDegrade renders the page with placeholders and HTTP 200
	PolicyDegrade Policy = "degrade"
	// PolicyReject answers HTTP 401
	PolicyReject Policy = "reject"
)

// Config holds all process configuration
type Config struct {
	Server    ServerConfig    `mapstructure:",squash"`
	IAP       IAPConfig       `mapstructure:",squash"`
	Directory DirectoryConfig `mapstructure:",squash"`
	Log       LogConfig       `mapstructure:",squash"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Policy          Policy        `mapstructure:"auth_policy"`
}

// IAPConfig holds assertion verification settings
type IAPConfig struct {
	KeysURL         string        `mapstructure:"iap_keys_url"`
	Issuers         []string      `mapstructure:"iap_issuers"`
	Audience        string        `mapstructure:"iap_audience"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
}

// DirectoryConfig holds People API settings. An empty APIKey disables lookups.
type DirectoryConfig struct {
	APIKey   string        `mapstructure:"people_api_key"`
	Endpoint string        `mapstructure:"people_endpoint"`
	Timeout  time.Duration `mapstructure:"directory_timeout"`
	Rate     float64       `mapstructure:"directory_rate"`
	Burst    int           `mapstructure:"directory_burst"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"log_level"`
}

var keys = []string{
	"port", "read_timeout", "write_timeout", "shutdown_timeout", "auth_policy",
	"iap_keys_url", "iap_issuers", "iap_audience", "http_timeout", "metadata_timeout",
	"people_api_key", "people_endpoint", "directory_timeout", "directory_rate", "directory_burst",
	"log_level",
}

// Load reads configuration from the environment and, when path is not
// empty, from a config file. Environment variables take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("read_timeout", "15s")
	v.SetDefault("write_timeout", "30s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("auth_policy", string(PolicyDegrade))

	v.SetDefault("iap_keys_url", "https://www.gstatic.com/iap/verify/public_key-jwk")
	v.SetDefault("iap_issuers", "https://cloud.google.com/iap")
	v.SetDefault("iap_audience", "")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("metadata_timeout", "5s")

	v.SetDefault("people_api_key", "")
	v.SetDefault("people_endpoint", "")
	v.SetDefault("directory_timeout", "10s")
	v.SetDefault("directory_rate", 0)
	v.SetDefault("directory_burst", 1)

	v.SetDefault("log_level", "info")

	// AutomaticEnv only answers Get; Unmarshal needs explicit bindings
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, errors.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Errorf("unmarshaling config: %w", err)
	}
	cfg.IAP.Issuers = splitList(cfg.IAP.Issuers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable fallback
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Server.Policy {
	case PolicyDegrade, PolicyReject:
	default:
		return errors.Errorf("invalid auth policy %q (must be %q or %q)", c.Server.Policy, PolicyDegrade, PolicyReject)
	}
	if len(c.IAP.Issuers) == 0 {
		return errors.New("at least one IAP issuer must be specified")
	}
	if c.Directory.Rate < 0 {
		return errors.New("directory rate must not be negative")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// splitList accepts both a real list and a single comma separated
// string, which is what environment variables produce.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
