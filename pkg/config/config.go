// Package config loads, validates, and writes the YAML configuration
// sstpc reads at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a single sstpc connection.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	PPP      PPPConfig      `yaml:"ppp"`
	Identity IdentityConfig `yaml:"identity,omitempty"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig describes the SSTP server to dial.
type ServerConfig struct {
	// Address is host:port, used for the TCP dial; its host part is the
	// HTTP Host header in the upgrade request and the TLS server name.
	Address string `yaml:"address"`
	// TLSSkipVerify disables certificate chain verification. It does not
	// disable the peer-certificate hash CryptoBinding still performs.
	TLSSkipVerify bool `yaml:"tls_skip_verify"`
	// ConnectRetries clamps to the protocol's fixed retry budget; any
	// value above InitialRetryBudget is silently clamped down to it in
	// Validate, since the wire state machine cannot exceed that budget.
	ConnectRetries int `yaml:"connect_retries"`
}

// PPPConfig describes the PPP daemon sstpc spawns once the server has
// acknowledged the call (state ConnectAckReceived).
type PPPConfig struct {
	PppdPath string `yaml:"pppd_path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain,omitempty"`
	LogFile  string `yaml:"logfile,omitempty"`
}

// IdentityConfig carries an optional client certificate presented during
// the TLS handshake, for servers that require mutual TLS in addition to
// the MS-CHAPv2 authentication carried inside PPP. Both fields are empty
// by default, in which case the client offers no certificate.
type IdentityConfig struct {
	ClientCertFile string `yaml:"client_cert_file,omitempty"`
	ClientKeyFile  string `yaml:"client_key_file,omitempty"`
}

// LoggingConfig describes the default logger. Verbose is a CLI flag
// layered on top of Level, not a config field.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// LoadConfig reads path, applies defaults to unset fields, validates, and
// returns the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a config with every field set to a reasonable
// starting value, suitable for `sstpc config init`.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Address:        "vpn.example.com:443",
			ConnectRetries: 5,
		},
		PPP: PPPConfig{
			PppdPath: "/usr/sbin/pppd",
			Username: "user",
			Password: "changeme",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.ConnectRetries == 0 {
		c.Server.ConnectRetries = 5
	}
	if c.PPP.PppdPath == "" {
		c.PPP.PppdPath = "/usr/sbin/pppd"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// retryBudgetCeiling mirrors sstpclient.InitialRetryBudget without
// importing that package, since config must stay independent of the
// protocol core's internal types.
const retryBudgetCeiling = 5

// Validate checks that cfg is internally consistent. Configured retry
// counts above the protocol's fixed budget are clamped, not rejected.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.ConnectRetries < 1 {
		return fmt.Errorf("server.connect_retries must be at least 1")
	}
	if c.Server.ConnectRetries > retryBudgetCeiling {
		c.Server.ConnectRetries = retryBudgetCeiling
	}

	if c.PPP.PppdPath == "" {
		return fmt.Errorf("ppp.pppd_path is required")
	}
	if c.PPP.Username == "" {
		return fmt.Errorf("ppp.username is required")
	}

	if (c.Identity.ClientCertFile == "") != (c.Identity.ClientKeyFile == "") {
		return fmt.Errorf("identity.client_cert_file and identity.client_key_file must be set together")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// SaveConfig writes cfg to path as YAML, mode 0600 since it carries the
// PPP password in plain text.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
