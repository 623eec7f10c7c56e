// Package config provides configuration parsing and validation for the
// handshake agent.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	AppKeyHex string           `yaml:"app_key"` // hex-encoded 32-byte application key override
	Listen    ListenerConfig   `yaml:"listen"`
	Peers     []PeerConfig     `yaml:"peers"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// AgentConfig holds this agent's identity and logging settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // directory holding the persisted identity
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines the address this agent accepts handshakes on.
type ListenerConfig struct {
	Address string `yaml:"address"`
}

// PeerConfig defines a peer this agent may dial, with the identity it must
// present during the handshake.
type PeerConfig struct {
	Name           string `yaml:"name"`
	Address        string `yaml:"address"`
	SignPublicKey  string `yaml:"sign_public_key"` // hex-encoded 32-byte Ed25519 public key
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenerConfig{
			Address: "0.0.0.0:8008",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.AppKeyHex != "" {
		if _, err := parseAppKeyHex(c.AppKeyHex); err != nil {
			errs = append(errs, fmt.Sprintf("invalid app_key: %v", err))
		}
	}

	for i, p := range c.Peers {
		if p.Address == "" {
			errs = append(errs, fmt.Sprintf("peers[%d].address is required", i))
		}
		if _, err := parseSignPublicKeyHex(p.SignPublicKey); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d].sign_public_key: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func parseAppKeyHex(s string) ([32]byte, error) {
	return parseHexKey(s)
}

func parseSignPublicKeyHex(s string) ([32]byte, error) {
	return parseHexKey(s)
}

func parseHexKey(s string) ([32]byte, error) {
	var key [32]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != 32 {
		return key, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// AppKey returns the configured application key, or false if none was set
// (the caller should fall back to the protocol default).
func (c *Config) AppKey() ([32]byte, bool, error) {
	var key [32]byte
	if c.AppKeyHex == "" {
		return key, false, nil
	}
	key, err := parseAppKeyHex(c.AppKeyHex)
	return key, true, err
}

// PeerSignPublicKey returns the parsed Ed25519 public key for a peer entry.
func (p PeerConfig) PeerSignPublicKey() ([32]byte, error) {
	return parseSignPublicKeyHex(p.SignPublicKey)
}
