// Package config loads kvsbgp's layered configuration: a YAML file
// overlaid by environment variables, following the teacher's koanf-based
// config.go (file.Provider + env.Provider, defaults set before Unmarshal,
// a Validate() pass with descriptive errors).
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration object, matching spec §6's CLI-flag
// surface plus the service-level ambient settings the teacher carries
// (log level, shutdown timeout).
type Config struct {
	Service ServiceConfig `koanf:"service"`
	API     APIConfig     `koanf:"api"`
	BGP     BGPConfig     `koanf:"bgp"`
}

// ServiceConfig holds ambient operational settings not named by spec §6
// but present in every teacher deployment.
type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	ReassemblyIdleSeconds  int    `koanf:"reassembly_idle_seconds"`
}

// APIConfig is the HTTP adapter's listen address (§6: --api-address,
// --api-port).
type APIConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// BGPConfig is the peer-transport's listen address (§6: --bgp-address,
// --bgp-port).
type BGPConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// Load reads the optional YAML file at path, overlays KVSBGP_-prefixed
// environment variables, fills in defaults, and validates. path may be
// empty, in which case only env vars and defaults apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// KVSBGP_API__PORT → api.port, matching the teacher's double-underscore
	// nesting scheme.
	if err := k.Load(env.Provider("KVSBGP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "KVSBGP_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 10,
			ReassemblyIdleSeconds:  60,
		},
		API: APIConfig{
			Address: "127.0.0.1",
			Port:    3030,
		},
		BGP: BGPConfig{
			Address: "127.0.0.1",
			Port:    179,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded config is internally consistent.
func (c *Config) Validate() error {
	if c.API.Address == "" {
		return fmt.Errorf("config: api.address is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port out of range (got %d)", c.API.Port)
	}
	if c.BGP.Address == "" {
		return fmt.Errorf("config: bgp.address is required")
	}
	if c.BGP.Port <= 0 || c.BGP.Port > 65535 {
		return fmt.Errorf("config: bgp.port out of range (got %d)", c.BGP.Port)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.ReassemblyIdleSeconds <= 0 {
		return fmt.Errorf("config: service.reassembly_idle_seconds must be > 0 (got %d)", c.Service.ReassemblyIdleSeconds)
	}
	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: service.log_level must be one of debug, info, warn, error (got %q)", c.Service.LogLevel)
	}
	return nil
}
