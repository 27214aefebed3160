// Package config loads persistent driver defaults from config files and
// AEROBUS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/aerobus/internal/driver"
)

// Config holds persistent defaults loaded from config files.
type Config struct {
	Driver DriverConfig `yaml:"driver"`
	Admin  AdminConfig  `yaml:"admin"`
}

// DriverConfig holds media driver defaults.
type DriverConfig struct {
	Dir                   string `yaml:"dir"`
	TermLength            string `yaml:"term_length"`
	IPCTermLength         string `yaml:"ipc_term_length"`
	MTU                   int32  `yaml:"mtu"`
	SparseFiles           bool   `yaml:"sparse_files"`
	StrictURIParams       bool   `yaml:"strict_uri_params"`
	ClientLivenessTimeout string `yaml:"client_liveness_timeout"`
	PublicationLinger     string `yaml:"publication_linger"`
	ImageLivenessTimeout  string `yaml:"image_liveness_timeout"`
	TerminationToken      string `yaml:"termination_token"`
	ReservedSessionIDLow  int32  `yaml:"reserved_session_id_low"`
	ReservedSessionIDHigh int32  `yaml:"reserved_session_id_high"`
	ConductorIdle         string `yaml:"conductor_idle"`
	SenderIdle            string `yaml:"sender_idle"`
}

// AdminConfig holds the admin/metrics listener defaults.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads config from ~/.aerobus/config.yaml then CWD .aerobus.yaml.
// CWD config values override home config. Missing files are not errors.
// Environment variables (AEROBUS_*) override config file values.
func Load() *Config {
	cfg := &Config{}

	if home, err := os.UserHomeDir(); err == nil {
		_ = loadFile(filepath.Join(home, ".aerobus", "config.yaml"), cfg)
	}
	_ = loadFile(".aerobus.yaml", cfg)
	applyEnv(cfg)
	return cfg
}

// LoadFrom reads config from a specific path. Used for testing.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AEROBUS_DIR"); v != "" {
		cfg.Driver.Dir = v
	}
	if v := os.Getenv("AEROBUS_TERM_LENGTH"); v != "" {
		cfg.Driver.TermLength = v
	}
	if v := os.Getenv("AEROBUS_MTU"); v != "" {
		if mtu, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Driver.MTU = int32(mtu)
		}
	}
	if v := os.Getenv("AEROBUS_STRICT_URI_PARAMS"); v != "" {
		cfg.Driver.StrictURIParams = v == "true" || v == "1"
	}
	if v := os.Getenv("AEROBUS_CLIENT_LIVENESS_TIMEOUT"); v != "" {
		cfg.Driver.ClientLivenessTimeout = v
	}
	if v := os.Getenv("AEROBUS_TERMINATION_TOKEN"); v != "" {
		cfg.Driver.TerminationToken = v
	}
	if v := os.Getenv("AEROBUS_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
	}
}

// Apply folds loaded defaults onto a driver context. Empty and zero values
// leave the context untouched; the sparse-files and strict-URI switches are
// always copied.
func (c *Config) Apply(ctx *driver.Context) error {
	if c.Driver.Dir != "" {
		ctx.DriverDir = c.Driver.Dir
	}
	if c.Driver.TermLength != "" {
		length, err := ParseSize(c.Driver.TermLength)
		if err != nil {
			return fmt.Errorf("term_length: %w", err)
		}
		ctx.TermLength = int32(length)
	}
	if c.Driver.IPCTermLength != "" {
		length, err := ParseSize(c.Driver.IPCTermLength)
		if err != nil {
			return fmt.Errorf("ipc_term_length: %w", err)
		}
		ctx.IPCTermLength = int32(length)
	}
	if c.Driver.MTU != 0 {
		ctx.MTULength = c.Driver.MTU
	}
	ctx.SparseLogFiles = c.Driver.SparseFiles
	ctx.StrictURIParams = c.Driver.StrictURIParams
	if c.Driver.TerminationToken != "" {
		ctx.TerminationToken = c.Driver.TerminationToken
	}
	if c.Driver.ReservedSessionIDLow != 0 || c.Driver.ReservedSessionIDHigh != 0 {
		ctx.ReservedSessionIDLow = c.Driver.ReservedSessionIDLow
		ctx.ReservedSessionIDHigh = c.Driver.ReservedSessionIDHigh
	}

	for _, d := range []struct {
		value  string
		target *int64
		name   string
	}{
		{c.Driver.ClientLivenessTimeout, &ctx.ClientLivenessTimeoutNs, "client_liveness_timeout"},
		{c.Driver.PublicationLinger, &ctx.PublicationLingerNs, "publication_linger"},
		{c.Driver.ImageLivenessTimeout, &ctx.ImageLivenessTimeoutNs, "image_liveness_timeout"},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.target = parsed.Nanoseconds()
	}
	return nil
}

// ParseSize parses human sizes like 64k, 16m, 1g into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	digits := s
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1024
		digits = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		digits = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		digits = s[:len(s)-1]
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	return v * multiplier, nil
}
