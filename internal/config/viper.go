package config

import (
	"fmt"
	"strings"

	"github.com/relab/tomcast"
	"github.com/spf13/viper"
)

// FromViper reads a GroupConfig from v and validates it.
func FromViper(v *viper.Viper) (*GroupConfig, error) {
	cfg := &GroupConfig{
		Self:           tomcast.ID(v.GetUint32("self")),
		LogLevel:       v.GetString("log-level"),
		LogPackages:    v.GetStringSlice("log-pkgs"),
		MetricsAddress: v.GetString("metrics-address"),
		DialTimeout:    v.GetDuration("dial-timeout"),
	}
	if err := v.UnmarshalKey("members", &cfg.Members); err != nil {
		return nil, fmt.Errorf("failed to read members: %v: %w", err, tomcast.ErrConfiguration)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a GroupConfig from the given file.
// Settings can be overridden by environment variables with the TOMCAST_ prefix.
func Load(filename string) (*GroupConfig, error) {
	v := NewViper()
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return FromViper(v)
}

// NewViper returns a viper instance that reads environment variables with the TOMCAST_ prefix.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("tomcast")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}
