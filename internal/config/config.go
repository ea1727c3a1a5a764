// Package config holds the configuration of a group member.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/relab/tomcast"
	"go.uber.org/multierr"
)

// MemberConfig describes one member of the group.
type MemberConfig struct {
	ID      tomcast.ID `mapstructure:"id"`
	Address string     `mapstructure:"address"`
}

// GroupConfig holds the configuration of the local member and the group it belongs to.
type GroupConfig struct {
	// Self is the ID of the local member.
	Self tomcast.ID
	// Members lists every member of the group, including the local member.
	Members []MemberConfig
	// LogLevel is the global log level.
	LogLevel string
	// LogPackages holds per-package log levels as package:level strings.
	LogPackages []string
	// MetricsAddress is the address to serve Prometheus metrics on. Metrics are not served if it is empty.
	MetricsAddress string
	// DialTimeout is the timeout for connecting to other members.
	DialTimeout time.Duration
}

// IDs returns the sorted IDs of all members.
func (c *GroupConfig) IDs() []tomcast.ID {
	ids := make([]tomcast.ID, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	return ids
}

// Address returns the address of the member with the given id.
func (c *GroupConfig) Address(id tomcast.ID) (string, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m.Address, true
		}
	}
	return "", false
}

// Peers returns the addresses of the members other than the local member.
func (c *GroupConfig) Peers() map[tomcast.ID]string {
	peers := make(map[tomcast.ID]string, len(c.Members))
	for _, m := range c.Members {
		if m.ID != c.Self {
			peers[m.ID] = m.Address
		}
	}
	return peers
}

// PackageLevels parses LogPackages into a map from package name to log level.
func (c *GroupConfig) PackageLevels() (map[string]string, error) {
	levels := make(map[string]string, len(c.LogPackages))
	for _, packageLevel := range c.LogPackages {
		pkg, level, ok := strings.Cut(packageLevel, ":")
		if !ok || pkg == "" || level == "" {
			return nil, fmt.Errorf("invalid package log level %q, want package:level: %w", packageLevel, tomcast.ErrConfiguration)
		}
		levels[pkg] = level
	}
	return levels, nil
}

// Validate checks that the configuration is complete and consistent.
// All problems are reported, combined into one error that wraps tomcast.ErrConfiguration.
func (c *GroupConfig) Validate() (err error) {
	if len(c.Members) == 0 {
		err = multierr.Append(err, fmt.Errorf("no members: %w", tomcast.ErrConfiguration))
	}
	seen := make(map[tomcast.ID]bool, len(c.Members))
	for _, m := range c.Members {
		if m.ID == 0 {
			err = multierr.Append(err, fmt.Errorf("member with id 0: %w", tomcast.ErrConfiguration))
		}
		if seen[m.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate member id %d: %w", m.ID, tomcast.ErrConfiguration))
		}
		seen[m.ID] = true
		if m.Address == "" {
			err = multierr.Append(err, fmt.Errorf("member %d has no address: %w", m.ID, tomcast.ErrConfiguration))
		}
	}
	if len(c.Members) > 0 && !seen[c.Self] {
		err = multierr.Append(err, fmt.Errorf("self id %d is not a member: %w", c.Self, tomcast.ErrConfiguration))
	}
	if _, pkgErr := c.PackageLevels(); pkgErr != nil {
		err = multierr.Append(err, pkgErr)
	}
	return err
}
