// Copyright 2025 The Harrier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process-level configuration (config.yaml).
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrierhq/harrier/pkg/errors"
)

// Path is the default configuration file name, resolved against the
// collector's base path.
const Path = "config.yaml"

// Time holds the clock-related configuration.
type Time struct {
	// TimeZone is an IANA zone name (e.g. "UTC", "Europe/Berlin") used for
	// every timestamp written into the report.
	TimeZone string `yaml:"time_zone"`

	// NTPEnabled turns the startup NTP offset probe on.
	NTPEnabled bool `yaml:"ntp_enabled"`

	// NTPTimeout is the per-server probe timeout in seconds. 0 disables the
	// probe even when NTPEnabled is set.
	NTPTimeout int `yaml:"ntp_timeout"`

	// NTPServers lists host:port NTP endpoints, tried in order.
	NTPServers []string `yaml:"ntp_servers"`
}

// Config is the process-level configuration.
type Config struct {
	Time Time `yaml:"time"`

	// Elevate requests an elevated relaunch when the process is not already
	// running with elevated privileges.
	Elevate bool `yaml:"elevate"`
}

// Default returns the configuration used when no config.yaml is present.
func Default() *Config {
	return &Config{
		Time: Time{TimeZone: "UTC"},
	}
}

// Load reads and validates the configuration file at path. A missing file is
// not an error: the defaults apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, &errors.ConfigError{Reason: "cannot read config file", Cause: err}
	}
	return Parse(data)
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, &errors.ConfigError{Reason: "cannot parse config file", Cause: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Time.TimeZone == "" {
		c.Time.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(c.Time.TimeZone); err != nil {
		return &errors.ConfigError{
			Key:    "time.time_zone",
			Reason: fmt.Sprintf("unknown IANA time zone %q", c.Time.TimeZone),
			Cause:  err,
		}
	}
	if c.Time.NTPTimeout < 0 {
		return &errors.ConfigError{Key: "time.ntp_timeout", Reason: "must not be negative"}
	}
	for _, server := range c.Time.NTPServers {
		if strings.TrimSpace(server) == "" {
			return &errors.ConfigError{Key: "time.ntp_servers", Reason: "empty server entry"}
		}
	}
	return nil
}

// Location resolves the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Time.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
