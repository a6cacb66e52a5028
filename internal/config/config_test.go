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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/harrierhq/harrier/pkg/errors"
)

func TestParseFullConfig(t *testing.T) {
	yaml := `
time:
  time_zone: "Europe/Berlin"
  ntp_enabled: true
  ntp_timeout: 10
  ntp_servers:
    - "0.pool.ntp.org:123"
    - "1.pool.ntp.org:123"
elevate: true
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Time.TimeZone)
	assert.True(t, cfg.Time.NTPEnabled)
	assert.Equal(t, 10, cfg.Time.NTPTimeout)
	assert.Len(t, cfg.Time.NTPServers, 2)
	assert.True(t, cfg.Elevate)

	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.NotEqual(t, time.UTC, loc)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Time.TimeZone)
	assert.False(t, cfg.Elevate)
	assert.False(t, cfg.Time.NTPEnabled)
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("elevate: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Elevate)
	assert.Equal(t, "UTC", cfg.Time.TimeZone, "defaults fill unset sections")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("elevate: true\nbogus: 1\n"))
	require.Error(t, err)
	var cerr *herrors.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestParseRejectsUnknownTimeZone(t *testing.T) {
	_, err := Parse([]byte("time:\n  time_zone: \"Mars/Olympus_Mons\"\n"))
	require.Error(t, err)
	var cerr *herrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "time.time_zone", cerr.Key)
}

func TestParseRejectsNegativeNTPTimeout(t *testing.T) {
	_, err := Parse([]byte("time:\n  ntp_timeout: -1\n"))
	require.Error(t, err)
}
