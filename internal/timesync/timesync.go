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

// Package timesync probes NTP servers once at startup so the run log records
// how far the host clock drifts from network time. A drifted or unreachable
// clock never blocks acquisition; the measurement is evidence, not a gate.
package timesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
	"golang.org/x/time/rate"

	"github.com/harrierhq/harrier/internal/config"
)

// queryLimiter paces retries against one server.
var queryLimiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)

// Probe walks the configured servers in order and returns the first measured
// clock offset. The boolean is false when no server answered within its
// timeout.
func Probe(ctx context.Context, cfg config.Time, logger *slog.Logger) (time.Duration, bool) {
	if !cfg.NTPEnabled || cfg.NTPTimeout <= 0 || len(cfg.NTPServers) == 0 {
		return 0, false
	}
	if logger == nil {
		logger = slog.Default()
	}

	perServer := time.Duration(cfg.NTPTimeout) * time.Second
	for _, server := range cfg.NTPServers {
		deadline := time.Now().Add(perServer)
		for time.Now().Before(deadline) {
			if err := queryLimiter.Wait(ctx); err != nil {
				return 0, false
			}
			resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
				Timeout: time.Until(deadline),
			})
			if err != nil {
				logger.Debug("NTP query failed", "server", server, "error", err)
				continue
			}
			if err := resp.Validate(); err != nil {
				logger.Debug("NTP response invalid", "server", server, "error", err)
				continue
			}
			logger.Info("NTP offset measured", "server", server, "offset", resp.ClockOffset)
			return resp.ClockOffset, true
		}
		logger.Warn("NTP server did not answer in time", "server", server)
	}
	return 0, false
}
