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

package action

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/harrierhq/harrier/pkg/capture"
	"github.com/harrierhq/harrier/pkg/pattern"
)

// Store captures every regular file matching the patterns into the report.
type Store struct {
	// Patterns are the glob patterns, already variable-expanded.
	Patterns []string

	// CaseSensitive controls pattern matching.
	CaseSensitive bool

	// SizeLimit caps the running total of captured bytes for this action.
	// Files that would breach the limit are skipped with a journal row.
	// Zero means unlimited.
	SizeLimit uint64

	Pipeline *capture.Pipeline
	Logger   *slog.Logger
}

// Run enumerates the patterns and hands each match to the capture pipeline.
// Per-file capture errors are journaled and do not fail the action; an
// enumeration I/O error does.
func (s Store) Run(ctx context.Context) Outcome {
	started := time.Now()
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	matches, err := pattern.Find(s.Patterns, s.CaseSensitive)
	if err != nil {
		return failure(err, started)
	}
	logger.Debug("store enumeration finished", "matches", len(matches))

	var total uint64
	for _, src := range matches {
		if ctx.Err() != nil {
			return Outcome{
				Status:   StatusCancelled,
				ExitCode: -1,
				Duration: time.Since(started),
				Err:      ctx.Err(),
			}
		}

		if s.SizeLimit > 0 {
			info, err := os.Stat(src)
			if err != nil {
				logger.Warn("cannot stat matched file, skipping", "path", src, "error", err)
				s.Pipeline.Skip(src, err.Error(), "")
				continue
			}
			if total+uint64(info.Size()) > s.SizeLimit {
				logger.Warn("file would breach the size limit, skipping",
					"path", src,
					"size", humanize.Bytes(uint64(info.Size())),
					"limit", humanize.Bytes(s.SizeLimit))
				s.Pipeline.Skip(src, "size limit exceeded", "")
				continue
			}
		}

		row, err := s.Pipeline.Capture(src, "")
		if err != nil {
			logger.Warn("failed to capture file", "path", src, "error", err)
			s.Pipeline.Skip(src, err.Error(), "")
			continue
		}
		total += uint64(row.Size)
	}

	return Outcome{
		Status:   StatusOK,
		ExitCode: 0,
		Duration: time.Since(started),
	}
}
