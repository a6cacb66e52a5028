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
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yr "github.com/hillu/go-yara/v4"
	"golang.org/x/sync/errgroup"

	"github.com/harrierhq/harrier/pkg/capture"
	"github.com/harrierhq/harrier/pkg/pattern"
)

// Yara scans files with compiled YARA rules and optionally stores matches.
type Yara struct {
	// RulesPatterns locate the rule files. Relative patterns resolve under
	// CustomFilesDir.
	RulesPatterns []string

	// ScanPatterns locate the files to scan.
	ScanPatterns []string

	CustomFilesDir string

	// StoreOnMatch hands matching files to the capture pipeline.
	StoreOnMatch bool

	// Threads is the scan parallelism.
	Threads int

	// Timeout is the per-file scan timeout. A timed-out file is journaled
	// as a warning; the action keeps scanning.
	Timeout time.Duration

	Pipeline *capture.Pipeline

	// ResultPath is the per-step CSV listing every hit and scan error.
	ResultPath string

	Logger *slog.Logger
}

// scanHit is one row of the per-step result CSV.
type scanHit struct {
	path      string
	rule      string
	namespace string
	err       string
}

// Run compiles the rules and scans every matched file. Rule compilation
// failure fails the action; per-file scan errors do not.
func (y Yara) Run(ctx context.Context) Outcome {
	started := time.Now()
	logger := y.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ruleFiles, err := pattern.Find(y.resolveRulePatterns(), false)
	if err != nil {
		return failure(fmt.Errorf("failed to enumerate rule files: %w", err), started)
	}
	if len(ruleFiles) == 0 {
		return failure(fmt.Errorf("no rule files matched"), started)
	}

	rules, err := compileRules(ruleFiles)
	if err != nil {
		return failure(fmt.Errorf("failed to compile rules: %w", err), started)
	}

	targets, err := pattern.Find(y.ScanPatterns, false)
	if err != nil {
		return failure(fmt.Errorf("failed to enumerate scan targets: %w", err), started)
	}
	if len(targets) == 0 {
		return failure(fmt.Errorf("no files to scan matched"), started)
	}

	logger.Info("scanning files", "files", len(targets), "rules", len(ruleFiles), "threads", y.Threads)

	var mu sync.Mutex
	var hits []scanHit

	group, gctx := errgroup.WithContext(ctx)
	threads := y.Threads
	if threads < 1 {
		threads = 1
	}
	group.SetLimit(threads)

	for _, target := range targets {
		target := target
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var matches yr.MatchRules
			err := rules.ScanFile(target, 0, y.Timeout, &matches)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("scan failed", "path", target, "error", err)
				hits = append(hits, scanHit{path: target, err: err.Error()})
				return nil
			}
			for _, m := range matches {
				hits = append(hits, scanHit{path: target, rule: m.Rule, namespace: m.Namespace})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Outcome{
			Status:   StatusCancelled,
			ExitCode: -1,
			Duration: time.Since(started),
			Err:      err,
		}
	}

	// Deterministic result order regardless of scan interleaving.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].path != hits[j].path {
			return hits[i].path < hits[j].path
		}
		return hits[i].rule < hits[j].rule
	})

	artifacts, err := y.writeResults(hits)
	if err != nil {
		return failure(err, started)
	}

	if y.StoreOnMatch {
		y.storeMatches(hits, logger)
	}

	return Outcome{
		Status:    StatusOK,
		ExitCode:  0,
		Duration:  time.Since(started),
		Artifacts: artifacts,
	}
}

// resolveRulePatterns anchors relative rule patterns under the custom files
// directory.
func (y Yara) resolveRulePatterns() []string {
	resolved := make([]string, 0, len(y.RulesPatterns))
	for _, p := range y.RulesPatterns {
		norm := filepath.FromSlash(pattern.Normalize(p))
		if !filepath.IsAbs(norm) {
			norm = filepath.Join(y.CustomFilesDir, norm)
		}
		resolved = append(resolved, norm)
	}
	return resolved
}

func compileRules(ruleFiles []string) (*yr.Rules, error) {
	compiler, err := yr.NewCompiler()
	if err != nil {
		return nil, err
	}
	for _, path := range ruleFiles {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = compiler.AddFile(f, "")
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return compiler.GetRules()
}

func (y Yara) writeResults(hits []scanHit) ([]string, error) {
	if y.ResultPath == "" {
		return nil, nil
	}
	f, err := os.Create(y.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan results: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"path", "rule", "namespace", "error"}); err != nil {
		return nil, err
	}
	for _, h := range hits {
		if err := w.Write([]string{h.path, h.rule, h.namespace, h.err}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []string{y.ResultPath}, nil
}

// storeMatches captures each matching file once, even when several rules hit
// it.
func (y Yara) storeMatches(hits []scanHit, logger *slog.Logger) {
	stored := make(map[string]bool)
	for _, h := range hits {
		if h.err != "" || stored[h.path] {
			continue
		}
		stored[h.path] = true
		comment := fmt.Sprintf("matched YARA rule %s; access time may have changed", h.rule)
		if _, err := y.Pipeline.Capture(h.path, comment); err != nil {
			logger.Warn("failed to store matched file", "path", h.path, "error", err)
			y.Pipeline.Skip(h.path, err.Error(), comment)
		}
	}
}
