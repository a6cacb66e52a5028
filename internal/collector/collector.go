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

// Package collector orchestrates one collection run: it discovers workflow
// documents, evaluates launch conditions, drives each eligible workflow and
// finalizes its report.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/harrierhq/harrier/internal/config"
	"github.com/harrierhq/harrier/internal/journal"
	"github.com/harrierhq/harrier/internal/log"
	"github.com/harrierhq/harrier/internal/platform"
	"github.com/harrierhq/harrier/internal/timesync"
	"github.com/harrierhq/harrier/pkg/capture"
	"github.com/harrierhq/harrier/pkg/crypto"
	"github.com/harrierhq/harrier/pkg/pattern"
	"github.com/harrierhq/harrier/pkg/report"
	"github.com/harrierhq/harrier/pkg/workflow"
)

// Exit codes of the collector binary.
const (
	// ExitOK: every eligible workflow produced a report, even with
	// per-action failures.
	ExitOK = 0
	// ExitConfig: configuration or workflow validation error.
	ExitConfig = 2
	// ExitNoneEligible: no workflow was eligible on this host.
	ExitNoneEligible = 3
	// ExitReportFatal: every eligible workflow failed with a report-fatal
	// I/O error.
	ExitReportFatal = 4
)

// WorkflowsDir is the directory (under the base path) searched for workflow
// documents.
const WorkflowsDir = "workflows"

// ReportsDir is the directory (under the base path) reports are written to.
const ReportsDir = "reports"

// KeysDir is the directory (under the base path) holding public keys named
// by reporting.zip_archive.encryption.public_key.
const KeysDir = "keys"

// Options configures a collection run.
type Options struct {
	Verbose bool
}

// Run executes the full collection and returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	logCfg := log.DefaultConfig()
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	vars, err := platform.Discover()
	if err != nil {
		logger.Error("failed to probe the platform", log.Error(err))
		return ExitConfig
	}

	cfg, err := config.Load(filepath.Join(vars.BasePath, config.Path))
	if err != nil {
		logger.Error("failed to load configuration", log.Error(err))
		return ExitConfig
	}

	if cfg.Elevate && !vars.IsElevated {
		logger.Info("relaunching with elevated privileges")
		if err := platform.RestartElevated(); err != nil {
			logger.Error("elevation denied", log.Error(err))
			return ExitConfig
		}
		return ExitOK
	}

	if offset, ok := timesync.Probe(ctx, cfg.Time, logger); ok {
		logger.Info("host clock offset", "offset", offset)
	}

	documents, err := discoverWorkflows(vars.BasePath)
	if err != nil {
		logger.Error("failed to discover workflows", log.Error(err))
		return ExitConfig
	}
	if len(documents) == 0 {
		logger.Error("no workflow files found", "dir", filepath.Join(vars.BasePath, WorkflowsDir))
		return ExitNoneEligible
	}
	logger.Info("discovered workflows", "count", len(documents))

	// Every document must be valid before anything runs: a broken document
	// is a configuration error, not a skip.
	type loaded struct {
		def  *workflow.Definition
		path string
	}
	var defs []loaded
	for _, path := range documents {
		def, warnings, err := workflow.Load(path)
		if err != nil {
			logger.Error("invalid workflow document", "path", path, log.Error(err))
			return ExitConfig
		}
		for _, w := range warnings {
			logger.Warn("workflow conflict normalized", "path", path, "detail", w)
		}
		defs = append(defs, loaded{def: def, path: path})
	}

	jnl := openJournal(vars.BasePath, logger)
	if jnl != nil {
		defer jnl.Close()
	}

	probe := workflow.Probe{OS: vars.OS, Arch: vars.Arch, IsElevated: vars.IsElevated}
	eligible := 0
	produced := 0

	for _, l := range defs {
		// Bind a copy of the host variables: LOOT_DIR differs per report.
		runVars := *vars

		// The probe command runs before the report exists, so it is bound
		// here against the host variables alone (LOOT_DIR is still empty).
		if cc := l.def.LaunchConditions.CustomCommand; cc != nil {
			hostVars := runVars.AsMap()
			warn := func(name string) { logger.Warn("unknown variable in workflow document", "path", l.path, "name", name) }
			cc.Cmd = workflow.Expand(cc.Cmd, hostVars, warn)
			workflow.ExpandList(cc.Args, hostVars, warn)
			workflow.ExpandList(cc.ContainsAny, hostVars, warn)
			workflow.ExpandList(cc.ContainsAll, hostVars, warn)
			cc.ContainsRegex = workflow.Expand(cc.ContainsRegex, hostVars, warn)
		}

		elig := l.def.EvaluateLaunch(ctx, probe)
		if !elig.Eligible {
			logger.Info("skipping workflow", "path", l.path, "reason", elig.Reason)
			continue
		}
		eligible++

		if err := runWorkflow(ctx, l.def, &runVars, cfg, jnl, logCfg, logger); err != nil {
			logger.Error("workflow run failed", "workflow", l.def.Title(), log.Error(err))
			continue
		}
		produced++
	}

	switch {
	case eligible == 0:
		logger.Warn("no workflow was eligible on this host")
		return ExitNoneEligible
	case produced == 0:
		return ExitReportFatal
	default:
		logger.Info("collection finished", "reports", produced)
		return ExitOK
	}
}

// runWorkflow drives one eligible workflow end to end. An error return means
// the run was report-fatal; action failures are routed through on_error and
// never surface here.
func runWorkflow(ctx context.Context, def *workflow.Definition, vars *platform.Variables,
	cfg *config.Config, jnl *journal.Journal, logCfg *log.Config, logger *slog.Logger) error {

	fs := afero.NewOsFs()
	started := time.Now()

	rep, err := report.New(fs, filepath.Join(vars.BasePath, ReportsDir), vars.DeviceName, def.Title(), started)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	vars.LootDir = rep.LootDir

	// The run log is mirrored next to the report directory.
	logFile, err := os.Create(filepath.Join(filepath.Dir(rep.Dir), rep.Name+".log"))
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}
	defer logFile.Close()

	runID := ""
	if jnl != nil {
		if id, err := jnl.BeginRun(def.Title(), def.Version(), vars.DeviceName, rep.Name, started); err == nil {
			runID = id
		} else {
			logger.Warn("journal unavailable for this run", log.Error(err))
		}
	}

	runLogger := log.WithWorkflow(log.Tee(logCfg, logFile), runID, def.Title())
	runLogger.Info("starting workflow",
		"version", def.Version(),
		"report", rep.Name,
		"device", vars.DeviceName)

	def.Bind(vars.AsMap(), runLogger)

	pipeline, err := capture.New(rep, capture.Columns{
		Checksums: def.Reporting.Metadata.Checksums,
		Paths:     def.Reporting.Metadata.Paths,
		MACTimes:  def.Reporting.Metadata.MACTimes,
	}, cfg.Location(), runLogger)
	if err != nil {
		return fmt.Errorf("failed to open the capture pipeline: %w", err)
	}

	runner := workflow.NewRunner(def, workflow.Env{
		Report:          rep,
		Pipeline:        pipeline,
		CustomFilesDir:  vars.CustomFilesDir,
		Logger:          runLogger,
		WaitForKeypress: waitForKeypress,
	})
	trace := runner.Run(ctx)

	status := "completed"
	for _, result := range trace {
		if !result.Outcome.OK() {
			status = "completed_with_failures"
		}
		if jnl != nil && runID != "" {
			errMsg := ""
			if result.Outcome.Err != nil {
				errMsg = result.Outcome.Err.Error()
			}
			jnl.RecordStep(runID, result.Index, result.Step, string(result.Type),
				result.Background, string(result.Outcome.Status),
				result.Outcome.ExitCode, result.Outcome.Duration, errMsg)
		}
	}

	// The reporter always runs, even when the workflow aborted, so partial
	// evidence is preserved.
	if err := pipeline.Close(); err != nil {
		finishRun(jnl, runID, "report_failed")
		return fmt.Errorf("failed to close the metadata journal: %w", err)
	}
	if err := finalizeReport(fs, rep, def, vars, runLogger); err != nil {
		finishRun(jnl, runID, "report_failed")
		return err
	}

	finishRun(jnl, runID, status)
	runLogger.Info("workflow finished", "status", status, log.DurationKey, time.Since(started).Milliseconds())
	return nil
}

// finalizeReport archives and optionally seals the report. Crypto failures
// are reported but keep the unencrypted archive, since encryption is an
// opt-in on top of archiving.
func finalizeReport(fs afero.Fs, rep *report.Report, def *workflow.Definition,
	vars *platform.Variables, logger *slog.Logger) error {

	zip := def.Reporting.ZipArchive
	if !zip.Enabled {
		return nil
	}

	logger.Info("archiving report")
	if err := rep.Archive(report.ArchiveOptions{
		Compress:      zip.Compression.Enabled,
		CompressLimit: uint64(zip.Compression.SizeLimit),
	}); err != nil {
		return fmt.Errorf("failed to archive report: %w", err)
	}

	if !zip.Encryption.Enabled {
		return nil
	}

	keyPath := filepath.Join(vars.BasePath, KeysDir, zip.Encryption.PublicKey)
	pub, err := crypto.LoadPublicKey(fs, keyPath)
	if err != nil {
		logger.Error("cannot load public key, keeping the unencrypted archive",
			"path", keyPath, log.Error(err))
		return nil
	}

	logger.Info("encrypting report", "algorithm", string(zip.Encryption.Algorithm))
	meta, err := crypto.EncryptFile(fs, rep.ZipPath, pub, crypto.Algorithm(zip.Encryption.Algorithm))
	if err != nil {
		logger.Error("encryption failed, keeping the unencrypted archive", log.Error(err))
		return nil
	}
	if err := crypto.WriteMeta(fs, rep.EncryptionPath, meta); err != nil {
		return fmt.Errorf("failed to write encryption metadata: %w", err)
	}
	return nil
}

func finishRun(jnl *journal.Journal, runID, status string) {
	if jnl != nil && runID != "" {
		jnl.FinishRun(runID, status, time.Now())
	}
}

func openJournal(basePath string, logger *slog.Logger) *journal.Journal {
	stateDir := filepath.Join(basePath, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Warn("cannot create state directory, run journal disabled", log.Error(err))
		return nil
	}
	jnl, err := journal.Open(filepath.Join(stateDir, "journal.db"))
	if err != nil {
		logger.Warn("cannot open run journal, continuing without it", log.Error(err))
		return nil
	}
	return jnl
}

// discoverWorkflows lists the workflow documents under ./workflows,
// recursively, in deterministic order.
func discoverWorkflows(basePath string) ([]string, error) {
	root := filepath.Join(basePath, WorkflowsDir)
	files, err := pattern.Find([]string{
		filepath.ToSlash(filepath.Join(root, "**", "*.yaml")),
		filepath.ToSlash(filepath.Join(root, "**", "*.yml")),
	}, false)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
