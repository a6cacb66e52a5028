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

package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/harrierhq/harrier/internal/log"
	"github.com/harrierhq/harrier/pkg/action"
	"github.com/harrierhq/harrier/pkg/capture"
	"github.com/harrierhq/harrier/pkg/pattern"
	"github.com/harrierhq/harrier/pkg/report"
)

// DefaultJoinTimeout bounds how long the terminal join waits for background
// tasks.
const DefaultJoinTimeout = 10 * time.Minute

// Env is the execution context a workflow run operates in. It is immutable
// for the lifetime of one run.
type Env struct {
	Report         *report.Report
	Pipeline       *capture.Pipeline
	CustomFilesDir string
	Logger         *slog.Logger

	// JoinTimeout overrides DefaultJoinTimeout when positive.
	JoinTimeout time.Duration

	// WaitForKeypress blocks until the operator presses a key. Nil disables
	// continue_after_keypress handling (non-interactive runs).
	WaitForKeypress func(prompt string)
}

// StepResult is one entry of the execution trace. Sequential entries appear
// in execution order; background entries are appended in the order their
// completion events drain at the terminal join.
type StepResult struct {
	Index      int
	Step       string
	Type       ActionType
	Background bool
	Outcome    action.Outcome
}

// Runner drives one workflow over its ordered step list.
type Runner struct {
	def *Definition
	env Env
}

// NewRunner builds a runner for a validated, variable-bound definition.
func NewRunner(def *Definition, env Env) *Runner {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.JoinTimeout <= 0 {
		env.JoinTimeout = DefaultJoinTimeout
	}
	return &Runner{def: def, env: env}
}

type bgResult struct {
	index   int
	step    Step
	actType ActionType
	outcome action.Outcome
}

// Run executes the workflow and returns the execution trace. Action failures
// never surface as an error here; they are routed through each step's
// on_error policy. The trace always reflects everything that ran, so the
// reporter can preserve partial evidence even under abort.
func (r *Runner) Run(ctx context.Context) []StepResult {
	steps := r.def.Workflow
	logger := r.env.Logger

	// Background tasks report their final outcome once, over the join
	// queue. The buffer lets a late task finish without a blocked receiver.
	joinCh := make(chan bgResult, len(steps))
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	var trace []StepResult
	inflight := 0
	cursor := 0
	aborted := false

	for cursor < len(steps) && !aborted && ctx.Err() == nil {
		step := steps[cursor]
		act, ok := r.def.ActionByName(step.Action)
		if !ok {
			// Unreachable after validation; guard anyway.
			logger.Error("step references unknown action", log.StepKey, step.Action)
			cursor++
			continue
		}
		stepLogger := log.WithStep(logger, step.Action)

		if step.Parallel {
			stepLogger.Info("starting background step", log.ActionKey, string(act.Type))
			inflight++
			index := cursor
			go func(step Step, act *Action) {
				joinCh <- bgResult{
					index:   index,
					step:    step,
					actType: act.Type,
					outcome: r.execute(bgCtx, step, act),
				}
			}(step, act)
			cursor++
			continue
		}

		stepLogger.Info("running step", log.ActionKey, string(act.Type))
		outcome := r.execute(ctx, step, act)
		trace = append(trace, StepResult{
			Index:   cursor,
			Step:    step.Action,
			Type:    act.Type,
			Outcome: outcome,
		})

		switch {
		case outcome.Status == action.StatusCancelled:
			aborted = true
		case outcome.OK():
			stepLogger.Info("step succeeded", log.DurationKey, outcome.Duration.Milliseconds())
			cursor++
		default:
			stepLogger.Error("step failed",
				"status", string(outcome.Status),
				"exit_code", outcome.ExitCode,
				log.Error(outcome.Err))
			switch step.OnError.Kind {
			case OnErrorAbort:
				stepLogger.Warn("on_error is abort, stopping the workflow")
				aborted = true
			case OnErrorGoto:
				target := r.nextIndexOf(cursor, step.OnError.Goto)
				stepLogger.Warn("on_error branch taken", "goto", step.OnError.Goto)
				cursor = target
			default:
				cursor++
			}
		}

		if !aborted && step.ContinueAfterKeypress && r.env.WaitForKeypress != nil {
			r.env.WaitForKeypress("Press any key to continue...")
		}
	}

	if aborted {
		// Stop scheduling and ask in-flight background tasks to wind down;
		// they are still awaited below so partial evidence is preserved.
		cancelBg()
	}

	if inflight > 0 {
		logger.Info("waiting for background steps", "inflight", inflight)
		timer := time.NewTimer(r.env.JoinTimeout)
		defer timer.Stop()
		for inflight > 0 {
			select {
			case res := <-joinCh:
				inflight--
				resLogger := log.WithStep(logger, res.step.Action)
				if res.outcome.OK() {
					resLogger.Info("background step finished",
						log.DurationKey, res.outcome.Duration.Milliseconds())
				} else {
					resLogger.Error("background step failed",
						"status", string(res.outcome.Status),
						log.Error(res.outcome.Err))
				}
				trace = append(trace, StepResult{
					Index:      res.index,
					Step:       res.step.Action,
					Type:       res.actType,
					Background: true,
					Outcome:    res.outcome,
				})
			case <-timer.C:
				logger.Error("join timeout expired, abandoning background steps",
					"abandoned", inflight)
				inflight = 0
			}
		}
	}

	return trace
}

// nextIndexOf returns the first step index after from whose action is name.
// Validation guarantees it exists.
func (r *Runner) nextIndexOf(from int, name string) int {
	for j := from + 1; j < len(r.def.Workflow); j++ {
		if r.def.Workflow[j].Action == name {
			return j
		}
	}
	return len(r.def.Workflow)
}

// execute dispatches one step to its action primitive. The step timeout
// overrides any default the action carries.
func (r *Runner) execute(ctx context.Context, step Step, act *Action) action.Outcome {
	rep := r.env.Report
	logger := log.WithStep(r.env.Logger, step.Action)

	switch act.Type {
	case ActionCommand:
		attrs := act.Command
		proc := action.Process{
			Path:    attrs.Cmd,
			Args:    attrs.Args,
			Dir:     attrs.Cwd,
			Inherit: !attrs.LogToFile && !step.Parallel,
			Timeout: step.Timeout.Std(),
			Logger:  logger,
		}
		if attrs.LogToFile {
			proc.StdoutPath = rep.StdoutPath(step.Action)
			proc.StderrPath = rep.StderrPath(step.Action)
		}
		return proc.Run(ctx)

	case ActionBinary:
		attrs := act.Binary
		path := filepath.FromSlash(pattern.Normalize(attrs.Path))
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.env.CustomFilesDir, path)
		}
		proc := action.Process{
			Path:    path,
			Args:    attrs.Args,
			Inherit: !attrs.LogToFile && !step.Parallel,
			Timeout: step.Timeout.Std(),
			Logger:  logger,
		}
		if attrs.LogToFile {
			proc.StdoutPath = rep.StdoutPath(step.Action)
			proc.StderrPath = rep.StderrPath(step.Action)
		}
		return proc.Run(ctx)

	case ActionStore:
		attrs := act.Store
		return action.Store{
			Patterns:      pattern.Split(attrs.Patterns),
			CaseSensitive: attrs.CaseSensitive,
			SizeLimit:     uint64(attrs.SizeLimit),
			Pipeline:      r.env.Pipeline,
			Logger:        logger,
		}.Run(ctx)

	case ActionYara:
		attrs := act.Yara
		return action.Yara{
			RulesPatterns:  pattern.Split(attrs.RulesPaths),
			ScanPatterns:   pattern.Split(attrs.FilesToScan),
			CustomFilesDir: r.env.CustomFilesDir,
			StoreOnMatch:   attrs.StoreOnMatch,
			Threads:        attrs.NumThreads,
			Timeout:        attrs.ScanTimeout.Std(),
			Pipeline:       r.env.Pipeline,
			ResultPath:     rep.ScanResultPath(step.Action),
			Logger:         logger,
		}.Run(ctx)

	case ActionTerminal:
		attrs := act.Terminal
		return action.Terminal{
			Shell:          attrs.Shell,
			Wait:           attrs.Wait,
			SeparateWindow: attrs.SeparateWindow,
			Transcript:     attrs.EnableTranscript,
			TranscriptPath: rep.TranscriptPath(step.Action),
			Logger:         logger,
		}.Run(ctx)
	}

	return action.Outcome{Status: action.StatusFailed, ExitCode: -1}
}
