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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// termGrace is how long a timed-out child gets between the graceful
// termination signal and the hard kill.
const termGrace = 2 * time.Second

// Process runs one external program to completion. It backs both the
// command and binary action variants.
type Process struct {
	// Path is the program to execute.
	Path string

	// Args are the program arguments.
	Args []string

	// Dir is the working directory; empty inherits the process CWD.
	Dir string

	// StdoutPath / StderrPath capture the child's output when set.
	StdoutPath string
	StderrPath string

	// Inherit passes the parent's standard streams through when output is
	// not captured.
	Inherit bool

	// Timeout terminates the child after this duration; zero disables it.
	// On expiry the child receives a graceful termination signal and, after
	// a 2-second grace, a hard kill.
	Timeout time.Duration

	Logger *slog.Logger
}

// Run executes the process and waits for its outcome. The environment is
// inherited from the collector.
func (p Process) Run(ctx context.Context) Outcome {
	started := time.Now()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Dir = p.Dir
	groupProcess(cmd)

	var artifacts []string
	if p.StdoutPath != "" {
		f, err := os.Create(p.StdoutPath)
		if err != nil {
			return failure(fmt.Errorf("failed to create stdout capture: %w", err), started)
		}
		defer f.Close()
		cmd.Stdout = f
		artifacts = append(artifacts, p.StdoutPath)
	} else if p.Inherit {
		cmd.Stdout = os.Stdout
	}
	if p.StderrPath != "" {
		f, err := os.Create(p.StderrPath)
		if err != nil {
			return failure(fmt.Errorf("failed to create stderr capture: %w", err), started)
		}
		defer f.Close()
		cmd.Stderr = f
		artifacts = append(artifacts, p.StderrPath)
	} else if p.Inherit {
		cmd.Stderr = os.Stderr
	}

	if p.Dir != "" {
		if info, err := os.Stat(p.Dir); err != nil || !info.IsDir() {
			return failure(fmt.Errorf("working directory does not exist: %s", p.Dir), started)
		}
	}

	logger.Debug("spawning process", "path", p.Path, "args", p.Args)
	if err := cmd.Start(); err != nil {
		return failure(fmt.Errorf("failed to spawn %s: %w", p.Path, err), started)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return p.outcome(err, cmd, started, artifacts)
	case <-timeoutCh:
		p.stop(cmd, done, logger)
		return Outcome{
			Status:    StatusTimedOut,
			ExitCode:  -1,
			Duration:  time.Since(started),
			Artifacts: artifacts,
			Err:       fmt.Errorf("process exceeded timeout of %v", p.Timeout),
		}
	case <-ctx.Done():
		p.stop(cmd, done, logger)
		return Outcome{
			Status:    StatusCancelled,
			ExitCode:  -1,
			Duration:  time.Since(started),
			Artifacts: artifacts,
			Err:       ctx.Err(),
		}
	}
}

// stop sends the graceful termination signal and escalates to a hard kill of
// the whole process group after the grace period.
func (p Process) stop(cmd *exec.Cmd, done <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	terminate(cmd.Process)
	select {
	case <-done:
	case <-time.After(termGrace):
		logger.Warn("process ignored termination signal, killing", "path", p.Path)
		killGroup(cmd)
		<-done
	}
}

func (p Process) outcome(waitErr error, cmd *exec.Cmd, started time.Time, artifacts []string) Outcome {
	out := Outcome{
		Status:    StatusOK,
		ExitCode:  0,
		Duration:  time.Since(started),
		Artifacts: artifacts,
	}
	if waitErr == nil {
		return out
	}
	out.Status = StatusFailed
	out.Err = waitErr
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		out.ExitCode = exitErr.ExitCode()
	} else {
		out.ExitCode = -1
	}
	return out
}
