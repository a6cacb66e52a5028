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
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrierhq/harrier/pkg/action"
	"github.com/harrierhq/harrier/pkg/capture"
	"github.com/harrierhq/harrier/pkg/report"
)

func testEnv(t *testing.T) Env {
	t.Helper()
	fs := afero.NewOsFs()
	base := t.TempDir()

	rep, err := report.New(fs, filepath.Join(base, "reports"), "testdev", "runner", time.Now())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline, err := capture.New(rep, capture.Columns{Checksums: true, Paths: true}, time.UTC, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pipeline.Close() })

	return Env{
		Report:         rep,
		Pipeline:       pipeline,
		CustomFilesDir: filepath.Join(base, "custom_files"),
		Logger:         logger,
	}
}

func runnerDef(t *testing.T, doc string) *Definition {
	t.Helper()
	def, _, err := Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test workflows use sh")
	}
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(afero.NewOsFs(), path)
	require.NoError(t, err)
	return ok
}

// Abort stops scheduling: the failing step's successors never run, but the
// evidence produced so far stays in the report.
func TestRunnerAbortStopsScheduling(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "sh", args: ["-c", "echo from-a"]}}
  - {name: "b", type: "command", attributes: {cmd: "sh", args: ["-c", "echo to-stderr >&2; exit 7"]}}
  - {name: "c", type: "command", attributes: {cmd: "sh", args: ["-c", "echo from-c"]}}
workflow:
  - action: "a"
  - action: "b"
    on_error: abort
  - action: "c"
`)

	trace := NewRunner(def, env).Run(context.Background())

	require.Len(t, trace, 2)
	assert.Equal(t, "a", trace[0].Step)
	assert.Equal(t, action.StatusOK, trace[0].Outcome.Status)
	assert.Equal(t, "b", trace[1].Step)
	assert.Equal(t, action.StatusFailed, trace[1].Outcome.Status)
	assert.Equal(t, 7, trace[1].Outcome.ExitCode)

	assert.True(t, fileExists(t, env.Report.StdoutPath("a")))
	assert.True(t, fileExists(t, env.Report.StderrPath("b")))
	assert.False(t, fileExists(t, env.Report.StdoutPath("c")), "aborted step must leave no trace")
}

// A goto branch jumps forward over the skipped steps.
func TestRunnerGotoBranch(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "sh", args: ["-c", "exit 1"]}}
  - {name: "b", type: "command", attributes: {cmd: "sh", args: ["-c", "echo b"]}}
  - {name: "c", type: "command", attributes: {cmd: "sh", args: ["-c", "echo c"]}}
  - {name: "d", type: "command", attributes: {cmd: "sh", args: ["-c", "echo d"]}}
workflow:
  - action: "a"
    on_error:
      goto: "d"
  - action: "b"
  - action: "c"
  - action: "d"
`)

	trace := NewRunner(def, env).Run(context.Background())

	require.Len(t, trace, 2)
	assert.Equal(t, "a", trace[0].Step)
	assert.Equal(t, "d", trace[1].Step)
	assert.Equal(t, action.StatusOK, trace[1].Outcome.Status)

	assert.False(t, fileExists(t, env.Report.StdoutPath("b")))
	assert.False(t, fileExists(t, env.Report.StdoutPath("c")))
	assert.True(t, fileExists(t, env.Report.StdoutPath("d")))
}

// Failures with the default policy continue to the next step.
func TestRunnerContinueIsDefault(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "sh", args: ["-c", "exit 3"]}}
  - {name: "b", type: "command", attributes: {cmd: "sh", args: ["-c", "echo b"]}}
workflow:
  - action: "a"
  - action: "b"
`)

	trace := NewRunner(def, env).Run(context.Background())
	require.Len(t, trace, 2)
	assert.Equal(t, action.StatusFailed, trace[0].Outcome.Status)
	assert.Equal(t, action.StatusOK, trace[1].Outcome.Status)
}

// A parallel step does not block its sequential successor, and the terminal
// join waits for it before the run ends.
func TestRunnerParallelJoin(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - {name: "slow", type: "command", attributes: {cmd: "sh", args: ["-c", "sleep 1; echo slow-done"]}}
  - {name: "fast", type: "command", attributes: {cmd: "sh", args: ["-c", "echo fast-done"]}}
workflow:
  - action: "slow"
    parallel: true
  - action: "fast"
`)

	started := time.Now()
	trace := NewRunner(def, env).Run(context.Background())
	elapsed := time.Since(started)

	require.Len(t, trace, 2)
	// The sequential step commits first; the background outcome drains at
	// the terminal join.
	assert.Equal(t, "fast", trace[0].Step)
	assert.False(t, trace[0].Background)
	assert.Equal(t, "slow", trace[1].Step)
	assert.True(t, trace[1].Background)
	assert.Equal(t, action.StatusOK, trace[1].Outcome.Status)

	assert.GreaterOrEqual(t, elapsed, time.Second, "join must wait for the background step")
	assert.True(t, fileExists(t, env.Report.StdoutPath("slow")))
	assert.True(t, fileExists(t, env.Report.StdoutPath("fast")))
}

// The step timeout terminates the child: SIGTERM, a 2 second grace, then a
// hard kill.
func TestRunnerStepTimeout(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - {name: "hang", type: "command", attributes: {cmd: "sh", args: ["-c", "sleep 30"]}}
workflow:
  - action: "hang"
    timeout: 1
`)

	started := time.Now()
	trace := NewRunner(def, env).Run(context.Background())

	require.Len(t, trace, 1)
	assert.Equal(t, action.StatusTimedOut, trace[0].Outcome.Status)
	assert.Less(t, time.Since(started), 10*time.Second)
}

// Store steps feed the capture pipeline from inside a workflow run.
func TestRunnerStoreStep(t *testing.T) {
	skipOnWindows(t)
	env := testEnv(t)

	srcDir := t.TempDir()
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), filepath.Join(srcDir, "evidence.txt"), []byte("payload"), 0o644))

	def := runnerDef(t, `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux", "macos"]}
actions:
  - name: "grab"
    type: "store"
    attributes:
      patterns: "`+filepath.ToSlash(srcDir)+`/*.txt"
workflow:
  - action: "grab"
`)

	trace := NewRunner(def, env).Run(context.Background())
	require.Len(t, trace, 1)
	assert.Equal(t, action.StatusOK, trace[0].Outcome.Status)

	entries, err := afero.ReadDir(afero.NewOsFs(), env.Report.StoreDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Name(), 64, "store entries are named by SHA-256")
}
