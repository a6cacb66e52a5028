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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launchDef(t *testing.T, conditions string) *Definition {
	t.Helper()
	doc := `
properties: {title: "t", version: "1"}
launch_conditions:
` + conditions + `
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
`
	def, _, err := Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

var linuxProbe = Probe{OS: "linux", Arch: "x86_64", IsElevated: false}

func TestLaunchDisabled(t *testing.T) {
	def := launchDef(t, `  {os: ["linux"], enabled: false}`)
	result := def.EvaluateLaunch(context.Background(), linuxProbe)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "disabled")
}

func TestLaunchOSMismatch(t *testing.T) {
	def := launchDef(t, `  {os: ["windows"]}`)
	result := def.EvaluateLaunch(context.Background(), linuxProbe)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "operating system")
}

func TestLaunchArchDefaultsToAll(t *testing.T) {
	def := launchDef(t, `  {os: ["linux"]}`)
	for _, arch := range []string{"x86", "x86_64", "aarch64", "arm"} {
		result := def.EvaluateLaunch(context.Background(), Probe{OS: "linux", Arch: arch})
		assert.True(t, result.Eligible, "arch %s", arch)
	}
}

func TestLaunchArchMismatch(t *testing.T) {
	def := launchDef(t, `  {os: ["linux"], arch: ["aarch64"]}`)
	result := def.EvaluateLaunch(context.Background(), linuxProbe)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "architecture")
}

func TestLaunchElevationRequired(t *testing.T) {
	def := launchDef(t, `  {os: ["linux"], is_elevated: true}`)

	result := def.EvaluateLaunch(context.Background(), linuxProbe)
	assert.False(t, result.Eligible)

	elevated := Probe{OS: "linux", Arch: "x86_64", IsElevated: true}
	assert.True(t, def.EvaluateLaunch(context.Background(), elevated).Eligible)

	// is_elevated=false places no constraint either way.
	def = launchDef(t, `  {os: ["linux"], is_elevated: false}`)
	assert.True(t, def.EvaluateLaunch(context.Background(), elevated).Eligible)
}

func TestLaunchCustomCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe command uses echo")
	}

	def := launchDef(t, `
  os: ["linux", "macos"]
  custom_command:
    cmd: "echo"
    args: ["hello forensic world"]
    contains_any: ["forensic", "missing"]
    contains_all: ["hello", "world"]
    contains_regex: "hel+o"`)

	probe := Probe{OS: "linux", Arch: "x86_64"}
	if runtime.GOOS == "darwin" {
		probe.OS = "macos"
	}
	assert.True(t, def.EvaluateLaunch(context.Background(), probe).Eligible)

	def = launchDef(t, `
  os: ["linux", "macos"]
  custom_command:
    cmd: "echo"
    args: ["hello forensic world"]
    contains_all: ["hello", "absent"]`)
	result := def.EvaluateLaunch(context.Background(), probe)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "contains")
}

func TestLaunchCustomCommandSpawnFailure(t *testing.T) {
	def := launchDef(t, `
  os: ["linux", "macos", "windows"]
  custom_command:
    cmd: "definitely-not-a-command-4a1b"
    contains_any: ["x"]`)

	probe := Probe{OS: osForRuntime(), Arch: "x86_64"}
	result := def.EvaluateLaunch(context.Background(), probe)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "probe command failed")
}

func osForRuntime() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}
