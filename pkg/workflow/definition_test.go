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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	herrors "github.com/harrierhq/harrier/pkg/errors"
)

func yamlUnmarshal(s string, out interface{}) error {
	return yaml.Unmarshal([]byte(s), out)
}

const minimalDoc = `
properties:
  title: "Test Workflow"
  version: "1.0"
launch_conditions:
  os: ["linux"]
actions:
  - name: "list"
    type: "command"
    attributes:
      cmd: "ls"
workflow:
  - action: "list"
`

func TestParseMinimalDocument(t *testing.T) {
	def, warnings, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "Test Workflow", def.Title())
	assert.Equal(t, "1.0", def.Version())
	require.Len(t, def.Actions, 1)
	assert.Equal(t, ActionCommand, def.Actions[0].Type)
	require.NotNil(t, def.Actions[0].Command)
	assert.Equal(t, "ls", def.Actions[0].Command.Cmd)
	assert.True(t, def.Actions[0].Command.LogToFile, "log_to_file defaults to true")

	require.Len(t, def.Workflow, 1)
	assert.Equal(t, OnErrorContinue, def.Workflow[0].OnError.Kind)
	assert.False(t, def.Workflow[0].Parallel)

	// Reporting defaults: archive on, compression on at 100 MB, no encryption.
	assert.True(t, def.Reporting.ZipArchive.Enabled)
	assert.True(t, def.Reporting.ZipArchive.Compression.Enabled)
	assert.Equal(t, DefaultCompressionLimit, def.Reporting.ZipArchive.Compression.SizeLimit)
	assert.False(t, def.Reporting.ZipArchive.Encryption.Enabled)
}

func TestParseAllActionTypes(t *testing.T) {
	doc := `
properties:
  title: "t"
  version: "1"
launch_conditions:
  os: ["linux", "windows", "macos"]
  arch: ["x86_64", "aarch64"]
actions:
  - name: "run"
    type: "command"
    attributes:
      cmd: "uname"
      args: ["-a"]
      cwd: "/tmp"
  - name: "tool"
    type: "binary"
    attributes:
      path: "tools/collect"
      args: ["--all"]
      log_to_file: false
  - name: "grab"
    type: "store"
    attributes:
      patterns: "${USER_HOME}/*.log"
      case_sensitive: true
      size_limit: "10 MB"
  - name: "scan"
    type: "yara"
    attributes:
      rules_paths: "rules/*.yar"
      files_to_scan: "/tmp/**"
      num_threads: 4
      scan_timeout: "2m"
  - name: "shell"
    type: "terminal"
    attributes:
      wait: true
      separate_window: true
workflow:
  - action: "run"
    timeout: 30
  - action: "tool"
    timeout: "5m"
  - action: "grab"
  - action: "scan"
  - action: "shell"
`
	def, warnings, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	store := def.Actions[2].Store
	require.NotNil(t, store)
	assert.True(t, store.CaseSensitive)
	assert.Equal(t, ByteSize(10_000_000), store.SizeLimit)

	yara := def.Actions[3].Yara
	require.NotNil(t, yara)
	assert.Equal(t, 4, yara.NumThreads)
	assert.Equal(t, 2*time.Minute, yara.ScanTimeout.Std())
	assert.True(t, yara.StoreOnMatch, "store_on_match defaults to true")

	term := def.Actions[4].Terminal
	require.NotNil(t, term)
	assert.True(t, term.EnableTranscript, "enable_transcript defaults to true")

	assert.Equal(t, 30*time.Second, def.Workflow[0].Timeout.Std())
	assert.Equal(t, 5*time.Minute, def.Workflow[1].Timeout.Std())
}

func TestParseOnErrorForms(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
  - {name: "b", type: "command", attributes: {cmd: "true"}}
  - {name: "c", type: "command", attributes: {cmd: "true"}}
  - {name: "d", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
    on_error: continue
  - action: "b"
    on_error: abort
  - action: "c"
    on_error:
      goto: "d"
  - action: "d"
`
	def, _, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, OnErrorContinue, def.Workflow[0].OnError.Kind)
	assert.Equal(t, OnErrorAbort, def.Workflow[1].OnError.Kind)
	assert.Equal(t, OnErrorGoto, def.Workflow[2].OnError.Kind)
	assert.Equal(t, "d", def.Workflow[2].OnError.Goto)
}

func TestRejectBackwardGoto(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
  - {name: "b", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
  - action: "b"
    on_error:
      goto: "a"
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
	var verr *herrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "later step")
}

func TestRejectUnknownActionReference(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "missing"
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestRejectDuplicateActionNames(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
  - {name: "a", type: "command", attributes: {cmd: "false"}}
workflow:
  - action: "a"
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate action name")
}

func TestRejectCustomCommandWithoutPredicates(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions:
  os: ["linux"]
  custom_command:
    cmd: "hostname"
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains_any, contains_all or contains_regex")
}

func TestRejectIllegalTerminalCombinations(t *testing.T) {
	waitWithoutWindow := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - name: "term"
    type: "terminal"
    attributes:
      wait: true
      separate_window: false
workflow:
  - action: "term"
`
	_, _, err := Parse([]byte(waitWithoutWindow))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "separate_window")

	transcriptWithoutWait := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - name: "term"
    type: "terminal"
    attributes:
      wait: false
      enable_transcript: true
workflow:
  - action: "term"
`
	_, _, err = Parse([]byte(transcriptWithoutWait))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript")
}

func TestRejectUnknownKeys(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true", bogus: 1}}
workflow:
  - action: "a"
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestUnknownPropertiesArePermitted(t *testing.T) {
	doc := `
properties:
  title: "t"
  version: "1"
  author: "dfir team"
  ticket: "IR-1234"
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
`
	def, _, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "dfir team", def.Properties["author"])
}

func TestNormalizeParallelConflicts(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "grab", type: "store", attributes: {patterns: "/tmp/*"}}
  - name: "run"
    type: "command"
    attributes:
      cmd: "true"
      log_to_file: false
workflow:
  - action: "grab"
    parallel: true
    timeout: 10
  - action: "run"
    parallel: true
    on_error: abort
`
	def, warnings, err := Parse([]byte(doc))
	require.NoError(t, err)

	// store cannot run in parallel nor carry a timeout
	assert.False(t, def.Workflow[0].Parallel)
	assert.Equal(t, Duration(0), def.Workflow[0].Timeout)
	// parallel commands must log to a file and cannot branch on errors
	assert.True(t, def.Actions[1].Command.LogToFile)
	assert.Equal(t, OnErrorContinue, def.Workflow[1].OnError.Kind)
	assert.GreaterOrEqual(t, len(warnings), 4)
}

func TestNormalizeReportingConflicts(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
reporting:
  zip_archive:
    enabled: false
    encryption:
      enabled: true
      public_key: "public.pem"
      algorithm: "AES-128-GCM"
    compression:
      enabled: true
      size_limit: "1 MB"
  metadata:
    mac_times: true
    checksums: true
    paths: true
`
	def, warnings, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.False(t, def.Reporting.ZipArchive.Encryption.Enabled)
	assert.False(t, def.Reporting.ZipArchive.Compression.Enabled)
	assert.NotEmpty(t, warnings)
	assert.True(t, def.Reporting.Metadata.MACTimes)
}

func TestRejectUnknownAlgorithm(t *testing.T) {
	doc := `
properties: {title: "t", version: "1"}
launch_conditions: {os: ["linux"]}
actions:
  - {name: "a", type: "command", attributes: {cmd: "true"}}
workflow:
  - action: "a"
reporting:
  zip_archive:
    enabled: true
    encryption:
      enabled: true
      public_key: "public.pem"
      algorithm: "ROT13"
    compression: {enabled: false}
  metadata: {mac_times: false, checksums: false, paths: false}
`
	_, _, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algorithm")
}

func TestDurationScalar(t *testing.T) {
	tests := []struct {
		yaml string
		want time.Duration
	}{
		{`30`, 30 * time.Second},
		{`"45"`, 45 * time.Second},
		{`"90s"`, 90 * time.Second},
		{`"5m"`, 5 * time.Minute},
		{`"2h"`, 2 * time.Hour},
	}
	for _, tt := range tests {
		var d Duration
		require.NoError(t, yamlUnmarshal(tt.yaml, &d), "input %q", tt.yaml)
		assert.Equal(t, tt.want, d.Std(), "input %q", tt.yaml)
	}

	var d Duration
	assert.Error(t, yamlUnmarshal(`"-5s"`, &d))
	assert.Error(t, yamlUnmarshal(`"fast"`, &d))
}

func TestByteSizeScalar(t *testing.T) {
	tests := []struct {
		yaml string
		want ByteSize
	}{
		{`1024`, 1024},
		{`"2048"`, 2048},
		{`"1 KB"`, 1000},
		{`"10 MB"`, 10_000_000},
		{`"1.5 GB"`, 1_500_000_000},
		{`"512 B"`, 512},
	}
	for _, tt := range tests {
		var b ByteSize
		require.NoError(t, yamlUnmarshal(tt.yaml, &b), "input %q", tt.yaml)
		assert.Equal(t, tt.want, b, "input %q", tt.yaml)
	}

	var b ByteSize
	assert.Error(t, yamlUnmarshal(`"10 MiB"`, &b), "binary units are rejected")
	assert.Error(t, yamlUnmarshal(`"huge"`, &b))
	assert.Error(t, yamlUnmarshal(`-1`, &b))
}
