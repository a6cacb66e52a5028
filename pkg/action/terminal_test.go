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
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalWindowsCommandShape(t *testing.T) {
	term := Terminal{Transcript: true, TranscriptPath: `C:\r\shell.transcript`, SeparateWindow: true}
	argv, inProcess := term.windowsCommand("powershell")

	require.NotEmpty(t, argv)
	assert.Equal(t, "conhost", argv[0])
	assert.False(t, inProcess)
	assert.Contains(t, strings.Join(argv, " "), "Start-Transcript")

	argv, inProcess = Terminal{}.windowsCommand("cmd")
	assert.Equal(t, []string{"cmd"}, argv)
	assert.True(t, inProcess)
}

func TestTerminalMacOSCommandShape(t *testing.T) {
	term := Terminal{Transcript: true, TranscriptPath: "/r/shell.transcript", SeparateWindow: true}
	argv, inProcess := term.macosCommand("/bin/zsh")

	require.Len(t, argv, 3)
	assert.Equal(t, "osascript", argv[0])
	assert.False(t, inProcess)
	assert.Contains(t, argv[2], "script -a /r/shell.transcript /bin/zsh")

	argv, inProcess = Terminal{}.macosCommand("/bin/zsh")
	assert.Equal(t, []string{"/bin/sh", "-c", "/bin/zsh"}, argv)
	assert.True(t, inProcess)
}

func TestTerminalLinuxFallsBackInProcess(t *testing.T) {
	// Without a separate window the session always runs in-process.
	argv, inProcess := Terminal{}.linuxCommand("/bin/bash")
	assert.Equal(t, []string{"sh", "-c", "/bin/bash"}, argv)
	assert.True(t, inProcess)
}

func TestDefaultShell(t *testing.T) {
	shell := defaultShell()
	if runtime.GOOS == "windows" {
		assert.Equal(t, "powershell", shell)
	} else {
		assert.NotEmpty(t, shell)
	}
}
