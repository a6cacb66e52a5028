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
	"runtime"
	"time"
)

// linuxTerminals are the emulators probed, in order, when a separate window
// is requested on Linux.
var linuxTerminals = []struct {
	name string
	args func(command string) []string
}{
	{"gnome-terminal", func(c string) []string { return []string{"--wait", "--", "bash", "-c", c} }},
	{"konsole", func(c string) []string { return []string{"--noclose", "-e", c} }},
	{"xfce4-terminal", func(c string) []string { return []string{"--hold", "-e", c} }},
	{"lxterminal", func(c string) []string { return []string{"-e", c} }},
	{"terminology", func(c string) []string { return []string{"-e", c} }},
	{"xterm", func(c string) []string { return []string{"-hold", "-e", c} }},
}

// Terminal opens an interactive shell session for the operator, either in a
// separate OS-native window or in the collector's own terminal.
type Terminal struct {
	// Shell overrides the platform default shell.
	Shell string

	// Wait blocks until the session ends.
	Wait bool

	// SeparateWindow opens an OS-native terminal window. On Linux without a
	// known emulator the session falls back to the collector's terminal and
	// this flag is ignored.
	SeparateWindow bool

	// Transcript wraps the session so its output lands in TranscriptPath.
	Transcript bool

	TranscriptPath string

	Logger *slog.Logger
}

// Run launches the terminal session.
func (t Terminal) Run(ctx context.Context) Outcome {
	started := time.Now()
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shell := t.Shell
	if shell == "" {
		shell = defaultShell()
	}

	argv, inProcess := t.buildCommand(shell)
	logger.Debug("opening terminal session", "argv", argv, "in_process", inProcess)

	cmd := exec.Command(argv[0], argv[1:]...)
	if inProcess {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	var artifacts []string
	if t.Transcript && t.TranscriptPath != "" {
		artifacts = append(artifacts, t.TranscriptPath)
	}

	if !t.Wait {
		if err := cmd.Start(); err != nil {
			return failure(fmt.Errorf("failed to open terminal: %w", err), started)
		}
		cmd.Process.Release()
		return Outcome{Status: StatusOK, ExitCode: -1, Duration: time.Since(started)}
	}

	if err := cmd.Start(); err != nil {
		return failure(fmt.Errorf("failed to open terminal: %w", err), started)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return t.outcome(err, cmd, started, artifacts)
	case <-ctx.Done():
		terminate(cmd.Process)
		<-done
		return Outcome{
			Status:    StatusCancelled,
			ExitCode:  -1,
			Duration:  time.Since(started),
			Artifacts: artifacts,
			Err:       ctx.Err(),
		}
	}
}

func (t Terminal) outcome(waitErr error, cmd *exec.Cmd, started time.Time, artifacts []string) Outcome {
	out := Outcome{
		Status:    StatusOK,
		ExitCode:  0,
		Duration:  time.Since(started),
		Artifacts: artifacts,
	}
	if waitErr != nil {
		out.Status = StatusFailed
		out.Err = waitErr
		out.ExitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		}
	}
	return out
}

// buildCommand assembles the platform argv. The second return value reports
// whether the session runs in the collector's own terminal and must inherit
// its standard streams.
func (t Terminal) buildCommand(shell string) ([]string, bool) {
	switch runtime.GOOS {
	case "windows":
		return t.windowsCommand(shell)
	case "darwin":
		return t.macosCommand(shell)
	default:
		return t.linuxCommand(shell)
	}
}

func (t Terminal) windowsCommand(shell string) ([]string, bool) {
	var argv []string
	if t.SeparateWindow {
		argv = append(argv, "conhost")
	}
	if t.Transcript {
		argv = append(argv, "powershell", "-Command",
			fmt.Sprintf("Start-Transcript -Force -Path %s; %s", t.TranscriptPath, shell))
	} else {
		argv = append(argv, shell)
	}
	return argv, !t.SeparateWindow
}

func (t Terminal) macosCommand(shell string) ([]string, bool) {
	session := shell
	if t.Transcript {
		// script(1) appends the session output to the transcript file.
		session = fmt.Sprintf("script -a %s %s", t.TranscriptPath, shell)
	}
	if t.SeparateWindow {
		return []string{
			"osascript", "-e",
			fmt.Sprintf("tell application %q to do script %q", "Terminal", session),
		}, false
	}
	return []string{"/bin/sh", "-c", session}, true
}

func (t Terminal) linuxCommand(shell string) ([]string, bool) {
	session := shell
	if t.Transcript {
		session = fmt.Sprintf("script -c '%s' %s", shell, t.TranscriptPath)
	}

	if t.SeparateWindow {
		for _, term := range linuxTerminals {
			if _, err := exec.LookPath(term.name); err == nil {
				return append([]string{term.name}, term.args(session)...), false
			}
		}
		// No known emulator: fall back to an in-process session.
	}
	return []string{"sh", "-c", session}, true
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
