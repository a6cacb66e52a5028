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

// Package report owns the report directory of a workflow run: its layout,
// naming, and the final archive step.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Well-known names inside a report directory. This layout is the external
// contract consumed by the unpacker.
const (
	ZipName         = "report.zip"
	MetadataName    = "metadata.csv"
	EncryptionName  = "encryption.json"
	LootDirName     = "loot_files"
	StoreDirName    = "store_files"
	ActionOutputDir = "action_output"
)

// Report is the evidence directory of one workflow run. The workflow runner
// owns it exclusively for the duration of the run; ownership passes to the
// reporter once the run terminates.
type Report struct {
	fs afero.Fs

	// Name is the sanitized directory name: <device>_<title>_<timestamp>.
	Name string

	Dir            string
	LootDir        string
	StoreDir       string
	ActionOutDir   string
	ZipPath        string
	MetadataPath   string
	EncryptionPath string
}

// New creates the report directory tree under reportsDir. Every
// subdirectory exists before the first action executes. Creation fails if
// the directory already exists.
func New(fs afero.Fs, reportsDir, deviceName, title string, now time.Time) (*Report, error) {
	name := SanitizeName(fmt.Sprintf("%s_%s_%s", deviceName, title, now.Format("2006-01-02_15-04-05")))

	if err := fs.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}

	dir := filepath.Join(reportsDir, name)
	if _, err := fs.Stat(dir); err == nil {
		return nil, fmt.Errorf("report directory already exists: %s", dir)
	}
	if err := fs.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	r := &Report{
		fs:             fs,
		Name:           name,
		Dir:            dir,
		LootDir:        filepath.Join(dir, LootDirName),
		StoreDir:       filepath.Join(dir, StoreDirName),
		ActionOutDir:   filepath.Join(dir, ActionOutputDir),
		ZipPath:        filepath.Join(dir, ZipName),
		MetadataPath:   filepath.Join(dir, MetadataName),
		EncryptionPath: filepath.Join(dir, EncryptionName),
	}
	for _, sub := range []string{r.LootDir, r.StoreDir, r.ActionOutDir} {
		if err := fs.Mkdir(sub, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(sub), err)
		}
	}
	return r, nil
}

// Fs returns the filesystem the report lives on.
func (r *Report) Fs() afero.Fs {
	return r.fs
}

// StdoutPath returns the action-output file for a step's standard output.
func (r *Report) StdoutPath(step string) string {
	return filepath.Join(r.ActionOutDir, SanitizeName(step)+".stdout")
}

// StderrPath returns the action-output file for a step's standard error.
func (r *Report) StderrPath(step string) string {
	return filepath.Join(r.ActionOutDir, SanitizeName(step)+".stderr")
}

// LogPath returns the action-output file for a step's free-form log.
func (r *Report) LogPath(step string) string {
	return filepath.Join(r.ActionOutDir, SanitizeName(step)+".log")
}

// TranscriptPath returns the action-output file for a terminal transcript.
func (r *Report) TranscriptPath(step string) string {
	return filepath.Join(r.ActionOutDir, SanitizeName(step)+".transcript")
}

// ScanResultPath returns the action-output CSV for a yara step's hits.
func (r *Report) ScanResultPath(step string) string {
	return filepath.Join(r.ActionOutDir, SanitizeName(step)+".csv")
}

// unsafeChars are stripped from report and step names. Reserved Windows
// characters are always removed since analysis may happen on Windows.
const unsafeChars = `<>:"/\|?*`

// SanitizeName makes a string safe to use as a directory or file name on
// every supported platform. Spaces become underscores.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r < 0x20:
			// drop control characters
		case strings.ContainsRune(unsafeChars, r):
			// drop reserved characters
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		out = "report"
	}
	return out
}

// RemoveOriginals deletes the directories and metadata file that were folded
// into the archive.
func (r *Report) RemoveOriginals() error {
	for _, p := range []string{r.LootDir, r.StoreDir, r.ActionOutDir} {
		if err := r.fs.RemoveAll(p); err != nil {
			return err
		}
	}
	if err := r.fs.Remove(r.MetadataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
