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

// Package capture is the acquisition pipeline: it streams source files into
// the content-addressed store directory of a report, hashing while copying,
// and journals one CSV row per captured (or skipped) source path.
//
// Identical content collapses to a single store entry; the CSV keeps one row
// per source path. Rows are appended under a mutex so parallel actions can
// share one pipeline.
package capture

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	herrors "github.com/harrierhq/harrier/pkg/errors"
	"github.com/harrierhq/harrier/pkg/report"
)

// Columns selects which metadata columns the CSV carries. The header is
// fixed for the lifetime of one run.
type Columns struct {
	// Checksums includes the sha256 column.
	Checksums bool
	// Paths includes the original source path column.
	Paths bool
	// MACTimes includes modified/accessed/created columns.
	MACTimes bool
}

// Row is one metadata journal entry.
type Row struct {
	SHA256   string
	Path     string
	Size     int64
	Modified string
	Accessed string
	Created  string
	Comment  string
	Error    string
}

// Pipeline captures files into a report's store directory.
type Pipeline struct {
	fs       afero.Fs
	rep      *report.Report
	columns  Columns
	location *time.Location
	logger   *slog.Logger

	mu     sync.Mutex
	file   afero.File
	writer *csv.Writer
	stored map[string]struct{}
}

// New opens the metadata journal and returns a ready pipeline. The CSV
// header is written immediately so that even an empty run has a well-formed
// metadata file.
func New(rep *report.Report, columns Columns, location *time.Location, logger *slog.Logger) (*Pipeline, error) {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs := rep.Fs()

	file, err := fs.Create(rep.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata journal: %w", err)
	}
	p := &Pipeline{
		fs:       fs,
		rep:      rep,
		columns:  columns,
		location: location,
		logger:   logger,
		file:     file,
		writer:   csv.NewWriter(file),
		stored:   make(map[string]struct{}),
	}
	if err := p.writer.Write(p.header()); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write metadata header: %w", err)
	}
	p.writer.Flush()
	return p, p.writer.Error()
}

func (p *Pipeline) header() []string {
	h := []string{}
	if p.columns.Checksums {
		h = append(h, "sha256")
	}
	if p.columns.Paths {
		h = append(h, "path")
	}
	h = append(h, "size")
	if p.columns.MACTimes {
		h = append(h, "modified", "accessed", "created")
	}
	return append(h, "comment", "error")
}

func (p *Pipeline) record(row *Row) []string {
	r := []string{}
	if p.columns.Checksums {
		r = append(r, row.SHA256)
	}
	if p.columns.Paths {
		r = append(r, row.Path)
	}
	r = append(r, strconv.FormatInt(row.Size, 10))
	if p.columns.MACTimes {
		r = append(r, row.Modified, row.Accessed, row.Created)
	}
	return append(r, row.Comment, row.Error)
}

// Capture streams src once into store_files/<sha256>, copying through a
// temporary name and renaming into place. When the destination already
// exists the copy is discarded and the existing entry reused. MAC times are
// read before the file is opened to minimize access-time drift.
func (p *Pipeline) Capture(src, comment string) (*Row, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		abs = src
	}

	info, err := p.fs.Stat(abs)
	if err != nil {
		return nil, &herrors.CaptureError{Path: abs, Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &herrors.CaptureError{Path: abs, Cause: fmt.Errorf("not a regular file")}
	}

	row := &Row{
		Path:    abs,
		Size:    info.Size(),
		Comment: comment,
	}
	if p.columns.MACTimes {
		p.fillMACTimes(row, info)
	}

	sum, err := p.storeContent(abs)
	if err != nil {
		return nil, &herrors.CaptureError{Path: abs, Cause: err}
	}
	row.SHA256 = sum

	if err := p.append(row); err != nil {
		return nil, err
	}
	p.logger.Debug("captured file", "path", abs, "sha256", sum, "size", row.Size)
	return row, nil
}

// Skip journals a source path that was not captured, with the reason in the
// error column. Used for size-gate skips and per-file I/O failures.
func (p *Pipeline) Skip(src, reason, comment string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		abs = src
	}
	row := &Row{Path: abs, Comment: comment, Error: reason}
	if info, err := p.fs.Stat(abs); err == nil {
		row.Size = info.Size()
	}
	return p.append(row)
}

// storeContent copies src into the store directory while hashing, returning
// the lowercase hex SHA-256. The store file name is the hash, so concurrent
// writers of equal content converge on one entry.
func (p *Pipeline) storeContent(src string) (string, error) {
	in, err := p.fs.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp := filepath.Join(p.rep.StoreDir, ".tmp-"+uuid.NewString())
	out, err := p.fs.Create(tmp)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(in, hasher)); err != nil {
		out.Close()
		p.fs.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		p.fs.Remove(tmp)
		return "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	dst := filepath.Join(p.rep.StoreDir, sum)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.stored[sum]; dup {
		p.fs.Remove(tmp)
		return sum, nil
	}
	if _, err := p.fs.Stat(dst); err == nil {
		p.stored[sum] = struct{}{}
		p.fs.Remove(tmp)
		return sum, nil
	}
	if err := p.fs.Rename(tmp, dst); err != nil {
		p.fs.Remove(tmp)
		return "", err
	}
	p.stored[sum] = struct{}{}
	return sum, nil
}

func (p *Pipeline) fillMACTimes(row *Row, info os.FileInfo) {
	format := func(t time.Time) string {
		return t.In(p.location).Format(time.RFC3339)
	}
	row.Modified = format(info.ModTime())
	if info.Sys() == nil {
		return
	}
	ts := times.Get(info)
	row.Accessed = format(ts.AccessTime())
	if ts.HasBirthTime() {
		row.Created = format(ts.BirthTime())
	}
}

// append writes one CSV row atomically with respect to other writers.
func (p *Pipeline) append(row *Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writer.Write(p.record(row)); err != nil {
		return fmt.Errorf("failed to append metadata row: %w", err)
	}
	p.writer.Flush()
	return p.writer.Error()
}

// Close flushes and closes the metadata journal.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer.Flush()
	if err := p.writer.Error(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}
