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

// Package unpack reverses the report packager: it decrypts the archive with
// the private key, extracts it, verifies the content-addressed store against
// the metadata journal, and can restore the captured files under their
// original paths.
package unpack

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/harrierhq/harrier/pkg/crypto"
	herrors "github.com/harrierhq/harrier/pkg/errors"
	"github.com/harrierhq/harrier/pkg/report"
)

// RestoredDirName is where restored files land inside the output directory.
const RestoredDirName = "restored"

// Options configures one unpack run.
type Options struct {
	// InputDir is the report directory. It must contain either report.zip
	// (archived) or store_files/ (unarchived), not both.
	InputDir string

	// PrivateKeyPath is required when the archive is encrypted.
	PrivateKeyPath string

	// OutputDir receives the extracted archive. Defaults to
	// <InputDir>/output. Ignored for unarchived reports.
	OutputDir string

	// Restore recreates the captured files under their original paths.
	Restore bool

	// Verify recomputes the SHA-256 of every store entry against the
	// metadata journal.
	Verify bool

	Fs     afero.Fs
	Logger *slog.Logger
}

// Run executes the unpack. A tag failure during decryption is fatal and
// reported as tampering; a verification mismatch is reported per file and
// fails the run at the end.
func Run(opts Options) error {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if ok, _ := afero.DirExists(fs, opts.InputDir); !ok {
		return &herrors.NotFoundError{Resource: "report directory", ID: opts.InputDir}
	}

	zipPath := filepath.Join(opts.InputDir, report.ZipName)
	storeDir := filepath.Join(opts.InputDir, report.StoreDirName)
	zipExists, _ := afero.Exists(fs, zipPath)
	storeExists, _ := afero.DirExists(fs, storeDir)
	if zipExists == storeExists {
		return fmt.Errorf("expected either %s or %s/ in the report directory, found %v/%v",
			report.ZipName, report.StoreDirName, zipExists, storeExists)
	}

	dataDir := opts.InputDir
	if zipExists {
		extracted, err := openArchive(fs, opts, zipPath, logger)
		if err != nil {
			return err
		}
		dataDir = extracted
	}

	if !opts.Verify && !opts.Restore {
		return nil
	}

	rows, err := readMetadata(fs, filepath.Join(dataDir, report.MetadataName))
	if err != nil {
		return err
	}

	if opts.Verify {
		if err := verifyStore(fs, dataDir, rows, logger); err != nil {
			return err
		}
	}
	if opts.Restore {
		if err := restore(fs, dataDir, rows, logger); err != nil {
			return err
		}
	}
	return nil
}

// openArchive decrypts (when needed) and extracts report.zip, returning the
// extraction directory.
func openArchive(fs afero.Fs, opts Options, zipPath string, logger *slog.Logger) (string, error) {
	metaPath := filepath.Join(opts.InputDir, report.EncryptionName)
	var meta *crypto.Meta
	if ok, _ := afero.Exists(fs, metaPath); ok {
		m, err := crypto.ReadMeta(fs, metaPath)
		if err != nil {
			return "", err
		}
		meta = m
	}

	encrypted := meta != nil && meta.Algorithm != ""
	if encrypted && isZip(fs, zipPath) {
		// A previous run already decrypted the archive in place.
		logger.Warn("archive is already decrypted, skipping decryption")
		encrypted = false
	}

	if encrypted {
		if opts.PrivateKeyPath == "" {
			return "", &herrors.CryptoError{
				Stage: "key unwrap",
				Cause: fmt.Errorf("archive is encrypted, a private key is required"),
			}
		}
		priv, err := crypto.LoadPrivateKey(fs, opts.PrivateKeyPath)
		if err != nil {
			return "", err
		}
		logger.Info("decrypting archive", "algorithm", meta.Algorithm, "chunks", meta.TotalChunks)
		if err := crypto.DecryptFile(fs, zipPath, priv, meta); err != nil {
			return "", err
		}
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Join(opts.InputDir, "output")
	}
	if ok, _ := afero.DirExists(fs, outDir); ok {
		return "", fmt.Errorf("output directory already exists: %s", outDir)
	}

	logger.Info("extracting archive", "to", outDir)
	if err := extractZip(fs, zipPath, outDir); err != nil {
		return "", err
	}
	return outDir, nil
}

// extractZip unpacks the archive, refusing entries that would escape the
// output directory.
func extractZip(fs afero.Fs, zipPath, outDir string) error {
	f, err := fs.Open(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	readerAt, ok := f.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("archive is not seekable")
	}
	zr, err := zip.NewReader(readerAt, info.Size())
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	for _, entry := range zr.File {
		name := filepath.FromSlash(entry.Name)
		dest := filepath.Join(outDir, name)
		if !strings.HasPrefix(dest, filepath.Clean(outDir)+string(filepath.Separator)) {
			return fmt.Errorf("archive entry escapes the output directory: %s", entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := fs.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		dst, err := fs.Create(dest)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// row is one metadata journal entry, keyed by header name so the journal's
// optional columns do not matter.
type row map[string]string

func readMetadata(fs afero.Fs, path string) ([]row, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata journal: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata journal: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]row, 0, len(records)-1)
	for _, record := range records[1:] {
		m := make(row, len(header))
		for i, col := range header {
			if i < len(record) {
				m[col] = record[i]
			}
		}
		rows = append(rows, m)
	}
	return rows, nil
}

// verifyStore recomputes the hash of every store entry referenced by the
// journal.
func verifyStore(fs afero.Fs, dataDir string, rows []row, logger *slog.Logger) error {
	storeDir := filepath.Join(dataDir, report.StoreDirName)
	mismatches := 0
	checked := 0
	for _, r := range rows {
		sum := r["sha256"]
		if sum == "" || r["error"] != "" {
			continue
		}
		checked++
		path := filepath.Join(storeDir, sum)
		actual, err := hashFile(fs, path)
		if err != nil {
			logger.Error("store entry missing", "sha256", sum, "error", err)
			mismatches++
			continue
		}
		if actual != sum {
			logger.Error("checksum mismatch", "expected", sum, "actual", actual)
			mismatches++
		}
	}
	logger.Info("verification finished", "checked", checked, "mismatches", mismatches)
	if mismatches > 0 {
		return fmt.Errorf("verification failed for %d files", mismatches)
	}
	return nil
}

// restore recreates the directory tree keyed by original path and copies each
// store entry to its recorded location, re-verifying the hash on the way.
func restore(fs afero.Fs, dataDir string, rows []row, logger *slog.Logger) error {
	storeDir := filepath.Join(dataDir, report.StoreDirName)
	restoredDir := filepath.Join(dataDir, RestoredDirName)

	restored := 0
	for _, r := range rows {
		sum, original := r["sha256"], r["path"]
		if sum == "" || original == "" || r["error"] != "" {
			continue
		}

		dest := filepath.Join(restoredDir, restoredPath(original))
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		actual, err := copyFile(fs, filepath.Join(storeDir, sum), dest)
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", original, err)
		}
		if actual != sum {
			return fmt.Errorf("checksum mismatch while restoring %s: expected %s, got %s",
				original, sum, actual)
		}
		restored++
	}
	logger.Info("restore finished", "files", restored, "dir", restoredDir)
	return nil
}

// restoredPath maps an original absolute path onto a relative tree under the
// restore directory ("C:\Users\x" becomes "C/Users/x").
func restoredPath(original string) string {
	p := strings.ReplaceAll(original, `\`, `/`)
	p = strings.ReplaceAll(p, ":", "")
	segments := strings.Split(p, "/")
	cleaned := segments[:0]
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			continue
		}
		cleaned = append(cleaned, report.SanitizeName(s))
	}
	return filepath.Join(cleaned...)
}

func hashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(fs afero.Fs, src, dst string) (string, error) {
	in, err := fs.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, err = io.Copy(out, io.TeeReader(in, h))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isZip sniffs the local-file-header magic.
func isZip(fs afero.Fs, path string) bool {
	f, err := fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 'P' && magic[1] == 'K'
}
