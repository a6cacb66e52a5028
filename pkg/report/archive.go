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

package report

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ArchiveOptions controls how report.zip is written.
type ArchiveOptions struct {
	// Compress enables per-file deflate.
	Compress bool

	// CompressLimit is the per-file size above which members are stored
	// uncompressed. Zero deflates everything when Compress is set.
	CompressLimit uint64
}

// Archive folds action_output/, loot_files/, store_files/ and metadata.csv
// into report.zip and deletes the originals. Files above the compression
// limit are stored without deflate; the rest are deflated.
func (r *Report) Archive(opts ArchiveOptions) error {
	zf, err := r.fs.Create(r.ZipPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(zf)

	add := func(path string) error {
		info, err := r.fs.Stat(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Dir, path)
		if err != nil {
			return err
		}

		header := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Store,
			Modified: info.ModTime(),
		}
		if opts.Compress && (opts.CompressLimit == 0 || uint64(info.Size()) <= opts.CompressLimit) {
			header.Method = zip.Deflate
		}

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := r.fs.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	}

	roots := []string{r.ActionOutDir, r.LootDir, r.StoreDir}
	for _, root := range roots {
		err := afero.Walk(r.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			zw.Close()
			zf.Close()
			return fmt.Errorf("failed to archive %s: %w", filepath.Base(root), err)
		}
	}
	if _, err := r.fs.Stat(r.MetadataPath); err == nil {
		if err := add(r.MetadataPath); err != nil {
			zw.Close()
			zf.Close()
			return fmt.Errorf("failed to archive metadata: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		zf.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zf.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	return r.RemoveOriginals()
}
