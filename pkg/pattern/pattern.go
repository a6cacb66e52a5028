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

// Package pattern matches filesystem paths against glob patterns.
//
// The grammar is the doublestar one: `*` matches within one path segment,
// `**` matches across segments, `?` matches a single character and `[...]`
// a character class. Both `/` and `\` are accepted as separators on every
// platform. Matching is performed against absolute paths; directories that
// match a pattern contribute all regular files beneath them. Traversal
// follows symlinks (with cycle detection) and the resolved path is what gets
// reported.
package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Split breaks a newline-separated pattern block into individual patterns,
// dropping empty lines.
func Split(block string) []string {
	var patterns []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// Validate reports whether every pattern in the block is well-formed.
func Validate(block string) error {
	for _, p := range Split(block) {
		if !doublestar.ValidatePattern(Normalize(p)) {
			return fmt.Errorf("%w: %s", doublestar.ErrBadPattern, p)
		}
	}
	return nil
}

// Normalize converts backslash separators to forward slashes so that one
// pattern form works on every OS.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, `/`)
}

// Find enumerates the regular files matching any of the patterns. Traversal
// is shared per fixed prefix: patterns with the same prefix are tested in one
// walk; a prefix nested under another prefix gets a walk of its own. Results
// are de-duplicated by resolved absolute path, in discovery order.
func Find(patterns []string, caseSensitive bool) ([]string, error) {
	w := &walker{
		caseSensitive: caseSensitive,
		visited:       make(map[string]struct{}),
		matched:       make(map[string]struct{}),
	}

	// Group patterns by their fixed (meta-character free) prefix so each
	// root is walked once.
	roots := make(map[string][]string)
	var order []string
	for _, p := range patterns {
		norm := Normalize(p)
		if !doublestar.ValidatePattern(norm) {
			return nil, fmt.Errorf("%w: %s", doublestar.ErrBadPattern, p)
		}
		base, _ := doublestar.SplitPattern(norm)
		if _, ok := roots[base]; !ok {
			order = append(order, base)
		}
		roots[base] = append(roots[base], norm)
	}

	for _, base := range order {
		if err := w.walkRoot(base, roots[base]); err != nil {
			return nil, err
		}
	}
	return w.out, nil
}

type walker struct {
	caseSensitive bool
	visited       map[string]struct{}
	matched       map[string]struct{}
	out           []string
}

// walkRoot walks the subtree under base, testing every entry against the
// patterns rooted there. A missing root yields no matches; a read failure on
// an existing root is an enumeration error.
func (w *walker) walkRoot(base string, patterns []string) error {
	// The cycle guard is per walk, so a root nested under an earlier root is
	// still tested against its own patterns.
	w.visited = make(map[string]struct{})
	root := filepath.FromSlash(base)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		// The fixed prefix is itself a file; match it directly.
		w.consider(root, patterns)
		return nil
	}
	return w.walkDir(root, patterns, true)
}

// walkDir recursively descends dir. strict controls whether a read failure is
// fatal: only the top-level root is strict, unreadable descendants are
// skipped so one locked directory does not sink the whole enumeration.
func (w *walker) walkDir(dir string, patterns []string, strict bool) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	if _, seen := w.visited[resolved]; seen {
		return nil
	}
	w.visited[resolved] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if strict {
			return err
		}
		return nil
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		info, err := os.Stat(full) // follows symlinks
		if err != nil {
			continue
		}
		if info.IsDir() {
			if w.matchAny(full, patterns) {
				w.includeTree(full)
				continue
			}
			if err := w.walkDir(full, patterns, false); err != nil {
				return err
			}
			continue
		}
		if info.Mode().IsRegular() {
			w.consider(full, patterns)
		}
	}
	return nil
}

// includeTree adds every regular file beneath dir, without pattern checks.
// Used when a pattern resolves to a directory.
func (w *walker) includeTree(dir string) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	if _, seen := w.visited[resolved]; seen {
		return
	}
	w.visited[resolved] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.IsDir() {
			w.includeTree(full)
		} else if info.Mode().IsRegular() {
			w.add(full)
		}
	}
}

func (w *walker) consider(path string, patterns []string) {
	if w.matchAny(path, patterns) {
		w.add(path)
	}
}

func (w *walker) matchAny(path string, patterns []string) bool {
	candidate := filepath.ToSlash(path)
	if !w.caseSensitive {
		candidate = strings.ToLower(candidate)
	}
	for _, p := range patterns {
		if !w.caseSensitive {
			p = strings.ToLower(p)
		}
		if ok, err := doublestar.Match(p, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *walker) add(path string) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	if _, dup := w.matched[resolved]; dup {
		return
	}
	w.matched[resolved] = struct{}{}
	w.out = append(w.out, resolved)
}
