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

package pattern

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture creates a small tree and returns its resolved root.
func fixture(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	files := []string{
		"alpha.txt",
		"BETA.TXT",
		"notes.md",
		"sub/gamma.txt",
		"sub/deep/delta.log",
		"sub/deep/epsilon.txt",
	}
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0o644))
	}
	return root
}

func TestSplit(t *testing.T) {
	patterns := Split("a/*.txt\n\n  \nb/**\n")
	assert.Equal(t, []string{"a/*.txt", "b/**"}, patterns)
	assert.Empty(t, Split(""))
}

func TestFindSingleSegmentWildcard(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{filepath.ToSlash(root) + "/*.txt"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "alpha.txt")}, got)
}

func TestFindCaseInsensitive(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{filepath.ToSlash(root) + "/*.txt"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "alpha.txt"),
		filepath.Join(root, "BETA.TXT"),
	}, got)
}

func TestFindRecursive(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{filepath.ToSlash(root) + "/**/*.txt"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "alpha.txt"),
		filepath.Join(root, "BETA.TXT"),
		filepath.Join(root, "sub", "gamma.txt"),
		filepath.Join(root, "sub", "deep", "epsilon.txt"),
	}, got)
}

func TestFindQuestionMarkAndClass(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{filepath.ToSlash(root) + "/alph?.[st]xt"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "alpha.txt")}, got)
}

func TestFindDirectoryPatternEnumeratesDescendants(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{filepath.ToSlash(root) + "/sub"}, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "sub", "gamma.txt"),
		filepath.Join(root, "sub", "deep", "delta.log"),
		filepath.Join(root, "sub", "deep", "epsilon.txt"),
	}, got)
}

func TestFindDeduplicatesAcrossPatterns(t *testing.T) {
	root := fixture(t)

	got, err := Find([]string{
		filepath.ToSlash(root) + "/*.txt",
		filepath.ToSlash(root) + "/alpha.*",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "alpha.txt")}, got)
}

func TestFindBackslashSeparators(t *testing.T) {
	root := fixture(t)

	// Backslash-separated patterns work on every OS.
	p := strings.ReplaceAll(filepath.ToSlash(root)+"/sub/gamma.txt", "/", `\`)
	got, err := Find([]string{p}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "sub", "gamma.txt")}, got)
}

func TestFindMissingRootYieldsNoMatches(t *testing.T) {
	got, err := Find([]string{"/no/such/dir/**/*.bin"}, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindFollowsSymlinksAndRecordsResolvedPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	root := fixture(t)
	link := filepath.Join(root, "linked")
	require.NoError(t, os.Symlink(filepath.Join(root, "sub"), link))

	got, err := Find([]string{filepath.ToSlash(link) + "/*.txt"}, true)
	require.NoError(t, err)
	// The resolved target path is recorded, not the symlinked one.
	assert.Equal(t, []string{filepath.Join(root, "sub", "gamma.txt")}, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("/tmp/*.log\n/var/**/x"))
	assert.Error(t, Validate("/tmp/[unclosed"))
}
