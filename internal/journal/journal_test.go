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

package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRecordsRunLifecycle(t *testing.T) {
	jnl, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	runID, err := jnl.BeginRun("Browser Triage", "1.2", "WS-042", "WS-042_Browser_Triage_x", time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.NoError(t, jnl.RecordStep(runID, 0, "collect", "command", false, "ok", 0, 120*time.Millisecond, ""))
	require.NoError(t, jnl.RecordStep(runID, 1, "grab", "store", false, "failed", -1, time.Second, "disk full"))
	require.NoError(t, jnl.RecordStep(runID, 2, "bg", "command", true, "ok", 0, 3*time.Second, ""))

	require.NoError(t, jnl.FinishRun(runID, "completed_with_failures", time.Now()))
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	jnl, err := Open(path)
	require.NoError(t, err)
	runID, err := jnl.BeginRun("wf", "1", "dev", "report", time.Now())
	require.NoError(t, err)
	require.NoError(t, jnl.Close())

	jnl, err = Open(path)
	require.NoError(t, err)
	defer jnl.Close()
	// The same run can be finished after a reopen.
	require.NoError(t, jnl.FinishRun(runID, "completed", time.Now()))
}
