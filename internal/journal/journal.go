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

// Package journal persists the execution trace of every workflow run in a
// local SQLite database, so past acquisitions on a host remain auditable
// after their reports are shipped off.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Journal is the run/step history store.
type Journal struct {
	db *sql.DB
}

// Open creates (or opens) the journal database at path.
func Open(path string) (*Journal, error) {
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			version TEXT,
			device TEXT,
			report TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			step TEXT NOT NULL,
			action_type TEXT NOT NULL,
			background INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			exit_code INTEGER,
			duration_ms INTEGER,
			error TEXT,
			PRIMARY KEY (run_id, idx, background)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
	}
	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun records the start of a workflow run and returns its run ID.
func (j *Journal) BeginRun(workflow, version, device, reportName string, started time.Time) (string, error) {
	id := uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO runs (id, workflow, version, device, report, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, workflow, version, device, reportName, started.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	return id, nil
}

// RecordStep appends one trace entry to a run.
func (j *Journal) RecordStep(runID string, idx int, step, actionType string, background bool,
	status string, exitCode int, duration time.Duration, errMsg string) error {
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO steps
			(run_id, idx, step, action_type, background, status, exit_code, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, idx, step, actionType, background, status, exitCode, duration.Milliseconds(), errMsg)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// FinishRun closes out a run with its final status.
func (j *Journal) FinishRun(runID, status string, finished time.Time) error {
	_, err := j.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		finished.UnixMilli(), status, runID)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
