// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package pipeline

import (
	"path/filepath"
	"strconv"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/pkg/errors"
)

// Catalog indexes the checkpoint files written under one scratch root, so
// that selecting the newest checkpoint matching a commit prefix does not
// require a readdir-and-parse-every-filename pass on every pipeline startup.
// The checkpoint bodies themselves stay flat files (see SaveCheckpoint);
// sqlite here is purely a local, crash-tolerant index over their metadata.
type Catalog struct {
	conn *sqlite.Conn
}

// OpenCatalog opens (creating if absent) the sqlite catalog database at
// scratchDir/catalog.db.
func OpenCatalog(scratchDir string) (*Catalog, error) {
	path := filepath.Join(scratchDir, "catalog.db")
	conn, err := sqlite.OpenConn(path, sqlite.SQLITE_OPEN_READWRITE|sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_WAL)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: open catalog")
	}

	err = sqlitex.ExecScript(conn, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			path       TEXT PRIMARY KEY,
			phase      TEXT NOT NULL,
			phase_rank INTEGER NOT NULL,
			commit_hash TEXT NOT NULL,
			run_count  INTEGER,
			mtime_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS checkpoints_by_commit ON checkpoints(commit_hash, phase_rank);
	`)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "pipeline: init catalog schema")
	}

	return &Catalog{conn: conn}, nil
}

// Close closes the underlying sqlite connection.
func (c *Catalog) Close() error {
	return c.conn.Close()
}

// Record upserts one checkpoint's metadata into the catalog.
func (c *Catalog) Record(path string, phase Phase, commit CommitHash, runCount *int, mtimeUnix int64) error {
	var runCountArg interface{}
	if runCount != nil {
		runCountArg = int64(*runCount)
	}

	err := sqlitex.Exec(c.conn, `
		INSERT INTO checkpoints (path, phase, phase_rank, commit_hash, run_count, mtime_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			phase=excluded.phase, phase_rank=excluded.phase_rank,
			commit_hash=excluded.commit_hash, run_count=excluded.run_count,
			mtime_unix=excluded.mtime_unix
	`, nil, path, string(phase), phase.rank(), commit.String(), runCountArg, mtimeUnix)
	if err != nil {
		return errors.Wrap(err, "pipeline: record checkpoint in catalog")
	}
	return nil
}

// CatalogEntry is one row selected from the catalog.
type CatalogEntry struct {
	Path      string
	Phase     Phase
	RunCount  *int
	MtimeUnix int64
}

// NewestMatching returns the most advanced checkpoint (by phase rank, then
// by most recent mtime) whose commit hash matches commit exactly. ok is
// false if no checkpoint matches, in which case the pipeline should start
// fresh at Initial.
func (c *Catalog) NewestMatching(commit CommitHash) (entry CatalogEntry, ok bool, err error) {
	q := `
		SELECT path, phase, run_count, mtime_unix FROM checkpoints
		WHERE commit_hash = ?
		ORDER BY phase_rank DESC, mtime_unix DESC
		LIMIT 1
	`
	found := false
	walkErr := sqlitex.Exec(c.conn, q, func(stmt *sqlite.Stmt) error {
		found = true
		entry.Path = stmt.ColumnText(0)
		entry.Phase = Phase(stmt.ColumnText(1))
		if stmt.ColumnType(2) != sqlite.SQLITE_NULL {
			n := int(stmt.ColumnInt64(2))
			entry.RunCount = &n
		}
		entry.MtimeUnix = stmt.ColumnInt64(3)
		return nil
	}, commit.String())
	if walkErr != nil {
		return CatalogEntry{}, false, errors.Wrap(walkErr, "pipeline: query catalog")
	}
	return entry, found, nil
}

// runCountLabel renders a run count for logging/diagnostics.
func runCountLabel(runCount *int) string {
	if runCount == nil {
		return "-"
	}
	return strconv.Itoa(*runCount)
}
