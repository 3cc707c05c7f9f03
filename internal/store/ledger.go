// Package store keeps a SQLite ledger of capture runs and the cells they
// kept, so past digitizations can be listed without walking the output tree.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/logic/capture"
	"github.com/cjeanneret/RingScan/internal/sample"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	sample      TEXT NOT NULL,
	dir         TEXT NOT NULL,
	species     TEXT NOT NULL,
	id1         TEXT NOT NULL,
	id2         TEXT NOT NULL,
	is_core     INTEGER NOT NULL,
	state       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	cells_done  INTEGER NOT NULL DEFAULT 0,
	cells_total INTEGER NOT NULL DEFAULT 0,
	elapsed_s   REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS cells (
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	row         INTEGER NOT NULL,
	col         INTEGER NOT NULL,
	x           REAL NOT NULL,
	y           REAL NOT NULL,
	z           REAL NOT NULL,
	background  INTEGER NOT NULL,
	std         REAL NOT NULL,
	focus_index INTEGER NOT NULL,
	tile        TEXT NOT NULL,
	PRIMARY KEY (run_id, row, col)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run is one row of the ledger.
type Run struct {
	RunID      string    `json:"run_id"`
	Sample     string    `json:"sample"`
	Dir        string    `json:"dir"`
	Species    string    `json:"species"`
	ID1        string    `json:"id1"`
	ID2        string    `json:"id2"`
	IsCore     bool      `json:"is_core"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	CellsDone  int       `json:"cells_done"`
	CellsTotal int       `json:"cells_total"`
	ElapsedS   float64   `json:"elapsed_s"`
	Error      string    `json:"error,omitempty"`
}

// Ledger records runs. It implements capture.Observer; write failures are
// logged and never interrupt a capture.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path. ":memory:" works for
// tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RunStarted inserts the run.
func (l *Ledger) RunStarted(runID string, s *sample.Sample) {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO runs
		(run_id, sample, dir, species, id1, id2, is_core, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, s.Name(), s.Dir, s.Species, s.ID1, s.ID2, s.IsCore,
		capture.StateTraversing.String(), l.now().UnixMilli())
	if err != nil {
		debug.Error(fmt.Errorf("store: run %s: %w", runID, err))
	}
}

// CellDone records a kept cell.
func (l *Ledger) CellDone(runID string, _ *sample.Sample, c sample.Cell) {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO cells
		(run_id, row, col, x, y, z, background, std, focus_index, tile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, c.Row, c.Col, c.X, c.Y, c.Z, c.Background, c.Std, c.FocusIndex, c.Tile)
	if err != nil {
		debug.Error(fmt.Errorf("store: cell (%d,%d): %w", c.Row, c.Col, err))
		return
	}
	if _, err := l.db.Exec(`UPDATE runs SET cells_done = cells_done + 1 WHERE run_id = ?`, runID); err != nil {
		debug.Error(fmt.Errorf("store: run %s: %w", runID, err))
	}
}

// RunFinished stores the outcome.
func (l *Ledger) RunFinished(runID string, _ *sample.Sample, r capture.Result) {
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	_, err := l.db.Exec(`UPDATE runs SET state = ?, finished_at = ?, cells_done = ?,
		cells_total = ?, elapsed_s = ?, error = ? WHERE run_id = ?`,
		r.State.String(), l.now().UnixMilli(), r.CellsDone, r.CellsTotal,
		r.Elapsed.Seconds(), msg, runID)
	if err != nil {
		debug.Error(fmt.Errorf("store: run %s: %w", runID, err))
	}
}

// Runs lists the most recent runs first. limit <= 0 means all.
func (l *Ledger) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.Query(`SELECT run_id, sample, dir, species, id1, id2, is_core, state,
		started_at, finished_at, cells_done, cells_total, elapsed_s, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.Sample, &r.Dir, &r.Species, &r.ID1, &r.ID2, &r.IsCore,
			&r.State, &started, &finished, &r.CellsDone, &r.CellsTotal, &r.ElapsedS, &r.Error); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cells returns the cells of a run in capture order.
func (l *Ledger) Cells(runID string) ([]sample.Cell, error) {
	rows, err := l.db.Query(`SELECT row, col, x, y, z, background, std, focus_index, tile
		FROM cells WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list cells: %w", err)
	}
	defer rows.Close()

	var out []sample.Cell
	for rows.Next() {
		var c sample.Cell
		if err := rows.Scan(&c.Row, &c.Col, &c.X, &c.Y, &c.Z, &c.Background, &c.Std, &c.FocusIndex, &c.Tile); err != nil {
			return nil, fmt.Errorf("store: scan cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
