// Package ledger keeps a SQLite history of device runs, one row per device
// per run.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/httprunner/droidfleet"
	"github.com/httprunner/droidfleet/internal/config"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	envLedgerPath    = "DROIDFLEET_LEDGER_DB"
	envLedgerDisable = "DROIDFLEET_LEDGER_DISABLE"
	defaultDirName   = ".droidfleet"
	defaultFileName  = "runs.sqlite"
	tableName        = "device_runs"
)

// Row is one persisted device run.
type Row struct {
	ID             int64
	RunID          string
	HostID         string
	TaskName       string
	Goal           string
	DeviceName     string
	Serial         string
	Kind           string
	Success        bool
	Output         string
	Error          string
	Duration       time.Duration
	Steps          int
	LogPath        string
	TrajectoryPath string
	Concurrency    int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Ledger is a RunRecorder backed by SQLite.
type Ledger struct {
	db   *sql.DB
	path string
}

// Disabled reports whether DROIDFLEET_LEDGER_DISABLE turns the ledger off.
func Disabled() bool {
	return config.Bool(envLedgerDisable, false)
}

// ResolvePath picks explicit, then DROIDFLEET_LEDGER_DB, then
// ~/.droidfleet/runs.sqlite, creating the parent directory.
func ResolvePath(explicit string) (string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = config.String(envLedgerPath, "")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "ledger: locate user home failed")
		}
		path = filepath.Join(home, defaultDirName, defaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "ledger: create dir %s failed", filepath.Dir(path))
	}
	return path, nil
}

// Open opens or creates the ledger at path and migrates its schema.
func Open(path string) (*Ledger, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, path: resolved}, nil
}

// Path is the database file in use.
func (l *Ledger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordRun writes one row per device result in a single transaction.
func (l *Ledger) RecordRun(ctx context.Context, report droidfleet.RunReport) error {
	if l == nil || l.db == nil {
		return errors.New("ledger: not open")
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "ledger: begin tx failed")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertStatement)
	if err != nil {
		return errors.Wrap(err, "ledger: prepare insert failed")
	}
	defer stmt.Close()

	finished := report.StartedAt.Add(report.Summary.Elapsed)
	for _, r := range report.Summary.Results {
		_, err := stmt.ExecContext(ctx,
			report.RunID,
			report.HostID,
			report.TaskName,
			report.Goal,
			r.DeviceName,
			r.Serial,
			string(r.Kind),
			boolToInt(r.Success),
			r.Output,
			r.Error,
			r.Duration.Milliseconds(),
			r.Steps,
			r.LogPath,
			r.TrajectoryPath,
			report.Concurrency,
			report.StartedAt.UnixMilli(),
			finished.UnixMilli(),
		)
		if err != nil {
			return errors.Wrapf(err, "ledger: insert row for %s failed", r.DeviceName)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "ledger: commit failed")
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Row, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: not open")
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id, run_id, host_id, task_name, goal, device_name, serial, kind,
		success, output, error, duration_ms, steps, log_path, trajectory_path, concurrency,
		started_at, finished_at FROM %s ORDER BY id DESC LIMIT ?`, tableName)
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: query recent runs failed")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row                   Row
			success               int
			durationMS            int64
			startedMS, finishedMS int64
		)
		if err := rows.Scan(&row.ID, &row.RunID, &row.HostID, &row.TaskName, &row.Goal,
			&row.DeviceName, &row.Serial, &row.Kind, &success, &row.Output, &row.Error,
			&durationMS, &row.Steps, &row.LogPath, &row.TrajectoryPath, &row.Concurrency,
			&startedMS, &finishedMS); err != nil {
			return nil, errors.Wrap(err, "ledger: scan row failed")
		}
		row.Success = success != 0
		row.Duration = time.Duration(durationMS) * time.Millisecond
		row.StartedAt = time.UnixMilli(startedMS)
		row.FinishedAt = time.UnixMilli(finishedMS)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "ledger: iterate rows failed")
	}
	return out, nil
}

var insertStatement = fmt.Sprintf(`INSERT INTO %s (
	run_id, host_id, task_name, goal, device_name, serial, kind, success, output, error,
	duration_ms, steps, log_path, trajectory_path, concurrency, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableName)

func configureSQLite(db *sql.DB) error {
	// single connection so per-connection pragmas stick
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "ledger: execute %s failed", pragma)
		}
	}
	return nil
}

func prepareSchema(db *sql.DB) error {
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			task_name TEXT,
			goal TEXT,
			device_name TEXT NOT NULL,
			serial TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			steps INTEGER NOT NULL DEFAULT 0,
			log_path TEXT,
			concurrency INTEGER NOT NULL DEFAULT 1,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);`, tableName)
	if _, err := db.Exec(createTable); err != nil {
		return errors.Wrap(err, "ledger: create table failed")
	}
	// columns added after the first schema
	for _, col := range []struct{ name, typ string }{
		{"host_id", "TEXT NOT NULL DEFAULT ''"},
		{"kind", "TEXT NOT NULL DEFAULT ''"},
		{"trajectory_path", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := ensureSQLiteColumn(db, tableName, col.name, col.typ); err != nil {
			return err
		}
	}
	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_run ON %s(run_id);", tableName, tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_name, started_at);", tableName, tableName),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "ledger: create index failed")
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	query := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.Query(query)
	if err != nil {
		return errors.Wrapf(err, "ledger: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return errors.Wrap(err, "ledger: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "ledger: iterate sqlite table info failed")
	}
	rows.Close()
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "ledger: add column %s to %s failed", column, table)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
