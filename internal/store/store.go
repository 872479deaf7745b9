package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	_ "github.com/mattn/go-sqlite3"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_name TEXT NOT NULL UNIQUE,
	started_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS signal_catalog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	signal_label TEXT NOT NULL,
	unit TEXT,
	metadata_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(id),
	UNIQUE(id, run_id)
);
CREATE TABLE IF NOT EXISTS spec_catalog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	spec_label TEXT NOT NULL,
	unit TEXT,
	metadata_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(id),
	UNIQUE(id, run_id)
);
CREATE TABLE IF NOT EXISTS signal_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	signal_id INTEGER NOT NULL,
	dt_s REAL NOT NULL CHECK (dt_s >= 0),
	values_json TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id),
	FOREIGN KEY(signal_id, run_id) REFERENCES signal_catalog(id, run_id)
);
CREATE TABLE IF NOT EXISTS spec_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	spec_id INTEGER NOT NULL,
	dt_s REAL NOT NULL CHECK (dt_s >= 0),
	vals_json TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id),
	FOREIGN KEY(spec_id, run_id) REFERENCES spec_catalog(id, run_id)
);
CREATE TABLE IF NOT EXISTS action_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	dt_s REAL NOT NULL,
	action_kind TEXT NOT NULL,
	detected_at_utc TEXT NOT NULL,
	spec_label TEXT NOT NULL,
	signal_window_start_dt_s REAL NOT NULL,
	signal_window_end_dt_s REAL NOT NULL,
	old_value_json TEXT,
	new_value_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE TABLE IF NOT EXISTS monitor_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER,
	dt_s REAL,
	error_type TEXT NOT NULL,
	message TEXT NOT NULL,
	details_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(id)
);
`

// Store owns a single SQLite connection/handle for the duration of a
// Monitor run. Opening and closing are paired deterministically.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at
// filepath.Join(directory, name), enables foreign key enforcement, and
// returns a Store. The caller must call Close.
func Open(directory, name string) (*Store, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, newError("Open", "creating db directory", err)
	}
	path := filepath.Join(directory, name)
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, newError("Open", "opening sqlite database", err)
	}
	// SQLite permits exactly one writer; the Monitor owns this handle
	// exclusively for the lifetime of a run, so a single connection avoids
	// SQLITE_BUSY from internal connection-pool churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, newError("Open", "enabling foreign keys", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitializeSchema creates every table if absent and applies the one known
// migration (action_events.delta_value) by detecting its absence via
// PRAGMA table_info, mirroring the original's migration-detection pattern.
// Idempotent on an already-initialized database.
func (s *Store) InitializeSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return newError("InitializeSchema", "executing DDL", err)
		}
	}

	hasDelta, err := s.hasColumn(ctx, "action_events", "delta_value")
	if err != nil {
		return newError("InitializeSchema", "inspecting action_events columns", err)
	}
	if !hasDelta {
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE action_events ADD COLUMN delta_value REAL"); err != nil {
			return newError("InitializeSchema", "adding delta_value column", err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// WithTx executes fn inside a transaction, rolling back on any error and
// committing otherwise. Adapted from the teacher's core/db.WithTx
// (deferred rollback-as-no-op-if-committed), re-grounded from pgx onto
// database/sql.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError("WithTx", "beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return newError("WithTx", "committing transaction", err)
	}
	return nil
}

// CreateRun inserts a new Run row, erroring with DuplicateRunNameError on a
// run_name collision.
func (s *Store) CreateRun(ctx context.Context, runName, startedAtUTC string) (int64, error) {
	var existing int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM runs WHERE run_name = ? LIMIT 1", runName).Scan(&existing)
	if err == nil {
		return 0, &DuplicateRunNameError{RunName: runName}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, newError("CreateRun", "checking existing run_name", err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO runs (run_name, started_at_utc) VALUES (?, ?)", runName, startedAtUTC)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, &DuplicateRunNameError{RunName: runName}
		}
		return 0, newError("CreateRun", "inserting run", err)
	}
	return res.LastInsertId()
}

// InsertSignalCatalog inserts a SignalCatalog row, lazily created once per
// segment by the Monitor.
func (s *Store) InsertSignalCatalog(ctx context.Context, runID int64, signalLabel, unit string, metadata any) (int64, error) {
	metadataJSON, err := toJSONText(metadata)
	if err != nil {
		return 0, newError("InsertSignalCatalog", "encoding metadata", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO signal_catalog (run_id, signal_label, unit, metadata_json) VALUES (?, ?, ?, ?)",
		runID, signalLabel, nullableString(unit), metadataJSON)
	if err != nil {
		return 0, newError("InsertSignalCatalog", "inserting row", err)
	}
	return res.LastInsertId()
}

// InsertSpecCatalog inserts a SpecCatalog row, lazily created once per
// segment by the Monitor.
func (s *Store) InsertSpecCatalog(ctx context.Context, runID int64, specLabel, unit string, metadata any) (int64, error) {
	metadataJSON, err := toJSONText(metadata)
	if err != nil {
		return 0, newError("InsertSpecCatalog", "encoding metadata", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO spec_catalog (run_id, spec_label, unit, metadata_json) VALUES (?, ?, ?, ?)",
		runID, specLabel, nullableString(unit), metadataJSON)
	if err != nil {
		return 0, newError("InsertSpecCatalog", "inserting row", err)
	}
	return res.LastInsertId()
}

// InsertSamplePair inserts one SignalSample row and one SpecSample row
// within a single transaction: either both appear or neither does.
func (s *Store) InsertSamplePair(ctx context.Context, runID, signalID, specID int64, dtS float64, signalValues, specValues any) (signalRowID, specRowID int64, err error) {
	signalValuesJSON, err := toJSONText(signalValues)
	if err != nil {
		return 0, 0, newError("InsertSamplePair", "encoding signal values", err)
	}
	specValuesJSON, err := toJSONText(specValues)
	if err != nil {
		return 0, 0, newError("InsertSamplePair", "encoding spec values", err)
	}

	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		sigRes, err := tx.ExecContext(ctx,
			"INSERT INTO signal_samples (run_id, signal_id, dt_s, values_json) VALUES (?, ?, ?, ?)",
			runID, signalID, dtS, signalValuesJSON)
		if err != nil {
			return newError("InsertSamplePair", "inserting signal sample", err)
		}
		signalRowID, err = sigRes.LastInsertId()
		if err != nil {
			return newError("InsertSamplePair", "reading signal sample id", err)
		}

		specRes, err := tx.ExecContext(ctx,
			"INSERT INTO spec_samples (run_id, spec_id, dt_s, vals_json) VALUES (?, ?, ?, ?)",
			runID, specID, dtS, specValuesJSON)
		if err != nil {
			return newError("InsertSamplePair", "inserting spec sample", err)
		}
		specRowID, err = specRes.LastInsertId()
		if err != nil {
			return newError("InsertSamplePair", "reading spec sample id", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, txErr
	}
	return signalRowID, specRowID, nil
}

// InsertActionEvent inserts one derived spec-change event.
func (s *Store) InsertActionEvent(ctx context.Context, ev ActionEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_events (
			run_id, dt_s, action_kind, detected_at_utc, spec_label,
			signal_window_start_dt_s, signal_window_end_dt_s,
			delta_value, old_value_json, new_value_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.DtS, ev.ActionKind, ev.DetectedAtUTC, ev.SpecLabel,
		ev.SignalWindowStartDtS, ev.SignalWindowEndDtS,
		ev.DeltaValue, ev.OldValueJSON, ev.NewValueJSON)
	if err != nil {
		return 0, newError("InsertActionEvent", "inserting row", err)
	}
	return res.LastInsertId()
}

// InsertMonitorError records a poller failure observed during a tick.
func (s *Store) InsertMonitorError(ctx context.Context, me MonitorError) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO monitor_errors (run_id, dt_s, error_type, message, details_json) VALUES (?, ?, ?, ?, ?)",
		me.RunID, me.DtS, me.ErrorType, me.Message, me.DetailsJSON)
	if err != nil {
		return 0, newError("InsertMonitorError", "inserting row", err)
	}
	return res.LastInsertId()
}

// ListActionEvents returns every ActionEvent, optionally filtered to one
// run, ordered by (dt_s asc, id asc).
func (s *Store) ListActionEvents(ctx context.Context, runID *int64) ([]ActionEvent, error) {
	var rows *sql.Rows
	var err error
	if runID == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, run_id, dt_s, action_kind, detected_at_utc, spec_label,
				signal_window_start_dt_s, signal_window_end_dt_s,
				delta_value, old_value_json, new_value_json
			FROM action_events
			ORDER BY dt_s ASC, id ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, run_id, dt_s, action_kind, detected_at_utc, spec_label,
				signal_window_start_dt_s, signal_window_end_dt_s,
				delta_value, old_value_json, new_value_json
			FROM action_events
			WHERE run_id = ?
			ORDER BY dt_s ASC, id ASC`, *runID)
	}
	if err != nil {
		return nil, newError("ListActionEvents", "querying", err)
	}
	defer rows.Close()
	return scanActionEvents(rows)
}

// GetActionEventByIdx returns the action event at position idx (0-based,
// ordered by (dt_s asc, id asc)) for a run, or (ActionEvent{}, false, nil)
// if idx is out of range.
func (s *Store) GetActionEventByIdx(ctx context.Context, runID int64, idx int) (ActionEvent, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, dt_s, action_kind, detected_at_utc, spec_label,
			signal_window_start_dt_s, signal_window_end_dt_s,
			delta_value, old_value_json, new_value_json
		FROM action_events
		WHERE run_id = ?
		ORDER BY dt_s ASC, id ASC
		LIMIT 1 OFFSET ?`, runID, idx)
	if err != nil {
		return ActionEvent{}, false, newError("GetActionEventByIdx", "querying", err)
	}
	defer rows.Close()

	events, err := scanActionEvents(rows)
	if err != nil {
		return ActionEvent{}, false, err
	}
	if len(events) == 0 {
		return ActionEvent{}, false, nil
	}
	return events[0], true, nil
}

func scanActionEvents(rows *sql.Rows) ([]ActionEvent, error) {
	var out []ActionEvent
	for rows.Next() {
		var ev ActionEvent
		var oldJSON, newJSON sql.NullString
		var delta sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.DtS, &ev.ActionKind, &ev.DetectedAtUTC, &ev.SpecLabel,
			&ev.SignalWindowStartDtS, &ev.SignalWindowEndDtS, &delta, &oldJSON, &newJSON); err != nil {
			return nil, newError("scanActionEvents", "scanning row", err)
		}
		if delta.Valid {
			v := delta.Float64
			ev.DeltaValue = &v
		}
		ev.OldValueJSON = oldJSON.String
		ev.NewValueJSON = newJSON.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("scanActionEvents", "iterating rows", err)
	}
	return out, nil
}

// ListSignalSamplesInWindow returns SignalSample rows for a run bounded
// inclusively on both ends of [dtMin, dtMax], ordered by (dt_s asc, id asc).
func (s *Store) ListSignalSamplesInWindow(ctx context.Context, runID int64, dtMin, dtMax float64) ([]SignalSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, signal_id, dt_s, values_json
		FROM signal_samples
		WHERE run_id = ? AND dt_s >= ? AND dt_s <= ?
		ORDER BY dt_s ASC, id ASC`, runID, dtMin, dtMax)
	if err != nil {
		return nil, newError("ListSignalSamplesInWindow", "querying", err)
	}
	defer rows.Close()

	var out []SignalSample
	for rows.Next() {
		var sample SignalSample
		if err := rows.Scan(&sample.ID, &sample.RunID, &sample.SignalID, &sample.DtS, &sample.ValuesJSON); err != nil {
			return nil, newError("ListSignalSamplesInWindow", "scanning row", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("ListSignalSamplesInWindow", "iterating rows", err)
	}
	return out, nil
}

// GetLatestRunID returns the highest run id, or (0, false, nil) if no runs
// exist yet.
func (s *Store) GetLatestRunID(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM runs ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newError("GetLatestRunID", "querying", err)
	}
	return id, true, nil
}

// GetRunIDByName returns the run id for runName, or (0, false, nil) if
// none exists. Errors defensively with AmbiguousRunNameError if more than
// one row matches, which the schema's UNIQUE constraint should prevent.
func (s *Store) GetRunIDByName(ctx context.Context, runName string) (int64, bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM runs WHERE run_name = ? ORDER BY id DESC LIMIT 2", runName)
	if err != nil {
		return 0, false, newError("GetRunIDByName", "querying", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, false, newError("GetRunIDByName", "scanning row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, false, newError("GetRunIDByName", "iterating rows", err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	if len(ids) > 1 {
		return 0, false, &AmbiguousRunNameError{RunName: runName, Count: len(ids)}
	}
	return ids[0], true, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// toJSONText marshals value to ASCII-safe JSON text (escaping every
// non-ASCII rune as \uXXXX), mirroring the original's
// json.dumps(value, ensure_ascii=True).
func toJSONText(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(raw) {
		switch {
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, hi, lo)
		case r > 127:
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), nil
}
