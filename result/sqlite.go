package result

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    label       TEXT NOT NULL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS samples (
    run_id  INTEGER NOT NULL REFERENCES runs(id),
    time    REAL NOT NULL,
    name    TEXT NOT NULL,
    value   REAL
);

CREATE INDEX IF NOT EXISTS idx_samples_run_name ON samples(run_id, name, time);
`

// SQLiteSink stores samples in the table samples(run_id, time, name, value),
// one row per variable and communication point. Every Begin starts a new
// run in the runs table.
type SQLiteSink struct {
	db    *sql.DB
	label string
	runID int64
	names []string
	tx    *sql.Tx
	stmt  *sql.Stmt
	rows  int
}

// batchRows is the number of rows inserted per transaction.
const batchRows = 10000

// OpenSQLite opens or creates the database at path. label names the runs
// recorded through this sink.
func OpenSQLite(path, label string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteSink{db: db, label: label}, nil
}

// RunID returns the id of the current run, or 0 before Begin.
func (s *SQLiteSink) RunID() int64 { return s.runID }

func (s *SQLiteSink) Begin(names []string) error {
	if err := s.commit(); err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO runs (label) VALUES (?)`, s.label)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if s.runID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.names = append([]string(nil), names...)
	return nil
}

func (s *SQLiteSink) Record(t float64, values []float64) error {
	if s.runID == 0 {
		return ErrNotStarted
	}
	if len(values) != len(s.names) {
		return fmt.Errorf("result: got %d values for %d names", len(values), len(s.names))
	}
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		stmt, err := tx.Prepare(`INSERT INTO samples (run_id, time, name, value) VALUES (?, ?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare insert: %w", err)
		}
		s.tx, s.stmt = tx, stmt
	}
	for i, v := range values {
		if _, err := s.stmt.Exec(s.runID, t, s.names[i], v); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	s.rows += len(values)
	if s.rows >= batchRows {
		return s.commit()
	}
	return nil
}

func (s *SQLiteSink) commit() error {
	if s.tx == nil {
		return nil
	}
	_ = s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt, s.rows = nil, nil, 0
	if err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

// Series returns the samples of name recorded in run, ordered by time.
func (s *SQLiteSink) Series(run int64, name string) ([]float64, []float64, error) {
	if err := s.commit(); err != nil {
		return nil, nil, err
	}
	rows, err := s.db.Query(`SELECT time, value FROM samples WHERE run_id = ? AND name = ? ORDER BY time`, run, name)
	if err != nil {
		return nil, nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var times, values []float64
	for rows.Next() {
		var t, v float64
		if err := rows.Scan(&t, &v); err != nil {
			return nil, nil, fmt.Errorf("scan sample: %w", err)
		}
		times = append(times, t)
		values = append(values, v)
	}
	return times, values, rows.Err()
}

// Close commits pending samples and closes the database.
func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.commit()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil
	return err
}
