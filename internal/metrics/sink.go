package metrics

import (
	"bytes"
	"database/sql"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// EventSink receives scalar and image events keyed by mode, tag and a
// monotonic step.
type EventSink interface {
	Scalar(mode, tag string, step int, value float64) error
	Image(mode, tag string, step int, img image.Image) error
	Close() error
}

// Discard is an EventSink that drops every event.
type Discard struct{}

func (Discard) Scalar(string, string, int, float64) error     { return nil }
func (Discard) Image(string, string, int, image.Image) error { return nil }
func (Discard) Close() error                                 { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS scalars (
	run_id TEXT NOT NULL,
	mode   TEXT NOT NULL,
	tag    TEXT NOT NULL,
	step   INTEGER NOT NULL,
	value  REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	run_id TEXT NOT NULL,
	mode   TEXT NOT NULL,
	tag    TEXT NOT NULL,
	step   INTEGER NOT NULL,
	png    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scalars_tag_step ON scalars(mode, tag, step);
`

// SQLiteSink stores events in a SQLite database, one file per run.
type SQLiteSink struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

// OpenSQLiteSink opens (or creates) path and prepares the event tables.
func OpenSQLiteSink(path, runID string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("metrics: create %s: %w", filepath.Dir(path), err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metrics: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: create schema: %w", err)
	}
	return &SQLiteSink{db: db, runID: runID}, nil
}

// Scalar implements EventSink.
func (s *SQLiteSink) Scalar(mode, tag string, step int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO scalars(run_id, mode, tag, step, value) VALUES (?, ?, ?, ?, ?)`,
		s.runID, mode, tag, step, value)
	if err != nil {
		return fmt.Errorf("metrics: insert scalar %s/%s: %w", mode, tag, err)
	}
	return nil
}

// Image implements EventSink; images are stored PNG encoded.
func (s *SQLiteSink) Image(mode, tag string, step int, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("metrics: encode image %s/%s: %w", mode, tag, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO images(run_id, mode, tag, step, png) VALUES (?, ?, ?, ?, ?)`,
		s.runID, mode, tag, step, buf.Bytes())
	if err != nil {
		return fmt.Errorf("metrics: insert image %s/%s: %w", mode, tag, err)
	}
	return nil
}

// ScalarSeries returns the (step, value) pairs recorded for mode and tag in
// step order.
func (s *SQLiteSink) ScalarSeries(mode, tag string) ([]int, []float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT step, value FROM scalars WHERE run_id = ? AND mode = ? AND tag = ? ORDER BY step`,
		s.runID, mode, tag)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: query %s/%s: %w", mode, tag, err)
	}
	defer rows.Close()
	var steps []int
	var values []float64
	for rows.Next() {
		var step int
		var v float64
		if err := rows.Scan(&step, &v); err != nil {
			return nil, nil, err
		}
		steps = append(steps, step)
		values = append(values, v)
	}
	return steps, values, rows.Err()
}

// ImageCount returns how many images were recorded for mode.
func (s *SQLiteSink) ImageCount(mode string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE run_id = ? AND mode = ?`, s.runID, mode).Scan(&n)
	return n, err
}

// Close implements EventSink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
