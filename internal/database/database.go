package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"detectx/internal/export"
	"detectx/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// EventRecord is one stored label transition
type EventRecord struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	Label      string    `json:"label"`
	State      bool      `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence int       `json:"confidence"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	W          int       `json:"w"`
	H          int       `json:"h"`
}

// ExportRecord is one stored sink delivery result
type ExportRecord struct {
	ID         string    `json:"id"`
	Sink       string    `json:"sink"`
	Label      string    `json:"label"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs float64   `json:"duration_ms"`
	Finished   time.Time `json:"finished"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the API read while the consumers write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			label TEXT NOT NULL,
			state INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			confidence INTEGER DEFAULT 0,
			x INTEGER DEFAULT 0,
			y INTEGER DEFAULT 0,
			w INTEGER DEFAULT 0,
			h INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS exports (
			id TEXT PRIMARY KEY,
			sink TEXT NOT NULL,
			label TEXT,
			success INTEGER NOT NULL,
			error TEXT,
			duration_ms REAL,
			finished DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_time ON transitions(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_label_time ON transitions(label, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_exports_time ON exports(finished DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Info().Str("component", "database").Msg("Database migrations completed successfully")
	return nil
}

// RecordTransition stores a label transition
func (d *Database) RecordTransition(device string, t pipeline.Transition) (string, error) {
	rec := EventRecord{
		ID:        uuid.NewString(),
		Device:    device,
		Label:     t.Label,
		State:     t.State,
		Timestamp: t.Timestamp,
	}
	if t.Detection != nil {
		rec.Confidence = t.Detection.Confidence
		rec.X = t.Detection.CenterX
		rec.Y = t.Detection.CenterY
		rec.W = t.Detection.Width
		rec.H = t.Detection.Height
	}

	query := `INSERT INTO transitions (id, device, label, state, timestamp, confidence, x, y, w, h)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, rec.ID, rec.Device, rec.Label, boolInt(rec.State), rec.Timestamp.UTC(),
		rec.Confidence, rec.X, rec.Y, rec.W, rec.H)
	if err != nil {
		return "", fmt.Errorf("failed to save transition: %w", err)
	}
	return rec.ID, nil
}

// ListEvents returns transitions newest first, optionally for one label
func (d *Database) ListEvents(label string, limit int) ([]*EventRecord, error) {
	query := `SELECT id, device, label, state, timestamp, confidence, x, y, w, h FROM transitions WHERE 1=1`
	args := []interface{}{}

	if label != "" {
		query += " AND label = ?"
		args = append(args, label)
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var state int
		if err := rows.Scan(&rec.ID, &rec.Device, &rec.Label, &state, &rec.Timestamp,
			&rec.Confidence, &rec.X, &rec.Y, &rec.W, &rec.H); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.State = state == 1
		events = append(events, &rec)
	}
	return events, rows.Err()
}

// RecordExport stores one dispatcher result
func (d *Database) RecordExport(r export.Result) (string, error) {
	id := uuid.NewString()
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}

	query := `INSERT INTO exports (id, sink, label, success, error, duration_ms, finished)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, id, r.Sink, r.Label, boolInt(r.Err == nil), errText,
		float64(r.Duration.Microseconds())/1000, r.Finished.UTC())
	if err != nil {
		return "", fmt.Errorf("failed to save export result: %w", err)
	}
	return id, nil
}

// ListExports returns export results newest first
func (d *Database) ListExports(limit int) ([]*ExportRecord, error) {
	query := `SELECT id, sink, label, success, error, duration_ms, finished FROM exports ORDER BY finished DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		var rec ExportRecord
		var success int
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Sink, &rec.Label, &success, &errText, &rec.DurationMs, &rec.Finished); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		rec.Success = success == 1
		rec.Error = errText.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Prune deletes transitions and export results older than before
func (d *Database) Prune(before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		"DELETE FROM transitions WHERE timestamp < ?",
		"DELETE FROM exports WHERE finished < ?",
	} {
		result, err := d.db.Exec(q, before.UTC())
		if err != nil {
			return total, fmt.Errorf("failed to prune history: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
