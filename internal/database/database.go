package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

type Database struct {
	db               *sql.DB
	validReplayTypes map[string]bool
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db: db,
		validReplayTypes: map[string]bool{
			"session": true,
			"buffer":  true,
		},
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS kv(
	  scope      TEXT    NOT NULL,
	  key        TEXT    NOT NULL,
	  value      TEXT    NOT NULL,
	  updated_at INTEGER NOT NULL,
	  PRIMARY KEY (scope, key)
	);
	CREATE TABLE IF NOT EXISTS segments(
	  id                     INTEGER PRIMARY KEY,
	  replay_id              TEXT    NOT NULL,
	  segment_id             INTEGER NOT NULL CHECK (segment_id >= 0),
	  replay_type            TEXT    NOT NULL CHECK (replay_type IN ('session','buffer')),
	  ts                     REAL    NOT NULL,
	  replay_start_ts        REAL,
	  urls_json              TEXT    NOT NULL CHECK (json_valid(urls_json)),
	  error_ids_json         TEXT    NOT NULL CHECK (json_valid(error_ids_json)),
	  recording              BLOB    NOT NULL,
	  created_at             INTEGER NOT NULL,
	  UNIQUE (replay_id, segment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_segments_replay ON segments(replay_id);
	CREATE INDEX IF NOT EXISTS idx_segments_ts     ON segments(ts);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateSegment(segment models.Segment) error {
	if segment.ReplayID == "" {
		return fmt.Errorf("replay ID cannot be empty")
	}
	if segment.SegmentID < 0 {
		return fmt.Errorf("segment ID cannot be negative")
	}
	if !d.validReplayTypes[segment.ReplayType] {
		return fmt.Errorf("invalid replay type: %s", segment.ReplayType)
	}
	if segment.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if len(segment.RecordingData) == 0 {
		return fmt.Errorf("recording data cannot be empty")
	}
	return nil
}

// InsertSegments stores segments in one transaction. A segment already stored
// for the same replay and segment ID is replaced, so retried sends are
// idempotent.
func (d *Database) InsertSegments(ctx context.Context, segments []models.Segment) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `
	INSERT OR REPLACE INTO segments(replay_id, segment_id, replay_type, ts, replay_start_ts, urls_json, error_ids_json, recording, created_at)
	VALUES(?,?,?,?,?,json(?),json(?),?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	now := time.Now().UnixMilli()
	for _, segment := range segments {
		if err := d.ValidateSegment(segment); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid segment: %w", err)
		}

		urls, err := marshalList(segment.URLs)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal segment urls: %w", err)
		}
		errorIDs, err := marshalList(segment.ErrorIDs)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal segment error ids: %w", err)
		}
		if _, err := statement.ExecContext(ctx,
			segment.ReplayID, segment.SegmentID, segment.ReplayType, segment.Timestamp,
			segment.ReplayStartTimestamp, urls, errorIDs, segment.RecordingData, now,
		); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Send stores one segment. It lets the database act as the replay transport
// when no remote endpoint is configured.
func (d *Database) Send(ctx context.Context, segment models.Segment) error {
	return d.InsertSegments(ctx, []models.Segment{segment})
}

// Segments returns the stored segments of a replay ordered by segment ID.
func (d *Database) Segments(ctx context.Context, replayID string) ([]models.Segment, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT replay_id, segment_id, replay_type, ts, replay_start_ts, urls_json, error_ids_json, recording
	FROM segments WHERE replay_id = ? ORDER BY segment_id`, replayID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var (
			s                  models.Segment
			start              sql.NullFloat64
			urlsJSON, errsJSON string
		)
		if err := rows.Scan(&s.ReplayID, &s.SegmentID, &s.ReplayType, &s.Timestamp, &start, &urlsJSON, &errsJSON, &s.RecordingData); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		if start.Valid {
			s.ReplayStartTimestamp = &start.Float64
		}
		if err := json.Unmarshal([]byte(urlsJSON), &s.URLs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment urls: %w", err)
		}
		if err := json.Unmarshal([]byte(errsJSON), &s.ErrorIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment error ids: %w", err)
		}
		segments = append(segments, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segments: %w", err)
	}
	return segments, nil
}

// Scope returns key/value storage isolated under scope.
func (d *Database) Scope(scope string) *ScopedStorage {
	return &ScopedStorage{db: d.db, scope: scope}
}

// ScopedStorage implements storage.Storage on the kv table.
type ScopedStorage struct {
	db    *sql.DB
	scope string
}

func (s *ScopedStorage) GetItem(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE scope = ? AND key = ?`, s.scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *ScopedStorage) SetItem(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv(scope, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		s.scope, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *ScopedStorage) RemoveItem(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE scope = ? AND key = ?`, s.scope, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
