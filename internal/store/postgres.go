// Package store persists projects (with their consumer lock) and
// cursors in Postgres via transactional compare-and-swap, realizing
// the "document database offering per-document CAS" the spec treats
// as an external collaborator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a project row does not exist.
var ErrNotFound = errors.New("store: project not found")

// ErrVersionConflict is returned when a CAS update's expected version
// does not match the current row.
var ErrVersionConflict = errors.New("store: version conflict")

// ConsumerLock is the persisted shape of §3's ConsumerLock.
type ConsumerLock struct {
	ConsumerID   string         `json:"consumerId"`
	ConsumerType string         `json:"consumerType"`
	LeaseMs      int64          `json:"leaseMs"`
	AcquiredAt   int64          `json:"acquiredAt"`
	RefreshedAt  int64          `json:"refreshedAt"`
	ExpiresAt    int64          `json:"expiresAt"`
	Runtime      map[string]any `json:"runtime,omitempty"`
}

// ProjectRow is one row of the projects table.
type ProjectRow struct {
	UserID    string
	ProjectID string
	Lock      *ConsumerLock
	Version   int64
}

// Store wraps a *sql.DB configured for the lib/pq driver.
type Store struct {
	DB *sql.DB
}

// Open connects to Postgres and verifies the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Schema is the DDL this package expects. Operators apply it via their
// own migration tooling; it is exposed here so tests and local setup
// can run it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	user_id    TEXT NOT NULL,
	project_id TEXT NOT NULL,
	lock       JSONB,
	version    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, project_id)
);

CREATE TABLE IF NOT EXISTS cursors (
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	event_id   TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, session_id)
);

CREATE TABLE IF NOT EXISTS workspaces (
	workspace_id TEXT PRIMARY KEY,
	live_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// GetProject fetches the row for (userID, projectID), creating an
// empty one on first access so acquire() below always has a row to
// CAS against.
func (s *Store) GetProject(ctx context.Context, userID, projectID string) (*ProjectRow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT lock, version FROM projects WHERE user_id=$1 AND project_id=$2`,
		userID, projectID)
	var lockJSON []byte
	var version int64
	err := row.Scan(&lockJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, insErr := s.DB.ExecContext(ctx,
			`INSERT INTO projects (user_id, project_id, version) VALUES ($1,$2,0)
			 ON CONFLICT (user_id, project_id) DO NOTHING`, userID, projectID); insErr != nil {
			return nil, insErr
		}
		return &ProjectRow{UserID: userID, ProjectID: projectID, Version: 0}, nil
	}
	if err != nil {
		return nil, err
	}
	var lock *ConsumerLock
	if len(lockJSON) > 0 {
		lock = &ConsumerLock{}
		if err := json.Unmarshal(lockJSON, lock); err != nil {
			return nil, err
		}
	}
	return &ProjectRow{UserID: userID, ProjectID: projectID, Lock: lock, Version: version}, nil
}

// CASUpdateLock sets the project's lock field to newLock (nil to
// clear it) only if the row's version still equals expectedVersion,
// atomically bumping the version. Returns ErrVersionConflict if the
// row moved under us.
func (s *Store) CASUpdateLock(ctx context.Context, userID, projectID string, expectedVersion int64, newLock *ConsumerLock) error {
	var lockJSON []byte
	var err error
	if newLock != nil {
		lockJSON, err = json.Marshal(newLock)
		if err != nil {
			return err
		}
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE projects SET lock=$1, version=version+1
		 WHERE user_id=$2 AND project_id=$3 AND version=$4`,
		lockJSON, userID, projectID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Cursor is the persisted shape of §3's Cursor. Timestamp is the TEXT
// column as stored: RFC-3339 when written by the event pump, and any
// other stored form (such as numeric ms-since-epoch) is returned as is,
// without conversion.
type Cursor struct {
	EventID   string
	Timestamp string
	UpdatedAt time.Time
}

// GetCursor fetches the persisted cursor for a project (optionally
// scoped to a session), returning nil if none has been written yet.
func (s *Store) GetCursor(ctx context.Context, projectID, sessionID string) (*Cursor, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT event_id, timestamp, updated_at FROM cursors WHERE project_id=$1 AND session_id=$2`,
		projectID, sessionID)
	var c Cursor
	err := row.Scan(&c.EventID, &c.Timestamp, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// WriteCursor upserts the cursor for a project/session. Writes are
// best-effort monotonic — the store does not reject an out-of-order
// write, matching §3's "advisory, best-effort" cursor semantics.
func (s *Store) WriteCursor(ctx context.Context, projectID, sessionID, eventID, timestamp string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO cursors (project_id, session_id, event_id, timestamp, updated_at)
		 VALUES ($1,$2,$3,$4,now())
		 ON CONFLICT (project_id, session_id)
		 DO UPDATE SET event_id=$3, timestamp=$4, updated_at=now()`,
		projectID, sessionID, eventID, timestamp)
	return err
}
