// Package framestore persists capture sessions and their frames: an SQLite
// index of sessions and frame records, plus one directory of encoded frame
// files per session.
package framestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/scrollstitch/dbopen"
	"github.com/hazyhaar/scrollstitch/horosafe"
	"github.com/hazyhaar/scrollstitch/raster"
)

// Session states as stored in the index.
const (
	StateOpen       = "open"
	StateCompleting = "completing"
	StateClosed     = "closed"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("framestore: session not found")
	// ErrStateConflict is returned when a transition's expected state does
	// not match the stored one.
	ErrStateConflict = errors.New("framestore: unexpected session state")
)

// Migrations is the append-only schema history of the index.
var Migrations = []string{
	`CREATE TABLE sessions (
    id             TEXT PRIMARY KEY,
    state          TEXT NOT NULL DEFAULT 'open',
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    composed_path  TEXT NOT NULL DEFAULT '',
    tiles_path     TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_sessions_state ON sessions(state);

CREATE TABLE frames (
    session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    frame_number     INTEGER NOT NULL,
    path             TEXT NOT NULL,
    sha256           TEXT NOT NULL,
    width            INTEGER NOT NULL,
    height           INTEGER NOT NULL,
    scroll_position  INTEGER NOT NULL DEFAULT 0,
    viewport_height  INTEGER NOT NULL DEFAULT 0,
    captured_at      INTEGER NOT NULL,
    PRIMARY KEY (session_id, frame_number)
);`,
}

// Session is a row of the sessions table.
type Session struct {
	ID           string         `json:"session_id"`
	State        string         `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ComposedPath string         `json:"composed_image_path,omitempty"`
	TilesPath    string         `json:"tiles_path,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Frame is a row of the frames table.
type Frame struct {
	SessionID      string    `json:"session_id"`
	FrameNumber    int       `json:"frame_number"`
	Path           string    `json:"path"`
	SHA256         string    `json:"sha256"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	ScrollPosition int       `json:"scroll_position"`
	ViewportHeight int       `json:"viewport_height"`
	CapturedAt     time.Time `json:"captured_at"`
}

// FrameInput is a decoded frame ready to be stored. Data holds the original
// encoded bytes, written to disk verbatim.
type FrameInput struct {
	FrameNumber    int
	Data           []byte
	Format         string // decoder format name: png, jpeg, webp
	Width, Height  int
	ScrollPosition int
	ViewportHeight int
	CapturedAt     time.Time
}

// Store is the frame store handle.
type Store struct {
	db        *sql.DB
	framesDir string
	logger    *slog.Logger
	now       func() time.Time
}

// Open migrates db and returns a store writing frame files under framesDir.
func Open(ctx context.Context, db *sql.DB, framesDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := dbopen.Migrate(ctx, db, Migrations); err != nil {
		return nil, fmt.Errorf("framestore: %w", err)
	}
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("framestore: mkdir frames dir: %w", err)
	}
	return &Store{db: db, framesDir: framesDir, logger: logger, now: time.Now}, nil
}

// DB returns the underlying database, shared with the completion queue.
func (s *Store) DB() *sql.DB { return s.db }

// SessionDir returns the frame directory of a session.
func (s *Store) SessionDir(id string) (string, error) {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return "", err
	}
	return horosafe.SafePath(s.framesDir, id)
}

// CreateSession inserts an open session and provisions its frame directory.
func (s *Store) CreateSession(ctx context.Context, id string, metadata map[string]any) (*Session, error) {
	dir, err := s.SessionDir(id)
	if err != nil {
		return nil, fmt.Errorf("framestore: session id: %w", err)
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO sessions (id, state, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, StateOpen, meta, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("framestore: insert session %s: %w", id, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("framestore: mkdir %s: %w", dir, err)
	}
	return &Session{ID: id, State: StateOpen, Metadata: metadata,
		CreatedAt: time.UnixMilli(now.UnixMilli()), UpdatedAt: time.UnixMilli(now.UnixMilli())}, nil
}

const sessionCols = `id, state, metadata, created_at, updated_at, composed_path, tiles_path, error`

type scanner interface{ Scan(dest ...any) error }

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var meta string
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.State, &meta, &created, &updated,
		&sess.ComposedPath, &sess.TilesPath, &sess.Error); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("framestore: session %s metadata: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("framestore: get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions in the given state (all when empty), oldest
// first.
func (s *Store) ListSessions(ctx context.Context, state string) ([]*Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, state)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("framestore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// BeginCompletion moves an open session to completing and records the
// completion metadata, merged over what was set at creation.
func (s *Store) BeginCompletion(ctx context.Context, id string, metadata map[string]any) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if sess.State != StateOpen {
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, sess.State)
		}
		merged := sess.Metadata
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		meta, err := encodeMetadata(merged)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			StateCompleting, meta, s.now().UnixMilli(), id)
		return err
	})
}

// CloseResult is what a finished (or failed) session records.
type CloseResult struct {
	ComposedPath string
	TilesPath    string
	Error        string
}

// CloseSession marks a session closed with its artifact paths or error.
// Closing an already closed session updates its result, which Retile uses.
func (s *Store) CloseSession(ctx context.Context, id string, res CloseResult) error {
	r, err := dbopen.Exec(ctx, s.db,
		`UPDATE sessions SET state = ?, composed_path = ?, tiles_path = ?, error = ?, updated_at = ? WHERE id = ?`,
		StateClosed, res.ComposedPath, res.TilesPath, res.Error, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("framestore: close session %s: %w", id, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutFrame writes a frame file and upserts its record. Re-submitting a frame
// number replaces the previous file and record.
func (s *Store) PutFrame(ctx context.Context, sessionID string, in FrameInput) (*Frame, error) {
	if in.FrameNumber < 0 {
		return nil, fmt.Errorf("framestore: negative frame number %d", in.FrameNumber)
	}
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return nil, fmt.Errorf("framestore: session id: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("frame_%04d.%s", in.FrameNumber, raster.Extension(in.Format)))

	var previous string
	if err := s.checkOpen(ctx, s.db, sessionID); err != nil {
		return nil, fmt.Errorf("framestore: put frame %d: %w", in.FrameNumber, err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT path FROM frames WHERE session_id = ? AND frame_number = ?`,
		sessionID, in.FrameNumber).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("framestore: put frame %d: %w", in.FrameNumber, err)
	}

	sum := sha256.Sum256(in.Data)
	if err := raster.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(in.Data)
		return err
	}); err != nil {
		return nil, fmt.Errorf("framestore: write frame: %w", err)
	}

	captured := in.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}
	f := &Frame{
		SessionID:      sessionID,
		FrameNumber:    in.FrameNumber,
		Path:           path,
		SHA256:         hex.EncodeToString(sum[:]),
		Width:          in.Width,
		Height:         in.Height,
		ScrollPosition: in.ScrollPosition,
		ViewportHeight: in.ViewportHeight,
		CapturedAt:     time.UnixMilli(captured.UnixMilli()),
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.checkOpen(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frames (session_id, frame_number, path, sha256, width, height, scroll_position, viewport_height, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, frame_number) DO UPDATE SET
				path = excluded.path, sha256 = excluded.sha256, width = excluded.width, height = excluded.height,
				scroll_position = excluded.scroll_position, viewport_height = excluded.viewport_height,
				captured_at = excluded.captured_at`,
			f.SessionID, f.FrameNumber, f.Path, f.SHA256, f.Width, f.Height,
			f.ScrollPosition, f.ViewportHeight, f.CapturedAt.UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, s.now().UnixMilli(), sessionID)
		return err
	})
	if err != nil {
		if previous != path {
			os.Remove(path)
		}
		return nil, fmt.Errorf("framestore: put frame %d: %w", in.FrameNumber, err)
	}
	// Same number, different codec: drop the stale file.
	if previous != "" && previous != path {
		if err := os.Remove(previous); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("framestore: remove replaced frame", "path", previous, "error", err)
		}
	}
	return f, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) checkOpen(ctx context.Context, q querier, id string) error {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, state)
	}
	return nil
}

// Frames returns the frame records of a session ordered by frame number.
func (s *Store) Frames(ctx context.Context, sessionID string) ([]*Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, frame_number, path, sha256, width, height, scroll_position, viewport_height, captured_at
		FROM frames WHERE session_id = ? ORDER BY frame_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("framestore: list frames: %w", err)
	}
	defer rows.Close()

	var out []*Frame
	for rows.Next() {
		var f Frame
		var captured int64
		if err := rows.Scan(&f.SessionID, &f.FrameNumber, &f.Path, &f.SHA256, &f.Width, &f.Height,
			&f.ScrollPosition, &f.ViewportHeight, &captured); err != nil {
			return nil, fmt.Errorf("framestore: scan frame: %w", err)
		}
		f.CapturedAt = time.UnixMilli(captured)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RemoveFrames deletes a session's frame files and records. The session row
// stays as history.
func (s *Store) RemoveFrames(ctx context.Context, sessionID string) error {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return err
	}
	if _, err := dbopen.Exec(ctx, s.db, `DELETE FROM frames WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("framestore: delete frames: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("framestore: remove %s: %w", dir, err)
	}
	return nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("framestore: encode metadata: %w", err)
	}
	return string(b), nil
}
