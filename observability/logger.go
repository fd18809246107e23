package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scrollstitch/idgen"
)

// Session lifecycle event types.
const (
	EventSessionCreated   = "session_created"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
	EventSessionExpired   = "session_expired"
	EventSessionRetiled   = "session_retiled"
)

// SessionEvent is one row of the capture session history.
type SessionEvent struct {
	SessionID string
	EventType string
	Stage     string // pipeline stage for failures
	Details   string // optional JSON
	Success   bool
	CreatedAt time.Time
}

// EventLogger writes session events and manages retention cleanup.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used to report write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.UUIDv7()),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a session event. Errors are logged, never returned: a
// failing observability store must not fail a capture.
func (l *EventLogger) LogEvent(ctx context.Context, ev SessionEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (event_id, session_id, event_type, stage, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.SessionID, ev.EventType, ev.Stage, ev.Details, ev.Success, time.Now().Unix())
	if err != nil {
		l.logger.Error("observability event log failed", "error", err, "event_type", ev.EventType, "session_id", ev.SessionID)
	}
}

// SessionHistory returns the events of one session in the order recorded.
func (l *EventLogger) SessionHistory(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, event_type, COALESCE(stage, ''), COALESCE(details, ''), success, created_at
		FROM session_events WHERE session_id = ?
		ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var ts int64
		if err := rows.Scan(&ev.SessionID, &ev.EventType, &ev.Stage, &ev.Details, &ev.Success, &ts); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.CreatedAt = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention. Zero means no cleanup.
type RetentionConfig struct {
	Events         time.Duration `yaml:"events"`
	Metrics        time.Duration `yaml:"metrics"`
	Heartbeats     time.Duration `yaml:"heartbeats"`
	RunVacuumAfter bool          `yaml:"vacuum"`
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()

	// Table and column names come from this fixed list only.
	targets := []struct {
		table  string
		column string
		keep   time.Duration
	}{
		{"session_events", "created_at", cfg.Events},
		{"metrics_timeseries", "timestamp", cfg.Metrics},
		{"worker_heartbeats", "timestamp", cfg.Heartbeats},
	}
	for _, t := range targets {
		if t.keep <= 0 {
			continue
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, now.Add(-t.keep).Unix()); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
