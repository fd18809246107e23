// Package jobqueue is a visibility-timeout queue backed by SQLite.
//
// A claimed job stays invisible for the visibility window. The consumer
// extends the window while its handler runs and deletes the job once the
// handler returns nil; if the process dies the job reappears and is either
// redelivered or, past MaxAttempts, discarded through the OnDiscard hook.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scrollstitch/dbopen"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name; several queues share the table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval bounds the delay before a job published by another
	// process is noticed. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits deliveries before a job is discarded. 0 means
	// unlimited.
	MaxAttempts int
	// OnDiscard is called with a job dropped for exceeding MaxAttempts.
	OnDiscard func(ctx context.Context, job *Job)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
	wake chan struct{}
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, wake: make(chan struct{}, 1)}
}

// EnsureTable creates the jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_visible ON jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible and wakes a local
// consumer.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("jobqueue: publish %s: %w", id, err)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Claim atomically claims up to n visible jobs, oldest first. It returns an
// empty slice when none are available.
func (q *Q) Claim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `UPDATE jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Extend pushes the visibility timeout of a claimed job forward.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE jobs SET visible_at = ? WHERE id = ? AND queue = ?`, hideUntil, id, q.opts.Queue)
	return err
}

// Len returns the number of jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Pending reports whether a job with this id is still queued.
func (q *Q) Pending(ctx context.Context, id string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run claims jobs and runs handler with at most concurrency jobs in flight.
// It wakes on Publish or every PollInterval, and blocks until ctx is
// cancelled, draining in-flight handlers before returning.
func (q *Q) Run(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log := q.opts.Logger
	log.Info("jobqueue: consumer started", "queue", q.opts.Queue,
		"concurrency", concurrency, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("jobqueue: consumer stopped", "queue", q.opts.Queue)
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}

		free := concurrency - len(sem)
		if free == 0 {
			continue
		}
		jobs, err := q.Claim(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("jobqueue: claim failed", "error", err, "queue", q.opts.Queue)
			continue
		}
		for _, job := range jobs {
			if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
				log.Warn("jobqueue: job exceeded max attempts, discarding",
					"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(ctx, job)
				}
				_ = q.Ack(context.WithoutCancel(ctx), job.ID)
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, j, handler)
			}(job)
		}
		// Claimed a full batch: there may be more waiting.
		if len(jobs) == free {
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
	}
}

// handle runs one job, keeping it invisible until the handler returns.
func (q *Q) handle(ctx context.Context, j *Job, handler Handler) {
	log := q.opts.Logger
	stop := make(chan struct{})
	var keep sync.WaitGroup
	keep.Add(1)
	go func() {
		defer keep.Done()
		t := time.NewTicker(max(q.opts.Visibility/2, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := q.Extend(context.WithoutCancel(ctx), j.ID, q.opts.Visibility); err != nil {
					log.Warn("jobqueue: extend failed", "id", j.ID, "error", err)
				}
			}
		}
	}()

	err := handler(ctx, j)
	close(stop)
	keep.Wait()

	bg := context.WithoutCancel(ctx)
	if err != nil {
		log.Warn("jobqueue: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
		_ = q.Nack(bg, j.ID)
		return
	}
	if err := q.Ack(bg, j.ID); err != nil {
		log.Error("jobqueue: ack failed", "id", j.ID, "error", err)
	}
}
