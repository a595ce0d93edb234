package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
)

// Event is one recorded step of a job timeline. Payload holds the JSON form
// of the job event.
type Event struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the SQLite-backed job audit trail.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode keeps
// nothing, session mode keeps an in-memory database for the process lifetime
// and persistent mode writes to cfg.Path.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	var dsn string
	switch cfg.RetentionMode {
	case "session":
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	default:
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: an in-memory database lives exactly as long as it
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    language TEXT,
    status TEXT NOT NULL,
    total_blocks INTEGER NOT NULL DEFAULT 0,
    total_chars INTEGER NOT NULL DEFAULT 0,
    artifact TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_job_created ON events(job_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Append records ev and updates the job summary row in one transaction.
func (s *Store) Append(ctx context.Context, ev jobs.Event) (err error) {
	if s.disabled() {
		return nil
	}
	at := ev.Time
	if at.IsZero() {
		at = s.clock()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	status := string(jobs.StatusRunning)
	switch ev.Kind {
	case jobs.EventCompleted:
		status = string(jobs.StatusCompleted)
	case jobs.EventFailed:
		status = string(jobs.StatusFailed)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, language, status, total_blocks, total_chars, artifact, error, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, artifact=excluded.artifact,
		   error=excluded.error, updated_at=excluded.updated_at`,
		ev.JobID, ev.Language, status, ev.TotalBlocks, ev.TotalChars, ev.Artifact, ev.Error, at.UnixNano(), at.UnixNano())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(job_id, kind, payload, created_at) VALUES(?, ?, ?, ?)`,
		ev.JobID, string(ev.Kind), payload, at.UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListJobEvents retrieves up to limit events for a job ordered by time.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, payload, created_at
		 FROM events WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that the configured mode matches the connection state.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Recorder adapts the store to a job observer.
type Recorder struct {
	store   *Store
	timeout time.Duration
}

func NewRecorder(s *Store) *Recorder {
	return &Recorder{store: s, timeout: 2 * time.Second}
}

func (r *Recorder) OnJobEvent(ev jobs.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, ev); err != nil {
		r.store.log.Warn("failed to record job event",
			slog.String("job_id", ev.JobID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
