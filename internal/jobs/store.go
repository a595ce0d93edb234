package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-narrator/internal/progress"
)

type entry struct {
	mu      sync.Mutex
	job     Job
	tracker *progress.Tracker
	done    chan struct{}
}

// Store maps job ids to job state for the lifetime of the process. The map
// lock only guards insert and lookup; each entry carries its own mutex, so
// polls of one job never wait on another job's worker.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	est  *progress.Estimator
	now  func() time.Time
}

func NewStore(est *progress.Estimator) *Store {
	if est == nil {
		est = progress.NewEstimator(progress.DefaultConfig())
	}
	return &Store{jobs: make(map[string]*entry), est: est, now: time.Now}
}

// NewID returns an opaque 32-character hex token.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create inserts job and returns its id. An empty ID is assigned, an empty
// status becomes created and a zero rate starts at the estimator prior.
func (s *Store) Create(job Job) string {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = StatusCreated
	}
	if job.Rate == 0 {
		job.Rate = s.est.Init()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	e := &entry{job: job.clone(), tracker: progress.NewTracker(s.est), done: make(chan struct{})}

	s.mu.Lock()
	s.jobs[job.ID] = e
	s.mu.Unlock()
	return job.ID
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *Store) Get(id string) (Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Update applies mutate to a non-terminal job under the entry lock. Terminal
// transitions go through Complete and Fail.
func (s *Store) Update(id string, mutate func(*Job)) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	status := e.job.Status
	mutate(&e.job)
	if e.job.Status.Terminal() {
		e.job.Status = status
	}
	return nil
}

// Complete marks the job completed with the given artifact name.
func (s *Store) Complete(id, artifact string, at time.Time) error {
	return s.finish(id, at, func(j *Job) {
		j.Status = StatusCompleted
		j.Artifact = artifact
	})
}

// Fail marks the job failed. The message is fixed from here on.
func (s *Store) Fail(id string, cause error, at time.Time) error {
	return s.finish(id, at, func(j *Job) {
		j.Status = StatusFailed
		j.Error = cause.Error()
		j.Err = cause
	})
}

func (s *Store) finish(id string, at time.Time, apply func(*Job)) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	apply(&e.job)
	e.job.InFlightLen = 0
	e.job.InFlightStart = time.Time{}
	e.job.FinishedAt = at
	if e.job.Status == StatusCompleted {
		e.tracker.Finish()
	}
	close(e.done)
	return nil
}

// Snapshot reports progress as of now. It never blocks on rendering.
func (s *Store) Snapshot(id string, now time.Time) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	j := e.job
	snap := Snapshot{
		ID:          j.ID,
		Status:      j.Status,
		DoneBlocks:  j.DoneBlocks,
		TotalBlocks: j.TotalBlocks(),
		Artifact:    j.Artifact,
		Error:       j.Error,
	}
	end := now
	if !j.FinishedAt.IsZero() {
		end = j.FinishedAt
	}
	if !j.StartedAt.IsZero() && end.After(j.StartedAt) {
		snap.Elapsed = end.Sub(j.StartedAt)
	}

	switch j.Status {
	case StatusCompleted:
		r := e.tracker.Finish()
		snap.Fraction, snap.ETA = r.Fraction, r.ETA
	case StatusFailed:
		snap.Fraction = e.tracker.High()
	case StatusCreated:
	default:
		r := e.tracker.Observe(j.sample(), j.Rate, now)
		snap.Fraction, snap.ETA = r.Fraction, r.ETA
	}
	return snap, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (s *Store) Wait(ctx context.Context, id string) (Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Active counts jobs that are not terminal.
func (s *Store) Active() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	n := 0
	for _, e := range entries {
		select {
		case <-e.done:
		default:
			n++
		}
	}
	return n
}
