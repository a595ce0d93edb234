package jobs

import "time"

type EventKind string

const (
	EventCreated        EventKind = "created"
	EventBlockCompleted EventKind = "block_completed"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
)

// Event describes one lifecycle step of a job.
type Event struct {
	Kind        EventKind `json:"kind"`
	JobID       string    `json:"job_id"`
	Time        time.Time `json:"time"`
	Block       int       `json:"block,omitempty"`
	DoneBlocks  int       `json:"done_blocks"`
	TotalBlocks int       `json:"total_blocks"`
	DoneChars   int       `json:"done_chars"`
	TotalChars  int       `json:"total_chars"`
	Language    string    `json:"language,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Observer receives job events from the worker goroutine. Implementations
// must return quickly.
type Observer interface {
	OnJobEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnJobEvent(ev Event) { f(ev) }

func eventFor(kind EventKind, j Job, at time.Time) Event {
	return Event{
		Kind:        kind,
		JobID:       j.ID,
		Time:        at.UTC(),
		DoneBlocks:  j.DoneBlocks,
		TotalBlocks: j.TotalBlocks(),
		DoneChars:   j.DoneChars,
		TotalChars:  j.TotalChars,
		Language:    j.Language,
		Artifact:    j.Artifact,
		Error:       j.Error,
	}
}
