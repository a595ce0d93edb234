package jobs

import (
	"time"

	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is a synthesis submission. Voice is the path of a prepared
// reference recording.
type Request struct {
	Text       string
	Language   string
	Voice      string
	BlockChars int
	Pause      time.Duration
	Normalize  bool
}

// Job is the state of one synthesis request. Values returned by the store
// are copies.
type Job struct {
	ID         string
	Status     Status
	Language   string
	Voice      string
	Pause      time.Duration
	Blocks     []text.Block
	TotalChars int

	DoneBlocks int
	DoneChars  int

	// In-flight block; InFlightLen is zero when nothing is rendering.
	InFlightIndex int
	InFlightLen   int
	InFlightStart time.Time

	Rate progress.Rate

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Artifact is the output file name once completed.
	Artifact string
	// Error is the failure message once failed; Err keeps the typed error.
	Error string
	Err   error
}

func (j Job) TotalBlocks() int { return len(j.Blocks) }

func (j Job) sample() progress.Sample {
	return progress.Sample{
		DoneChars:     j.DoneChars,
		TotalChars:    j.TotalChars,
		InFlightLen:   j.InFlightLen,
		InFlightStart: j.InFlightStart,
	}
}

func (j Job) clone() Job {
	j.Blocks = append([]text.Block(nil), j.Blocks...)
	return j
}

// Snapshot is the progress view handed to pollers.
type Snapshot struct {
	ID          string
	Status      Status
	DoneBlocks  int
	TotalBlocks int
	Fraction    float64
	Elapsed     time.Duration
	ETA         time.Duration
	Artifact    string
	Error       string
}
