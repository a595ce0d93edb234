// Package protocol defines the subjects and JSON messages exchanged on the bus.
package protocol

import "time"

const (
	SubjectJobSubmit    = "narrator.job.submit"
	SubjectJobCreated   = "narrator.job.created"
	SubjectJobProgress  = "narrator.job.progress"
	SubjectJobCompleted = "narrator.job.completed"
	SubjectJobFailed    = "narrator.job.failed"

	// SubjectJobAll matches every job event subject.
	SubjectJobAll = "narrator.job.>"

	// StreamJobs is the JetStream stream retaining job events.
	StreamJobs = "NARRATOR_JOBS"
)

// SubmitRequest asks the narrator to synthesize text with a stored voice.
// Zero values fall back to the service defaults.
type SubmitRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	BlockChars int    `json:"block_chars,omitempty"`
	PauseMS    *int   `json:"pause_ms,omitempty"`
	Normalize  *bool  `json:"normalize,omitempty"`
	Voice      string `json:"voice"`
}

// SubmitReply carries either the new job id or an error.
type SubmitReply struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// JobEvent is published for every job lifecycle step.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	Block       int       `json:"block,omitempty"`
	DoneBlocks  int       `json:"done_blocks"`
	TotalBlocks int       `json:"total_blocks"`
	DoneChars   int       `json:"done_chars"`
	TotalChars  int       `json:"total_chars"`
	Artifact    string    `json:"artifact,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
