package domain

import "time"

// JobState represents the stage of a synchronization cycle. It is a closed
// set of values with explicit transition rules; see CanTransition.
type JobState string

const (
	JobStateIdle           JobState = "idle"
	JobStateSessionOpening JobState = "session_opening"
	JobStateScanning       JobState = "scanning"
	JobStateDispatching    JobState = "dispatching"
	JobStateIndexing       JobState = "indexing"
	JobStateSessionClosing JobState = "session_closing"
	JobStateNotifying      JobState = "notifying"
	JobStateCompleted      JobState = "completed"
	JobStateFailed         JobState = "failed"
)

// jobTransitions lists the legal forward transitions of the cycle state
// machine. Failed is additionally reachable from every non-terminal state.
var jobTransitions = map[JobState][]JobState{
	JobStateIdle:           {JobStateSessionOpening},
	JobStateSessionOpening: {JobStateScanning},
	JobStateScanning:       {JobStateDispatching, JobStateSessionClosing},
	JobStateDispatching:    {JobStateIndexing, JobStateSessionClosing},
	JobStateIndexing:       {JobStateSessionClosing},
	JobStateSessionClosing: {JobStateNotifying},
	JobStateNotifying:      {JobStateCompleted},
}

// Terminal reports whether the state ends a cycle.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s JobState) CanTransition(next JobState) bool {
	if next == JobStateFailed {
		return !s.Terminal()
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SyncJob is the audit record for one synchronization cycle. It is created
// when the orchestrator starts a cycle, mutated only by the orchestrator,
// and retained after completion.
type SyncJob struct {
	ID             string      `gorm:"type:text;primaryKey" json:"id"`
	State          JobState    `gorm:"type:text;index:idx_sync_jobs_state;default:idle" json:"state"`
	Discovered     int         `gorm:"default:0" json:"discovered"`
	Processed      int         `gorm:"default:0" json:"processed"`
	Failed         int         `gorm:"default:0" json:"failed"`
	Deleted        int         `gorm:"default:0" json:"deleted"`
	Degraded       bool        `json:"degraded"`
	FailedFiles    StringArray `gorm:"type:text" json:"failed_files"`
	FailureReason  string      `gorm:"type:text" json:"failure_reason,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for SyncJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// Duration returns the wall-clock duration of the cycle, or zero if the
// cycle has not both started and finished.
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// JobSummary is the terminal notification payload for one cycle.
type JobSummary struct {
	JobID         string   `json:"job_id"`
	State         JobState `json:"state"`
	Discovered    int      `json:"discovered"`
	Processed     int      `json:"processed"`
	Failed        int      `json:"failed"`
	Deleted       int      `json:"deleted"`
	Degraded      bool     `json:"degraded"`
	FailedFiles   []string `json:"failed_files,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}
