package bus

// Job lifecycle topics, published by the scheduler.
const (
	TopicJobStarted   = "job.started"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
	TopicJobSkipped   = "job.skipped"
	TopicJobCancelled = "job.cancelled"
)

// Pipeline topics, published by the pipeline controller.
const (
	TopicPhaseStarted    = "phase.started"
	TopicPhaseCompleted  = "phase.completed"
	TopicTaskRetrying    = "task.retrying"
	TopicReviewExhausted = "review.exhausted"
)

// Worktree topics.
const (
	TopicWorktreeCreated  = "worktree.created"
	TopicWorktreeFallback = "worktree.fallback"
	TopicWorktreeRemoved  = "worktree.removed"
)

// JobEvent is published on every job lifecycle transition.
type JobEvent struct {
	JobID         string // Job ID
	RequirementID string // Requirement driven by the job
	SessionID     string // Owning session
	Error         string // Failure detail for failed/skipped jobs
}

// PhaseEvent is published when a pipeline phase starts or completes.
type PhaseEvent struct {
	RequirementID string // Requirement being built
	Phase         string // planning, architecting, coding, reviewing, testing
	TaskID        string // Task recording the phase attempt
	Attempt       int    // Loop iteration for reviewing/testing, else 1
}

// TaskRetryEvent is published before a backoff sleep between agent attempts.
type TaskRetryEvent struct {
	TaskID  string // Task being retried
	Attempt int    // Attempt just failed (1-based)
	Delay   string // Backoff delay before the next attempt
	Error   string // Failure that triggered the retry
}

// WorktreeEvent is published on worktree creation, fallback, and removal.
type WorktreeEvent struct {
	JobID         string // Owning job
	RequirementID string // Requirement the worktree isolates
	Branch        string // Branch the worktree is bound to
	Path          string // Checkout path ("" on fallback)
	Reason        string // Fallback reason, if any
}
