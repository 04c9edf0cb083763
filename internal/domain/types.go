// Package domain defines the core types shared by the relay's queue, policy,
// verification, session and orchestration layers.
package domain

import "time"

// Priority orders queued browser work. Lower rank runs first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Rank returns the numeric rank used for ordering. Out-of-range values are
// clamped to the nearest valid rank.
func (p Priority) Rank() int {
	switch {
	case p < PriorityCritical:
		return int(PriorityCritical)
	case p > PriorityBackground:
		return int(PriorityBackground)
	default:
		return int(p)
	}
}

func (p Priority) String() string {
	switch Priority(p.Rank()) {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskKind labels what a task does against the browser.
type TaskKind string

const (
	TaskComment        TaskKind = "comment"
	TaskDirectMessage  TaskKind = "dm"
	TaskDiscovery      TaskKind = "discovery"
	TaskSessionCheck   TaskKind = "session_check"
	TaskGenerationPoll TaskKind = "generation_poll"
)

// TaskInfo is a read-only snapshot of a queued or finished task.
type TaskInfo struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Label       string     `json:"label,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	RetryDelay  int64      `json:"retry_delay_ms"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	StartedAt   int64      `json:"started_at,omitempty"`
	CompletedAt int64      `json:"completed_at,omitempty"`
}

// DurationMs returns the wall time between start and completion.
func (t TaskInfo) DurationMs() int64 {
	if t.StartedAt == 0 || t.CompletedAt == 0 {
		return 0
	}
	return t.CompletedAt - t.StartedAt
}

// QueueStats summarises queue occupancy.
type QueueStats struct {
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ActionType names a verifiable automation action.
type ActionType string

const (
	ActionComment        ActionType = "comment"
	ActionDirectMessage  ActionType = "dm"
	ActionLoginCheck     ActionType = "login_check"
	ActionGenerationPoll ActionType = "generation_poll"
)

// ActionStatus is the verification verdict on an action.
type ActionStatus string

const (
	ActionPending      ActionStatus = "pending"
	ActionVerified     ActionStatus = "verified"
	ActionFailed       ActionStatus = "failed"
	ActionTimeout      ActionStatus = "timeout"
	ActionManualReview ActionStatus = "manual_review"
)

// ProofType identifies the kind of evidence held by a ProofArtifact.
type ProofType string

const (
	ProofScreenshotBefore ProofType = "screenshot_before"
	ProofScreenshotAfter  ProofType = "screenshot_after"
	ProofElementFound     ProofType = "element_found"
	ProofTextMatch        ProofType = "text_match"
	ProofURLMatch         ProofType = "url_match"
	ProofDOMSnapshot      ProofType = "dom_snapshot"
	ProofTimestamp        ProofType = "timestamp"
	ProofAPIResponse      ProofType = "api_response"
)

// ProofArtifact is one captured observation attached to an ActionRecord.
type ProofArtifact struct {
	Type            ProofType         `json:"type"`
	Timestamp       int64             `json:"timestamp"`
	Data            map[string]string `json:"data,omitempty"`
	Valid           bool              `json:"valid"`
	ValidationError string            `json:"validation_error,omitempty"`
}

// ActionRecord is the audit trail of a single automation action.
type ActionRecord struct {
	ID                string            `json:"id"`
	ActionType        ActionType        `json:"action_type"`
	Platform          string            `json:"platform"`
	Target            string            `json:"target"`
	Status            ActionStatus      `json:"status"`
	RequestedAt       int64             `json:"requested_at"`
	StartedAt         int64             `json:"started_at,omitempty"`
	CompletedAt       int64             `json:"completed_at,omitempty"`
	VerifiedAt        int64             `json:"verified_at,omitempty"`
	Input             map[string]string `json:"input,omitempty"`
	Proofs            []ProofArtifact   `json:"proofs"`
	Result            map[string]string `json:"result,omitempty"`
	VerificationScore int               `json:"verification_score"`
	VerificationNotes []string          `json:"verification_notes,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
}

// RequiredCheck is one weighted proof requirement in a SuccessCriteria.
type RequiredCheck struct {
	ProofType   ProofType `json:"proof_type"`
	Weight      int       `json:"weight"`
	Description string    `json:"description"`
}

// SuccessCriteria describes what evidence proves an action type succeeded.
// Required weights sum to 100.
type SuccessCriteria struct {
	ActionType     ActionType      `json:"action_type"`
	RequiredChecks []RequiredCheck `json:"required_checks"`
	OptionalChecks []RequiredCheck `json:"optional_checks,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms"`
	RetryAttempts  int             `json:"retry_attempts"`
}

// HistoryRecord is an accepted comment or DM held by a rate/dedup policy.
type HistoryRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Platform  string `json:"platform"`
	TargetID  string `json:"target_id"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text"`
	DedupeKey string `json:"dedupe_key"`
	Timestamp int64  `json:"timestamp"`
	Verified  bool   `json:"verified"`
}

// SessionStatus is the health of a platform login session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionStale    SessionStatus = "stale"
	SessionExpired  SessionStatus = "expired"
	SessionPaused   SessionStatus = "paused"
	SessionChecking SessionStatus = "checking"
)

// SessionState tracks one platform's login session.
type SessionState struct {
	Platform    string        `json:"platform"`
	Status      SessionStatus `json:"status"`
	Username    string        `json:"username,omitempty"`
	LastCheck   int64         `json:"last_check,omitempty"`
	LastRefresh int64         `json:"last_refresh,omitempty"`
	LastLogin   int64         `json:"last_login,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// OrchestratorState is the control loop's lifecycle state.
type OrchestratorState string

const (
	OrchestratorStopped  OrchestratorState = "stopped"
	OrchestratorStarting OrchestratorState = "starting"
	OrchestratorRunning  OrchestratorState = "running"
	OrchestratorPaused   OrchestratorState = "paused"
)

// OrchestratorStatus is the process-wide view of the control loop.
type OrchestratorStatus struct {
	State             OrchestratorState `json:"state"`
	IsRunning         bool              `json:"is_running"`
	StartedAt         time.Time         `json:"started_at"`
	LoggedInPlatforms []string          `json:"logged_in_platforms"`
	CommentsThisHour  int               `json:"comments_this_hour"`
	CommentsToday     int               `json:"comments_today"`
	LastCommentAt     time.Time         `json:"last_comment_at"`
	PostsInQueue      int               `json:"posts_in_queue"`
	LastDiscoveryAt   time.Time         `json:"last_discovery_at"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastError         string            `json:"last_error,omitempty"`
}

// Candidate is a discovered post that may receive a comment.
type Candidate struct {
	Platform string `json:"platform"`
	PostID   string `json:"post_id"`
	URL      string `json:"url"`
	Author   string `json:"author,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Report aggregates verification outcomes.
type Report struct {
	GeneratedAt      int64                   `json:"generated_at"`
	Since            int64                   `json:"since"`
	Total            int                     `json:"total"`
	Verified         int                     `json:"verified"`
	ManualReview     int                     `json:"manual_review"`
	Failed           int                     `json:"failed"`
	Timeout          int                     `json:"timeout"`
	VerificationRate float64                 `json:"verification_rate"`
	AverageScore     float64                 `json:"average_score"`
	ByPlatform       map[string]ReportBucket `json:"by_platform"`
	ByActionType     map[string]ReportBucket `json:"by_action_type"`
}

// ReportBucket is one slice of a Report.
type ReportBucket struct {
	Total            int     `json:"total"`
	Verified         int     `json:"verified"`
	VerificationRate float64 `json:"verification_rate"`
	AverageScore     float64 `json:"average_score"`
}
