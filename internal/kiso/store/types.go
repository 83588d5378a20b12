package store

import (
	"database/sql"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Plan statuses.
const (
	PlanRunning   = "running"
	PlanDone      = "done"
	PlanFailed    = "failed"
	PlanCancelled = "cancelled"
)

// Task types.
const (
	TaskExec   = "exec"
	TaskSkill  = "skill"
	TaskSearch = "search"
	TaskMsg    = "msg"
	TaskReplan = "replan"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskDone      = "done"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Review verdicts.
const (
	ReviewOK     = "ok"
	ReviewReplan = "replan"
)

// Fact sources.
const (
	FactSourceCurator    = "curator"
	FactSourceSummarizer = "summarizer"
	FactSourceManual     = "manual"
)

// Fact categories.
const (
	CategoryProject = "project"
	CategoryUser    = "user"
	CategoryTool    = "tool"
	CategoryGeneral = "general"
)

// Learning statuses.
const (
	LearningPending   = "pending"
	LearningPromoted  = "promoted"
	LearningDiscarded = "discarded"
)

// Pending item statuses.
const (
	PendingOpen     = "open"
	PendingResolved = "resolved"
)

// Pending item scopes.
const GlobalScope = "global"

// Session is a conversation endpoint: a connector identity or a bare session id.
type Session struct {
	Session              string
	Connector            sql.NullString
	WebhookURL           sql.NullString
	Description          sql.NullString
	Summary              string
	MessagesSinceSummary int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Message is one inbound or outbound chat turn.
type Message struct {
	ID        int64
	Session   string
	User      sql.NullString
	Role      string
	Content   string
	Trusted   bool
	Processed bool
	CreatedAt time.Time
}

// LLMCallAudit is one per-call record appended to a plan's audit trail.
type LLMCallAudit struct {
	Role             string    `json:"role"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// Plan is an ordered list of tasks derived from one user message.
type Plan struct {
	ID               int64
	Session          string
	MessageID        int64
	ParentID         sql.NullInt64
	Goal             string
	Status           string
	PromptTokens     int
	CompletionTokens int
	LLMCalls         []LLMCallAudit
	ReplanDepth      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Task is a single unit of work belonging to a plan.
type Task struct {
	ID             int64
	PlanID         int64
	Session        string
	Index          int
	Type           string
	Detail         string
	Skill          sql.NullString
	Args           sql.NullString
	Expect         sql.NullString
	Status         string
	Output         string
	Stderr         string
	Substatus      string
	ReviewVerdict  sql.NullString
	ReviewReason   sql.NullString
	ReviewLearning sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fact is a durable, categorized, confidence-weighted knowledge entry.
type Fact struct {
	ID         int64
	Content    string
	Source     string
	Session    sql.NullString
	Category   string
	Confidence float64
	LastUsed   time.Time
	UseCount   int
	CreatedAt  time.Time
}

// Learning is a candidate fact emitted by the reviewer, pending curation.
type Learning struct {
	ID        int64
	Content   string
	Session   string
	User      sql.NullString
	Status    string
	CreatedAt time.Time
}

// PendingItem is an open question produced by the curator.
type PendingItem struct {
	ID        int64
	Content   string
	Scope     string
	Source    string
	Status    string
	CreatedAt time.Time
}

// UnprocessedMessage identifies a trusted, unprocessed message discovered
// during startup recovery.
type UnprocessedMessage struct {
	Session   string
	MessageID int64
}
