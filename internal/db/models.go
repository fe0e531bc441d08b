package db

// Workspace is a project root tracked by the system. The hash is derived
// from the canonical path and is the stable identifier sessions hang off.
type Workspace struct {
	Hash         string `gorm:"column:hash;primaryKey"`
	Path         string `gorm:"column:path;not null;uniqueIndex"`
	LastAccessed int64  `gorm:"column:last_accessed;not null;default:0"`
}

func (Workspace) TableName() string { return "workspaces" }

// Session is one orchestrated run of a task across one or more agent
// instances. InstanceCount and MessageCount are denormalized caches of the
// child-row counts; writers keep them consistent inside the same
// transaction as the child mutation.
type Session struct {
	ID                string `gorm:"column:id;primaryKey"`
	WorkspaceHash     string `gorm:"column:workspace_hash;not null;index"`
	SessionType       string `gorm:"column:session_type;not null"`
	Task              string `gorm:"column:task;not null"`
	Status            string `gorm:"column:status;not null;default:'running'"`
	StatusReason      string `gorm:"column:status_reason;not null;default:''"`
	CreatedAt         int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt         int64  `gorm:"column:updated_at;not null;default:0"`
	CompletedAt       *int64 `gorm:"column:completed_at"`
	Model             string `gorm:"column:model;not null;default:''"`
	TimeoutSeconds    *int   `gorm:"column:timeout_seconds"`
	PreserveWorktrees bool   `gorm:"column:preserve_worktrees;not null;default:false"`
	WinnerID          *int   `gorm:"column:winner_id"`
	RuntimeMix        string `gorm:"column:runtime_mix;not null;default:''"`
	IntegrationPhase  string `gorm:"column:integration_phase;not null;default:''"`
	DebateRounds      int    `gorm:"column:debate_rounds;not null;default:0"`
	DebateRoundsDone  int    `gorm:"column:debate_rounds_done;not null;default:0"`
	EvaluationJSON    string `gorm:"column:evaluation_json;not null;default:''"`
	TotalDuration     int64  `gorm:"column:total_duration;not null;default:0"`
	TotalFilesChanged int    `gorm:"column:total_files_changed;not null;default:0"`
	TotalLinesAdded   int    `gorm:"column:total_lines_added;not null;default:0"`
	TotalLinesDeleted int    `gorm:"column:total_lines_deleted;not null;default:0"`
	InstanceCount     int    `gorm:"column:instance_count;not null;default:0"`
	MessageCount      int    `gorm:"column:message_count;not null;default:0"`
}

func (Session) TableName() string { return "sessions" }

// Instance is one agent's isolated execution attempt inside a session.
// InstanceID is the per-session ordinal assigned at admission time.
type Instance struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID      string `gorm:"column:session_id;not null;uniqueIndex:uniq_session_instance,priority:1"`
	InstanceID     int    `gorm:"column:instance_id;not null;uniqueIndex:uniq_session_instance,priority:2"`
	WorktreePath   string `gorm:"column:worktree_path;not null;default:''"`
	Branch         string `gorm:"column:branch;not null;default:''"`
	AgentName      string `gorm:"column:agent_name;not null;default:''"`
	Status         string `gorm:"column:status;not null;default:'idle'"`
	StatusReason   string `gorm:"column:status_reason;not null;default:''"`
	TmuxSessionID  string `gorm:"column:tmux_session_id;not null;default:''"`
	Output         string `gorm:"column:output;not null;default:''"`
	StartTime      *int64 `gorm:"column:start_time"`
	EndTime        *int64 `gorm:"column:end_time"`
	FilesChanged   *int   `gorm:"column:files_changed"`
	LinesAdded     *int   `gorm:"column:lines_added"`
	LinesDeleted   *int   `gorm:"column:lines_deleted"`
	Runtime        string `gorm:"column:runtime;not null;default:''"`
	Model          string `gorm:"column:model;not null;default:''"`
	RuntimeLabel   string `gorm:"column:runtime_label;not null;default:''"`
	TestsPassed    *int   `gorm:"column:tests_passed"`
	TestsFailed    *int   `gorm:"column:tests_failed"`
	CodeComplexity *int   `gorm:"column:code_complexity"`
}

func (Instance) TableName() string { return "instances" }

// ChatMessage is append-only; rows are never mutated after insert and go
// away only through the session cascade.
type ChatMessage struct {
	ID         string `gorm:"column:id;primaryKey"`
	SessionID  string `gorm:"column:session_id;not null;index"`
	InstanceID *int   `gorm:"column:instance_id"`
	Role       string `gorm:"column:role;not null"`
	Content    string `gorm:"column:content;not null"`
	Timestamp  int64  `gorm:"column:timestamp;not null;default:0"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// SessionToken is one entry of the task search index. The original schema
// maintained an FTS table through engine triggers; here the writer keeps
// this table in step inside the same transaction as the session row.
type SessionToken struct {
	Token     string `gorm:"column:token;primaryKey"`
	SessionID string `gorm:"column:session_id;primaryKey;index"`
}

func (SessionToken) TableName() string { return "session_search" }
