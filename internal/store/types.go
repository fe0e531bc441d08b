package store

// SessionType is a closed enum of coordination modes.
type SessionType string

const (
	TypeCompetition SessionType = "competition"
	TypeEnsemble    SessionType = "ensemble"
	TypeDebate      SessionType = "debate"
)

func (t SessionType) Valid() bool {
	switch t {
	case TypeCompetition, TypeEnsemble, TypeDebate:
		return true
	}
	return false
}

// SessionStatus values form a small state machine:
// running -> {completed, failed, paused}; paused -> running.
// completed and failed are terminal.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed, SessionPaused:
		return true
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether next is a legal successor of s.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionRunning:
		return next == SessionCompleted || next == SessionFailed || next == SessionPaused
	case SessionPaused:
		return next == SessionRunning
	}
	return false
}

// InstanceStatus is the lifecycle of one agent instance. Archived rows are
// kept for history but excluded from scheduling.
type InstanceStatus string

const (
	InstanceIdle      InstanceStatus = "idle"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstancePaused    InstanceStatus = "paused"
	InstanceArchived  InstanceStatus = "archived"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceIdle, InstanceRunning, InstanceCompleted, InstanceFailed, InstancePaused, InstanceArchived:
		return true
	}
	return false
}

func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstancePaused || s == InstanceArchived
}

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Integration phase of an ensemble session.
const (
	IntegrationPending    = "pending"
	IntegrationInProgress = "in_progress"
	IntegrationCompleted  = "completed"
)

// MaxMessageContent bounds chat message bodies.
const MaxMessageContent = 64 * 1024
