package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"arena/internal/db"

	"gorm.io/gorm"
)

// Store is the single source of truth for sessions, instances and chat
// messages. All mutation passes through it; the denormalized counters on
// sessions are maintained inside the same transaction as the child rows.
type Store struct {
	gdb *gorm.DB
}

func New(gdb *gorm.DB) *Store {
	return &Store{gdb: gdb}
}

// CreateSessionParams carries the validated inputs for a new session.
type CreateSessionParams struct {
	ID                string
	WorkspaceHash     string
	Type              SessionType
	Task              string
	Model             string
	TimeoutSeconds    *int
	PreserveWorktrees bool
	RuntimeMix        []string
	DebateRounds      int
}

// SessionRecord is a session with its children loaded.
type SessionRecord struct {
	Session     db.Session
	Instances   []db.Instance
	ChatHistory []db.ChatMessage
}

func (s *Store) CreateSession(p CreateSessionParams) (db.Session, error) {
	if strings.TrimSpace(p.ID) == "" {
		return db.Session{}, validationf("session id is required")
	}
	if !p.Type.Valid() {
		return db.Session{}, validationf("invalid session type %q", p.Type)
	}
	if strings.TrimSpace(p.Task) == "" {
		return db.Session{}, validationf("task is required")
	}
	if strings.TrimSpace(p.WorkspaceHash) == "" {
		return db.Session{}, validationf("workspace hash is required")
	}
	if p.TimeoutSeconds != nil && *p.TimeoutSeconds <= 0 {
		return db.Session{}, validationf("timeout_seconds must be positive")
	}

	now := time.Now().UTC().Unix()
	row := db.Session{
		ID:                p.ID,
		WorkspaceHash:     p.WorkspaceHash,
		SessionType:       string(p.Type),
		Task:              p.Task,
		Status:            string(SessionRunning),
		CreatedAt:         now,
		UpdatedAt:         now,
		Model:             p.Model,
		TimeoutSeconds:    p.TimeoutSeconds,
		PreserveWorktrees: p.PreserveWorktrees,
		RuntimeMix:        encodeRuntimeMix(p.RuntimeMix),
		DebateRounds:      p.DebateRounds,
	}
	if p.Type == TypeEnsemble {
		row.IntegrationPhase = IntegrationPending
	}

	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Session{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return constraintf("session %s already exists", p.ID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return writeSearchTokens(tx, row.ID, row.Task)
	})
	if err != nil {
		return db.Session{}, classify(err)
	}
	return row, nil
}

// WorkspacePath resolves the project root a session was started against.
func (s *Store) WorkspacePath(sessionID string) (string, error) {
	var ws db.Workspace
	err := s.gdb.Model(&db.Workspace{}).
		Joins("JOIN sessions ON sessions.workspace_hash = workspaces.hash").
		Where("sessions.id = ?", sessionID).
		First(&ws).Error
	if err != nil {
		return "", wrapIO(err)
	}
	return ws.Path, nil
}

func (s *Store) GetSessionRow(id string) (db.Session, error) {
	var row db.Session
	if err := s.gdb.First(&row, "id = ?", id).Error; err != nil {
		return db.Session{}, wrapIO(err)
	}
	return row, nil
}

// GetSession loads a session with instances (by instance_id) and chat
// history (by timestamp).
func (s *Store) GetSession(id string) (SessionRecord, error) {
	row, err := s.GetSessionRow(id)
	if err != nil {
		return SessionRecord{}, err
	}
	var instances []db.Instance
	if err := s.gdb.Where("session_id = ?", id).Order("instance_id ASC").Find(&instances).Error; err != nil {
		return SessionRecord{}, wrapIO(err)
	}
	var messages []db.ChatMessage
	if err := s.gdb.Where("session_id = ?", id).Order("timestamp ASC").Find(&messages).Error; err != nil {
		return SessionRecord{}, wrapIO(err)
	}
	return SessionRecord{Session: row, Instances: instances, ChatHistory: messages}, nil
}

// ListFilter narrows and pages ListSessions output.
type ListFilter struct {
	WorkspaceHash string
	Status        SessionStatus
	Type          SessionType
	Limit         int
	Offset        int
	SortByCreated bool
}

func (s *Store) ListSessions(f ListFilter) ([]db.Session, error) {
	q := s.gdb.Model(&db.Session{})
	if f.WorkspaceHash != "" {
		q = q.Where("workspace_hash = ?", f.WorkspaceHash)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, validationf("invalid status filter %q", f.Status)
		}
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Type != "" {
		if !f.Type.Valid() {
			return nil, validationf("invalid type filter %q", f.Type)
		}
		q = q.Where("session_type = ?", string(f.Type))
	}
	order := "updated_at DESC, id ASC"
	if f.SortByCreated {
		order = "created_at DESC, id ASC"
	}
	q = q.Order(order)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []db.Session
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapIO(err)
	}
	return rows, nil
}

// UpdateSessionStatus applies a checked state transition. Terminal states
// additionally freeze completed_at and finalize aggregate totals by summing
// instance stats at that instant.
func (s *Store) UpdateSessionStatus(id string, next SessionStatus, reason string) error {
	if !next.Valid() {
		return validationf("invalid session status %q", next)
	}
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var row db.Session
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		current := SessionStatus(row.Status)
		if current == next {
			return nil
		}
		if !current.CanTransition(next) {
			return validationf("illegal session transition %s -> %s", current, next)
		}
		now := time.Now().UTC().Unix()
		updates := map[string]any{
			"status":        string(next),
			"status_reason": reason,
			"updated_at":    now,
		}
		if next.Terminal() {
			updates["completed_at"] = now
			totals, err := sumInstanceTotals(tx, id)
			if err != nil {
				return err
			}
			updates["total_duration"] = totals.duration
			updates["total_files_changed"] = totals.filesChanged
			updates["total_lines_added"] = totals.linesAdded
			updates["total_lines_deleted"] = totals.linesDeleted
		}
		return tx.Model(&db.Session{}).Where("id = ?", id).Updates(updates).Error
	})
	return classify(err)
}

// UpdateSessionTask edits the task text and rewrites the search index
// entries in the same transaction, so no stale tokens survive the edit.
func (s *Store) UpdateSessionTask(id, task string) error {
	if strings.TrimSpace(task) == "" {
		return validationf("task is required")
	}
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Session{}).Where("id = ?", id).Updates(map[string]any{
			"task":       task,
			"updated_at": time.Now().UTC().Unix(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFoundf("session %s", id)
		}
		return writeSearchTokens(tx, id, task)
	})
	return classify(err)
}

// SetSessionEvaluation caches an evaluation result and the recommended
// winner on the session row.
func (s *Store) SetSessionEvaluation(id, evaluationJSON string, winnerID *int) error {
	res := s.gdb.Model(&db.Session{}).Where("id = ?", id).Updates(map[string]any{
		"evaluation_json": evaluationJSON,
		"winner_id":       winnerID,
		"updated_at":      time.Now().UTC().Unix(),
	})
	if res.Error != nil {
		return wrapIO(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundf("session %s", id)
	}
	return nil
}

func (s *Store) SetIntegrationPhase(id, phase string) error {
	switch phase {
	case IntegrationPending, IntegrationInProgress, IntegrationCompleted:
	default:
		return validationf("invalid integration phase %q", phase)
	}
	res := s.gdb.Model(&db.Session{}).Where("id = ?", id).Updates(map[string]any{
		"integration_phase": phase,
		"updated_at":        time.Now().UTC().Unix(),
	})
	if res.Error != nil {
		return wrapIO(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundf("session %s", id)
	}
	return nil
}

func (s *Store) SetDebateRoundsDone(id string, rounds int) error {
	res := s.gdb.Model(&db.Session{}).Where("id = ?", id).Updates(map[string]any{
		"debate_rounds_done": rounds,
		"updated_at":         time.Now().UTC().Unix(),
	})
	if res.Error != nil {
		return wrapIO(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundf("session %s", id)
	}
	return nil
}

// DeleteSession removes the session and all dependents: instances, chat
// messages and search-index tokens, one transaction.
func (s *Store) DeleteSession(id string) error {
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return notFoundf("session %s", id)
		}
		if err := tx.Where("session_id = ?", id).Delete(&db.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&db.Instance{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&db.SessionToken{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&db.Session{}).Error
	})
	return classify(err)
}

type instanceTotals struct {
	duration     int64
	filesChanged int
	linesAdded   int
	linesDeleted int
}

func sumInstanceTotals(tx *gorm.DB, sessionID string) (instanceTotals, error) {
	var rows []db.Instance
	if err := tx.Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return instanceTotals{}, err
	}
	var t instanceTotals
	for _, inst := range rows {
		if inst.StartTime != nil && inst.EndTime != nil && *inst.EndTime > *inst.StartTime {
			t.duration += *inst.EndTime - *inst.StartTime
		}
		if inst.FilesChanged != nil {
			t.filesChanged += *inst.FilesChanged
		}
		if inst.LinesAdded != nil {
			t.linesAdded += *inst.LinesAdded
		}
		if inst.LinesDeleted != nil {
			t.linesDeleted += *inst.LinesDeleted
		}
	}
	return t, nil
}

// Runtime mix entries are persisted as a JSON array so entries may carry
// arbitrary model strings without a delimiter collision.
func encodeRuntimeMix(mix []string) string {
	if len(mix) == 0 {
		return ""
	}
	b, err := json.Marshal(mix)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeRuntimeMix restores the ordered allocation entries of a stored
// runtime_mix.
func DecodeRuntimeMix(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// classify keeps already-typed errors as-is and wraps the rest as IO.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrIO) {
		return err
	}
	return wrapIO(err)
}
