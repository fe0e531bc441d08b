package store

import (
	"time"

	"arena/internal/db"

	"gorm.io/gorm"
)

// AddInstance inserts an instance and bumps the session's instance_count in
// the same transaction; insert and increment succeed or fail together.
func (s *Store) AddInstance(sessionID string, inst db.Instance) (db.Instance, error) {
	if inst.InstanceID <= 0 {
		return db.Instance{}, validationf("instance id must be positive")
	}
	if inst.Status == "" {
		inst.Status = string(InstanceIdle)
	}
	if !InstanceStatus(inst.Status).Valid() {
		return db.Instance{}, validationf("invalid instance status %q", inst.Status)
	}
	inst.SessionID = sessionID

	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}
		status := SessionStatus(session.Status)
		if status.Terminal() {
			return constraintf("session %s is %s, no instances may be added", sessionID, status)
		}
		var dup int64
		if err := tx.Model(&db.Instance{}).
			Where("session_id = ? AND instance_id = ?", sessionID, inst.InstanceID).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return constraintf("instance %d already exists in session %s", inst.InstanceID, sessionID)
		}
		if err := tx.Create(&inst).Error; err != nil {
			return err
		}
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
			"instance_count": gorm.Expr("instance_count + 1"),
			"updated_at":     time.Now().UTC().Unix(),
		}).Error
	})
	if err != nil {
		return db.Instance{}, classify(err)
	}
	return inst, nil
}

func (s *Store) GetInstance(sessionID string, instanceID int) (db.Instance, error) {
	var row db.Instance
	err := s.gdb.First(&row, "session_id = ? AND instance_id = ?", sessionID, instanceID).Error
	if err != nil {
		return db.Instance{}, wrapIO(err)
	}
	return row, nil
}

func (s *Store) ListInstances(sessionID string) ([]db.Instance, error) {
	var rows []db.Instance
	err := s.gdb.Where("session_id = ?", sessionID).Order("instance_id ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapIO(err)
	}
	return rows, nil
}

// MarkInstanceRunning transitions idle -> running and records the execution
// host binding plus the start time (unix milliseconds).
func (s *Store) MarkInstanceRunning(sessionID string, instanceID int, tmuxSessionID, worktreePath, branch string) error {
	now := time.Now().UTC().UnixMilli()
	return s.updateInstance(sessionID, instanceID, map[string]any{
		"status":          string(InstanceRunning),
		"status_reason":   "",
		"tmux_session_id": tmuxSessionID,
		"worktree_path":   worktreePath,
		"branch":          branch,
		"start_time":      now,
	})
}

// SetInstanceOutput replaces the captured output for a running instance.
// Captures only ever grow, so observers see append-only output.
func (s *Store) SetInstanceOutput(sessionID string, instanceID int, output string) error {
	return s.updateInstance(sessionID, instanceID, map[string]any{"output": output})
}

// ChangeStats mirrors worktree diff statistics.
type ChangeStats struct {
	FilesChanged int
	LinesAdded   int
	LinesDeleted int
}

// FinishInstance moves an instance to a terminal status, recording the
// final output, reason, end time and change stats in one write.
func (s *Store) FinishInstance(sessionID string, instanceID int, status InstanceStatus, reason, output string, stats *ChangeStats) error {
	if !status.Terminal() {
		return validationf("finish requires a terminal status, got %q", status)
	}
	updates := map[string]any{
		"status":        string(status),
		"status_reason": reason,
		"end_time":      time.Now().UTC().UnixMilli(),
	}
	if output != "" {
		updates["output"] = output
	}
	if stats != nil {
		updates["files_changed"] = stats.FilesChanged
		updates["lines_added"] = stats.LinesAdded
		updates["lines_deleted"] = stats.LinesDeleted
	}
	return s.updateInstance(sessionID, instanceID, updates)
}

// SetInstanceEvalInputs records test and complexity metrics consumed by the
// evaluation engine. Nil fields are left untouched.
func (s *Store) SetInstanceEvalInputs(sessionID string, instanceID int, testsPassed, testsFailed, codeComplexity *int) error {
	updates := map[string]any{}
	if testsPassed != nil {
		updates["tests_passed"] = *testsPassed
	}
	if testsFailed != nil {
		updates["tests_failed"] = *testsFailed
	}
	if codeComplexity != nil {
		if *codeComplexity < 0 || *codeComplexity > 100 {
			return validationf("code_complexity must be in [0,100]")
		}
		updates["code_complexity"] = *codeComplexity
	}
	if len(updates) == 0 {
		return nil
	}
	return s.updateInstance(sessionID, instanceID, updates)
}

// ArchiveInstance retains the row for history but removes it from active
// scheduling consideration.
func (s *Store) ArchiveInstance(sessionID string, instanceID int) error {
	return s.updateInstance(sessionID, instanceID, map[string]any{
		"status": string(InstanceArchived),
	})
}

// DeleteInstance removes the row and decrements the session counter
// atomically, the symmetric twin of AddInstance.
func (s *Store) DeleteInstance(sessionID string, instanceID int) error {
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ? AND instance_id = ?", sessionID, instanceID).Delete(&db.Instance{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFoundf("instance %d in session %s", instanceID, sessionID)
		}
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
			"instance_count": gorm.Expr("instance_count - 1"),
			"updated_at":     time.Now().UTC().Unix(),
		}).Error
	})
	return classify(err)
}

func (s *Store) updateInstance(sessionID string, instanceID int, updates map[string]any) error {
	res := s.gdb.Model(&db.Instance{}).
		Where("session_id = ? AND instance_id = ?", sessionID, instanceID).
		Updates(updates)
	if res.Error != nil {
		return wrapIO(res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundf("instance %d in session %s", instanceID, sessionID)
	}
	return nil
}
