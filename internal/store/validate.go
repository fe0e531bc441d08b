package store

import (
	"arena/internal/db"
)

// Report summarizes referential and counter integrity across the database.
type Report struct {
	Sessions          int64
	Instances         int64
	Messages          int64
	OrphanedInstances int64
	OrphanedMessages  int64
	InvalidStatuses   int64
	CounterDrift      int64
	IntegrityOK       bool
}

func (r Report) Valid() bool {
	return r.OrphanedInstances == 0 &&
		r.OrphanedMessages == 0 &&
		r.InvalidStatuses == 0 &&
		r.CounterDrift == 0 &&
		r.IntegrityOK
}

// Validate runs the integrity checks. Counter drift should always be zero;
// the writers maintain the denormalized counts transactionally.
func (s *Store) Validate() (Report, error) {
	var r Report
	if err := s.gdb.Model(&db.Session{}).Count(&r.Sessions).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Model(&db.Instance{}).Count(&r.Instances).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Model(&db.ChatMessage{}).Count(&r.Messages).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Raw(
		`SELECT COUNT(*) FROM instances WHERE session_id NOT IN (SELECT id FROM sessions)`,
	).Scan(&r.OrphanedInstances).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Raw(
		`SELECT COUNT(*) FROM chat_messages WHERE session_id NOT IN (SELECT id FROM sessions)`,
	).Scan(&r.OrphanedMessages).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Raw(
		`SELECT COUNT(*) FROM sessions WHERE status NOT IN ('running', 'completed', 'failed', 'paused')`,
	).Scan(&r.InvalidStatuses).Error; err != nil {
		return r, wrapIO(err)
	}
	if err := s.gdb.Raw(`
SELECT COUNT(*) FROM sessions s
WHERE s.instance_count <> (SELECT COUNT(*) FROM instances i WHERE i.session_id = s.id)
   OR s.message_count <> (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
`).Scan(&r.CounterDrift).Error; err != nil {
		return r, wrapIO(err)
	}

	var integrity string
	if err := s.gdb.Raw(`PRAGMA integrity_check`).Scan(&integrity).Error; err != nil {
		return r, wrapIO(err)
	}
	r.IntegrityOK = integrity == "ok"
	return r, nil
}
