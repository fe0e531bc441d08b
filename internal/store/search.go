package store

import (
	"sort"
	"strings"

	"arena/internal/db"

	"gorm.io/gorm"
)

// SearchHit is one search result with its relevance (matched token count).
type SearchHit struct {
	Session db.Session
	Hits    int
}

// SearchSessions matches query tokens against the task index. Results are
// ordered by relevance, then recency. The index is written in the same
// transaction as the session row, so it is never stale.
func (s *Store) SearchSessions(query string, limit int) ([]SearchHit, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, validationf("search query has no usable terms")
	}
	if limit <= 0 {
		limit = 50
	}

	type hitRow struct {
		SessionID string
		Hits      int
	}
	var hits []hitRow
	err := s.gdb.Model(&db.SessionToken{}).
		Select("session_id, COUNT(DISTINCT token) AS hits").
		Where("token IN ?", tokens).
		Group("session_id").
		Scan(&hits).Error
	if err != nil {
		return nil, wrapIO(err)
	}
	if len(hits) == 0 {
		return []SearchHit{}, nil
	}

	ids := make([]string, len(hits))
	byID := make(map[string]int, len(hits))
	for i, h := range hits {
		ids[i] = h.SessionID
		byID[h.SessionID] = h.Hits
	}
	var sessions []db.Session
	if err := s.gdb.Where("id IN ?", ids).Find(&sessions).Error; err != nil {
		return nil, wrapIO(err)
	}

	out := make([]SearchHit, 0, len(sessions))
	for _, row := range sessions {
		out = append(out, SearchHit{Session: row, Hits: byID[row.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].Session.UpdatedAt != out[j].Session.UpdatedAt {
			return out[i].Session.UpdatedAt > out[j].Session.UpdatedAt
		}
		return out[i].Session.ID < out[j].Session.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// writeSearchTokens replaces the index entries for a session. Runs inside
// the caller's transaction.
func writeSearchTokens(tx *gorm.DB, sessionID, task string) error {
	if err := tx.Where("session_id = ?", sessionID).Delete(&db.SessionToken{}).Error; err != nil {
		return err
	}
	tokens := tokenize(task)
	if len(tokens) == 0 {
		return nil
	}
	rows := make([]db.SessionToken, 0, len(tokens))
	for _, tok := range tokens {
		rows = append(rows, db.SessionToken{Token: tok, SessionID: sessionID})
	}
	return tx.Create(&rows).Error
}

// tokenize lower-cases the text and splits it into deduplicated
// alphanumeric runs of length two or more.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
