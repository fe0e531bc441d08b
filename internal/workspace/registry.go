// Package workspace maps project roots to stable identifiers and owns the
// workspace -> session cascade.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"arena/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("workspace not found")

type Registry struct {
	gdb *gorm.DB
}

func NewRegistry(gdb *gorm.DB) *Registry {
	return &Registry{gdb: gdb}
}

// Hash derives the stable workspace identifier: sha256 over the canonical
// path, first 16 hex characters. The algorithm is part of the persisted
// contract; changing it orphans existing sessions.
func Hash(path string) string {
	normalized := strings.TrimRight(path, "/")
	if abs, err := filepath.Abs(path); err == nil {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			normalized = resolved
		} else {
			normalized = strings.TrimRight(abs, "/")
		}
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Touch registers the path on first reference and bumps last_accessed on
// every subsequent one. Returns the workspace hash.
func (r *Registry) Touch(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("workspace path is required")
	}
	hash := Hash(path)
	row := db.Workspace{
		Hash:         hash,
		Path:         path,
		LastAccessed: time.Now().UTC().Unix(),
	}
	err := r.gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_accessed": row.LastAccessed,
		}),
	}).Create(&row).Error
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (r *Registry) Get(hash string) (db.Workspace, error) {
	var row db.Workspace
	err := r.gdb.First(&row, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return db.Workspace{}, err
	}
	return row, nil
}

// List returns workspaces by most recent access.
func (r *Registry) List() ([]db.Workspace, error) {
	var rows []db.Workspace
	err := r.gdb.Order("last_accessed DESC, hash ASC").Find(&rows).Error
	return rows, err
}

// Delete removes the workspace and cascades to its sessions, their
// instances, chat messages and search-index entries in one transaction.
func (r *Registry) Delete(hash string) error {
	return r.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Workspace{}).Where("hash = ?", hash).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		var sessionIDs []string
		if err := tx.Model(&db.Session{}).
			Where("workspace_hash = ?", hash).
			Pluck("id", &sessionIDs).Error; err != nil {
			return err
		}
		if len(sessionIDs) > 0 {
			if err := tx.Where("session_id IN ?", sessionIDs).Delete(&db.ChatMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Where("session_id IN ?", sessionIDs).Delete(&db.Instance{}).Error; err != nil {
				return err
			}
			if err := tx.Where("session_id IN ?", sessionIDs).Delete(&db.SessionToken{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", sessionIDs).Delete(&db.Session{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("hash = ?", hash).Delete(&db.Workspace{}).Error
	})
}
