// Package worktree provisions isolated git worktrees so concurrent agent
// instances never share mutable file state.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// worktreeDir is where per-session worktrees live under the project root.
const worktreeDir = ".arena/worktrees"

// Manager creates and removes worktrees under one project root.
type Manager struct {
	root string
	dir  string
}

func NewManager(projectRoot string) *Manager {
	return &Manager{root: projectRoot, dir: worktreeDir}
}

// NewManagerDir overrides where worktrees live relative to the project
// root.
func NewManagerDir(projectRoot, dir string) *Manager {
	if strings.TrimSpace(dir) == "" {
		dir = worktreeDir
	}
	return &Manager{root: projectRoot, dir: dir}
}

func sessionDirName(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "session-" + sessionID
}

func branchName(sessionID string, instanceID int) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return fmt.Sprintf("arena/%s/instance-%d", sessionID, instanceID)
}

// Provision creates a worktree at
// .arena/worktrees/session-<id8>/instance-<n> on a fresh branch based on
// HEAD. Returns the worktree path and branch name.
func (m *Manager) Provision(sessionID string, instanceID int) (string, string, error) {
	wtPath := filepath.Join(m.root, m.dir, sessionDirName(sessionID), "instance-"+strconv.Itoa(instanceID))
	branch := branchName(sessionID, instanceID)

	// A worktree preserved across a cancel is reused when the instance
	// resumes.
	if _, err := os.Stat(wtPath); err == nil {
		return wtPath, branch, nil
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return "", "", fmt.Errorf("creating worktree directory: %w", err)
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, "HEAD")
	cmd.Dir = m.root
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return wtPath, branch, nil
}

// Remove deletes the worktree and its branch. Falls back to a plain
// directory removal when git refuses.
func (m *Manager) Remove(sessionID string, instanceID int) error {
	wtPath := filepath.Join(m.root, m.dir, sessionDirName(sessionID), "instance-"+strconv.Itoa(instanceID))

	cmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = m.root
	if out, err := cmd.CombinedOutput(); err != nil {
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			return fmt.Errorf("git worktree remove: %s: %w", strings.TrimSpace(string(out)), err)
		}
	}

	branchCmd := exec.Command("git", "branch", "-D", branchName(sessionID, instanceID))
	branchCmd.Dir = m.root
	_ = branchCmd.Run() // branch may be gone already

	return nil
}

// Stats computes the change volume an instance produced in its worktree:
// tracked changes via git diff --numstat against HEAD plus untracked files.
func (m *Manager) Stats(worktreePath string) (Stats, error) {
	cmd := exec.Command("git", "diff", "--numstat", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return Stats{}, fmt.Errorf("git diff --numstat: %w", err)
	}
	stats := ParseNumstat(string(out))

	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = worktreePath
	statusOut, err := statusCmd.Output()
	if err != nil {
		return stats, nil
	}
	for _, line := range strings.Split(string(statusOut), "\n") {
		if strings.HasPrefix(line, "??") {
			stats.FilesChanged++
		}
	}
	return stats, nil
}

// Stats is the diff volume of one worktree.
type Stats struct {
	FilesChanged int
	LinesAdded   int
	LinesDeleted int
}

// ParseNumstat parses `git diff --numstat` output. Binary files report "-"
// counts and contribute only to the file total.
func ParseNumstat(out string) Stats {
	var stats Stats
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		if added, err := strconv.Atoi(fields[0]); err == nil {
			stats.LinesAdded += added
		}
		if deleted, err := strconv.Atoi(fields[1]); err == nil {
			stats.LinesDeleted += deleted
		}
	}
	return stats
}

// CleanupSession removes every worktree of a session, best effort, then
// the session directory itself.
func (m *Manager) CleanupSession(sessionID string) error {
	dir := filepath.Join(m.root, m.dir, sessionDirName(sessionID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "instance-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "instance-"))
		if err != nil {
			continue
		}
		_ = m.Remove(sessionID, n)
	}
	return os.RemoveAll(dir)
}
