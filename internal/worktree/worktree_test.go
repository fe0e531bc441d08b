package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseNumstat(t *testing.T) {
	out := "10\t2\tinternal/server.go\n" +
		"0\t5\tREADME.md\n" +
		"-\t-\tassets/logo.png\n" +
		"\n"
	stats := ParseNumstat(out)
	if stats.FilesChanged != 3 {
		t.Fatalf("expected 3 files, got %d", stats.FilesChanged)
	}
	if stats.LinesAdded != 10 {
		t.Fatalf("expected 10 added, got %d", stats.LinesAdded)
	}
	if stats.LinesDeleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", stats.LinesDeleted)
	}
}

func TestParseNumstat_Empty(t *testing.T) {
	if stats := ParseNumstat(""); stats != (Stats{}) {
		t.Fatalf("empty output must yield zero stats: %+v", stats)
	}
}

func TestSessionDirAndBranchNames_TruncateLongIDs(t *testing.T) {
	id := "0123456789abcdef-rest-of-a-uuid"
	if got := sessionDirName(id); got != "session-01234567" {
		t.Fatalf("unexpected session dir: %s", got)
	}
	if got := branchName(id, 3); got != "arena/01234567/instance-3" {
		t.Fatalf("unexpected branch: %s", got)
	}
	if got := sessionDirName("ab"); got != "session-ab" {
		t.Fatalf("short ids must pass through: %s", got)
	}
}

func TestProvision_FailsOutsideGitRepo(t *testing.T) {
	m := NewManager(t.TempDir())
	_, _, err := m.Provision("s1", 1)
	if err == nil {
		t.Fatal("expected provisioning to fail outside a git repository")
	}
	if !strings.Contains(err.Error(), "git worktree add") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvision_ReusesPreservedWorktree(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	existing := filepath.Join(root, worktreeDir, "session-01234567", "instance-1")
	if err := os.MkdirAll(existing, 0o755); err != nil {
		t.Fatalf("seed worktree: %v", err)
	}

	// No git repository here, so a fresh add would fail; the preserved
	// directory is handed back instead.
	path, branch, err := m.Provision("0123456789abcdef", 1)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if path != existing {
		t.Fatalf("unexpected path: %s", path)
	}
	if branch != "arena/01234567/instance-1" {
		t.Fatalf("unexpected branch: %s", branch)
	}
}

func TestAllocator_ResolvesRootPerSession(t *testing.T) {
	alloc := NewAllocator(func(sessionID string) (string, error) {
		return "/nonexistent/" + sessionID, nil
	}, "")
	m, err := alloc.manager("abc")
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.root != "/nonexistent/abc" {
		t.Fatalf("unexpected root: %s", m.root)
	}
	if m.dir != worktreeDir {
		t.Fatalf("unexpected dir: %s", m.dir)
	}
}

func TestCleanupSession_MissingDirIsFine(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.CleanupSession("never-started"); err != nil {
		t.Fatalf("cleanup of absent session dir must be a no-op: %v", err)
	}
}
