package store

import (
	"errors"
	"path/filepath"
	"testing"

	"arena/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "arena.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return New(gdb)
}

func mustCreateSession(t *testing.T, s *Store, id string) db.Session {
	t.Helper()
	sess, err := s.CreateSession(CreateSessionParams{
		ID:            id,
		WorkspaceHash: "abcd1234abcd1234",
		Type:          TypeCompetition,
		Task:          "add structured logging to the ingest service",
		RuntimeMix:    []string{"claude"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateSession_Validation(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		p    CreateSessionParams
	}{
		{"empty id", CreateSessionParams{WorkspaceHash: "h", Type: TypeCompetition, Task: "t"}},
		{"bad type", CreateSessionParams{ID: "s1", WorkspaceHash: "h", Type: "race", Task: "t"}},
		{"empty task", CreateSessionParams{ID: "s1", WorkspaceHash: "h", Type: TypeCompetition}},
		{"empty workspace", CreateSessionParams{ID: "s1", Type: TypeCompetition, Task: "t"}},
	}
	for _, tc := range cases {
		if _, err := s.CreateSession(tc.p); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	bad := -1
	p := CreateSessionParams{ID: "s1", WorkspaceHash: "h", Type: TypeCompetition, Task: "t", TimeoutSeconds: &bad}
	if _, err := s.CreateSession(p); !errors.Is(err, ErrValidation) {
		t.Fatalf("negative timeout: expected ErrValidation, got %v", err)
	}
}

func TestCreateSession_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")
	_, err := s.CreateSession(CreateSessionParams{
		ID: "s1", WorkspaceHash: "h", Type: TypeCompetition, Task: "t",
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestCounters_TrackChildRows(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	for i := 1; i <= 3; i++ {
		if _, err := s.AddInstance("s1", db.Instance{InstanceID: i, Runtime: "claude"}); err != nil {
			t.Fatalf("add instance %d: %v", i, err)
		}
	}
	if _, err := s.AppendMessage("s1", nil, RoleUser, "hello"); err != nil {
		t.Fatalf("append message: %v", err)
	}
	msg, err := s.AppendMessage("s1", nil, RoleAssistant, "on it")
	if err != nil {
		t.Fatalf("append message: %v", err)
	}

	sess, err := s.GetSessionRow("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.InstanceCount != 3 || sess.MessageCount != 2 {
		t.Fatalf("unexpected counters: instances=%d messages=%d", sess.InstanceCount, sess.MessageCount)
	}

	if err := s.DeleteInstance("s1", 2); err != nil {
		t.Fatalf("delete instance: %v", err)
	}
	if err := s.DeleteMessage(msg.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}

	sess, _ = s.GetSessionRow("s1")
	if sess.InstanceCount != 2 || sess.MessageCount != 1 {
		t.Fatalf("counters after delete: instances=%d messages=%d", sess.InstanceCount, sess.MessageCount)
	}

	report, err := s.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid() {
		t.Fatalf("integrity report not clean: %+v", report)
	}
}

func TestAddInstance_DuplicateOrdinal(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint for duplicate ordinal, got %v", err)
	}

	// The same ordinal under a different session is fine.
	mustCreateSession(t, s, "s2")
	if _, err := s.AddInstance("s2", db.Instance{InstanceID: 1}); err != nil {
		t.Fatalf("add instance to sibling session: %v", err)
	}
}

func TestAddInstance_RejectsTerminalSession(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")
	if err := s.UpdateSessionStatus("s1", SessionFailed, "boom"); err != nil {
		t.Fatalf("fail session: %v", err)
	}
	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestUpdateSessionStatus_Transitions(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	if err := s.UpdateSessionStatus("s1", SessionPaused, "paused by user"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// paused -> completed is not a legal edge.
	if err := s.UpdateSessionStatus("s1", SessionCompleted, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := s.UpdateSessionStatus("s1", SessionRunning, "resumed"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.UpdateSessionStatus("s1", SessionCompleted, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal states are frozen.
	if err := s.UpdateSessionStatus("s1", SessionRunning, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation on terminal transition, got %v", err)
	}

	sess, _ := s.GetSessionRow("s1")
	if sess.CompletedAt == nil {
		t.Fatal("completed_at not set on terminal transition")
	}
	if sess.StatusReason != "done" {
		t.Fatalf("unexpected status reason: %q", sess.StatusReason)
	}
}

func TestTerminalTransition_FinalizesTotals(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if err := s.MarkInstanceRunning("s1", 1, "host-1", "/wt/1", "arena/s1/instance-1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	stats := &ChangeStats{FilesChanged: 3, LinesAdded: 42, LinesDeleted: 7}
	if err := s.FinishInstance("s1", 1, InstanceCompleted, "", "done", stats); err != nil {
		t.Fatalf("finish instance: %v", err)
	}
	if err := s.UpdateSessionStatus("s1", SessionCompleted, "all instances finished"); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	sess, _ := s.GetSessionRow("s1")
	if sess.TotalFilesChanged != 3 || sess.TotalLinesAdded != 42 || sess.TotalLinesDeleted != 7 {
		t.Fatalf("totals not finalized: %+v", sess)
	}
	if sess.TotalDuration < 0 {
		t.Fatalf("negative total duration: %d", sess.TotalDuration)
	}
}

func TestAppendMessage_TimestampsNeverDecrease(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage("s1", nil, RoleUser, "msg")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.Timestamp < last {
			t.Fatalf("timestamp went backwards: %d < %d", msg.Timestamp, last)
		}
		last = msg.Timestamp
	}

	rec, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	for i := 1; i < len(rec.ChatHistory); i++ {
		if rec.ChatHistory[i].Timestamp < rec.ChatHistory[i-1].Timestamp {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestAppendMessage_Validation(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")

	if _, err := s.AppendMessage("s1", nil, "robot", "hi"); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad role: expected ErrValidation, got %v", err)
	}
	if _, err := s.AppendMessage("s1", nil, RoleUser, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty content: expected ErrValidation, got %v", err)
	}
	big := make([]byte, MaxMessageContent+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := s.AppendMessage("s1", nil, RoleUser, string(big)); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversized content: expected ErrValidation, got %v", err)
	}
	if _, err := s.AppendMessage("missing", nil, RoleUser, "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session: expected ErrNotFound, got %v", err)
	}
	instance := 9
	if _, err := s.AppendMessage("s1", &instance, RoleUser, "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing instance: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSession_CascadesChildren(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")
	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if _, err := s.AppendMessage("s1", nil, RoleUser, "hi"); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetSessionRow("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Search index holds no stale entries.
	hits, err := s.SearchSessions("logging", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("stale search entries after delete: %#v", hits)
	}
}

func TestDecodeRuntimeMix_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateSession(CreateSessionParams{
		ID:            "s1",
		WorkspaceHash: "h",
		Type:          TypeCompetition,
		Task:          "t",
		RuntimeMix:    []string{"claude:opus-4,1:2", "codex"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mix := DecodeRuntimeMix(sess.RuntimeMix)
	if len(mix) != 2 || mix[0] != "claude:opus-4,1:2" || mix[1] != "codex" {
		t.Fatalf("unexpected mix round trip: %#v", mix)
	}
}

func TestSetInstanceEvalInputs_Bounds(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "s1")
	if _, err := s.AddInstance("s1", db.Instance{InstanceID: 1}); err != nil {
		t.Fatalf("add instance: %v", err)
	}

	passed, failed, complexity := 10, 0, 35
	if err := s.SetInstanceEvalInputs("s1", 1, &passed, &failed, &complexity); err != nil {
		t.Fatalf("set eval inputs: %v", err)
	}
	out := 120
	if err := s.SetInstanceEvalInputs("s1", 1, nil, nil, &out); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for complexity > 100, got %v", err)
	}

	inst, err := s.GetInstance("s1", 1)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.TestsPassed == nil || *inst.TestsPassed != 10 || inst.CodeComplexity == nil || *inst.CodeComplexity != 35 {
		t.Fatalf("eval inputs not persisted: %+v", inst)
	}
}
