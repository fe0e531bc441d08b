package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"arena/internal/db"
	"arena/internal/store"
	"arena/internal/worktree"
)

type fakeHost struct {
	mu      sync.Mutex
	alive   map[string]bool
	exited  map[string]string
	open    bool
	current int
	peak    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: map[string]bool{}, exited: map[string]string{}}
}

func (h *fakeHost) Spawn(name, dir, command string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[name] = true
	h.current++
	if h.current > h.peak {
		h.peak = h.current
	}
	return nil
}

func (h *fakeHost) CaptureOutput(name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if out, ok := h.exited[name]; ok {
		return out, nil
	}
	if h.open {
		return "work done\n__arena_exit_0__\n", nil
	}
	return "working...\n", nil
}

func (h *fakeHost) IsAlive(name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive[name], nil
}

func (h *fakeHost) Terminate(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive[name] {
		h.alive[name] = false
		h.current--
	}
	return nil
}

func (h *fakeHost) release() {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()
}

// exitWith makes one host report a finished agent with the given output.
func (h *fakeHost) exitWith(name, output string) {
	h.mu.Lock()
	h.exited[name] = output
	h.mu.Unlock()
}

func (h *fakeHost) peakConcurrency() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

type fakeWorkspaces struct {
	mu      sync.Mutex
	removed []string
}

func (w *fakeWorkspaces) Provision(sessionID string, instanceID int) (string, string, error) {
	return "/wt/" + sessionID, "arena/" + sessionID, nil
}

func (w *fakeWorkspaces) Remove(sessionID string, instanceID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, hostSessionName(sessionID, instanceID))
	return nil
}

func (w *fakeWorkspaces) Stats(worktreePath string) (worktree.Stats, error) {
	return worktree.Stats{FilesChanged: 1, LinesAdded: 10, LinesDeleted: 2}, nil
}

func (w *fakeWorkspaces) removedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.removed)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "arena.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return store.New(gdb)
}

func seedSession(t *testing.T, st *store.Store, id string, instances int) {
	t.Helper()
	_, err := st.CreateSession(store.CreateSessionParams{
		ID: id, WorkspaceHash: "h", Type: store.TypeCompetition, Task: "task",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 1; i <= instances; i++ {
		if _, err := st.AddInstance(id, db.Instance{InstanceID: i, Runtime: "claude"}); err != nil {
			t.Fatalf("add instance %d: %v", i, err)
		}
	}
}

func newTestScheduler(t *testing.T, st *store.Store, host Host, ws Workspaces, concurrency int) *Scheduler {
	t.Helper()
	s := New(st, host, ws, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.StartBackground(ctx)
	return s
}

func request(sessionID string, instanceID int, timeout time.Duration) Request {
	return Request{
		SessionID:  sessionID,
		InstanceID: instanceID,
		Runtime:    "claude",
		Prompt:     "do the thing",
		Timeout:    timeout,
	}
}

func TestScheduler_RunsInstanceToCompletion(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	host.release()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	if err := s.Enqueue(request("s1", 1, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Wait("s1")

	inst, err := st.GetInstance("s1", 1)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != string(store.InstanceCompleted) {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.StatusReason)
	}
	if inst.StartTime == nil || inst.EndTime == nil {
		t.Fatal("start/end times not recorded")
	}
	if !strings.Contains(inst.Output, "work done") {
		t.Fatalf("final output not captured: %q", inst.Output)
	}
	if inst.FilesChanged == nil || *inst.FilesChanged != 1 {
		t.Fatalf("change stats not recorded: %+v", inst)
	}
}

func TestScheduler_NonZeroExitFails(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	host.exitWith(hostSessionName("s1", 1), "boom\n__arena_exit_2__\n")
	s := newTestScheduler(t, st, host, ws, 2)

	if err := s.Enqueue(request("s1", 1, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Wait("s1")

	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceFailed) {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if !strings.Contains(inst.StatusReason, "status 2") {
		t.Fatalf("exit code missing from reason: %q", inst.StatusReason)
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 10)
	s := newTestScheduler(t, st, host, ws, 5)

	for i := 1; i <= 10; i++ {
		if err := s.Enqueue(request("s1", i, time.Minute)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Let the pool fill while the gate is closed, then drain.
	deadline := time.Now().Add(2 * time.Second)
	for host.peakConcurrency() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	host.release()
	s.Wait("s1")

	if peak := host.peakConcurrency(); peak != 5 {
		t.Fatalf("expected exactly 5 concurrent hosts, saw %d", peak)
	}
	instances, err := st.ListInstances("s1")
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	for _, inst := range instances {
		if inst.Status != string(store.InstanceCompleted) {
			t.Fatalf("instance %d not completed: %s (%s)", inst.InstanceID, inst.Status, inst.StatusReason)
		}
	}
}

func TestScheduler_TimeoutFailsInstance(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 2)
	s := newTestScheduler(t, st, host, ws, 5)

	// Instance 1 never produces an exit marker and must hit its budget;
	// instance 2 keeps running behind it and still completes.
	host.exitWith(hostSessionName("s1", 2), "done\n__arena_exit_0__\n")
	if err := s.Enqueue(request("s1", 1, 30*time.Millisecond)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(request("s1", 2, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Wait("s1")

	first, _ := st.GetInstance("s1", 1)
	if first.Status != string(store.InstanceFailed) || !strings.Contains(first.StatusReason, "timeout") {
		t.Fatalf("expected timeout failure, got %s (%s)", first.Status, first.StatusReason)
	}
	second, _ := st.GetInstance("s1", 2)
	if second.Status != string(store.InstanceCompleted) {
		t.Fatalf("sibling must be unaffected, got %s (%s)", second.Status, second.StatusReason)
	}
}

func TestScheduler_HostDeathFailsInstance(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	if err := s.Enqueue(request("s1", 1, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Kill the host out from under the scheduler, no exit marker emitted.
	deadline := time.Now().Add(2 * time.Second)
	for s.RunningCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = host.Terminate(hostSessionName("s1", 1))
	s.Wait("s1")

	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceFailed) {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if !strings.Contains(inst.StatusReason, "unexpectedly") {
		t.Fatalf("unexpected reason: %q", inst.StatusReason)
	}
}

func TestScheduler_CancelWithPreservePausesInstances(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 2)
	s := newTestScheduler(t, st, host, ws, 5)

	for i := 1; i <= 2; i++ {
		req := request("s1", i, time.Minute)
		req.PreserveWorktrees = true
		if err := s.Enqueue(req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.RunningCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.CancelSession("s1", true)
	s.Wait("s1")

	instances, _ := st.ListInstances("s1")
	for _, inst := range instances {
		if inst.Status != string(store.InstancePaused) {
			t.Fatalf("instance %d: expected paused, got %s (%s)", inst.InstanceID, inst.Status, inst.StatusReason)
		}
	}
	if n := ws.removedCount(); n != 0 {
		t.Fatalf("preserved worktrees were removed: %d", n)
	}
}

func TestScheduler_ReenqueueAfterPreserveCancelCompletes(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	req := request("s1", 1, time.Minute)
	req.PreserveWorktrees = true
	if err := s.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.RunningCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.CancelSession("s1", true)
	s.Wait("s1")
	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstancePaused) {
		t.Fatalf("expected paused after cancel, got %s (%s)", inst.Status, inst.StatusReason)
	}

	// The preserved instance is re-admitted and runs to completion in the
	// worktree it kept.
	s.ResumeSession("s1")
	host.release()
	if err := s.Enqueue(req); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	s.Wait("s1")

	inst, _ = st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceCompleted) {
		t.Fatalf("expected completed after resume, got %s (%s)", inst.Status, inst.StatusReason)
	}
	if n := ws.removedCount(); n != 0 {
		t.Fatalf("preserved worktree was removed: %d", n)
	}
}

func TestScheduler_CancelWithoutPreserveFailsAndCleans(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	if err := s.Enqueue(request("s1", 1, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.RunningCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.CancelSession("s1", false)
	s.Wait("s1")

	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceFailed) || inst.StatusReason != "canceled" {
		t.Fatalf("expected canceled failure, got %s (%s)", inst.Status, inst.StatusReason)
	}
	if n := ws.removedCount(); n != 1 {
		t.Fatalf("worktree not removed on cancel: %d", n)
	}
}

func TestScheduler_PauseParksAndResumeRuns(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	host.release()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	s.PauseSession("s1")
	if err := s.Enqueue(request("s1", 1, time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Parked work must not start while paused.
	time.Sleep(50 * time.Millisecond)
	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceIdle) {
		t.Fatalf("paused session admitted work: %s", inst.Status)
	}

	s.ResumeSession("s1")
	s.Wait("s1")
	inst, _ = st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceCompleted) {
		t.Fatalf("expected completed after resume, got %s (%s)", inst.Status, inst.StatusReason)
	}
}

func TestScheduler_UnknownRuntimeFailsFast(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	ws := &fakeWorkspaces{}
	seedSession(t, st, "s1", 1)
	s := newTestScheduler(t, st, host, ws, 2)

	req := request("s1", 1, time.Minute)
	req.Runtime = "hal9000"
	if err := s.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Wait("s1")

	inst, _ := st.GetInstance("s1", 1)
	if inst.Status != string(store.InstanceFailed) {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if !strings.Contains(inst.StatusReason, "unknown runtime") {
		t.Fatalf("unexpected reason: %q", inst.StatusReason)
	}
}

func TestParseExitMarker(t *testing.T) {
	if code, ok := parseExitMarker("noise\n__arena_exit_0__\n"); !ok || code != 0 {
		t.Fatalf("expected code 0, got %d ok=%v", code, ok)
	}
	if code, ok := parseExitMarker("__arena_exit_127__"); !ok || code != 127 {
		t.Fatalf("expected code 127, got %d ok=%v", code, ok)
	}
	if _, ok := parseExitMarker("still working"); ok {
		t.Fatal("marker detected in plain output")
	}
}
