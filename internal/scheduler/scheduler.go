// Package scheduler admits, runs and reaps concurrent agent instances
// under a global concurrency ceiling.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logging"
	"arena/internal/store"
	"arena/internal/worktree"
)

// Host is the execution-host capability the scheduler consumes. The tmux
// adapter implements it; tests use an in-memory fake.
type Host interface {
	Spawn(name, dir, command string) error
	CaptureOutput(name string) (string, error)
	IsAlive(name string) (bool, error)
	Terminate(name string) error
}

// Workspaces provisions isolated workspace copies for instances.
type Workspaces interface {
	Provision(sessionID string, instanceID int) (path, branch string, err error)
	Remove(sessionID string, instanceID int) error
	Stats(path string) (worktree.Stats, error)
}

// DefaultConcurrency bounds running instances system-wide. Each instance
// holds a full worktree and a host session; an unbounded pool exhausts
// disk and process limits.
const DefaultConcurrency = 5

// DefaultTimeout caps one instance's execution when the session sets none.
const DefaultTimeout = 30 * time.Minute

// exit marker emitted by the wrapped agent command so the scheduler can
// distinguish a clean exit from a host death.
const exitMarkerText = "__arena_exit_"

var exitMarkerRe = regexp.MustCompile(`__arena_exit_(\d+)__`)

// Request asks for one agent instance to be started. Requests queue FIFO
// when all worker slots are busy; queueing is not an error.
type Request struct {
	SessionID         string
	InstanceID        int
	Runtime           string
	Model             string
	Prompt            string
	Timeout           time.Duration
	PreserveWorktrees bool
}

// Options tune a Scheduler.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	QueueSize    int
}

type sessionState struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	canceled bool
	paused   bool
	parked   []Request
}

// Scheduler runs a fixed-size worker pool over a FIFO request queue. All
// state mutation goes through the store; the scheduler itself only keeps
// per-session control flags.
type Scheduler struct {
	store      *store.Store
	host       Host
	workspaces Workspaces
	log        *slog.Logger

	queue chan Request
	poll  time.Duration
	size  int

	mu       sync.Mutex
	sessions map[string]*sessionState

	running atomic.Int32
	wg      sync.WaitGroup
}

func New(st *store.Store, host Host, workspaces Workspaces, log *slog.Logger, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      st,
		host:       host,
		workspaces: workspaces,
		log:        log,
		queue:      make(chan Request, opts.QueueSize),
		poll:       opts.PollInterval,
		size:       opts.Concurrency,
		sessions:   make(map[string]*sessionState),
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled and
// Start returns after the last one drains.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.size; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
}

// StartBackground is Start without blocking; Stop by canceling ctx.
func (s *Scheduler) StartBackground(ctx context.Context) {
	for i := 0; i < s.size; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
}

// Enqueue admits a start request. The per-session wait group is bumped
// here so Wait observes queued work, not just running work.
func (s *Scheduler) Enqueue(req Request) error {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	st := s.session(req.SessionID)
	st.wg.Add(1)

	st.mu.Lock()
	if st.paused && !st.canceled {
		st.parked = append(st.parked, req)
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	select {
	case s.queue <- req:
		return nil
	default:
		st.wg.Done()
		return fmt.Errorf("scheduler queue is full")
	}
}

// Wait blocks until every admitted instance of the session is terminal.
func (s *Scheduler) Wait(sessionID string) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.wg.Wait()
}

// RunningCount reports instances currently in the running state.
func (s *Scheduler) RunningCount() int {
	return int(s.running.Load())
}

// CancelSession terminates all running instances of the session,
// best-effort, and drains its queued work. Unfinished instances become
// paused when preserve is set, failed otherwise. Worktrees survive unless
// preserve is false.
func (s *Scheduler) CancelSession(sessionID string, preserve bool) {
	st := s.session(sessionID)
	st.mu.Lock()
	st.canceled = true
	parked := st.parked
	st.parked = nil
	st.mu.Unlock()

	// Flag first, then kill: the run loops check the flag before host
	// liveness, so a killed host is reported as canceled, not crashed.
	instances, err := s.store.ListInstances(sessionID)
	if err == nil {
		for _, inst := range instances {
			if store.InstanceStatus(inst.Status) == store.InstanceRunning && inst.TmuxSessionID != "" {
				if err := s.host.Terminate(inst.TmuxSessionID); err != nil {
					logging.WithInstance(s.log, sessionID, inst.InstanceID).Warn("terminate failed", "error", err)
				}
			}
		}
	}

	for _, req := range parked {
		s.finalizeCanceled(req, preserve)
		st.wg.Done()
	}
}

// PauseSession stops admitting queued work for the session. Running
// instances are left alone; suspend semantics are host dependent and the
// portable behavior is to stop admissions only.
func (s *Scheduler) PauseSession(sessionID string) {
	st := s.session(sessionID)
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
}

// ResumeSession re-admits work parked while the session was paused.
func (s *Scheduler) ResumeSession(sessionID string) {
	st := s.session(sessionID)
	st.mu.Lock()
	st.paused = false
	st.canceled = false
	parked := st.parked
	st.parked = nil
	st.mu.Unlock()

	for _, req := range parked {
		select {
		case s.queue <- req:
		default:
			s.finalizeFailed(req, "scheduler queue is full")
			st.wg.Done()
		}
	}
}

func (s *Scheduler) session(id string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{}
		s.sessions[id] = st
	}
	return st
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.process(ctx, req)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, req Request) {
	st := s.session(req.SessionID)

	st.mu.Lock()
	if st.canceled {
		st.mu.Unlock()
		s.finalizeCanceled(req, req.PreserveWorktrees)
		st.wg.Done()
		return
	}
	if st.paused {
		st.parked = append(st.parked, req)
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	s.run(ctx, st, req)
	st.wg.Done()
}

// run drives one instance from provisioning to a terminal status. Each
// instance is independently supervised: its failure never propagates to
// siblings.
func (s *Scheduler) run(ctx context.Context, st *sessionState, req Request) {
	log := logging.WithInstance(s.log, req.SessionID, req.InstanceID)

	command, err := CommandFor(req.Runtime, req.Model, req.Prompt)
	if err != nil {
		s.finalizeFailed(req, err.Error())
		return
	}

	wtPath, branch, err := s.workspaces.Provision(req.SessionID, req.InstanceID)
	if err != nil {
		log.Error("worktree provisioning failed", "error", err)
		s.finalizeFailed(req, "workspace provisioning failed: "+err.Error())
		return
	}

	hostName := hostSessionName(req.SessionID, req.InstanceID)
	// The agent command is wrapped so the host session outlives the agent
	// process: the exit marker lands in the capture buffer and the sleep
	// keeps the pane around until the scheduler reaps it.
	wrapped := command + "; echo \"" + exitMarkerText + "$?__\"; sleep 2147483647"
	if err := s.host.Spawn(hostName, wtPath, wrapped); err != nil {
		log.Error("host spawn failed", "error", err)
		s.finalizeFailed(req, "execution host spawn failed: "+err.Error())
		s.removeWorktree(req)
		return
	}

	if err := s.store.MarkInstanceRunning(req.SessionID, req.InstanceID, hostName, wtPath, branch); err != nil {
		log.Error("status write failed", "error", err)
		_ = s.host.Terminate(hostName)
		s.finalizeFailed(req, "status write failed: "+err.Error())
		return
	}
	s.running.Add(1)
	defer s.running.Add(-1)
	log.Info("instance running", "host", hostName, "worktree", wtPath)

	deadline := time.Now().Add(req.Timeout)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var lastOutput string
	for {
		select {
		case <-ctx.Done():
			_ = s.host.Terminate(hostName)
			s.finishCanceled(req, lastOutput)
			return
		case <-ticker.C:
		}

		st.mu.Lock()
		canceled := st.canceled
		st.mu.Unlock()
		if canceled {
			_ = s.host.Terminate(hostName)
			s.finishCanceled(req, lastOutput)
			return
		}

		if out, err := s.host.CaptureOutput(hostName); err == nil && out != lastOutput {
			lastOutput = out
			if err := s.store.SetInstanceOutput(req.SessionID, req.InstanceID, out); err != nil {
				log.Warn("output write failed", "error", err)
			}
		}

		if code, done := parseExitMarker(lastOutput); done {
			_ = s.host.Terminate(hostName)
			s.finishExited(req, lastOutput, code)
			return
		}

		if alive, _ := s.host.IsAlive(hostName); !alive {
			s.finishDead(req, lastOutput)
			return
		}

		if time.Now().After(deadline) {
			_ = s.host.Terminate(hostName)
			s.finishTimeout(req, lastOutput)
			return
		}
	}
}

func (s *Scheduler) finishExited(req Request, output string, code int) {
	stats := s.stats(req)
	if code == 0 {
		s.finish(req, store.InstanceCompleted, "", output, stats)
		return
	}
	s.finish(req, store.InstanceFailed, fmt.Sprintf("agent exited with status %d", code), output, stats)
}

func (s *Scheduler) finishDead(req Request, output string) {
	s.finish(req, store.InstanceFailed, "execution host exited unexpectedly", output, s.stats(req))
}

func (s *Scheduler) finishTimeout(req Request, output string) {
	s.finish(req, store.InstanceFailed, fmt.Sprintf("timeout after %s", req.Timeout), output, s.stats(req))
}

func (s *Scheduler) finishCanceled(req Request, output string) {
	if req.PreserveWorktrees {
		s.finish(req, store.InstancePaused, "canceled, worktree preserved", output, s.stats(req))
		return
	}
	s.finish(req, store.InstanceFailed, "canceled", output, s.stats(req))
	s.removeWorktree(req)
}

func (s *Scheduler) finish(req Request, status store.InstanceStatus, reason, output string, stats *store.ChangeStats) {
	if err := s.store.FinishInstance(req.SessionID, req.InstanceID, status, reason, output, stats); err != nil {
		s.log.Error("finish write failed", "session", req.SessionID, "instance", req.InstanceID, "error", err)
	}
}

// finalizeFailed records a terminal failure for work that never reached
// the running state.
func (s *Scheduler) finalizeFailed(req Request, reason string) {
	if err := s.store.FinishInstance(req.SessionID, req.InstanceID, store.InstanceFailed, reason, "", nil); err != nil {
		s.log.Error("finalize write failed", "session", req.SessionID, "instance", req.InstanceID, "error", err)
	}
}

func (s *Scheduler) finalizeCanceled(req Request, preserve bool) {
	status := store.InstanceFailed
	reason := "canceled before start"
	if preserve {
		status = store.InstancePaused
		reason = "canceled before start, resumable"
	}
	if err := s.store.FinishInstance(req.SessionID, req.InstanceID, status, reason, "", nil); err != nil {
		s.log.Error("finalize write failed", "session", req.SessionID, "instance", req.InstanceID, "error", err)
	}
}

func (s *Scheduler) stats(req Request) *store.ChangeStats {
	inst, err := s.store.GetInstance(req.SessionID, req.InstanceID)
	if err != nil || inst.WorktreePath == "" {
		return nil
	}
	wt, err := s.workspaces.Stats(inst.WorktreePath)
	if err != nil {
		return nil
	}
	return &store.ChangeStats{
		FilesChanged: wt.FilesChanged,
		LinesAdded:   wt.LinesAdded,
		LinesDeleted: wt.LinesDeleted,
	}
}

func (s *Scheduler) removeWorktree(req Request) {
	if err := s.workspaces.Remove(req.SessionID, req.InstanceID); err != nil {
		s.log.Warn("worktree removal failed", "session", req.SessionID, "instance", req.InstanceID, "error", err)
	}
}

func hostSessionName(sessionID string, instanceID int) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "arena-" + sessionID + "-" + strconv.Itoa(instanceID)
}

func parseExitMarker(output string) (int, bool) {
	m := exitMarkerRe.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}
