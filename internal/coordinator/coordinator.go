package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"arena/internal/db"
	"arena/internal/evaluation"
	"arena/internal/logging"
	"arena/internal/scheduler"
	"arena/internal/store"
	"arena/internal/workspace"
)

// Runner is the slice of the instance scheduler the coordinator drives.
type Runner interface {
	Enqueue(req scheduler.Request) error
	Wait(sessionID string)
	CancelSession(sessionID string, preserve bool)
	PauseSession(sessionID string)
	ResumeSession(sessionID string)
}

// Messenger delivers text into a live execution host. Optional; chat is
// always persisted regardless.
type Messenger interface {
	SendText(name, text string) error
}

// Options tune a Coordinator.
type Options struct {
	Weights        evaluation.Weights
	DefaultTimeout time.Duration
}

// Coordinator is the top-level façade: it owns the session state machine
// and the mode-specific orchestration, composing the store, the workspace
// registry and the scheduler.
type Coordinator struct {
	store      *store.Store
	workspaces *workspace.Registry
	runner     Runner
	messenger  Messenger
	log        *slog.Logger

	weights        evaluation.Weights
	defaultTimeout time.Duration
}

func New(st *store.Store, reg *workspace.Registry, runner Runner, messenger Messenger, log *slog.Logger, opts Options) *Coordinator {
	if opts.Weights == (evaluation.Weights{}) {
		opts.Weights = evaluation.DefaultWeights()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = scheduler.DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:          st,
		workspaces:     reg,
		runner:         runner,
		messenger:      messenger,
		log:            log,
		weights:        opts.Weights,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// StartParams describe a new session.
type StartParams struct {
	WorkspacePath     string
	Type              store.SessionType
	Task              string
	RuntimeMix        []string
	Model             string
	TimeoutSeconds    *int
	PreserveWorktrees bool
	DebateRounds      int
}

type allocation struct {
	runtime string
	model   string
}

// Start registers the workspace, creates the session with its initial
// instances, enqueues them and launches the supervising goroutine that
// drives the session to a terminal state.
func (c *Coordinator) Start(ctx context.Context, p StartParams) (string, error) {
	allocs, err := expandMix(p.RuntimeMix, p.Model)
	if err != nil {
		return "", err
	}
	if p.Type == store.TypeDebate && p.DebateRounds <= 0 {
		p.DebateRounds = 2
	}

	hash, err := c.workspaces.Touch(p.WorkspacePath)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sess, err := c.store.CreateSession(store.CreateSessionParams{
		ID:                id,
		WorkspaceHash:     hash,
		Type:              p.Type,
		Task:              p.Task,
		Model:             p.Model,
		TimeoutSeconds:    p.TimeoutSeconds,
		PreserveWorktrees: p.PreserveWorktrees,
		RuntimeMix:        p.RuntimeMix,
		DebateRounds:      p.DebateRounds,
	})
	if err != nil {
		return "", err
	}

	admitted, err := c.admitWave(sess, allocs, p.Task)
	if err != nil {
		return id, err
	}
	if admitted == 0 {
		_ = c.store.UpdateSessionStatus(id, store.SessionFailed, "no instances could be admitted")
		return id, fmt.Errorf("session %s: no instances could be admitted", id)
	}

	go c.supervise(ctx, id)
	return id, nil
}

// admitWave creates one instance row per allocation and enqueues it.
// Per-instance admission failures are recorded and do not abort siblings.
func (c *Coordinator) admitWave(sess db.Session, allocs []allocation, prompt string) (int, error) {
	existing, err := c.store.ListInstances(sess.ID)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, inst := range existing {
		if inst.InstanceID > next {
			next = inst.InstanceID
		}
	}

	timeout := c.defaultTimeout
	if sess.TimeoutSeconds != nil {
		timeout = time.Duration(*sess.TimeoutSeconds) * time.Second
	}

	admitted := 0
	for _, a := range allocs {
		next++
		row := db.Instance{
			InstanceID:   next,
			AgentName:    fmt.Sprintf("agent-%d", next),
			Runtime:      a.runtime,
			Model:        a.model,
			RuntimeLabel: scheduler.RuntimeLabel(a.runtime, a.model),
		}
		if _, err := c.store.AddInstance(sess.ID, row); err != nil {
			c.log.Error("instance admission failed", "session", sess.ID, "instance", next, "error", err)
			continue
		}
		err := c.runner.Enqueue(scheduler.Request{
			SessionID:         sess.ID,
			InstanceID:        next,
			Runtime:           a.runtime,
			Model:             a.model,
			Prompt:            prompt,
			Timeout:           timeout,
			PreserveWorktrees: sess.PreserveWorktrees,
		})
		if err != nil {
			c.log.Error("enqueue failed", "session", sess.ID, "instance", next, "error", err)
			_ = c.store.FinishInstance(sess.ID, next, store.InstanceFailed, "scheduler rejected request: "+err.Error(), "", nil)
			continue
		}
		admitted++
	}
	return admitted, nil
}

// supervise waits for the current wave of instances and then applies the
// mode-specific completion logic.
func (c *Coordinator) supervise(ctx context.Context, sessionID string) {
	c.runner.Wait(sessionID)
	if ctx.Err() != nil {
		return
	}

	sess, err := c.store.GetSessionRow(sessionID)
	if err != nil {
		logging.WithSession(c.log, sessionID).Error("session reload failed", "error", err)
		return
	}
	if store.SessionStatus(sess.Status) != store.SessionRunning {
		return
	}

	switch store.SessionType(sess.SessionType) {
	case store.TypeCompetition:
		c.finishCompetition(sessionID)
	case store.TypeEnsemble:
		c.runIntegration(ctx, sess)
	case store.TypeDebate:
		c.runDebateRounds(ctx, sess)
	}
}

func (c *Coordinator) finishCompetition(sessionID string) {
	result, err := c.EvaluateCompetition(sessionID)
	if err != nil {
		c.failSession(sessionID, "evaluation failed: "+err.Error())
		return
	}
	reason := "all instances finished"
	if result.RecommendedWinnerID != nil {
		reason = fmt.Sprintf("winner: instance %d", *result.RecommendedWinnerID)
	}
	if err := c.store.UpdateSessionStatus(sessionID, store.SessionCompleted, reason); err != nil {
		c.log.Error("completion write failed", "session", sessionID, "error", err)
	}
}

// runIntegration triggers once every non-archived instance is terminal:
// one extra instance consumes all prior outputs and merges them.
func (c *Coordinator) runIntegration(ctx context.Context, sess db.Session) {
	if err := c.store.SetIntegrationPhase(sess.ID, store.IntegrationInProgress); err != nil {
		c.failSession(sess.ID, "integration phase write failed: "+err.Error())
		return
	}
	instances, err := c.store.ListInstances(sess.ID)
	if err != nil {
		c.failSession(sess.ID, "instance listing failed: "+err.Error())
		return
	}
	prompt := integrationPrompt(sess.Task, instances)
	allocs, err := expandMix(store.DecodeRuntimeMix(sess.RuntimeMix), sess.Model)
	if err != nil || len(allocs) == 0 {
		c.failSession(sess.ID, "no runtime available for integration")
		return
	}

	admitted, err := c.admitWave(sess, allocs[:1], prompt)
	if err != nil || admitted == 0 {
		c.failSession(sess.ID, "integration instance could not be admitted")
		return
	}
	c.runner.Wait(sess.ID)
	if ctx.Err() != nil {
		return
	}
	if !c.stillRunning(sess.ID) {
		return
	}
	if err := c.store.SetIntegrationPhase(sess.ID, store.IntegrationCompleted); err != nil {
		c.log.Error("integration phase write failed", "session", sess.ID, "error", err)
	}
	if err := c.store.UpdateSessionStatus(sess.ID, store.SessionCompleted, "integration completed"); err != nil {
		c.log.Error("completion write failed", "session", sess.ID, "error", err)
	}
}

// runDebateRounds plays the remaining rounds. The initial wave counts as
// round one; each later round's prompt embeds the prior round's outputs.
func (c *Coordinator) runDebateRounds(ctx context.Context, sess db.Session) {
	allocs, err := expandMix(store.DecodeRuntimeMix(sess.RuntimeMix), sess.Model)
	if err != nil || len(allocs) == 0 {
		c.failSession(sess.ID, "no runtime available for debate rounds")
		return
	}

	round := sess.DebateRoundsDone
	if round < 1 {
		round = 1
	}
	if err := c.store.SetDebateRoundsDone(sess.ID, round); err != nil {
		c.log.Error("round write failed", "session", sess.ID, "error", err)
	}

	for round < sess.DebateRounds {
		if ctx.Err() != nil || !c.stillRunning(sess.ID) {
			return
		}
		instances, err := c.store.ListInstances(sess.ID)
		if err != nil {
			c.failSession(sess.ID, "instance listing failed: "+err.Error())
			return
		}
		round++
		prompt := debatePrompt(sess.Task, round, instances)
		admitted, err := c.admitWave(sess, allocs, prompt)
		if err != nil || admitted == 0 {
			c.failSession(sess.ID, fmt.Sprintf("round %d could not be admitted", round))
			return
		}
		c.runner.Wait(sess.ID)
		if err := c.store.SetDebateRoundsDone(sess.ID, round); err != nil {
			c.log.Error("round write failed", "session", sess.ID, "error", err)
		}
	}
	if ctx.Err() != nil || !c.stillRunning(sess.ID) {
		return
	}
	reason := fmt.Sprintf("%d debate rounds completed", sess.DebateRounds)
	if err := c.store.UpdateSessionStatus(sess.ID, store.SessionCompleted, reason); err != nil {
		c.log.Error("completion write failed", "session", sess.ID, "error", err)
	}
}

func (c *Coordinator) stillRunning(sessionID string) bool {
	sess, err := c.store.GetSessionRow(sessionID)
	if err != nil {
		return false
	}
	return store.SessionStatus(sess.Status) == store.SessionRunning
}

func (c *Coordinator) failSession(sessionID, reason string) {
	log := logging.WithSession(c.log, sessionID)
	log.Error("session failed", "reason", reason)
	if err := c.store.UpdateSessionStatus(sessionID, store.SessionFailed, reason); err != nil {
		log.Error("failure write failed", "error", err)
	}
}

// Cancel terminates all running instances of a session. With preserved
// worktrees the session parks as paused and can be resumed; otherwise it
// fails with reason "canceled".
func (c *Coordinator) Cancel(id string) error {
	sess, err := c.store.GetSessionRow(id)
	if err != nil {
		return err
	}
	if store.SessionStatus(sess.Status).Terminal() {
		return fmt.Errorf("%w: session %s is already %s", store.ErrValidation, id, sess.Status)
	}
	target := store.SessionFailed
	if sess.PreserveWorktrees {
		target = store.SessionPaused
	}
	if err := c.store.UpdateSessionStatus(id, target, "canceled"); err != nil {
		return err
	}
	c.runner.CancelSession(id, sess.PreserveWorktrees)
	return nil
}

// Pause stops new admissions for the session. Running hosts are left
// alone; suspension is best effort and host dependent.
func (c *Coordinator) Pause(id string) error {
	if err := c.store.UpdateSessionStatus(id, store.SessionPaused, "paused by user"); err != nil {
		return err
	}
	c.runner.PauseSession(id)
	return nil
}

// Resume re-admits a paused session's work and restarts the supervising
// goroutine that was released when the session left running. Instances
// parked as paused by a preserving cancel are enqueued again; they rerun
// the task in their preserved worktrees.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	sess, err := c.store.GetSessionRow(id)
	if err != nil {
		return err
	}
	if err := c.store.UpdateSessionStatus(id, store.SessionRunning, "resumed by user"); err != nil {
		return err
	}
	c.runner.ResumeSession(id)

	instances, err := c.store.ListInstances(id)
	if err != nil {
		return err
	}
	timeout := c.defaultTimeout
	if sess.TimeoutSeconds != nil {
		timeout = time.Duration(*sess.TimeoutSeconds) * time.Second
	}
	for _, inst := range instances {
		if store.InstanceStatus(inst.Status) != store.InstancePaused {
			continue
		}
		err := c.runner.Enqueue(scheduler.Request{
			SessionID:         id,
			InstanceID:        inst.InstanceID,
			Runtime:           inst.Runtime,
			Model:             inst.Model,
			Prompt:            sess.Task,
			Timeout:           timeout,
			PreserveWorktrees: sess.PreserveWorktrees,
		})
		if err != nil {
			logging.WithInstance(c.log, id, inst.InstanceID).Error("re-admission failed", "error", err)
			_ = c.store.FinishInstance(id, inst.InstanceID, store.InstanceFailed, "scheduler rejected request: "+err.Error(), "", nil)
		}
	}

	go c.supervise(ctx, id)
	return nil
}

// SendChat persists a message and, for user messages aimed at a running
// instance, forwards the text into its execution host.
func (c *Coordinator) SendChat(sessionID string, instanceID *int, role store.Role, content string) (db.ChatMessage, error) {
	msg, err := c.store.AppendMessage(sessionID, instanceID, role, content)
	if err != nil {
		return db.ChatMessage{}, err
	}
	if role == store.RoleUser && instanceID != nil && c.messenger != nil {
		inst, err := c.store.GetInstance(sessionID, *instanceID)
		if err == nil && store.InstanceStatus(inst.Status) == store.InstanceRunning && inst.TmuxSessionID != "" {
			if err := c.messenger.SendText(inst.TmuxSessionID, content); err != nil {
				c.log.Warn("chat delivery failed", "session", sessionID, "instance", *instanceID, "error", err)
			}
		}
	}
	return msg, nil
}

// EvaluateCompetition scores the completed instances of a competition
// session, persists the result and returns it. Re-running against
// unchanged inputs yields an identical result.
func (c *Coordinator) EvaluateCompetition(id string) (evaluation.Result, error) {
	sess, err := c.store.GetSessionRow(id)
	if err != nil {
		return evaluation.Result{}, err
	}
	if store.SessionType(sess.SessionType) != store.TypeCompetition {
		return evaluation.Result{}, fmt.Errorf("%w: session %s is type %s, not competition", store.ErrValidation, id, sess.SessionType)
	}
	instances, err := c.store.ListInstances(id)
	if err != nil {
		return evaluation.Result{}, err
	}

	var inputs []evaluation.Input
	for _, inst := range instances {
		if store.InstanceStatus(inst.Status) != store.InstanceCompleted {
			continue
		}
		inputs = append(inputs, evaluation.Input{
			InstanceID:     inst.InstanceID,
			TestsPassed:    inst.TestsPassed,
			TestsFailed:    inst.TestsFailed,
			CodeComplexity: inst.CodeComplexity,
			ExecutionTime:  instanceDuration(inst),
			FilesChanged:   intOrZero(inst.FilesChanged),
			LinesAdded:     intOrZero(inst.LinesAdded),
			LinesDeleted:   intOrZero(inst.LinesDeleted),
		})
	}

	result := evaluation.Evaluate(inputs, c.weights)
	encoded, err := json.Marshal(result)
	if err != nil {
		return evaluation.Result{}, err
	}
	if err := c.store.SetSessionEvaluation(id, string(encoded), result.RecommendedWinnerID); err != nil {
		return evaluation.Result{}, err
	}
	return result, nil
}

// Search matches sessions by task text.
func (c *Coordinator) Search(query string, limit int) ([]store.SearchHit, error) {
	return c.store.SearchSessions(query, limit)
}

// Health runs the store's integrity report.
func (c *Coordinator) Health() (store.Report, error) {
	return c.store.Validate()
}

// Await blocks until the session leaves the running state or the context
// ends, and returns the final row.
func (c *Coordinator) Await(ctx context.Context, id string, poll time.Duration) (db.Session, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		sess, err := c.store.GetSessionRow(id)
		if err != nil {
			return db.Session{}, err
		}
		if store.SessionStatus(sess.Status) != store.SessionRunning {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return sess, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns the full session record.
func (c *Coordinator) Get(id string) (store.SessionRecord, error) {
	return c.store.GetSession(id)
}

// List returns session summaries under the given filter.
func (c *Coordinator) List(f store.ListFilter) ([]db.Session, error) {
	return c.store.ListSessions(f)
}

func instanceDuration(inst db.Instance) time.Duration {
	if inst.StartTime == nil || inst.EndTime == nil || *inst.EndTime < *inst.StartTime {
		return 0
	}
	return time.Duration(*inst.EndTime-*inst.StartTime) * time.Millisecond
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// expandMix expands runtime mix entries of the form runtime[:model[:count]]
// into one allocation per requested instance, preserving order.
func expandMix(entries []string, defaultModel string) ([]allocation, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: runtime mix is required", store.ErrValidation)
	}
	var out []allocation
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		runtime := parts[0]
		model := defaultModel
		count := 1
		if len(parts) > 1 && parts[1] != "" {
			model = parts[1]
		}
		if len(parts) > 2 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: invalid count in runtime mix entry %q", store.ErrValidation, entry)
			}
			count = n
		}
		if len(parts) > 3 || runtime == "" {
			return nil, fmt.Errorf("%w: invalid runtime mix entry %q", store.ErrValidation, entry)
		}
		for i := 0; i < count; i++ {
			out = append(out, allocation{runtime: runtime, model: model})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: runtime mix is required", store.ErrValidation)
	}
	return out, nil
}
