// Package lifecycle runs a daemon's long-lived jobs and drains them in
// order on signal or failure.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

type job struct {
	name string
	run  func(context.Context) error
}

// Manager owns a set of named run jobs and shutdown hooks. Run jobs
// execute concurrently; the first failure, or a delivered signal, cancels
// the rest. Shutdown hooks then execute sequentially in registration
// order regardless of how the run phase ended.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	runs     []job
	shutdown []job
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log}
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runs = append(m.runs, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdown = append(m.shutdown, job{name: name, run: fn})
	m.mu.Unlock()
}

// StartAndWait blocks until every run job returns. Errors carry the name
// of the job that produced them.
func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	stopSignal := func() {}
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		stopSignal = stop
	}
	defer stopSignal()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	m.mu.Lock()
	runs := make([]job, len(m.runs))
	copy(runs, m.runs)
	hooks := make([]job, len(m.shutdown))
	copy(hooks, m.shutdown)
	m.mu.Unlock()

	errCh := make(chan error, len(runs))
	var wg sync.WaitGroup
	for _, j := range runs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.log.Debug("job started", "job", j.name)
			if err := j.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", j.name, err)
				cancelRuns()
				return
			}
			m.log.Debug("job finished", "job", j.name)
		}()
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		cancelRuns()
	case err := <-errCh:
		runErr = err
		cancelRuns()
	case <-doneCh:
	}

	<-doneCh

	var shutdownErr error
	for _, j := range hooks {
		if err := j.run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("shutdown hook failed", "job", j.name, "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}
