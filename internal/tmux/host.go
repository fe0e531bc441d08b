// Package tmux drives detached tmux sessions as isolated execution hosts
// for agent instances.
package tmux

import (
	"errors"
	"strings"
)

// Adapter runs agent commands inside named, detached tmux sessions. One
// session per instance; the scheduler owns the naming.
type Adapter struct {
	exec   Exec
	socket string
}

func NewAdapter(e Exec) *Adapter {
	return &Adapter{exec: e}
}

// NewAdapterWithSocket isolates the orchestrator's sessions on a private
// tmux server socket, away from the user's own tmux.
func NewAdapterWithSocket(e Exec, socket string) *Adapter {
	return &Adapter{exec: e, socket: socket}
}

// Spawn starts a detached session named name, running command in dir.
func (a *Adapter) Spawn(name, dir, command string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("session name is required")
	}
	if strings.TrimSpace(command) == "" {
		return errors.New("command is required")
	}
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, command)
	return a.exec.Run("tmux", a.withSocket(args...)...)
}

// CaptureOutput returns the session's full scrollback plus visible pane.
func (a *Adapter) CaptureOutput(name string) (string, error) {
	out, err := a.exec.Output("tmux", a.withSocket("capture-pane", "-p", "-S", "-", "-t", name)...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// IsAlive reports whether the session still exists. tmux exits non-zero
// for a missing session, which is a normal answer here, not an error.
func (a *Adapter) IsAlive(name string) (bool, error) {
	if err := a.exec.Run("tmux", a.withSocket("has-session", "-t", name)...); err != nil {
		return false, nil
	}
	return true, nil
}

// Terminate kills the session. Missing sessions are fine.
func (a *Adapter) Terminate(name string) error {
	err := a.exec.Run("tmux", a.withSocket("kill-session", "-t", name)...)
	if err != nil {
		if alive, _ := a.IsAlive(name); !alive {
			return nil
		}
		return err
	}
	return nil
}

// SendText types text into the session followed by Enter, used to feed
// debate prompts to an interactive agent.
func (a *Adapter) SendText(name, text string) error {
	if err := a.exec.Run("tmux", a.withSocket("send-keys", "-l", "-t", name, text)...); err != nil {
		return err
	}
	return a.exec.Run("tmux", a.withSocket("send-keys", "-t", name, "Enter")...)
}

// ListSessions returns the names of live sessions on this server.
func (a *Adapter) ListSessions() ([]string, error) {
	out, err := a.exec.Output("tmux", a.withSocket("list-sessions", "-F", "#{session_name}")...)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

func (a *Adapter) withSocket(args ...string) []string {
	if a.socket == "" {
		return args
	}
	return append([]string{"-L", a.socket}, args...)
}
