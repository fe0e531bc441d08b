package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRuntime is recorded on the instance when the requested agent
// provider has no command template.
var ErrUnknownRuntime = errors.New("unknown runtime")

// CommandFor builds the shell command that launches an agent runtime
// against a prompt. The catalog of providers is intentionally small; the
// orchestrator only needs launch/capture/terminate, not provider smarts.
func CommandFor(runtime, model, prompt string) (string, error) {
	q := shellQuote(prompt)
	switch runtime {
	case "claude":
		cmd := "claude -p " + q
		if model != "" {
			cmd += " --model " + shellQuote(model)
		}
		return cmd, nil
	case "codex":
		cmd := "codex exec"
		if model != "" {
			cmd += " -m " + shellQuote(model)
		}
		return cmd + " " + q, nil
	case "cursor":
		cmd := "cursor-agent -p " + q
		if model != "" {
			cmd += " --model " + shellQuote(model)
		}
		return cmd, nil
	case "opencode":
		cmd := "opencode run " + q
		if model != "" {
			cmd += " --model " + shellQuote(model)
		}
		return cmd, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRuntime, runtime)
}

// RuntimeLabel is the display name for a runtime+model allocation.
func RuntimeLabel(runtime, model string) string {
	if model == "" {
		return runtime
	}
	return runtime + ":" + model
}

func shellQuote(input string) string {
	if input == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(input, "'", `'"'"'`) + "'"
}
