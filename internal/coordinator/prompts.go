package coordinator

import (
	"fmt"
	"strings"

	"arena/internal/db"
	"arena/internal/store"
)

// maxOutputExcerpt bounds how much of each prior instance's output is
// embedded into a follow-up prompt. Terminal capture can run to megabytes.
const maxOutputExcerpt = 4000

func integrationPrompt(task string, instances []db.Instance) string {
	var b strings.Builder
	b.WriteString("You are the integrator. The task was:\n\n")
	b.WriteString(task)
	b.WriteString("\n\nThe following independent attempts were made. Merge the best parts of each into a single coherent solution in this worktree.\n")
	writeAttempts(&b, instances)
	return b.String()
}

func debatePrompt(task string, round int, instances []db.Instance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Debate round %d. The task is:\n\n", round)
	b.WriteString(task)
	b.WriteString("\n\nReview the previous round's attempts below, critique their weaknesses, and produce an improved solution in this worktree.\n")
	writeAttempts(&b, instances)
	return b.String()
}

func writeAttempts(b *strings.Builder, instances []db.Instance) {
	for _, inst := range instances {
		status := store.InstanceStatus(inst.Status)
		if !status.Terminal() || status == store.InstanceArchived {
			continue
		}
		fmt.Fprintf(b, "\n--- attempt %d (%s, %s) ---\n", inst.InstanceID, inst.RuntimeLabel, inst.Status)
		b.WriteString(excerpt(inst.Output))
		b.WriteString("\n")
	}
}

func excerpt(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxOutputExcerpt {
		return output
	}
	return "…" + output[len(output)-maxOutputExcerpt:]
}
