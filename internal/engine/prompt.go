package engine

import (
	"fmt"
	"strings"

	"github.com/basket/clawtask/internal/checkpoint"
)

// recentLogEntries is how much of steps_log is replayed into the prompt.
const recentLogEntries = 5

// BuildPrompt renders the prompt for step (1-based) of maxSteps from the
// checkpoint. A resumed task sees its previous partial result plus any
// injected sub-task outcomes and review answer.
func BuildPrompt(st *checkpoint.State, step, maxSteps int, s Settings) string {
	var b strings.Builder
	b.WriteString("You are working on a background task.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", st.Goal)
	fmt.Fprintf(&b, "Step %d of %d.\n", step, maxSteps)

	if results := st.Outcomes(checkpoint.KeySubtaskResults); len(results) > 0 {
		b.WriteString("\nSub-task results:\n")
		for _, o := range results {
			fmt.Fprintf(&b, "- %s (%s): %s\n", o.TaskID, o.Status, o.Result)
		}
	}
	if failures := st.Outcomes(checkpoint.KeySubtaskFailures); len(failures) > 0 {
		b.WriteString("\nSub-task failures:\n")
		for _, o := range failures {
			reason := o.Error
			if reason == "" {
				reason = "no error recorded"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", o.TaskID, o.Status, reason)
		}
	}
	if resp := st.String(checkpoint.KeyReviewResponse); resp != "" {
		fmt.Fprintf(&b, "\nA human reviewer answered your question: %s\n", resp)
	}

	if n := len(st.StepsLog); n > 0 {
		b.WriteString("\nRecent steps:\n")
		from := max(0, n-recentLogEntries)
		for _, entry := range st.StepsLog[from:] {
			fmt.Fprintf(&b, "- %s\n", entry)
		}
	}
	if st.PartialResult != "" {
		fmt.Fprintf(&b, "\nYour previous output:\n%s\n", st.PartialResult)
	}

	fmt.Fprintf(&b, "\nWhen the task is complete, reply with %s followed by the final answer.", s.CompletionMarker)
	if s.ReviewMarker != "" {
		fmt.Fprintf(&b, "\nIf you need a decision from a human first, reply with %s followed by the question.", s.ReviewMarker)
	}
	if step == maxSteps {
		b.WriteString("\nThis is the last step; give your best final answer now.")
	}
	return b.String()
}

// detectMarker finds the first occurrence of marker anywhere in content and
// returns the trimmed text after it.
func detectMarker(content, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}
	idx := strings.Index(content, marker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(content[idx+len(marker):]), true
}
