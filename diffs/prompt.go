package diffs

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to describe section changes as JSON.
const SystemPrompt = "You compare two versions of an SEC filing section and describe the " +
	"substantive changes. Respond with a JSON array only, no prose. Each element must " +
	"have the fields: change_type (one of: addition, removal, update, rewording), " +
	"summary (at most 160 characters), " +
	"impact (one of: low, medium, high), " +
	"confidence (a number between 0 and 1), and " +
	"evidence (a short quote from the diff). " +
	"Ignore formatting and pagination noise. Respond with [] when nothing substantive changed."

// UserPrompt renders the section diff for the model.
func UserPrompt(task DiffTask, snippet string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n", task.Title)
	fmt.Fprintf(&b, "Previous filing: %s\n", task.PreviousAccession)
	fmt.Fprintf(&b, "Current filing: %s\n\n", task.CurrentAccession)
	b.WriteString("Unified diff:\n")
	b.WriteString(snippet)
	return b.String()
}
