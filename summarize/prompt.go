// Package summarize turns section chunks into analyst-style bullet summaries.
package summarize

import (
	"fmt"
	"strings"

	"github.com/filingwatch/filingwatch/parse"
)

// SystemPrompt frames the model as an equity research analyst producing a
// bounded bullet summary.
const SystemPrompt = "You are an equity research analyst reviewing SEC filings. " +
	"Summarize the provided filing excerpt in at most 4 concise bullet points. " +
	"Focus on material developments, financial impact, and forward-looking statements. " +
	"If the excerpt contains nothing material, respond with exactly: No material updates detected."

// NoContentPlaceholder stands in for an empty chunk body.
const NoContentPlaceholder = "No content provided."

// NoMaterialUpdates is the canonical summary of an immaterial chunk, also
// persisted when the model returns an empty completion.
const NoMaterialUpdates = "No material updates detected."

// UserPrompt renders the chunk and its filing metadata for the model.
func UserPrompt(task parse.ChunkTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filing: %s\n", task.AccessionNumber)
	if task.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", task.Company)
	}
	fmt.Fprintf(&b, "Form type: %s\n", task.FormType)
	fmt.Fprintf(&b, "Section: %s (part %d of %d)\n\n", task.Title, task.ChunkIndex+1, task.ChunkCount)

	var text = strings.TrimSpace(task.Text)
	if text == "" {
		text = NoContentPlaceholder
	}
	b.WriteString(text)
	return b.String()
}
