// Package entity extracts structured attributes from section chunks.
package entity

import (
	"fmt"
	"strings"

	"github.com/filingwatch/filingwatch/parse"
)

// Types is the closed set of entity types the pipeline recognizes. Anything
// else the model invents is folded into "other".
var Types = []string{
	"executive_change",
	"guidance_update",
	"litigation",
	"debt_covenant",
	"related_party_transaction",
	"risk_factor_change",
	"other",
}

// SystemPrompt instructs the model to emit a JSON array of typed entities.
const SystemPrompt = "You extract structured events from SEC filing excerpts. " +
	"Respond with a JSON array only, no prose. Each element must have the fields: " +
	"type (one of: executive_change, guidance_update, litigation, debt_covenant, " +
	"related_party_transaction, risk_factor_change, other), " +
	"entity (a short human-readable label), " +
	"confidence (a number between 0 and 1), " +
	"evidence (a short quote from the excerpt), and " +
	"metadata (an object of additional attributes, or null). " +
	"Respond with [] when the excerpt contains no extractable events."

// UserPrompt renders the chunk for extraction.
func UserPrompt(task parse.ChunkTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Filing: %s (%s)\n", task.AccessionNumber, task.FormType)
	fmt.Fprintf(&b, "Section: %s (part %d of %d)\n\n", task.Title, task.ChunkIndex+1, task.ChunkCount)
	var text = strings.TrimSpace(task.Text)
	if text == "" {
		text = "No content provided."
	}
	b.WriteString(text)
	return b.String()
}
