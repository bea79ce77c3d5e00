package diffs

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// maxSnippetBytes bounds the unified diff handed to the model.
const maxSnippetBytes = 8000

// Snippet renders a unified diff of the two section bodies, truncated to
// maxSnippetBytes.
func Snippet(previous, current string) (string, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("rendering diff: %w", err)
	}
	if len(text) > maxSnippetBytes {
		text = text[:maxSnippetBytes] + "\n..."
	}
	return strings.TrimRight(text, "\n"), nil
}
