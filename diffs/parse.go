package diffs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/filingwatch/filingwatch/store"
)

var changeTypes = map[string]bool{
	"addition":  true,
	"removal":   true,
	"update":    true,
	"rewording": true,
}

var impacts = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// maxSummaryLength bounds one change summary.
const maxSummaryLength = 160

// defaultSummary stands in when the model omits one.
const defaultSummary = "Change detected."

type rawChange struct {
	ChangeType string   `json:"change_type"`
	Summary    string   `json:"summary"`
	Impact     string   `json:"impact"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// ParseResponse decodes a model completion into normalized change inputs.
// It accepts a bare JSON array, a {"changes": [...]} wrapper, and fenced
// code blocks around either.
func ParseResponse(content string) ([]store.ChangeInput, error) {
	var payload = strings.TrimSpace(stripFences(content))
	if payload == "" {
		return nil, fmt.Errorf("empty diff response")
	}

	var raw []rawChange
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		var wrapper struct {
			Changes []rawChange `json:"changes"`
		}
		if err2 := json.Unmarshal([]byte(payload), &wrapper); err2 != nil || wrapper.Changes == nil {
			return nil, fmt.Errorf("decoding diff response: %w", err)
		}
		raw = wrapper.Changes
	}

	var out = make([]store.ChangeInput, 0, len(raw))
	for _, r := range raw {
		out = append(out, normalizeChange(r))
	}
	return out, nil
}

func normalizeChange(r rawChange) store.ChangeInput {
	var kind = strings.ToLower(strings.TrimSpace(r.ChangeType))
	if !changeTypes[kind] {
		kind = "update"
	}
	var impact = strings.ToLower(strings.TrimSpace(r.Impact))
	if !impacts[impact] {
		impact = "medium"
	}

	var summary = strings.TrimSpace(r.Summary)
	if summary == "" {
		summary = defaultSummary
	}
	summary = truncateSummary(summary)

	var confidence *float64
	if r.Confidence != nil && *r.Confidence >= 0 && *r.Confidence <= 1 {
		confidence = r.Confidence
	}

	return store.ChangeInput{
		ChangeType: kind,
		Summary:    summary,
		Impact:     impact,
		Confidence: confidence,
		Evidence:   strings.TrimSpace(r.Evidence),
	}
}

func truncateSummary(s string) string {
	if len(s) <= maxSummaryLength {
		return s
	}
	return s[:maxSummaryLength-3] + "..."
}

func stripFences(content string) string {
	var s = strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
