package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/filingwatch/filingwatch/store"
)

var knownTypes = func() map[string]bool {
	var m = make(map[string]bool, len(Types))
	for _, t := range Types {
		m[t] = true
	}
	return m
}()

// rawEntity is the tolerant decode target for one extracted element. Models
// disagree on field names; both observed spellings are accepted.
type rawEntity struct {
	Type           string          `json:"type"`
	Entity         string          `json:"entity"`
	Label          string          `json:"label"`
	Confidence     *float64        `json:"confidence"`
	Evidence       string          `json:"evidence"`
	SupportingText string          `json:"supporting_text"`
	Metadata       json.RawMessage `json:"metadata"`
}

// ParseResponse decodes a model completion into normalized entity inputs.
// It accepts a bare JSON array, an {"entities": [...]} wrapper, and fenced
// code blocks around either. Anything else is an error.
func ParseResponse(content string) ([]store.EntityInput, error) {
	var payload = strings.TrimSpace(stripFences(content))
	if payload == "" {
		return nil, fmt.Errorf("empty extraction response")
	}

	var raw []rawEntity
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		var wrapper struct {
			Entities []rawEntity `json:"entities"`
		}
		if err2 := json.Unmarshal([]byte(payload), &wrapper); err2 != nil || wrapper.Entities == nil {
			return nil, fmt.Errorf("decoding extraction response: %w", err)
		}
		raw = wrapper.Entities
	}

	var out []store.EntityInput
	for _, r := range raw {
		var in = normalize(r)
		if in.Label == "" {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func normalize(r rawEntity) store.EntityInput {
	var kind = strings.ToLower(strings.TrimSpace(r.Type))
	kind = strings.ReplaceAll(kind, " ", "_")
	kind = strings.ReplaceAll(kind, "-", "_")
	if !knownTypes[kind] {
		kind = "other"
	}

	var label = strings.TrimSpace(r.Entity)
	if label == "" {
		label = strings.TrimSpace(r.Label)
	}

	var confidence *float64
	if r.Confidence != nil && *r.Confidence >= 0 && *r.Confidence <= 1 {
		confidence = r.Confidence
	}

	var excerpt *string
	if e := strings.TrimSpace(r.Evidence); e != "" {
		excerpt = &e
	} else if e := strings.TrimSpace(r.SupportingText); e != "" {
		excerpt = &e
	}

	var attributes *string
	if len(r.Metadata) != 0 && string(r.Metadata) != "null" {
		var probe map[string]any
		if json.Unmarshal(r.Metadata, &probe) == nil && len(probe) != 0 {
			var s = string(r.Metadata)
			attributes = &s
		}
	}

	return store.EntityInput{
		Type:       kind,
		Label:      label,
		Confidence: confidence,
		Excerpt:    excerpt,
		Attributes: attributes,
	}
}

// stripFences removes a ```json ... ``` wrapper if present.
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
