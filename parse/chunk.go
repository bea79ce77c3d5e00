package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/store"
)

// Analysis queue names fed by the parse stage.
const (
	ChunkQueue  = "sec:groq:chunk"
	EntityQueue = "sec:groq:entity"
)

// ChunkTask is one section chunk bound for LLM analysis. The same task shape
// serves both summarization and entity extraction; the job id suffix
// distinguishes them.
type ChunkTask struct {
	ID              string `json:"job_id"`
	AccessionNumber string `json:"accession_number"`
	FilingID        int64  `json:"filing_id"`
	SectionID       int64  `json:"section_id"`
	Ordinal         int    `json:"ordinal"`
	ChunkIndex      int    `json:"chunk_index"`
	ChunkCount      int    `json:"chunk_count"`
	StartParagraph  int    `json:"start_paragraph"`
	EndParagraph    int    `json:"end_paragraph"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Title           string `json:"title"`
	FormType        string `json:"form_type"`
	Company         string `json:"company,omitempty"`
	Text            string `json:"text"`
}

func (t ChunkTask) JobID() string { return t.ID }

// AnalysisExtra is the provenance metadata persisted alongside the analysis
// row produced from this chunk.
func (t ChunkTask) AnalysisExtra() string {
	var extra, _ = json.Marshal(map[string]interface{}{
		"section_title":         t.Title,
		"chunk_index":           t.ChunkIndex,
		"start_paragraph_index": t.StartParagraph,
		"end_paragraph_index":   t.EndParagraph,
	})
	return string(extra)
}

// SummaryJobID is the job id of a section chunk summary.
func SummaryJobID(accessionNumber string, ordinal, chunk int) string {
	return fmt.Sprintf("%s:%d:%d", accessionNumber, ordinal, chunk)
}

// EntityJobID is the job id of a section chunk entity extraction.
func EntityJobID(accessionNumber string, ordinal, chunk int) string {
	return SummaryJobID(accessionNumber, ordinal, chunk) + ":entity"
}

// ResolveSection loads the filing and section a chunk currently addresses.
// A task carries the section id of the parse that enqueued it, but a reparse
// replaces the section rows under new ids; (accession, ordinal) is the stable
// identity, so consumers resolve through it rather than trusting the stale
// id. Either load surfaces store.ErrNotFound when the row is gone.
func ResolveSection(ctx context.Context, st store.Store, task ChunkTask) (*store.Filing, *store.Section, error) {
	filing, err := st.FilingByAccession(ctx, task.AccessionNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("loading filing %s: %w", task.AccessionNumber, err)
	}
	section, err := st.SectionByOrdinal(ctx, filing.ID, task.Ordinal)
	if err != nil {
		return nil, nil, fmt.Errorf("loading section %d of %s: %w",
			task.Ordinal, task.AccessionNumber, err)
	}
	return filing, section, nil
}

// ChunkOptions tune the chunk planner.
type ChunkOptions struct {
	// MaxTokens bounds the estimated tokens per chunk.
	MaxTokens int
	// MinTokens merges an undersized trailing chunk into its predecessor.
	MinTokens int
	// OverlapParagraphs carries this many trailing paragraphs of each chunk
	// into the next, preserving cross-chunk context.
	OverlapParagraphs int
}

// DefaultChunkOptions returns the planner tuning used when none is provided.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{MaxTokens: 1200, MinTokens: 120, OverlapParagraphs: 1}
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	var d = DefaultChunkOptions()
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.MinTokens < 0 {
		o.MinTokens = d.MinTokens
	}
	if o.OverlapParagraphs < 0 {
		o.OverlapParagraphs = d.OverlapParagraphs
	}
	return o
}

// EstimateTokens approximates the token count of |text| from its word count.
func EstimateTokens(text string) int {
	return llm.EstimateTokens(text)
}

// Chunk is one planned slice of a section: its joined text plus the inclusive
// paragraph span it covers within the section.
type Chunk struct {
	Text            string
	StartParagraph  int
	EndParagraph    int
	EstimatedTokens int
}

// PlanChunks splits |text| into chunks of whole paragraphs, each bounded by
// MaxTokens, with OverlapParagraphs of carryover between adjacent chunks. A
// paragraph larger than MaxTokens stands alone rather than being split.
func PlanChunks(text string, opts ChunkOptions) []Chunk {
	opts = opts.withDefaults()

	var paragraphs = splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	// Chunks are built as groups of paragraph indices so that each retains
	// its span within the section.
	var groups [][]int
	var current []int
	var currentTokens int
	for i, para := range paragraphs {
		var tokens = EstimateTokens(para)
		if len(current) != 0 && currentTokens+tokens > opts.MaxTokens {
			groups = append(groups, current)
			// Seed the next chunk with the tail of this one.
			var overlap = opts.OverlapParagraphs
			if overlap > len(current) {
				overlap = len(current)
			}
			current = append([]int(nil), current[len(current)-overlap:]...)
			currentTokens = 0
			for _, p := range current {
				currentTokens += EstimateTokens(paragraphs[p])
			}
		}
		current = append(current, i)
		currentTokens += tokens
	}
	groups = append(groups, current)

	// An undersized final chunk folds into its predecessor.
	if len(groups) > 1 {
		var last = groups[len(groups)-1]
		if EstimateTokens(joinGroup(paragraphs, last)) < opts.MinTokens {
			groups[len(groups)-2] = append(groups[len(groups)-2], last...)
			groups = groups[:len(groups)-1]
		}
	}

	var out = make([]Chunk, len(groups))
	for i, g := range groups {
		var joined = joinGroup(paragraphs, g)
		out[i] = Chunk{
			Text:            joined,
			StartParagraph:  g[0],
			EndParagraph:    g[len(g)-1],
			EstimatedTokens: EstimateTokens(joined),
		}
	}
	return out
}

func joinGroup(paragraphs []string, group []int) string {
	var parts = make([]string, len(group))
	for i, p := range group {
		parts[i] = paragraphs[p]
	}
	return strings.Join(parts, "\n\n")
}

func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}
