package parse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func paragraph(i, words int) string {
	var b strings.Builder
	for w := 0; w < words; w++ {
		fmt.Fprintf(&b, "para%d-word%d ", i, w)
	}
	return strings.TrimSpace(b.String())
}

func TestPlanChunksSingleSmallSection(t *testing.T) {
	var text = "short paragraph\n\nanother short paragraph"
	var chunks = PlanChunks(text, DefaultChunkOptions())
	require.Len(t, chunks, 1)
	require.Equal(t, text, chunks[0].Text)
	require.Equal(t, 0, chunks[0].StartParagraph)
	require.Equal(t, 1, chunks[0].EndParagraph)
	require.Equal(t, EstimateTokens(text), chunks[0].EstimatedTokens)
}

func TestPlanChunksSplitsAndOverlaps(t *testing.T) {
	// Each paragraph estimates to 130 tokens; ten of them exceed a single
	// 400-token chunk several times over.
	var paragraphs []string
	for i := 0; i < 10; i++ {
		paragraphs = append(paragraphs, paragraph(i, 100))
	}
	var text = strings.Join(paragraphs, "\n\n")

	var chunks = PlanChunks(text, ChunkOptions{
		MaxTokens: 400, MinTokens: 50, OverlapParagraphs: 1,
	})
	require.Greater(t, len(chunks), 2)

	for _, chunk := range chunks {
		require.LessOrEqual(t, chunk.EstimatedTokens, 400+130)
		require.Equal(t, EstimateTokens(chunk.Text), chunk.EstimatedTokens)
	}
	// Adjacent chunks share their boundary paragraph, and the spans record it.
	for i := 1; i < len(chunks); i++ {
		var tail = strings.Split(chunks[i-1].Text, "\n\n")
		var head = strings.Split(chunks[i].Text, "\n\n")
		require.Equal(t, tail[len(tail)-1], head[0])
		require.Equal(t, chunks[i-1].EndParagraph, chunks[i].StartParagraph)
	}
	// Every paragraph appears somewhere, and the spans cover the section.
	var texts = make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	var joined = strings.Join(texts, "\n\n")
	for _, para := range paragraphs {
		require.Contains(t, joined, para)
	}
	require.Equal(t, 0, chunks[0].StartParagraph)
	require.Equal(t, len(paragraphs)-1, chunks[len(chunks)-1].EndParagraph)
}

func TestPlanChunksMergesUndersizedTail(t *testing.T) {
	var text = paragraph(0, 100) + "\n\n" + paragraph(1, 100) + "\n\ntiny tail"
	var chunks = PlanChunks(text, ChunkOptions{
		MaxTokens: 131, MinTokens: 50, OverlapParagraphs: 0,
	})
	// "tiny tail" would be its own chunk but is below MinTokens, so it folds
	// into the previous one.
	require.Len(t, chunks, 2)
	require.Contains(t, chunks[1].Text, "tiny tail")
	require.Equal(t, 2, chunks[1].EndParagraph)
}

func TestPlanChunksOversizedParagraphStandsAlone(t *testing.T) {
	var big = paragraph(0, 1000)
	var chunks = PlanChunks("small one\n\n"+big, ChunkOptions{
		MaxTokens: 200, MinTokens: 0, OverlapParagraphs: 0,
	})
	require.Len(t, chunks, 2)
	require.Equal(t, big, chunks[1].Text)
	require.Equal(t, 1, chunks[1].StartParagraph)
	require.Equal(t, 1, chunks[1].EndParagraph)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 2, EstimateTokens("one"))
	require.Equal(t, 13, EstimateTokens(strings.Repeat("word ", 10)))
}
