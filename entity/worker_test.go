package entity

import (
	"context"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/parse"
	"github.com/filingwatch/filingwatch/store"
)

type fakeCompleter struct {
	completion *llm.Completion
	err        error
	calls      int
}

func (f *fakeCompleter) Chat(context.Context, string, []llm.Message, int, float64) (*llm.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func seedChunkTask(t *testing.T, st *store.Memory) parse.ChunkTask {
	t.Helper()
	var ctx = context.Background()
	filing, err := st.RecordArtifact(ctx, store.ArtifactRecord{
		CIK:             "1234567",
		IssuerName:      "Acme Corp",
		FormType:        "8-K",
		FiledAt:         time.Now().UTC(),
		AccessionNumber: "0001234567-25-000001",
		Kind:            store.BlobRaw,
		Location:        "mem://x",
		Checksum:        "x",
		ContentType:     "text/plain",
	})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceSections(ctx, filing.ID, []store.SectionInput{
		{Ordinal: 1, Title: "Item 5.02", Content: "Jane Roe was appointed CFO.", ContentHash: "h"},
	}))
	sections, err := st.SectionsByFiling(ctx, filing.ID)
	require.NoError(t, err)

	return parse.ChunkTask{
		ID:              parse.EntityJobID(filing.AccessionNumber, 1, 0),
		AccessionNumber: filing.AccessionNumber,
		FilingID:        filing.ID,
		SectionID:       sections[0].ID,
		Ordinal:         1,
		ChunkCount:      1,
		Title:           "Item 5.02",
		FormType:        "8-K",
		Text:            "Jane Roe was appointed CFO effective September 1, 2025.",
	}
}

func TestProcessPersistsExtractedEntities(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task = seedChunkTask(t, st)

	var completer = &fakeCompleter{completion: &llm.Completion{
		Content: `[{"type": "executive_change", "entity": "Jane Roe appointed CFO",
			"confidence": 0.93,
			"evidence": "Jane Roe was appointed CFO",
			"metadata": {"role": "CFO", "effective": "2025-09-01"}}]`,
		Model:       "llama-3.3-70b-versatile",
		TotalTokens: 200,
	}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	ack, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.True(t, ack)

	analysis, err := st.AnalysisByJobID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.AnalysisEntityExtraction, analysis.Type)
	require.JSONEq(t, `{
		"section_title": "Item 5.02",
		"chunk_index": 0,
		"start_paragraph_index": 0,
		"end_paragraph_index": 0
	}`, analysis.Extra)

	entities, err := st.EntitiesByAnalysis(ctx, analysis.ID)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "executive_change", entities[0].Type)
	require.Equal(t, "Jane Roe appointed CFO", entities[0].Label)
	require.NotNil(t, entities[0].Confidence)
	require.InDelta(t, 0.93, *entities[0].Confidence, 1e-9)

	require.NotNil(t, entities[0].Attributes)
	var diff, _ = jsondiff.Compare(
		[]byte(*entities[0].Attributes),
		[]byte(`{"role": "CFO", "effective": "2025-09-01"}`),
		&jsondiff.Options{})
	require.Equal(t, jsondiff.FullMatch, diff)
}

func TestProcessMalformedResponseDropsJob(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task = seedChunkTask(t, st)

	var completer = &fakeCompleter{completion: &llm.Completion{
		Content: "not-json", Model: "llama-3.3-70b-versatile",
	}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	var parseErrs = testutil.ToFloat64(errorsCounter.WithLabelValues("parse"))
	ack, err := w.Process(ctx, task)
	require.Error(t, err)
	require.True(t, ack)
	require.Equal(t, parseErrs+1,
		testutil.ToFloat64(errorsCounter.WithLabelValues("parse")))

	// The garbage response is not persisted; the task settles so the queue
	// cannot redeliver the same prompt forever.
	_, err = st.AnalysisByJobID(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessResolvesSectionsFromSupersededParse(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task = seedChunkTask(t, st)

	// A reparse replaces the section rows, so the task's section id is
	// stale. The analysis must land on the row now at the task's ordinal.
	require.NoError(t, st.ReplaceSections(ctx, task.FilingID, []store.SectionInput{
		{Ordinal: 1, Title: "Item 5.02", Content: "Jane Roe was appointed CFO.", ContentHash: "h2"},
	}))
	sections, err := st.SectionsByFiling(ctx, task.FilingID)
	require.NoError(t, err)
	require.NotEqual(t, task.SectionID, sections[0].ID)

	var completer = &fakeCompleter{completion: &llm.Completion{
		Content: `[{"type": "executive_change", "entity": "Jane Roe appointed CFO"}]`,
		Model:   "llama-3.3-70b-versatile",
	}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	ack, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.True(t, ack)

	analysis, err := st.AnalysisByJobID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, analysis.SectionID)
	require.Equal(t, sections[0].ID, *analysis.SectionID)
}

func TestProcessDropsTaskWhenSectionIsGone(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task = seedChunkTask(t, st)
	task.Ordinal = 99

	var completer = &fakeCompleter{completion: &llm.Completion{Content: "[]"}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	ack, err := w.Process(ctx, task)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, ack)
	require.Zero(t, completer.calls)

	_, err = st.AnalysisByJobID(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseResponseShapes(t *testing.T) {
	entities, err := ParseResponse(`{"entities": [{"type": "litigation", "label": "Patent suit"}]}`)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "litigation", entities[0].Type)

	entities, err = ParseResponse("```json\n[{\"type\": \"Guidance Update\", \"entity\": \"FY26 outlook raised\"}]\n```")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "guidance_update", entities[0].Type)

	entities, err = ParseResponse(`[]`)
	require.NoError(t, err)
	require.Empty(t, entities)

	_, err = ParseResponse(`{"no": "array"}`)
	require.Error(t, err)
}

func TestNormalizeEntity(t *testing.T) {
	var badConfidence = 1.7
	var in = normalize(rawEntity{
		Type:           "made-up-kind",
		Label:          "Something",
		Confidence:     &badConfidence,
		SupportingText: "quoted text",
	})
	require.Equal(t, "other", in.Type)
	require.Equal(t, "Something", in.Label)
	require.Nil(t, in.Confidence)
	require.NotNil(t, in.Excerpt)
	require.Equal(t, "quoted text", *in.Excerpt)

	// Entries without any label are dropped by ParseResponse.
	entities, err := ParseResponse(`[{"type": "other"}]`)
	require.NoError(t, err)
	require.Empty(t, entities)
}
