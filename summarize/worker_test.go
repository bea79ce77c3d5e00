package summarize

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bradleyjkemp/cupaloy"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/filingwatch/filingwatch/budget"
	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/parse"
	"github.com/filingwatch/filingwatch/store"
)

// fakeCompleter replays canned completion results and records requests.
type fakeCompleter struct {
	completions []*llm.Completion
	errs        []error
	calls       int
	messages    [][]llm.Message
}

func (f *fakeCompleter) Chat(_ context.Context, _ string, messages []llm.Message, _ int, _ float64) (*llm.Completion, error) {
	f.messages = append(f.messages, messages)
	var i = f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.completions) {
		return f.completions[i], nil
	}
	return f.completions[len(f.completions)-1], nil
}

func seedChunkTask(t *testing.T, st *store.Memory) (parse.ChunkTask, *store.Filing) {
	t.Helper()
	var ctx = context.Background()
	filing, err := st.RecordArtifact(ctx, store.ArtifactRecord{
		CIK:             "1234567",
		IssuerName:      "Acme Corp",
		FormType:        "10-K",
		FiledAt:         time.Now().UTC(),
		AccessionNumber: "0001234567-25-000001",
		Kind:            store.BlobRaw,
		Location:        "mem://x",
		Checksum:        "x",
		ContentType:     "text/plain",
	})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceSections(ctx, filing.ID, []store.SectionInput{
		{Ordinal: 1, Title: "Item 1A. Risk Factors", Content: "Widget demand may decline.", ContentHash: "h"},
	}))
	sections, err := st.SectionsByFiling(ctx, filing.ID)
	require.NoError(t, err)

	return parse.ChunkTask{
		ID:              parse.SummaryJobID(filing.AccessionNumber, 1, 0),
		AccessionNumber: filing.AccessionNumber,
		FilingID:        filing.ID,
		SectionID:       sections[0].ID,
		Ordinal:         1,
		ChunkIndex:      0,
		ChunkCount:      1,
		Title:           "Item 1A. Risk Factors",
		FormType:        "10-K",
		Company:         "Acme Corp",
		Text:            "Widget demand may decline.",
	}, filing
}

func TestProcessPersistsSummary(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, _ = seedChunkTask(t, st)

	var completer = &fakeCompleter{completions: []*llm.Completion{{
		Content:          "- Widget demand may decline next year.",
		Model:            "llama-3.3-70b-versatile",
		PromptTokens:     120,
		CompletionTokens: 30,
		TotalTokens:      150,
	}}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	ack, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.True(t, ack)

	analysis, err := st.AnalysisByJobID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.AnalysisSectionChunkSummary, analysis.Type)
	require.Equal(t, "- Widget demand may decline next year.", analysis.Content)
	require.Equal(t, int64(150), analysis.TotalTokens)
	require.NotNil(t, analysis.ChunkIndex)
	require.Equal(t, 0, *analysis.ChunkIndex)
	require.JSONEq(t, `{
		"section_title": "Item 1A. Risk Factors",
		"chunk_index": 0,
		"start_paragraph_index": 0,
		"end_paragraph_index": 0
	}`, analysis.Extra)

	require.Len(t, completer.messages, 1)
	require.Equal(t, "system", completer.messages[0][0].Role)
	require.Equal(t, SystemPrompt, completer.messages[0][0].Content)
}

func TestProcessEmptyCompletionPersistsPlaceholder(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, _ = seedChunkTask(t, st)

	var completer = &fakeCompleter{completions: []*llm.Completion{{
		Model: "llama-3.3-70b-versatile",
	}}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	ack, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.True(t, ack)

	analysis, err := st.AnalysisByJobID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, NoMaterialUpdates, analysis.Content)
}

func TestProcessDefersWhenBudgetExhausted(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, _ = seedChunkTask(t, st)

	var mini = miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	var manager = budget.NewManager(client, "", time.Millisecond)
	var limiter = manager.Limiter(budget.Scope{Service: "summarizer", Model: "llama-3.3-70b-versatile"}, 10)

	var completer = &fakeCompleter{completions: []*llm.Completion{{Content: "- x"}}}
	var w = NewWorker(nil, st, completer, limiter, Options{})

	ack, err := w.Process(ctx, task)
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	require.False(t, ack)
	require.Zero(t, completer.calls)

	_, err = st.AnalysisByJobID(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessRetryableFailureLeavesTaskForRedelivery(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, _ = seedChunkTask(t, st)

	var rateLimited = &llm.StatusError{Code: http.StatusTooManyRequests, Body: "slow down"}
	var completer = &fakeCompleter{errs: []error{rateLimited, rateLimited}}
	var w = NewWorker(nil, st, completer, nil, Options{
		MaxRetries: 2, Backoff: time.Millisecond,
	})

	ack, err := w.Process(ctx, task)
	require.Error(t, err)
	require.False(t, ack)
	require.Equal(t, 2, completer.calls)
}

func TestProcessFatalFailureDropsTask(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, _ = seedChunkTask(t, st)

	var completer = &fakeCompleter{errs: []error{
		&llm.StatusError{Code: http.StatusUnprocessableEntity, Body: "bad request"},
	}}
	var w = NewWorker(nil, st, completer, nil, Options{
		MaxRetries: 3, Backoff: time.Millisecond,
	})

	ack, err := w.Process(ctx, task)
	require.Error(t, err)
	require.True(t, ack)
	require.Equal(t, 1, completer.calls)
}

func TestProcessResolvesSectionsFromSupersededParse(t *testing.T) {
	var ctx = context.Background()
	var st = store.NewMemory()
	var task, filing = seedChunkTask(t, st)

	// A reparse between enqueue and delivery replaces the section rows, so
	// the task's section id is stale. The upsert must target the row now at
	// the task's ordinal, not the vanished id.
	require.NoError(t, st.ReplaceSections(ctx, filing.ID, []store.SectionInput{
		{Ordinal: 1, Title: "Item 1A. Risk Factors", Content: "Widget demand may decline.", ContentHash: "h2"},
	}))
	sections, err := st.SectionsByFiling(ctx, filing.ID)
	require.NoError(t, err)
	require.NotEqual(t, task.SectionID, sections[0].ID)

	var completer = &fakeCompleter{completions: []*llm.Completion{{
		Content: "- Widget demand may decline next year.",
		Model:   "llama-3.3-70b-versatile",
	}}}
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
	var task, _ = seedChunkTask(t, st)
	task.Ordinal = 99

	var completer = &fakeCompleter{completions: []*llm.Completion{{Content: "- x"}}}
	var w = NewWorker(nil, st, completer, nil, Options{})

	// The chunk no longer addresses a stored section: the task settles
	// without a completion call, so redelivery cannot loop on it.
	ack, err := w.Process(ctx, task)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, ack)
	require.Zero(t, completer.calls)

	_, err = st.AnalysisByJobID(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserPromptSnapshot(t *testing.T) {
	var task = parse.ChunkTask{
		ID:              "0001234567-25-000001:2:0",
		AccessionNumber: "0001234567-25-000001",
		FilingID:        1,
		SectionID:       3,
		Ordinal:         2,
		ChunkIndex:      0,
		ChunkCount:      2,
		Title:           "Item 1A. Risk Factors",
		FormType:        "10-K",
		Company:         "Acme Corp",
		Text:            "Widget demand may decline.\nCompetition is intensifying.",
	}
	cupaloy.SnapshotT(t, UserPrompt(task))
}

func TestUserPromptEmptyChunk(t *testing.T) {
	var prompt = UserPrompt(parse.ChunkTask{
		AccessionNumber: "0001234567-25-000001",
		FormType:        "8-K",
		Title:           "Item 8.01 Other Events",
		ChunkCount:      1,
	})
	require.Contains(t, prompt, NoContentPlaceholder)
}

func TestEstimateReserve(t *testing.T) {
	var messages = []llm.Message{
		{Role: "system", Content: "abc"},
		{Role: "user", Content: "one two three"},
	}
	// Word estimate: ceil(1*1.3) + ceil(3*1.3) = 2 + 4; char floor 16/4 = 4.
	require.Equal(t, int64(6+400), EstimateReserve(messages, 400))
}
