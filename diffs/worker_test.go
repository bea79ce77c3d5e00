package diffs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filingwatch/filingwatch/llm"
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

type diffHarness struct {
	store    *store.Memory
	schedule *store.DiffSchedule
	tasks    []DiffTask
}

// newDiffHarness seeds two filings of one issuer and schedules their diff.
func newDiffHarness(t *testing.T, previousSections, currentSections []store.SectionInput) *diffHarness {
	t.Helper()
	var ctx = context.Background()
	var m = store.NewMemory()
	var now = time.Now().UTC()

	var seed = func(accession string, filedAt time.Time, sections []store.SectionInput) *store.Filing {
		filing, err := m.RecordArtifact(ctx, store.ArtifactRecord{
			CIK:             "1234567",
			IssuerName:      "Acme Corp",
			FormType:        "10-K",
			FiledAt:         filedAt,
			AccessionNumber: accession,
			Kind:            store.BlobRaw,
			Location:        "mem://" + accession,
			Checksum:        "x",
			ContentType:     "text/plain",
		})
		require.NoError(t, err)
		require.NoError(t, m.ReplaceSections(ctx, filing.ID, sections))
		return filing
	}
	var previous = seed("0001234567-24-000001", now.AddDate(-1, 0, 0), previousSections)
	var current = seed("0001234567-25-000001", now, currentSections)

	schedule, err := m.ScheduleDiff(ctx, current.ID, previous.ID)
	require.NoError(t, err)

	var h = &diffHarness{store: m, schedule: schedule}
	for _, job := range schedule.Jobs {
		h.tasks = append(h.tasks, DiffTask{
			ID:                DiffJobID(schedule.CurrentAccession, job.Ordinal, job.ChangeKind),
			DiffID:            schedule.DiffID,
			CurrentFilingID:   schedule.CurrentFilingID,
			PreviousFilingID:  schedule.PreviousFilingID,
			CurrentAccession:  schedule.CurrentAccession,
			PreviousAccession: schedule.PreviousAccession,
			Ordinal:           job.Ordinal,
			Title:             job.Title,
			ChangeKind:        job.ChangeKind,
			CurrentSectionID:  job.CurrentSectionID,
			PreviousSectionID: job.PreviousSectionID,
		})
	}
	return h
}

func section(ordinal int, title, content string) store.SectionInput {
	return store.SectionInput{
		Ordinal: ordinal, Title: title, Content: content,
		ContentHash: "hash:" + content,
	}
}

func TestDiffRunCompletesAcrossJobKinds(t *testing.T) {
	var ctx = context.Background()
	var h = newDiffHarness(t,
		[]store.SectionInput{
			section(1, "Item 1. Business", "We make widgets."),
			section(2, "Item 1A. Risk Factors", "Widget demand may decline."),
			section(3, "Item 2. Properties", "Omaha headquarters."),
		},
		[]store.SectionInput{
			section(1, "Item 1. Business", "We make widgets and gadgets."),
			section(2, "Item 1A. Risk Factors", "Widget demand may decline."),
			section(4, "Item 3. Legal Proceedings", "A patent suit was filed."),
		},
	)
	require.Len(t, h.tasks, 4)

	var completer = &fakeCompleter{completion: &llm.Completion{
		Content: `[{"change_type": "update",
			"summary": "Product line expanded to include gadgets.",
			"impact": "medium", "confidence": 0.85,
			"evidence": "+We make widgets and gadgets."}]`,
		Model:       "llama-3.3-70b-versatile",
		TotalTokens: 300,
	}}
	var w = NewWorker(nil, h.store, completer, nil, Options{})

	for _, task := range h.tasks {
		ack, err := w.Process(ctx, task)
		require.NoError(t, err, task.ID)
		require.True(t, ack, task.ID)
	}
	// Only the genuinely modified section reached the model.
	require.Equal(t, 1, completer.calls)

	diff, err := h.store.DiffByID(ctx, h.schedule.DiffID)
	require.NoError(t, err)
	require.Equal(t, store.DiffCompleted, diff.Status)
	require.Equal(t, 4, diff.ProcessedSections)

	sectionDiffs, err := h.store.SectionDiffsByDiff(ctx, h.schedule.DiffID)
	require.NoError(t, err)
	require.Len(t, sectionDiffs, 3)

	var byKind = make(map[string]store.SectionDiff)
	for _, sd := range sectionDiffs {
		byKind[sd.ChangeType] = sd
	}
	require.Contains(t, byKind, "update")
	require.Contains(t, byKind, "addition")
	require.Contains(t, byKind, "removal")

	// The modified section carries its analysis, with the diff snippet
	// attached as extra context.
	require.NotNil(t, byKind["update"].AnalysisID)
	analysis, err := h.store.AnalysisByJobID(ctx,
		DiffJobID(h.schedule.CurrentAccession, 1, "update"))
	require.NoError(t, err)
	require.Equal(t, store.AnalysisSectionDiff, analysis.Type)
	require.Contains(t, analysis.Extra, "snippet")
	require.Contains(t, analysis.Extra, "gadgets")

	// Synthesized changes never call the model and carry full confidence.
	var added = byKind["addition"]
	require.Nil(t, added.AnalysisID)
	require.NotNil(t, added.Confidence)
	require.Equal(t, 1.0, *added.Confidence)
	require.NotNil(t, added.Evidence)
	require.Contains(t, *added.Evidence, "patent suit")
}

func TestUnchangedSectionFinalizesWithoutChanges(t *testing.T) {
	var ctx = context.Background()
	var h = newDiffHarness(t,
		[]store.SectionInput{section(1, "Item 1. Business", "Same text.")},
		[]store.SectionInput{section(1, "Item 1. Business", "Same text.")},
	)

	var completer = &fakeCompleter{}
	var w = NewWorker(nil, h.store, completer, nil, Options{})

	ack, err := w.Process(ctx, h.tasks[0])
	require.NoError(t, err)
	require.True(t, ack)
	require.Zero(t, completer.calls)

	diff, err := h.store.DiffByID(ctx, h.schedule.DiffID)
	require.NoError(t, err)
	require.Equal(t, store.DiffCompleted, diff.Status)

	sectionDiffs, err := h.store.SectionDiffsByDiff(ctx, h.schedule.DiffID)
	require.NoError(t, err)
	require.Empty(t, sectionDiffs)
}

func TestMalformedDiffResponseFailsTheRun(t *testing.T) {
	var ctx = context.Background()
	var h = newDiffHarness(t,
		[]store.SectionInput{section(1, "Item 1. Business", "Old.")},
		[]store.SectionInput{section(1, "Item 1. Business", "New.")},
	)

	var completer = &fakeCompleter{completion: &llm.Completion{
		Content: "I could not produce JSON, sorry.",
		Model:   "llama-3.3-70b-versatile",
	}}
	var w = NewWorker(nil, h.store, completer, nil, Options{})

	ack, err := w.Process(ctx, h.tasks[0])
	require.Error(t, err)
	require.True(t, ack)

	diff, err := h.store.DiffByID(ctx, h.schedule.DiffID)
	require.NoError(t, err)
	require.Equal(t, store.DiffFailed, diff.Status)
	require.NotNil(t, diff.LastError)
	require.Contains(t, *diff.LastError, "parsing")
}

func TestVanishedDiffDropsJob(t *testing.T) {
	var ctx = context.Background()
	var h = newDiffHarness(t,
		[]store.SectionInput{section(1, "Item 1. Business", "Old.")},
		[]store.SectionInput{section(1, "Item 1. Business", "New.")},
	)
	var w = NewWorker(nil, h.store, &fakeCompleter{}, nil, Options{})

	var task = h.tasks[0]
	task.DiffID = 99999
	ack, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.True(t, ack)
}

func TestSnippet(t *testing.T) {
	snippet, err := Snippet("line one\nline two\n", "line one\nline 2\n")
	require.NoError(t, err)
	require.Contains(t, snippet, "--- previous")
	require.Contains(t, snippet, "+++ current")
	require.Contains(t, snippet, "-line two")
	require.Contains(t, snippet, "+line 2")

	long, err := Snippet("", strings.Repeat("new line of text\n", 2000))
	require.NoError(t, err)
	require.LessOrEqual(t, len(long), maxSnippetBytes+len("\n..."))
}

func TestParseResponseNormalization(t *testing.T) {
	changes, err := ParseResponse(`[{"change_type": "REWRITE", "impact": "catastrophic",
		"confidence": 7.5, "summary": "` + strings.Repeat("x", 200) + `"}]`)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "update", changes[0].ChangeType)
	require.Equal(t, "medium", changes[0].Impact)
	require.Nil(t, changes[0].Confidence)
	require.Len(t, changes[0].Summary, maxSummaryLength)
	require.True(t, strings.HasSuffix(changes[0].Summary, "..."))

	changes, err = ParseResponse("```json\n{\"changes\": [{\"change_type\": \"addition\"}]}\n```")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, defaultSummary, changes[0].Summary)

	_, err = ParseResponse("nope")
	require.Error(t, err)
}
