package parse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filingwatch/filingwatch/diffs"
	"github.com/filingwatch/filingwatch/ingest"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/storage"
	"github.com/filingwatch/filingwatch/store"
)

type parseHarness struct {
	worker   *Worker
	store    *store.Memory
	blobs    *storage.MemoryStore
	chunks   *queue.MemoryQueue[ChunkTask]
	entities *queue.MemoryQueue[ChunkTask]
	diffQ    *queue.MemoryQueue[diffs.DiffTask]
}

func newParseHarness(t *testing.T) *parseHarness {
	t.Helper()
	var h = &parseHarness{
		store:    store.NewMemory(),
		blobs:    storage.NewMemoryStore(),
		chunks:   queue.NewMemoryQueue[ChunkTask](ChunkQueue, queue.DefaultOptions()),
		entities: queue.NewMemoryQueue[ChunkTask](EntityQueue, queue.DefaultOptions()),
		diffQ:    queue.NewMemoryQueue[diffs.DiffTask](diffs.DiffQueue, queue.DefaultOptions()),
	}
	var tasks = queue.NewMemoryQueue[ingest.ParseTask](ingest.ParseQueue, queue.DefaultOptions())
	t.Cleanup(func() {
		tasks.Close()
		h.chunks.Close()
		h.entities.Close()
		h.diffQ.Close()
	})
	h.worker = NewWorker(tasks, h.chunks, h.entities, h.diffQ, nil, h.store, h.blobs, Options{})
	return h
}

// seedFiling stores |text| as the raw artifact of a new filing and records it.
func (h *parseHarness) seedFiling(t *testing.T, accession string, filedAt time.Time, text string) *store.Filing {
	t.Helper()
	var ctx = context.Background()
	location, err := h.blobs.Put(ctx, "1234567/"+accession+"/submission.txt",
		[]byte(text), "text/plain")
	require.NoError(t, err)

	filing, err := h.store.RecordArtifact(ctx, store.ArtifactRecord{
		CIK:             "1234567",
		IssuerName:      "Acme Corp",
		FormType:        "10-K",
		FiledAt:         filedAt,
		AccessionNumber: accession,
		Kind:            store.BlobRaw,
		Location:        location,
		Checksum:        "x",
		ContentType:     "text/plain",
	})
	require.NoError(t, err)
	return filing
}

func TestProcessPersistsSectionsAndFansOut(t *testing.T) {
	var ctx = context.Background()
	var h = newParseHarness(t)
	var filing = h.seedFiling(t, "0001234567-25-000001", time.Now().UTC(), sampleFiling)

	require.NoError(t, h.worker.Process(ctx, ingest.ParseTask{
		ID: filing.AccessionNumber, AccessionNumber: filing.AccessionNumber,
	}))

	got, err := h.store.FilingByID(ctx, filing.ID)
	require.NoError(t, err)
	require.Equal(t, store.FilingParsed, got.Status)

	sections, err := h.store.SectionsByFiling(ctx, filing.ID)
	require.NoError(t, err)
	require.Len(t, sections, 4)
	for i, s := range sections {
		require.Equal(t, i+1, s.Ordinal)
		require.Equal(t, HashContent(s.Content), s.ContentHash)
	}

	// One summary chunk and one entity chunk per section chunk, with paired
	// job ids.
	depth, err := h.chunks.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), depth)

	msg, err := h.chunks.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0001234567-25-000001:1:0", msg.JobID)
	require.Equal(t, "10-K", msg.Task.FormType)
	require.Equal(t, "Acme Corp", msg.Task.Company)
	require.NotEmpty(t, msg.Task.Text)
	require.Equal(t, 0, msg.Task.StartParagraph)
	require.GreaterOrEqual(t, msg.Task.EndParagraph, msg.Task.StartParagraph)
	require.Equal(t, EstimateTokens(msg.Task.Text), msg.Task.EstimatedTokens)

	entMsg, err := h.entities.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0001234567-25-000001:1:0:entity", entMsg.JobID)
	require.Equal(t, msg.Task.Text, entMsg.Task.Text)

	// First filing of the issuer: nothing to diff against.
	diffDepth, err := h.diffQ.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, diffDepth)
}

func TestProcessSchedulesDiffAgainstPreviousFiling(t *testing.T) {
	var ctx = context.Background()
	var h = newParseHarness(t)
	var now = time.Now().UTC()

	var previous = h.seedFiling(t, "0001234567-24-000001", now.AddDate(-1, 0, 0), sampleFiling)
	require.NoError(t, h.worker.Process(ctx, ingest.ParseTask{
		ID: previous.AccessionNumber, AccessionNumber: previous.AccessionNumber,
	}))

	var current = h.seedFiling(t, "0001234567-25-000001", now, sampleFiling+"\nItem 3. Legal Proceedings\n\nA patent suit was filed.\n")
	require.NoError(t, h.worker.Process(ctx, ingest.ParseTask{
		ID: current.AccessionNumber, AccessionNumber: current.AccessionNumber,
	}))

	diff, err := h.store.DiffByCurrentFiling(ctx, current.ID)
	require.NoError(t, err)
	require.Equal(t, 5, diff.ExpectedSections)

	var kinds = make(map[string]int)
	for {
		msg, err := h.diffQ.Pop(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		kinds[msg.Task.ChangeKind]++
		require.Equal(t, current.ID, msg.Task.CurrentFilingID)
		require.Equal(t, previous.ID, msg.Task.PreviousFilingID)
		require.NoError(t, h.diffQ.Ack(ctx, msg))
	}
	require.Equal(t, map[string]int{"update": 4, "addition": 1}, kinds)
}

func TestProcessFailsWhenArtifactMissing(t *testing.T) {
	var ctx = context.Background()
	var h = newParseHarness(t)
	var filing = h.seedFiling(t, "0001234567-25-000001", time.Now().UTC(), sampleFiling)

	// Break the blob location so extraction fails.
	h.blobs = storage.NewMemoryStore()
	h.worker.blobs = h.blobs
	require.Error(t, h.worker.Process(ctx, ingest.ParseTask{
		ID: filing.AccessionNumber, AccessionNumber: filing.AccessionNumber,
	}))
}
