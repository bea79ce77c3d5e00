package parse

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/diffs"
	"github.com/filingwatch/filingwatch/ingest"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/storage"
	"github.com/filingwatch/filingwatch/store"
)

// hashKey keys the section content hash. It is fixed: hashes are compared
// only against other hashes produced by this process family.
var hashKey = []byte("filingwatch/section-content-hash")

// HashContent returns the keyed hash of a section body, used to detect
// byte-equal sections across filings without loading both bodies.
func HashContent(content string) string {
	var sum = highwayhash.Sum([]byte(content), hashKey)
	return hex.EncodeToString(sum[:])
}

// Options tune the parse worker.
type Options struct {
	PopTimeout time.Duration
	Chunking   ChunkOptions
}

func (o Options) withDefaults() Options {
	if o.PopTimeout <= 0 {
		o.PopTimeout = 5 * time.Second
	}
	o.Chunking = o.Chunking.withDefaults()
	return o
}

// Worker consumes ParseTasks: it extracts text from the stored artifact,
// sectionizes it, persists the sections, fans out analysis chunks, and
// schedules the comparison against the issuer's previous filing.
type Worker struct {
	tasks     queue.Queue[ingest.ParseTask]
	chunks    queue.Queue[ChunkTask]
	entities  queue.Queue[ChunkTask]
	diffQueue queue.Queue[diffs.DiffTask]
	gate      *queue.Backpressure
	store     store.Store
	blobs     storage.Store
	opts      Options
}

// NewWorker builds a parse Worker. |gate| guards the chunk fan-out.
func NewWorker(
	tasks queue.Queue[ingest.ParseTask],
	chunks queue.Queue[ChunkTask],
	entities queue.Queue[ChunkTask],
	diffQueue queue.Queue[diffs.DiffTask],
	gate *queue.Backpressure,
	st store.Store,
	blobs storage.Store,
	opts Options,
) *Worker {
	return &Worker{
		tasks:     tasks,
		chunks:    chunks,
		entities:  entities,
		diffQueue: diffQueue,
		gate:      gate,
		store:     st,
		blobs:     blobs,
		opts:      opts.withDefaults(),
	}
}

// Run consumes tasks until |ctx| is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.tasks.Pop(ctx, w.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithField("error", err).Warn("parse pop failed")
			continue
		}
		if msg == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err = w.Process(ctx, msg.Task); err != nil {
			parsesCounter.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{
				"accession": msg.Task.AccessionNumber, "error": err,
			}).Error("filing parse failed")
			if err = w.store.MarkFilingFailed(ctx, msg.Task.AccessionNumber); err != nil &&
				!errors.Is(err, store.ErrNotFound) {
				log.WithFields(log.Fields{
					"accession": msg.Task.AccessionNumber, "error": err,
				}).Warn("marking filing failed")
			}
		} else {
			parsesCounter.WithLabelValues("ok").Inc()
		}
		if err = w.tasks.Ack(ctx, msg); err != nil {
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("parse ack failed")
		}
	}
}

// Process parses one filing end to end.
func (w *Worker) Process(ctx context.Context, task ingest.ParseTask) error {
	filing, err := w.store.FilingByAccession(ctx, task.AccessionNumber)
	if err != nil {
		return fmt.Errorf("loading filing: %w", err)
	}
	text, err := w.extractText(ctx, filing.ID)
	if err != nil {
		return err
	}

	var raw = Sectionize(text)
	if len(raw) == 0 {
		return fmt.Errorf("filing %s produced no text", task.AccessionNumber)
	}
	var inputs = make([]store.SectionInput, len(raw))
	for i, s := range raw {
		inputs[i] = store.SectionInput{
			Ordinal:     i + 1,
			Title:       s.Title,
			Content:     s.Body,
			ContentHash: HashContent(s.Body),
		}
	}
	if err = w.store.ReplaceSections(ctx, filing.ID, inputs); err != nil {
		return fmt.Errorf("persisting sections: %w", err)
	}
	sectionsHistogram.Observe(float64(len(inputs)))

	sections, err := w.store.SectionsByFiling(ctx, filing.ID)
	if err != nil {
		return fmt.Errorf("reloading sections: %w", err)
	}
	if err = w.fanOutChunks(ctx, filing, sections); err != nil {
		return err
	}

	// A failure to schedule the comparison leaves the filing parsed and
	// analyzable; the diff can be re-driven later.
	if err = w.scheduleDiff(ctx, filing); err != nil {
		log.WithFields(log.Fields{
			"accession": filing.AccessionNumber, "error": err,
		}).Warn("scheduling diff failed")
	}

	log.WithFields(log.Fields{
		"accession": filing.AccessionNumber, "sections": len(sections),
	}).Info("parsed filing")
	return nil
}

// extractText loads the filing's best artifact and extracts its plain text.
// The full submission text is preferred over the index page.
func (w *Worker) extractText(ctx context.Context, filingID int64) (string, error) {
	recorded, err := w.store.BlobsByFiling(ctx, filingID)
	if err != nil {
		return "", fmt.Errorf("loading blobs: %w", err)
	}
	var chosen *store.Blob
	for i := range recorded {
		if recorded[i].Kind == store.BlobRaw {
			chosen = &recorded[i]
			break
		}
		if recorded[i].Kind == store.BlobIndex && chosen == nil {
			chosen = &recorded[i]
		}
	}
	if chosen == nil {
		return "", errors.New("filing has no parseable artifact")
	}

	data, err := w.blobs.Get(ctx, chosen.Location)
	if err != nil {
		return "", fmt.Errorf("loading %s artifact: %w", chosen.Kind, err)
	}
	if strings.Contains(chosen.ContentType, "pdf") {
		return ExtractPDFText(data)
	}
	// Full submission text carries embedded markup; the HTML extractor
	// passes plain text through untouched.
	return ExtractHTMLText(data)
}

func (w *Worker) fanOutChunks(ctx context.Context, filing *store.Filing, sections []store.Section) error {
	for _, section := range sections {
		var planned = PlanChunks(section.Content, w.opts.Chunking)
		for idx, chunk := range planned {
			if err := w.gate.WaitIfNeeded(ctx); err != nil {
				return fmt.Errorf("waiting on analysis backlog: %w", err)
			}
			var task = ChunkTask{
				ID:              SummaryJobID(filing.AccessionNumber, section.Ordinal, idx),
				AccessionNumber: filing.AccessionNumber,
				FilingID:        filing.ID,
				SectionID:       section.ID,
				Ordinal:         section.Ordinal,
				ChunkIndex:      idx,
				ChunkCount:      len(planned),
				StartParagraph:  chunk.StartParagraph,
				EndParagraph:    chunk.EndParagraph,
				EstimatedTokens: chunk.EstimatedTokens,
				Title:           section.Title,
				FormType:        filing.FormType,
				Company:         filing.IssuerName,
				Text:            chunk.Text,
			}
			if _, err := w.chunks.Push(ctx, task); err != nil {
				return fmt.Errorf("enqueueing chunk %s: %w", task.ID, err)
			}
			task.ID = EntityJobID(filing.AccessionNumber, section.Ordinal, idx)
			if _, err := w.entities.Push(ctx, task); err != nil {
				return fmt.Errorf("enqueueing entity chunk %s: %w", task.ID, err)
			}
			chunksCounter.Inc()
		}
	}
	return nil
}

func (w *Worker) scheduleDiff(ctx context.Context, filing *store.Filing) error {
	previous, err := w.store.PreviousFiling(ctx, filing.IssuerID, filing.FormType, filing.FiledAt)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("accession", filing.AccessionNumber).
			Debug("no previous filing to diff against")
		return nil
	} else if err != nil {
		return fmt.Errorf("finding previous filing: %w", err)
	}

	schedule, err := w.store.ScheduleDiff(ctx, filing.ID, previous.ID)
	if err != nil {
		return fmt.Errorf("scheduling diff: %w", err)
	}
	for _, job := range schedule.Jobs {
		var task = diffs.DiffTask{
			ID:                diffs.DiffJobID(schedule.CurrentAccession, job.Ordinal, job.ChangeKind),
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
		}
		if _, err = w.diffQueue.Push(ctx, task); err != nil {
			return fmt.Errorf("enqueueing diff job %s: %w", task.ID, err)
		}
	}
	log.WithFields(log.Fields{
		"current":  schedule.CurrentAccession,
		"previous": schedule.PreviousAccession,
		"jobs":     len(schedule.Jobs),
	}).Info("scheduled filing diff")
	return nil
}
