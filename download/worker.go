// Package download fetches filing artifacts from the EDGAR archive, persists
// them to blob storage, and records them in the datastore.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/ingest"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/storage"
	"github.com/filingwatch/filingwatch/store"
)

// artifact is one archive URL to fetch and where to put it.
type artifact struct {
	kind        store.BlobKind
	url         string
	key         string
	contentType string
}

// Options tune the download worker.
type Options struct {
	UserAgent  string
	MaxRetries int
	Backoff    time.Duration
	PopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 5 * time.Second
	}
	return o
}

// Worker consumes DownloadTasks, stores each filing's artifacts, and hands
// the filing to the parse stage.
type Worker struct {
	tasks queue.Queue[ingest.DownloadTask]
	parse queue.Queue[ingest.ParseTask]
	store store.Store
	blobs storage.Store
	http  *http.Client
	opts  Options
}

// NewWorker builds a download Worker.
func NewWorker(
	tasks queue.Queue[ingest.DownloadTask],
	parse queue.Queue[ingest.ParseTask],
	st store.Store,
	blobs storage.Store,
	opts Options,
) *Worker {
	return &Worker{
		tasks: tasks,
		parse: parse,
		store: st,
		blobs: blobs,
		http:  &http.Client{Timeout: 60 * time.Second},
		opts:  opts.withDefaults(),
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
			log.WithField("error", err).Warn("download pop failed")
			continue
		}
		if msg == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err = w.Process(ctx, msg.Task); err != nil {
			// Download failures are terminal after retries: the filing is
			// marked FAILED and the task dropped rather than redelivered.
			downloadsCounter.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{
				"accession": msg.Task.AccessionNumber, "error": err,
			}).Error("filing download failed")
			w.markFailed(ctx, msg.Task.AccessionNumber)
		} else {
			downloadsCounter.WithLabelValues("ok").Inc()
		}
		if err = w.tasks.Ack(ctx, msg); err != nil {
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("download ack failed")
		}
	}
}

// Process fetches and records every artifact of |task|, then enqueues its
// parse job.
func (w *Worker) Process(ctx context.Context, task ingest.DownloadTask) error {
	var artifacts = deriveArtifacts(task)
	var sourceURLs []string
	for _, a := range artifacts {
		sourceURLs = append(sourceURLs, a.url)
	}

	for _, a := range artifacts {
		data, err := w.fetch(ctx, a)
		if err != nil {
			return fmt.Errorf("fetching %s artifact: %w", a.kind, err)
		}
		location, err := w.blobs.Put(ctx, a.key, data, a.contentType)
		if err != nil {
			return fmt.Errorf("storing %s artifact: %w", a.kind, err)
		}
		var checksum = sha256.Sum256(data)

		if _, err = w.store.RecordArtifact(ctx, store.ArtifactRecord{
			CIK:             task.CIK,
			IssuerName:      task.Company,
			Ticker:          task.Ticker,
			FormType:        task.FormType,
			FiledAt:         task.FiledAt,
			AccessionNumber: task.AccessionNumber,
			SourceURLs:      sourceURLs,
			Kind:            a.kind,
			Location:        location,
			Checksum:        hex.EncodeToString(checksum[:]),
			ContentType:     a.contentType,
		}); err != nil {
			return fmt.Errorf("recording %s artifact: %w", a.kind, err)
		}
		log.WithFields(log.Fields{
			"accession": task.AccessionNumber,
			"kind":      a.kind,
			"bytes":     len(data),
			"location":  location,
		}).Info("stored filing artifact")
	}

	if _, err := w.parse.Push(ctx, ingest.ParseTask{
		ID:              task.AccessionNumber,
		AccessionNumber: task.AccessionNumber,
	}); err != nil {
		return fmt.Errorf("enqueueing parse: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, accessionNumber string) {
	var err = w.store.MarkFilingFailed(ctx, accessionNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithFields(log.Fields{"accession": accessionNumber, "error": err}).
			Warn("marking filing failed")
	}
}

// fetch retrieves |a| with doubling backoff between attempts.
func (w *Worker) fetch(ctx context.Context, a artifact) ([]byte, error) {
	var backoff = w.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var started = time.Now()
		data, err := w.fetchOnce(ctx, a.url)
		fetchDuration.WithLabelValues(string(a.kind)).Observe(time.Since(started).Seconds())
		if err == nil {
			bytesCounter.WithLabelValues(string(a.kind)).Add(float64(len(data)))
			return data, nil
		}
		lastErr = err
		log.WithFields(log.Fields{
			"url": a.url, "attempt": attempt, "error": err,
		}).Warn("artifact fetch failed")
	}
	return nil, lastErr
}

func (w *Worker) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", w.opts.UserAgent)

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}

// deriveArtifacts lists the artifacts of a filing: its index page, and the
// full submission text derived by swapping the index suffix for ".txt".
func deriveArtifacts(task ingest.DownloadTask) []artifact {
	var prefix = task.CIK + "/" + task.AccessionNumber + "/"
	var out = []artifact{{
		kind:        store.BlobIndex,
		url:         task.FilingHref,
		key:         prefix + "index.html",
		contentType: "text/html",
	}}
	if raw := rawURL(task.FilingHref); raw != "" {
		out = append(out, artifact{
			kind:        store.BlobRaw,
			url:         raw,
			key:         prefix + "submission.txt",
			contentType: "text/plain",
		})
	}
	return out
}

func rawURL(indexURL string) string {
	for _, suffix := range []string{"-index.html", "-index.htm"} {
		if strings.HasSuffix(indexURL, suffix) {
			return strings.TrimSuffix(indexURL, suffix) + ".txt"
		}
	}
	return ""
}
