package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/budget"
	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/parse"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/store"
	"github.com/filingwatch/filingwatch/summarize"
)

// Options tune the entity worker.
type Options struct {
	Model           string
	MaxOutputTokens int
	Temperature     float64
	MaxRetries      int
	Backoff         time.Duration
	PopTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "llama-3.3-70b-versatile"
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 800
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 5 * time.Second
	}
	return o
}

// Worker consumes section chunks and persists the entities the model
// extracts from them. The analysis and its entity rows are replaced together
// on redelivery.
type Worker struct {
	tasks   queue.Queue[parse.ChunkTask]
	store   store.Store
	llm     llm.Completer
	limiter *budget.Limiter
	opts    Options
}

// NewWorker builds an entity Worker. A nil |limiter| disables budgeting.
func NewWorker(
	tasks queue.Queue[parse.ChunkTask],
	st store.Store,
	completer llm.Completer,
	limiter *budget.Limiter,
	opts Options,
) *Worker {
	return &Worker{
		tasks:   tasks,
		store:   st,
		llm:     completer,
		limiter: limiter,
		opts:    opts.withDefaults(),
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
			log.WithField("error", err).Warn("entity pop failed")
			continue
		}
		if msg == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		ack, err := w.Process(ctx, msg.Task)
		switch {
		case err == nil:
			extractionsCounter.WithLabelValues("ok").Inc()
		case ack:
			extractionsCounter.WithLabelValues("dropped").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Error("entity job failed fatally")
		default:
			extractionsCounter.WithLabelValues("deferred").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("entity job deferred for redelivery")
		}
		if !ack {
			continue
		}
		if err = w.tasks.Ack(ctx, msg); err != nil {
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("entity ack failed")
		}
	}
}

// Process extracts entities from one chunk. The returned bool reports
// whether the task is settled (acknowledge) or should be redelivered.
func (w *Worker) Process(ctx context.Context, task parse.ChunkTask) (bool, error) {
	// Resolve the chunk's current rows before spending tokens. A redelivered
	// task may carry section ids from a superseded parse; when the section no
	// longer exists the job is dropped rather than poisoning the queue.
	filing, section, err := parse.ResolveSection(ctx, w.store, task)
	if errors.Is(err, store.ErrNotFound) {
		errorsCounter.WithLabelValues("missing_section").Inc()
		return true, err
	} else if err != nil {
		return false, err
	}

	var messages = []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: UserPrompt(task)},
	}

	var reservation *budget.Reservation
	if w.limiter != nil {
		reservation, err = w.limiter.Reserve(ctx,
			summarize.EstimateReserve(messages, w.opts.MaxOutputTokens))
		if err == budget.ErrBudgetExceeded {
			w.limiter.RecordDeferral()
			select {
			case <-ctx.Done():
			case <-time.After(w.limiter.Cooldown()):
			}
			return false, budget.ErrBudgetExceeded
		} else if err != nil {
			return false, err
		}
	}

	completion, fatal, err := llm.ChatWithRetries(
		ctx, w.llm, w.opts.Model, messages,
		w.opts.MaxOutputTokens, w.opts.Temperature,
		w.opts.MaxRetries, w.opts.Backoff, completionDuration)
	if err != nil {
		w.settle(ctx, reservation, 0)
		if fatal {
			errorsCounter.WithLabelValues("groq_fatal").Inc()
		} else {
			errorsCounter.WithLabelValues("groq_retryable").Inc()
		}
		return fatal, fmt.Errorf("completing extraction: %w", err)
	}
	var used = completion.TotalTokens
	if used == 0 {
		used = completion.PromptTokens + completion.CompletionTokens
	}
	if used == 0 && reservation != nil {
		used = reservation.Reserved()
	}

	// A malformed response is not retried: the same prompt would yield the
	// same garbage. Nothing is persisted; the tokens were still spent, so the
	// reservation commits before the task is dropped.
	entities, parseErr := ParseResponse(completion.Content)
	if parseErr != nil {
		w.settle(ctx, reservation, used)
		errorsCounter.WithLabelValues("parse").Inc()
		return true, fmt.Errorf("parsing extraction response: %w", parseErr)
	}

	var sectionID = section.ID
	var chunkIndex = task.ChunkIndex
	if _, err = w.store.UpsertEntityAnalysis(ctx, store.AnalysisUpsert{
		JobID:            task.ID,
		FilingID:         filing.ID,
		SectionID:        &sectionID,
		ChunkIndex:       &chunkIndex,
		Type:             store.AnalysisEntityExtraction,
		Model:            completion.Model,
		Content:          completion.Content,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      completion.TotalTokens,
		Extra:            task.AnalysisExtra(),
	}, entities); err != nil {
		w.settle(ctx, reservation, used)
		return false, fmt.Errorf("persisting extraction: %w", err)
	}
	w.settle(ctx, reservation, used)

	for _, e := range entities {
		entitiesCounter.WithLabelValues(e.Type).Inc()
	}
	log.WithFields(log.Fields{
		"job":      task.ID,
		"entities": len(entities),
		"tokens":   completion.TotalTokens,
	}).Info("extracted chunk entities")
	return true, nil
}

func (w *Worker) settle(ctx context.Context, reservation *budget.Reservation, used int64) {
	if reservation == nil {
		return
	}
	var err error
	if used > 0 {
		err = reservation.Commit(ctx, used)
	} else {
		err = reservation.Release(ctx)
	}
	if err != nil {
		log.WithField("error", err).Warn("settling token reservation failed")
	}
}
