package summarize

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
)

// Options tune the summary worker.
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
		o.MaxOutputTokens = 400
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

// Worker consumes section chunks and persists one bullet summary per chunk,
// keyed by job id so redeliveries overwrite rather than duplicate.
type Worker struct {
	tasks   queue.Queue[parse.ChunkTask]
	store   store.Store
	llm     llm.Completer
	limiter *budget.Limiter
	opts    Options
}

// NewWorker builds a summary Worker. A nil |limiter| disables budgeting.
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
			log.WithField("error", err).Warn("summary pop failed")
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
			summariesCounter.WithLabelValues("ok").Inc()
		case ack:
			summariesCounter.WithLabelValues("dropped").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Error("summary job failed fatally")
		default:
			summariesCounter.WithLabelValues("deferred").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("summary job deferred for redelivery")
		}
		if !ack {
			// Leave the message to the visibility-timeout reclaim.
			continue
		}
		if err = w.tasks.Ack(ctx, msg); err != nil {
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("summary ack failed")
		}
	}
}

// Process summarizes one chunk. The returned bool reports whether the task
// is settled (acknowledge) or should be redelivered.
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

	reservation, ok, err := w.reserve(ctx, messages)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, budget.ErrBudgetExceeded
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
		return fatal, fmt.Errorf("completing summary: %w", err)
	}

	var content = completion.Content
	if content == "" {
		content = NoMaterialUpdates
	}
	var sectionID = section.ID
	var chunkIndex = task.ChunkIndex
	if _, err = w.store.UpsertAnalysis(ctx, store.AnalysisUpsert{
		JobID:            task.ID,
		FilingID:         filing.ID,
		SectionID:        &sectionID,
		ChunkIndex:       &chunkIndex,
		Type:             store.AnalysisSectionChunkSummary,
		Model:            completion.Model,
		Content:          content,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      completion.TotalTokens,
		Extra:            task.AnalysisExtra(),
	}); err != nil {
		w.settle(ctx, reservation, resolveTokens(completion, reservation))
		return false, fmt.Errorf("persisting summary: %w", err)
	}

	w.settle(ctx, reservation, resolveTokens(completion, reservation))
	log.WithFields(log.Fields{
		"job":    task.ID,
		"model":  completion.Model,
		"tokens": completion.TotalTokens,
	}).Info("summarized section chunk")
	return true, nil
}

// reserve charges the budget for one completion. The bool result is false
// when the budget is exhausted, after sleeping the limiter cooldown so the
// pool doesn't spin on a dry budget.
func (w *Worker) reserve(ctx context.Context, messages []llm.Message) (*budget.Reservation, bool, error) {
	if w.limiter == nil {
		return nil, true, nil
	}
	reservation, err := w.limiter.Reserve(ctx, EstimateReserve(messages, w.opts.MaxOutputTokens))
	if err == budget.ErrBudgetExceeded {
		w.limiter.RecordDeferral()
		select {
		case <-ctx.Done():
		case <-time.After(w.limiter.Cooldown()):
		}
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return reservation, true, nil
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

// EstimateReserve sizes the token reservation of a completion call: the
// larger of the word-based estimate and a characters/4 floor, plus the
// response allowance.
func EstimateReserve(messages []llm.Message, maxOutputTokens int) int64 {
	return llm.EstimateReserve(messages, maxOutputTokens)
}

// resolveTokens picks the settled spend of a completion, falling back from
// reported usage to the reservation itself.
func resolveTokens(completion *llm.Completion, reservation *budget.Reservation) int64 {
	if completion.TotalTokens > 0 {
		return completion.TotalTokens
	}
	if n := completion.PromptTokens + completion.CompletionTokens; n > 0 {
		return n
	}
	if reservation != nil {
		return reservation.Reserved()
	}
	return 0
}
