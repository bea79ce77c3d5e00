package diffs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/budget"
	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/store"
)

// evidenceLimit bounds the synthesized evidence excerpt of a one-sided change.
const evidenceLimit = 280

// Options tune the diff worker.
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

// Worker consumes section comparison jobs. Matched sections are diffed and
// analyzed by the model; one-sided sections synthesize their change without
// a completion call; byte-equal sections finalize without writing anything.
type Worker struct {
	tasks   queue.Queue[DiffTask]
	store   store.Store
	llm     llm.Completer
	limiter *budget.Limiter
	opts    Options
}

// NewWorker builds a diff Worker. A nil |limiter| disables budgeting.
func NewWorker(
	tasks queue.Queue[DiffTask],
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
			log.WithField("error", err).Warn("diff pop failed")
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
			sectionJobsCounter.WithLabelValues("ok").Inc()
		case ack:
			sectionJobsCounter.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Error("diff job failed")
		default:
			sectionJobsCounter.WithLabelValues("deferred").Inc()
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("diff job deferred for redelivery")
		}
		if !ack {
			continue
		}
		if err = w.tasks.Ack(ctx, msg); err != nil {
			log.WithFields(log.Fields{"job": msg.JobID, "error": err}).
				Warn("diff ack failed")
		}
	}
}

// Process handles one section comparison. The returned bool reports whether
// the task is settled (acknowledge) or should be redelivered.
func (w *Worker) Process(ctx context.Context, task DiffTask) (bool, error) {
	if _, err := w.store.DiffByID(ctx, task.DiffID); errors.Is(err, store.ErrNotFound) {
		// The run was rescheduled out from under this job; drop it.
		log.WithField("job", task.ID).Warn("diff job references a vanished diff")
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("loading diff: %w", err)
	}

	current, err := w.loadSection(ctx, task.CurrentSectionID)
	if err != nil {
		return false, err
	}
	previous, err := w.loadSection(ctx, task.PreviousSectionID)
	if err != nil {
		return false, err
	}

	switch {
	case current != nil && previous != nil:
		if current.ContentHash == previous.ContentHash || current.Content == previous.Content {
			// Nothing changed; advance the run without writing a change.
			if err = w.store.FinalizeDiffSection(ctx, task.DiffID); err != nil {
				return false, fmt.Errorf("finalizing unchanged section: %w", err)
			}
			log.WithField("job", task.ID).Debug("section unchanged")
			return true, nil
		}
		return w.processModified(ctx, task, previous, current)
	case current != nil:
		return true, w.applySynthesized(ctx, task, "addition", current.Content)
	case previous != nil:
		return true, w.applySynthesized(ctx, task, "removal", previous.Content)
	default:
		// Both sections vanished since scheduling; treat as unchanged.
		if err = w.store.FinalizeDiffSection(ctx, task.DiffID); err != nil {
			return false, fmt.Errorf("finalizing vacated section: %w", err)
		}
		return true, nil
	}
}

func (w *Worker) loadSection(ctx context.Context, id *int64) (*store.Section, error) {
	if id == nil {
		return nil, nil
	}
	section, err := w.store.SectionByID(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading section %d: %w", *id, err)
	}
	return section, nil
}

// applySynthesized records a pure addition or removal without a model call.
func (w *Worker) applySynthesized(ctx context.Context, task DiffTask, kind, content string) error {
	var confidence = 1.0
	var change = store.ChangeInput{
		ChangeType: kind,
		Summary:    truncateSummary(fmt.Sprintf("Section %q was %s.", task.Title, pastTense(kind))),
		Impact:     "medium",
		Confidence: &confidence,
		Evidence:   excerpt(content),
	}
	if err := w.store.ApplySectionDiff(ctx, store.SectionDiffApply{
		DiffID:            task.DiffID,
		Ordinal:           task.Ordinal,
		Title:             task.Title,
		JobID:             task.ID,
		CurrentSectionID:  task.CurrentSectionID,
		PreviousSectionID: task.PreviousSectionID,
		Changes:           []store.ChangeInput{change},
	}); err != nil {
		return fmt.Errorf("recording %s: %w", kind, err)
	}
	changesCounter.WithLabelValues(kind).Inc()
	log.WithFields(log.Fields{"job": task.ID, "change": kind}).
		Info("recorded one-sided section change")
	return nil
}

func (w *Worker) processModified(ctx context.Context, task DiffTask, previous, current *store.Section) (bool, error) {
	snippet, err := Snippet(previous.Content, current.Content)
	if err != nil {
		return false, err
	}
	var messages = []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: UserPrompt(task, snippet)},
	}

	var reservation *budget.Reservation
	if w.limiter != nil {
		reservation, err = w.limiter.Reserve(ctx,
			llm.EstimateReserve(messages, w.opts.MaxOutputTokens))
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
			w.failDiff(ctx, task, fmt.Sprintf("completing %s: %s", task.ID, err))
			return true, fmt.Errorf("completing diff: %w", err)
		}
		return false, fmt.Errorf("completing diff: %w", err)
	}
	var used = completion.TotalTokens
	if used == 0 {
		used = completion.PromptTokens + completion.CompletionTokens
	}
	if used == 0 && reservation != nil {
		used = reservation.Reserved()
	}

	changes, parseErr := ParseResponse(completion.Content)
	if parseErr != nil {
		// Re-prompting with the same diff would reproduce the malformed
		// response; fail the run rather than loop.
		w.settle(ctx, reservation, used)
		w.failDiff(ctx, task, fmt.Sprintf("parsing %s: %s", task.ID, parseErr))
		return true, fmt.Errorf("parsing diff response: %w", parseErr)
	}

	var extra, _ = json.Marshal(map[string]string{"snippet": snippet})
	if err = w.store.ApplySectionDiff(ctx, store.SectionDiffApply{
		DiffID:            task.DiffID,
		Ordinal:           task.Ordinal,
		Title:             task.Title,
		JobID:             task.ID,
		CurrentSectionID:  task.CurrentSectionID,
		PreviousSectionID: task.PreviousSectionID,
		Analysis: &store.AnalysisUpsert{
			JobID:            task.ID,
			FilingID:         task.CurrentFilingID,
			SectionID:        task.CurrentSectionID,
			Type:             store.AnalysisSectionDiff,
			Model:            completion.Model,
			Content:          completion.Content,
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.TotalTokens,
			Extra:            string(extra),
		},
		Changes: changes,
	}); err != nil {
		w.settle(ctx, reservation, used)
		return false, fmt.Errorf("persisting section diff: %w", err)
	}
	w.settle(ctx, reservation, used)

	for _, c := range changes {
		changesCounter.WithLabelValues(c.ChangeType).Inc()
	}
	log.WithFields(log.Fields{
		"job":     task.ID,
		"changes": len(changes),
		"tokens":  completion.TotalTokens,
	}).Info("analyzed section diff")
	return true, nil
}

func (w *Worker) failDiff(ctx context.Context, task DiffTask, message string) {
	if err := w.store.FailDiff(ctx, task.DiffID, message); err != nil {
		log.WithFields(log.Fields{"job": task.ID, "error": err}).
			Warn("marking diff failed")
	}
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

func pastTense(kind string) string {
	if kind == "removal" {
		return "removed"
	}
	return "added"
}

func excerpt(content string) string {
	if len(content) > evidenceLimit {
		return content[:evidenceLimit]
	}
	return content
}
