package llm

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// ChatWithRetries calls the model with linearly growing backoff between
// attempts, retrying only transient failures. The bool result reports
// whether a final error is fatal (non-retryable) rather than transient.
func ChatWithRetries(
	ctx context.Context,
	completer Completer,
	model string,
	messages []Message,
	maxTokens int,
	temperature float64,
	maxRetries int,
	backoff time.Duration,
	duration interface{ Observe(float64) },
) (*Completion, bool, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt-1)):
			}
		}

		var started = time.Now()
		completion, err := completer.Chat(ctx, model, messages, maxTokens, temperature)
		if duration != nil {
			duration.Observe(time.Since(started).Seconds())
		}
		if err == nil {
			return completion, false, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, true, err
		}
		log.WithFields(log.Fields{"attempt": attempt, "error": err}).
			Warn("completion attempt failed")
	}
	return nil, false, lastErr
}
