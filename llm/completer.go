package llm

import "context"

// Completer is the completion surface workers depend on, satisfied by Client
// and by test fakes.
type Completer interface {
	Chat(ctx context.Context, model string, messages []Message, maxTokens int, temperature float64) (*Completion, error)
}
