package out

import "context"

// =============================================================================
// LLM Port
// =============================================================================

// ChatRequest is one structured-output completion request.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

// ChatUsage carries token accounting for one call.
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResponse is the raw model output plus usage.
type ChatResponse struct {
	Content string
	Usage   ChatUsage
}

// ChatCompleter is the injectable LLM transport. The production
// implementation talks to OpenAI; tests inject a mock.
type ChatCompleter interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// =============================================================================
// LLM Error
// =============================================================================

// LLMError wraps a classifier transport failure with its HTTP status.
// 429 and 5xx are retryable; other 4xx are not.
type LLMError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// IsRetryable satisfies the retry package's Retryable interface.
func (e *LLMError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
