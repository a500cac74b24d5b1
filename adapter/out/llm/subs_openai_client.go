// Package llm adapts the OpenAI chat completion API to the
// classification port.
package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"subs_server/core/port/out"
	"subs_server/pkg/httputil"
)

const DefaultModel = "gpt-4o-mini"

type ClientConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// OpenAIClient implements out.ChatCompleter.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ out.ChatCompleter = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.HTTPClient = httputil.OpenAIClient()
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(apiCfg),
		model:  model,
	}
}

func (c *OpenAIClient) Model() string {
	return c.model
}

func (c *OpenAIClient) Complete(ctx context.Context, req out.ChatRequest) (*out.ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserPrompt,
			},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, mapAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &out.LLMError{StatusCode: 502, Message: "empty completion response"}
	}

	return &out.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: out.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// mapAPIError converts go-openai errors so the retry loop can tell
// rate limits and server errors apart from bad requests.
func mapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &out.LLMError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &out.LLMError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Err:        err,
		}
	}

	// Transport failures are worth retrying
	return &out.LLMError{StatusCode: 503, Message: err.Error(), Err: err}
}
