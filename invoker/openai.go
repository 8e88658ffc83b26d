// Package invoker provides upstream generation callers for the dispatcher. The default
// implementation speaks the OpenAI-compatible chat completions API; errors are mapped into
// keypool.UpstreamError so the dispatcher can classify them without knowing the client library.
package invoker

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keyarbiter/keyarbiter/dispatcher"
	"github.com/keyarbiter/keyarbiter/keypool"
)

// ChatPayload is the generation payload the OpenAI invoker understands.
type ChatPayload struct {
	Messages  []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens int                            `json:"max_tokens,omitempty"`
}

// ChatResult is the trimmed response handed back to callers.
type ChatResult struct {
	Content      string       `json:"content"`
	FinishReason string       `json:"finish_reason"`
	Usage        openai.Usage `json:"usage"`
}

// NewOpenAI returns an Invoker that calls an OpenAI-compatible endpoint with the credential of
// whichever key slot the dispatcher selected for the attempt.
func NewOpenAI(baseURL string, timeout time.Duration) dispatcher.Invoker {
	httpClient := &http.Client{Timeout: timeout}

	return func(ctx context.Context, credential string, req *dispatcher.Request) (any, error) {
		payload, ok := req.Payload.(*ChatPayload)
		if !ok {
			return nil, errors.Errorf("openai invoker: unsupported payload type %T", req.Payload)
		}

		cfg := openai.DefaultConfig(credential)
		if baseURL != "" {
			cfg.BaseURL = baseURL
		}
		cfg.HTTPClient = httpClient
		client := openai.NewClientWithConfig(cfg)

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     req.ModelName,
			Messages:  payload.Messages,
			MaxTokens: payload.MaxTokens,
		})
		if err != nil {
			return nil, wrapUpstreamError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("openai invoker: upstream returned no choices")
		}

		return &ChatResult{
			Content:      resp.Choices[0].Message.Content,
			FinishReason: string(resp.Choices[0].FinishReason),
			Usage:        resp.Usage,
		}, nil
	}
}

// wrapUpstreamError converts client-library errors into the classifiable UpstreamError shape.
// Errors without an HTTP status (network, decode) pass through unchanged and classify as
// transient.
func wrapUpstreamError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &keypool.UpstreamError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &keypool.UpstreamError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}
	}
	return errors.Wrap(err, "upstream call failed")
}
