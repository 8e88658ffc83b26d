package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyarbiter/keyarbiter/dispatcher"
	"github.com/keyarbiter/keyarbiter/keypool"
)

func TestWrapUpstreamError(t *testing.T) {
	wrapped := wrapUpstreamError(&openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "Rate limit reached for requests",
	})
	var ue *keypool.UpstreamError
	require.ErrorAs(t, wrapped, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Equal(t, keypool.KindMinuteLimited, keypool.Classify(wrapped))

	wrapped = wrapUpstreamError(fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, keypool.KindOther, keypool.Classify(wrapped))
}

func TestOpenAIInvokerRejectsUnknownPayload(t *testing.T) {
	invoke := NewOpenAI("http://127.0.0.1:0", time.Second)
	_, err := invoke(context.Background(), "sk-test", &dispatcher.Request{Payload: "not a chat payload"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload type")
}

func TestOpenAIInvokerRoundTrip(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello there"},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	invoke := NewOpenAI(upstream.URL, 5*time.Second)
	result, err := invoke(context.Background(), "sk-live-1234", &dispatcher.Request{
		ModelName: "gemini-pro",
		Payload: &ChatPayload{
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: "hi"},
			},
		},
	})
	require.NoError(t, err)

	chat, ok := result.(*ChatResult)
	require.True(t, ok)
	assert.Equal(t, "hello there", chat.Content)
	assert.Equal(t, "stop", chat.FinishReason)
	assert.Equal(t, 5, chat.Usage.TotalTokens)
	assert.Equal(t, "Bearer sk-live-1234", gotAuth)
}

func TestOpenAIInvokerMapsUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached for requests","type":"requests"}}`))
	}))
	defer upstream.Close()

	invoke := NewOpenAI(upstream.URL, 5*time.Second)
	_, err := invoke(context.Background(), "sk-test", &dispatcher.Request{
		ModelName: "gemini-pro",
		Payload:   &ChatPayload{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}},
	})
	require.Error(t, err)
	assert.Equal(t, keypool.KindMinuteLimited, keypool.Classify(err))
}
