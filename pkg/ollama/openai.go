package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAIChat chats through the server's OpenAI-compatible /v1 endpoint.
// It is interchangeable with Client for chat calls.
type OpenAIChat struct {
	client *openai.Client
}

// NewOpenAIChat creates a chat client for the server at baseURL.
func NewOpenAIChat(baseURL string) *OpenAIChat {
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return &OpenAIChat{client: openai.NewClientWithConfig(cfg)}
}

// Chat sends messages to model and returns the first choice.
func (o *OpenAIChat) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Op: "chat", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("ollama chat: no choices in response")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Model:   resp.Model,
		Message: Message{Role: choice.Message.Role, Content: choice.Message.Content},
		Done:    choice.FinishReason != "",
	}, nil
}
