// Package provider talks to OpenAI-compatible chat completion endpoints
// with tool calling.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/internal/tools"
)

// Generator is the model collaborator used by the agent loop.
type Generator interface {
	Generate(ctx context.Context, messages []ChatMessage, specs []tools.Spec) (*Generation, error)
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DecodeArguments parses the JSON argument object. Empty means no arguments.
func (c ToolCall) DecodeArguments() (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(c.Function.Arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", c.Function.Name, err)
	}
	return args, nil
}

// Usage reports token counts for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Generation is the model's answer for one round.
type Generation struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

type toolDefinition struct {
	Type     string     `json:"type"`
	Function tools.Spec `json:"function"`
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []toolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`

	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// ChatCompletionResponse represents a chat completion response
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int         `json:"index"`
		Message ChatMessage `json:"message"`
		Finish  string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAIProvider implements Generator for OpenAI-compatible APIs
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	metrics  *metrics.Metrics
	// stream selects server-sent-event completions in GenerateStream.
	stream bool
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(endpoint, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		metrics:  metrics.NewMetrics(),
		stream:   true,
	}
}

// SetStreaming turns streamed completions on or off. Some self-hosted
// endpoints reject stream requests that also carry tools.
func (p *OpenAIProvider) SetStreaming(enabled bool) {
	p.stream = enabled
}

// Generate runs one chat completion with the given tools available.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []ChatMessage, specs []tools.Spec) (*Generation, error) {
	start := time.Now()
	gen, err := p.generate(ctx, messages, specs)
	latency := time.Since(start).Seconds()
	if err != nil {
		p.metrics.RecordProviderRequest(false, latency, 0, 0)
		return nil, err
	}
	p.metrics.RecordProviderRequest(true, latency, gen.Usage.InputTokens, gen.Usage.OutputTokens)
	return gen, nil
}

func (p *OpenAIProvider) generate(ctx context.Context, messages []ChatMessage, specs []tools.Spec) (*Generation, error) {
	req := &ChatCompletionRequest{Model: p.model, Messages: messages}
	for _, s := range specs {
		req.Tools = append(req.Tools, toolDefinition{Type: "function", Function: s})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := completion.Choices[0]
	return &Generation{
		Text:         choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.Finish,
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}
