package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jordanhubbard/lomu/internal/tools"
)

// StreamingGenerator is a Generator that can surface text as it is
// produced. onText sees each fragment in order; the returned Generation
// carries the full text.
type StreamingGenerator interface {
	Generator
	GenerateStream(ctx context.Context, messages []ChatMessage, specs []tools.Spec, onText func(string)) (*Generation, error)
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string          `json:"role,omitempty"`
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// toolCallDelta is a fragment of a tool call. Arguments arrive split
// across chunks that share an index.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// StreamHandler handles streaming responses
type StreamHandler func(chunk *StreamChunk) error

// GenerateStream implements StreamingGenerator. With streaming disabled it
// falls back to Generate and reports the whole text as one fragment.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, messages []ChatMessage, specs []tools.Spec, onText func(string)) (*Generation, error) {
	if !p.stream {
		gen, err := p.Generate(ctx, messages, specs)
		if err == nil && gen.Text != "" && onText != nil {
			onText(gen.Text)
		}
		return gen, err
	}

	start := time.Now()
	req := &ChatCompletionRequest{Model: p.model, Messages: messages}
	for _, s := range specs {
		req.Tools = append(req.Tools, toolDefinition{Type: "function", Function: s})
	}
	req.StreamOptions = &streamOptions{IncludeUsage: true}

	acc := newStreamAccumulator()
	err := p.CreateChatCompletionStream(ctx, req, func(chunk *StreamChunk) error {
		if text := acc.add(chunk); text != "" && onText != nil {
			onText(text)
		}
		return nil
	})
	latency := time.Since(start).Seconds()
	if err != nil {
		p.metrics.RecordProviderRequest(false, latency, 0, 0)
		return nil, err
	}
	gen := acc.generation()
	p.metrics.RecordProviderRequest(true, latency, gen.Usage.InputTokens, gen.Usage.OutputTokens)
	return gen, nil
}

// CreateChatCompletionStream sends a streaming chat completion request
func (p *OpenAIProvider) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, handler StreamHandler) error {
	// Ensure stream is enabled
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	return readStreamingResponse(ctx, resp.Body, handler)
}

// readStreamingResponse reads and processes SSE streaming response
func readStreamingResponse(ctx context.Context, reader io.Reader, handler StreamHandler) error {
	scanner := bufio.NewScanner(reader)
	// Tool-call argument chunks can be long.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if err := handler(&chunk); err != nil {
			return fmt.Errorf("handler error: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// streamAccumulator rebuilds a Generation from chunks.
type streamAccumulator struct {
	text   strings.Builder
	calls  map[int]*ToolCall
	args   map[int]*strings.Builder
	finish string
	usage  Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{calls: make(map[int]*ToolCall), args: make(map[int]*strings.Builder)}
}

// add folds a chunk in and returns its text fragment.
func (a *streamAccumulator) add(chunk *StreamChunk) string {
	if chunk.Usage != nil {
		a.usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	var text strings.Builder
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		text.WriteString(choice.Delta.Content)
		for _, d := range choice.Delta.ToolCalls {
			call, ok := a.calls[d.Index]
			if !ok {
				call = &ToolCall{Type: "function"}
				a.calls[d.Index] = call
				a.args[d.Index] = &strings.Builder{}
			}
			if d.ID != "" {
				call.ID = d.ID
			}
			if d.Type != "" {
				call.Type = d.Type
			}
			if d.Function.Name != "" {
				call.Function.Name = d.Function.Name
			}
			a.args[d.Index].WriteString(d.Function.Arguments)
		}
		if choice.FinishReason != "" {
			a.finish = choice.FinishReason
		}
	}
	a.text.WriteString(text.String())
	return text.String()
}

func (a *streamAccumulator) generation() *Generation {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	gen := &Generation{Text: a.text.String(), FinishReason: a.finish, Usage: a.usage}
	for _, i := range indexes {
		call := *a.calls[i]
		call.Function.Arguments = a.args[i].String()
		gen.ToolCalls = append(gen.ToolCalls, call)
	}
	return gen
}
