package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jordanhubbard/lomu/internal/tools"
)

// Step is one scripted model response.
type Step struct {
	Generation *Generation
	Err        error
}

// MockProvider replays scripted steps in order. Once the script runs out it
// echoes the last user message without tool calls, which ends a run.
type MockProvider struct {
	mu       sync.Mutex
	steps    []Step
	requests [][]ChatMessage
}

// NewMockProvider creates a provider that returns steps in order.
func NewMockProvider(steps ...Step) *MockProvider {
	return &MockProvider{steps: steps}
}

// Generate implements Generator.
func (p *MockProvider) Generate(ctx context.Context, messages []ChatMessage, specs []tools.Spec) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]ChatMessage(nil), messages...))

	if len(p.steps) > 0 {
		step := p.steps[0]
		p.steps = p.steps[1:]
		if step.Err != nil {
			return nil, step.Err
		}
		gen := *step.Generation
		return &gen, nil
	}

	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	return &Generation{
		Text:         "[mock] " + last,
		FinishReason: "stop",
		Usage:        Usage{InputTokens: len(last), OutputTokens: len(last) + 7},
	}, nil
}

// Requests returns every conversation the provider was called with.
func (p *MockProvider) Requests() [][]ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]ChatMessage(nil), p.requests...)
}

// Call builds a tool call with JSON-encoded arguments, for scripting.
func Call(id, name string, args map[string]interface{}) ToolCall {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("provider.Call: %v", err))
	}
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: string(data)}}
}
