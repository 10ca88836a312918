package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/tools"
)

func TestOpenAIProviderGenerateWithToolCalls(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "c1",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "Looking at the file",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"main.go\"}"}}]
			}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "secret", "test-model", 0)
	gen, err := p.Generate(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}},
		[]tools.Spec{{Name: "read_file", Description: "read", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "read_file", got.Tools[0].Function.Name)

	assert.Equal(t, "Looking at the file", gen.Text)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30}, gen.Usage)
	require.Len(t, gen.ToolCalls, 1)
	args, err := gen.ToolCalls[0].DecodeArguments()
	require.NoError(t, err)
	assert.Equal(t, "main.go", args["path"])
}

func TestOpenAIProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "m", 0).Generate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDecodeArgumentsRejectsGarbage(t *testing.T) {
	_, err := ToolCall{Function: FunctionCall{Name: "x", Arguments: "{"}}.DecodeArguments()
	assert.Error(t, err)

	args, err := ToolCall{Function: FunctionCall{Name: "x"}}.DecodeArguments()
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestMockProviderScript(t *testing.T) {
	boom := errors.New("boom")
	p := NewMockProvider(
		Step{Err: boom},
		Step{Generation: &Generation{Text: "a", ToolCalls: []ToolCall{Call("1", "list_files", nil)}}},
	)
	ctx := context.Background()

	_, err := p.Generate(ctx, nil, nil)
	assert.ErrorIs(t, err, boom)

	gen, err := p.Generate(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, gen.ToolCalls, 1)

	gen, err = p.Generate(ctx, []ChatMessage{{Role: "user", Content: "ping"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[mock] ping", gen.Text)
	assert.Empty(t, gen.ToolCalls)
	assert.Len(t, p.Requests(), 3)
}
