package provider

import (
	"context"

	"github.com/jordanhubbard/lomu/internal/tools"
)

// StreamingMock replays a MockProvider script and reports each
// generation's text in fixed-size fragments.
type StreamingMock struct {
	*MockProvider
	ChunkSize int
}

// NewStreamingMock creates a streaming mock over steps.
func NewStreamingMock(steps ...Step) *StreamingMock {
	return &StreamingMock{MockProvider: NewMockProvider(steps...), ChunkSize: 5}
}

// GenerateStream implements StreamingGenerator.
func (p *StreamingMock) GenerateStream(ctx context.Context, messages []ChatMessage, specs []tools.Spec, onText func(string)) (*Generation, error) {
	gen, err := p.Generate(ctx, messages, specs)
	if err != nil || onText == nil {
		return gen, err
	}
	size := p.ChunkSize
	if size <= 0 {
		size = 5
	}
	runes := []rune(gen.Text)
	for i := 0; i < len(runes); i += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		onText(string(runes[i:end]))
	}
	return gen, nil
}
