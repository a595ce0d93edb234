package tts

import "context"

// RenderRequest asks the engine to voice one block of text into OutputPath.
type RenderRequest struct {
	JobID      string
	Block      int
	Text       string
	Voice      string
	Language   string
	OutputPath string
}

// Renderer is the contract for producing one audio unit per block.
// Implementations write a WAV file at req.OutputPath or return an error.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req RenderRequest) error

func (f RendererFunc) Render(ctx context.Context, req RenderRequest) error { return f(ctx, req) }
