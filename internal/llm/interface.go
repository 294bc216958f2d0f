package llm

import (
	"context"
)

// Options are the sampling knobs forwarded to the backend.
type Options struct {
	Temperature float64
	NumPredict  int
}

// Request is one single-prompt completion request. The backend sees only the
// latest user message and the system prompt, never earlier turns.
type Request struct {
	Model   string
	Prompt  string
	System  string
	Options Options
}

// Response is the result of a blocking generation.
type Response struct {
	Response string
	Done     bool
}

// ChunkFunc receives streamed text in arrival order. Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// Client is the generation backend used by the orchestrator; it is easy to mock in tests.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	GenerateStream(ctx context.Context, req Request, fn ChunkFunc) error
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}
