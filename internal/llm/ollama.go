package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jmorganca/ollama/api"

	"github.com/comigor/ollamachat/internal/logger"
)

const ollamaHostEnv = "OLLAMA_HOST"

// The ollama api package only builds clients from OLLAMA_HOST.
var ollamaEnvMu sync.Mutex

// OllamaClient talks to the native Ollama API (/api/generate, /api/tags).
type OllamaClient struct {
	api     *api.Client
	baseURL string
}

// NewOllamaClient creates a client for baseURL, or for $OLLAMA_HOST when baseURL is empty.
func NewOllamaClient(baseURL string) (*OllamaClient, error) {
	ollamaEnvMu.Lock()
	defer ollamaEnvMu.Unlock()

	if baseURL != "" {
		prev, had := os.LookupEnv(ollamaHostEnv)
		if err := os.Setenv(ollamaHostEnv, baseURL); err != nil {
			return nil, fmt.Errorf("set %s: %w", ollamaHostEnv, err)
		}
		defer func() {
			if had {
				_ = os.Setenv(ollamaHostEnv, prev)
			} else {
				_ = os.Unsetenv(ollamaHostEnv)
			}
		}()
	}

	c, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client for %q: %w", baseURL, err)
	}
	return &OllamaClient{api: c, baseURL: baseURL}, nil
}

func (c *OllamaClient) request(req Request, stream bool) *api.GenerateRequest {
	return &api.GenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": req.Options.Temperature,
			"num_predict": req.Options.NumPredict,
		},
	}
}

// Generate performs one blocking completion.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (Response, error) {
	var out Response
	err := c.api.Generate(ctx, c.request(req, false), func(resp api.GenerateResponse) error {
		out.Response += resp.Response
		out.Done = resp.Done
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama generate: %w", err)
	}
	return out, nil
}

// GenerateStream forwards every non-empty chunk to fn and returns after the done marker.
func (c *OllamaClient) GenerateStream(ctx context.Context, req Request, fn ChunkFunc) error {
	chunks := 0
	err := c.api.Generate(ctx, c.request(req, true), func(resp api.GenerateResponse) error {
		if resp.Response != "" {
			chunks++
			if err := fn(resp.Response); err != nil {
				return err
			}
		}
		if resp.Done {
			logger.L.Debug("ollama stream finished", "model", req.Model, "chunks", chunks)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama generate stream: %w", err)
	}
	return nil
}

// ListModels returns the names of locally installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Ping checks that the server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := c.api.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat %s: %w", c.baseURL, err)
	}
	return nil
}
