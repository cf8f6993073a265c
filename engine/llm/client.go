package llm

import (
	"context"
	"time"

	"github.com/nahisaho/musubi-replan/engine/schema"
)

// DefaultTimeout bounds a completion call when the caller sets none.
const DefaultTimeout = 30 * time.Second

// CallOptions tune a single completion call.
type CallOptions struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Client is the opaque language-model capability consumed by the engine.
// CompleteJSON must return an object conforming to the supplied schema or
// an error; the engine never depends on streaming.
type Client interface {
	CompleteJSON(ctx context.Context, prompt string, s *schema.Schema, opts *CallOptions) (map[string]any, error)
	IsAvailable(ctx context.Context) bool
}
