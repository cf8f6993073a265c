package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/schema"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

// LangChainClient adapts a langchaingo model to the Client capability.
// Responses are parsed and validated against the caller's schema before
// they are trusted; any violation surfaces as an LLM error.
type LangChainClient struct {
	model llms.Model
}

func NewLangChainClient(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

func (c *LangChainClient) IsAvailable(_ context.Context) bool {
	return c.model != nil
}

func (c *LangChainClient) CompleteJSON(
	ctx context.Context,
	prompt string,
	s *schema.Schema,
	opts *CallOptions,
) (map[string]any, error) {
	if c.model == nil {
		return nil, core.NewError(fmt.Errorf("no language model configured"), core.ErrCodeLLMUnavailable, nil)
	}
	timeout := DefaultTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	callOpts := []llms.CallOption{llms.WithJSONMode()}
	if opts != nil && opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts != nil && opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	response, err := c.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return nil, core.NewError(
			fmt.Errorf("generate content failed: %w", err),
			core.ErrCodeLLMGeneration,
			nil,
		)
	}
	if len(response.Choices) == 0 {
		return nil, core.NewError(fmt.Errorf("empty model response"), core.ErrCodeLLMGeneration, nil)
	}
	payload, err := decodeJSONObject(response.Choices[0].Content)
	if err != nil {
		logger.FromContext(ctx).Warn("model returned malformed JSON", "error", err)
		return nil, core.NewError(err, core.ErrCodeLLMGeneration, nil)
	}
	if s != nil {
		if _, err := s.Validate(ctx, payload); err != nil {
			return nil, core.NewError(err, core.ErrCodeSchemaValidation, nil)
		}
	}
	return payload, nil
}

// decodeJSONObject tolerates markdown code fences around the object but
// nothing else.
func decodeJSONObject(content string) (map[string]any, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse model output as JSON object: %w", err)
	}
	return payload, nil
}
