package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/wilhg/wellness/pkg/adapters/llm"
)

const (
	defaultModel = "gpt-5-nano"
)

type clientWrapper struct {
	client oa.Client
	model  string
}

func (c *clientWrapper) Name() string { return "openai" }

func (c *clientWrapper) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	model := c.model
	if v, ok := llm.StringOpt(opts, llm.OptModel); ok {
		model = v
	}

	// Map our messages to SDK union type
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			mm = append(mm, oa.UserMessage(m.Content))
		case "system":
			mm = append(mm, oa.SystemMessage(m.Content))
		case "assistant":
			mm = append(mm, oa.AssistantMessage(m.Content))
		default:
			mm = append(mm, oa.UserMessage(m.Content))
		}
	}

	params := oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: mm,
	}
	if schema, ok := opts[llm.OptResponseSchema].(map[string]any); ok && len(schema) > 0 {
		name, ok := llm.StringOpt(opts, llm.OptSchemaName)
		if !ok {
			name = "response"
		}
		params.ResponseFormat = oa.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schema,
				},
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oa.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return llm.GenerateResult{}, fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
		return llm.GenerateResult{}, err
	}
	var out string
	if len(resp.Choices) > 0 {
		out = resp.Choices[0].Message.Content
	}
	usage := resp.Usage
	return llm.GenerateResult{
		Text:         out,
		PromptTokens: int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
		Model:        model,
	}, nil
}

// Factory builds the OpenAI provider. cfg keys: api_key, model, base_url, timeout (time.Duration).
// SDK-level retries are disabled; a failed call surfaces immediately to the caller.
func Factory(ctx context.Context, cfg map[string]any) (llm.LLM, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := llm.StringOpt(cfg, "api_key"); ok {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := llm.StringOpt(cfg, "model"); ok {
		model = v
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if v, ok := llm.StringOpt(cfg, "base_url"); ok {
		reqOpts = append(reqOpts, option.WithBaseURL(v))
	}
	if d, ok := cfg["timeout"].(time.Duration); ok && d > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(d))
	}
	c := oa.NewClient(reqOpts...)
	return &clientWrapper{client: c, model: model}, nil
}

func init() {
	_ = llm.Register("openai", Factory)
}
