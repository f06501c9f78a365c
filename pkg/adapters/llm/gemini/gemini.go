package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"github.com/wilhg/wellness/pkg/adapters/llm"
)

const defaultModel = "gemini-2.5-flash-lite"

type clientWrapper struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func (c *clientWrapper) Name() string { return "gemini" }

func (c *clientWrapper) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	model := c.model
	if v, ok := llm.StringOpt(opts, llm.OptModel); ok {
		model = v
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// System messages become the system instruction; the rest are joined into a single turn.
	var system, user []string
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		user = append(user, m.Content)
	}
	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}
	if schema, ok := opts[llm.OptResponseSchema].(map[string]any); ok && len(schema) > 0 {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = schema
	}

	res, err := c.client.Models.GenerateContent(ctx, model, genai.Text(strings.Join(user, "\n")), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return llm.GenerateResult{}, fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
		return llm.GenerateResult{}, err
	}
	out := llm.GenerateResult{Text: res.Text(), Model: model}
	if u := res.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

// Factory creates a Gemini LLM client using GOOGLE_API_KEY by default.
// cfg keys: api_key, model, timeout (time.Duration).
func Factory(ctx context.Context, cfg map[string]any) (llm.LLM, error) { // nolint: revive
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if v, ok := llm.StringOpt(cfg, "api_key"); ok {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY or cfg.api_key")
	}
	// Prefer Gemini API backend
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	model := defaultModel
	if v, ok := llm.StringOpt(cfg, "model"); ok {
		model = v
	}
	w := &clientWrapper{client: client, model: model}
	if d, ok := cfg["timeout"].(time.Duration); ok {
		w.timeout = d
	}
	return w, nil
}

func init() {
	_ = llm.Register("gemini", Factory)
}
