// Package assess turns a shaped session payload into an insight text using an
// external text-generation provider. The provider output is returned opaquely.
package assess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wilhg/wellness/pkg/adapters/llm"
	"github.com/wilhg/wellness/pkg/errmodel"
	"github.com/wilhg/wellness/pkg/prompt"
	"github.com/wilhg/wellness/pkg/wellness"
)

// Report is the shape the provider is asked to produce. The pipeline never
// parses it; it only feeds the response schema.
type Report struct {
	TemperatureAverage     float64 `json:"temperature_average" jsonschema:"mean temperature in degrees Celsius"`
	TemperaturePeak        float64 `json:"temperature_peak" jsonschema:"highest temperature"`
	TemperatureRange       float64 `json:"temperature_range" jsonschema:"peak minus minimum temperature"`
	TimeInOptimalRange     float64 `json:"time_in_optimal_range_minutes" jsonschema:"minutes between 70 and 90 degrees, or the reading count when no sampling interval is stated"`
	HumidityAverage        float64 `json:"humidity_average" jsonschema:"mean relative humidity in percent"`
	HumidityPeak           float64 `json:"humidity_peak" jsonschema:"highest relative humidity"`
	HumidityTrend          string  `json:"humidity_trend" jsonschema:"rising, falling or stable"`
	SessionDurationMinutes float64 `json:"session_duration_minutes" jsonschema:"session length in minutes, or the reading count when no sampling interval is stated"`
	ThermalComfort         string  `json:"thermal_comfort" jsonschema:"one of Comfortable, Moderate, Intense"`
	HydrationCaution       bool    `json:"hydration_caution" jsonschema:"true when extra hydration is advised"`
	Summary                string  `json:"summary" jsonschema:"two or three short sentences for the bather"`
}

const schemaName = "wellness_report"

// Estimator counts prompt tokens.
type Estimator func(text string) int

// Client performs exactly one provider call per Assess. It never retries.
type Client struct {
	model       llm.LLM
	instruction prompt.Prompt
	schema      map[string]any
	timeout     time.Duration
	maxTokens   int
	estimate    Estimator
	interval    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithInstruction replaces the built-in system instruction.
func WithInstruction(p prompt.Prompt) Option { return func(c *Client) { c.instruction = p } }

// WithSampleInterval states the sensor logging interval to the provider so
// reading counts can be reported as minutes. Zero leaves it unstated.
func WithSampleInterval(d time.Duration) Option { return func(c *Client) { c.interval = d } }

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithTokenBudget rejects prompts whose estimated size exceeds max tokens.
// A max <= 0 or nil estimator disables the check.
func WithTokenBudget(max int, est Estimator) Option {
	return func(c *Client) {
		if max > 0 && est != nil {
			c.maxTokens = max
			c.estimate = est
		}
	}
}

// New builds a Client around a provider.
func New(model llm.LLM, opts ...Option) (*Client, error) {
	if model == nil {
		return nil, errors.New("assess: nil provider")
	}
	c := &Client{model: model, instruction: prompt.Wellness()}
	for _, o := range opts {
		o(c)
	}
	if issues := prompt.Lint(c.instruction); len(issues) > 0 {
		return nil, fmt.Errorf("assess: %w: %v", prompt.ErrLintFailed, issues)
	}
	schema, err := ReportSchema()
	if err != nil {
		return nil, err
	}
	c.schema = schema
	return c, nil
}

// ReportSchema returns the JSON schema of Report as a generic map.
func ReportSchema() (map[string]any, error) {
	s, err := jsonschema.For[Report](nil)
	if err != nil {
		return nil, fmt.Errorf("assess: report schema: %w", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("assess: report schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("assess: report schema: %w", err)
	}
	return out, nil
}

// Messages renders the provider conversation for p.
func (c *Client) Messages(p wellness.Payload) ([]llm.Message, error) {
	body, err := p.JSON()
	if err != nil {
		return nil, err
	}
	system := c.instruction.Body
	if note := prompt.SampleIntervalNote(c.interval); note != "" {
		system += "\n\n" + note
	}
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: body},
	}, nil
}

// Assess sends p to the provider and returns its text. Every failure is an
// *errmodel.Error of category model.
func (c *Client) Assess(ctx context.Context, p wellness.Payload) (string, error) {
	ctx, span := otel.Tracer("assess").Start(ctx, "Client.Assess")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.model.Name()),
		attribute.Int("readings", len(p.Readings)),
		attribute.Int("prompt.version", c.instruction.Version),
	)

	text, err := c.assess(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assessment failed")
		return "", err
	}
	return text, nil
}

func (c *Client) assess(ctx context.Context, p wellness.Payload) (string, error) {
	msgs, err := c.Messages(p)
	if err != nil {
		return "", errmodel.Model(errmodel.CodeProviderFailure, "render payload", nil, err)
	}
	if c.maxTokens > 0 {
		n := 0
		for _, m := range msgs {
			n += c.estimate(m.Content)
		}
		if n > c.maxTokens {
			return "", errmodel.Model(errmodel.CodePromptTooLarge, "prompt exceeds token budget", map[string]any{
				"tokens": n,
				"budget": c.maxTokens,
			}, nil)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	res, err := c.model.Generate(ctx, msgs, map[string]any{
		llm.OptResponseSchema: c.schema,
		llm.OptSchemaName:     schemaName,
	})
	if err != nil {
		return "", classify(c.model.Name(), err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return "", errmodel.Model(errmodel.CodeProviderFailure, "provider returned empty text", map[string]any{"provider": c.model.Name()}, nil)
	}
	return res.Text, nil
}

func classify(provider string, err error) error {
	ctx := map[string]any{"provider": provider}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errmodel.Model(errmodel.CodeProviderTimeout, "assessment timed out", ctx, err)
	case errors.Is(err, llm.ErrRateLimited):
		return errmodel.Model(errmodel.CodeProviderRateLimited, "assessment rate limited", ctx, err)
	default:
		return errmodel.Model(errmodel.CodeProviderFailure, "assessment failed", ctx, err)
	}
}
