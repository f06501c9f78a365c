// Package fake provides a deterministic LLM for local runs and tests. By
// default it computes a small report from the readings found in the last user
// message, so the pipeline can run end to end without network access.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/wilhg/wellness/pkg/adapters/llm"
)

// Responder produces the text for one call.
type Responder func(ctx context.Context, messages []llm.Message) (string, error)

// LLM records calls and answers them with a Responder.
type LLM struct {
	mu      sync.Mutex
	calls   [][]llm.Message
	opts    []map[string]any
	respond Responder
}

// New returns a fake provider. A nil responder uses Summarize.
func New(r Responder) *LLM {
	if r == nil {
		r = Summarize
	}
	return &LLM{respond: r}
}

func (f *LLM) Name() string { return "fake" }

func (f *LLM) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	f.opts = append(f.opts, opts)
	respond := f.respond
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.GenerateResult{}, err
	}
	text, err := respond(ctx, messages)
	if err != nil {
		return llm.GenerateResult{}, err
	}
	return llm.GenerateResult{Text: text, Model: "fake"}, nil
}

// SetResponder swaps the responder between calls.
func (f *LLM) SetResponder(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = r
}

// Calls returns a copy of the recorded message lists.
func (f *LLM) Calls() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.calls...)
}

// LastOpts returns the options of the most recent call.
func (f *LLM) LastOpts() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opts) == 0 {
		return nil
	}
	return f.opts[len(f.opts)-1]
}

// Fail returns a responder that always fails with err.
func Fail(err error) Responder {
	return func(context.Context, []llm.Message) (string, error) { return "", err }
}

// Fixed returns a responder that always answers text.
func Fixed(text string) Responder {
	return func(context.Context, []llm.Message) (string, error) { return text, nil }
}

type reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Summarize reads {"readings":[...]} from the last user message and answers
// with averages and peaks. Messages without readings get a stub report.
func Summarize(_ context.Context, messages []llm.Message) (string, error) {
	var body struct {
		Readings []reading `json:"readings"`
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if err := json.Unmarshal([]byte(messages[i].Content), &body); err != nil {
			return "", fmt.Errorf("fake: user message is not a readings payload: %w", err)
		}
		break
	}
	report := map[string]any{"summary": "no readings"}
	if n := len(body.Readings); n > 0 {
		var sumT, sumH float64
		peakT, peakH := math.Inf(-1), math.Inf(-1)
		minT := math.Inf(1)
		for _, r := range body.Readings {
			sumT += r.Temperature
			sumH += r.Humidity
			peakT = math.Max(peakT, r.Temperature)
			peakH = math.Max(peakH, r.Humidity)
			minT = math.Min(minT, r.Temperature)
		}
		report = map[string]any{
			"temperature_average": round1(sumT / float64(n)),
			"temperature_peak":    peakT,
			"temperature_range":   round1(peakT - minT),
			"humidity_average":    round1(sumH / float64(n)),
			"humidity_peak":       peakH,
			"summary":             fmt.Sprintf("%d readings assessed offline", n),
		}
	}
	b, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Factory registers the fake provider under "fake".
func Factory(context.Context, map[string]any) (llm.LLM, error) { return New(nil), nil }

func init() {
	_ = llm.Register("fake", Factory)
}
