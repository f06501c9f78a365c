// Package eval checks the assembled provider prompt against stored fixtures.
// Fixtures are sessions of readings plus expectations about the rendered text,
// so the prompt can be reviewed without calling a provider.
package eval

import (
	"encoding/json"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/wilhg/wellness/pkg/adapters/llm"
	"github.com/wilhg/wellness/pkg/wellness"
)

// Fixture represents one prompt evaluation case.
type Fixture struct {
	Name     string      `json:"name"`
	Session  string      `json:"session_id"`
	Readings []Reading   `json:"readings"`
	Expect   Expectation `json:"expect"`
}

// Reading is one sensor row of a fixture.
type Reading struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	CapturedAtMs int64   `json:"captured_at_ms"`
}

type Expectation struct {
	Contains    []string `json:"contains,omitempty"`
	NotContains []string `json:"not_contains,omitempty"`
}

// Renderer assembles provider messages for a payload.
type Renderer interface {
	Messages(p wellness.Payload) ([]llm.Message, error)
}

// Measurements converts the fixture rows into source measurements.
func (fx Fixture) Measurements() []wellness.Measurement {
	out := make([]wellness.Measurement, 0, len(fx.Readings))
	for _, r := range fx.Readings {
		out = append(out, wellness.Measurement{
			SessionID:   fx.Session,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			CapturedAt:  time.UnixMilli(r.CapturedAtMs),
		})
	}
	return out
}

// Report is the outcome of one evaluation run.
type Report struct {
	Total   int
	Passed  int
	Details []string
}

// Score is the passed fraction; an empty run scores 1.
func (r Report) Score() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Passed) / float64(r.Total)
}

// EvaluatePromptFixtures renders every *.json fixture in dir through Shape
// and r and checks the concatenated message text. Besides the fixture's own
// expectations, a rendered prompt must never carry the session id.
func EvaluatePromptFixtures(fsys fs.FS, dir string, r Renderer) (Report, error) {
	fixtures, err := loadFixtures(fsys, dir)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Total: len(fixtures)}
	for _, fx := range fixtures {
		failures := check(fx, r)
		if len(failures) == 0 {
			rep.Passed++
			continue
		}
		for _, f := range failures {
			rep.Details = append(rep.Details, fx.Name+": "+f)
		}
	}
	return rep, nil
}

func check(fx Fixture, r Renderer) []string {
	out, err := render(fx, r)
	if err != nil {
		return []string{"render error: " + err.Error()}
	}
	var failures []string
	if fx.Session != "" && strings.Contains(out, fx.Session) {
		failures = append(failures, "session id leaked into prompt")
	}
	for _, s := range fx.Expect.Contains {
		if !strings.Contains(out, s) {
			failures = append(failures, "missing contains: "+s)
		}
	}
	for _, s := range fx.Expect.NotContains {
		if strings.Contains(out, s) {
			failures = append(failures, "unexpected contains: "+s)
		}
	}
	return failures
}

func loadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	var out []Fixture
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return nil, err
		}
		if fx.Name == "" {
			fx.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		out = append(out, fx)
	}
	return out, nil
}

func render(fx Fixture, r Renderer) (string, error) {
	payload, _, err := wellness.Shape(fx.Measurements())
	if err != nil {
		return "", err
	}
	msgs, err := r.Messages(payload)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}
