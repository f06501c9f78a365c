package prompt

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WellnessName is the store key of the assessment instruction.
const WellnessName = "wellness.assess"

const wellnessInstruction = `You are a wellness assistant analysing one sauna session.
The user message is a JSON object {"readings": [...]} where each reading has
"temperature" (degrees Celsius) and "humidity" (percent), in the order they were
captured. Readings carry no timestamps.

From these readings only, compute:
- temperature: average, peak, range (peak minus minimum) and time in the optimal
  range of 70 to 90 degrees (count of readings in that range)
- humidity: average, peak and trend (rising, falling or stable)
- session duration (count of readings)
- thermal comfort rating: exactly one of Comfortable, Moderate, Intense
- hydration caution: true when the session was long or hot enough to warrant
  extra water, otherwise false
- summary: two or three short sentences for the bather

Rules:
- Derive every value from the given readings. Never invent fields, readings,
  names, dates or identifiers that are not present in the input.
- Convert reading counts to minutes only with a sampling interval stated at the
  end of this instruction. Without one, report the counts as they are and do
  not describe durations in the summary.
- Round numbers to one decimal place.
- Respond with a single JSON object and nothing else.`

// SampleIntervalNote is appended to the instruction when the sensor logging
// interval is known.
func SampleIntervalNote(every time.Duration) string {
	if every <= 0 {
		return ""
	}
	return fmt.Sprintf("Sampling interval: one reading every %s seconds.", strconv.FormatFloat(every.Seconds(), 'f', -1, 64))
}

// Wellness returns the built-in assessment instruction.
func Wellness() Prompt {
	return Prompt{Name: WellnessName, Body: wellnessInstruction, Meta: map[string]string{"source": "builtin"}}
}

// LoadWellness seeds s with the built-in instruction and, when overridePath is
// set, saves the file's content as a newer version. It returns the version to
// use and a line diff against the built-in when an override applies.
func LoadWellness(s *Store, overridePath string) (Prompt, string, error) {
	builtin, issues, err := s.Save(Wellness())
	if err != nil {
		return Prompt{}, "", fmt.Errorf("builtin instruction: %w: %v", err, issues)
	}
	if overridePath == "" {
		return builtin, "", nil
	}
	b, err := os.ReadFile(overridePath)
	if err != nil {
		return Prompt{}, "", fmt.Errorf("read instruction override: %w", err)
	}
	override, issues, err := s.Save(Prompt{
		Name: WellnessName,
		Body: strings.TrimSpace(string(b)),
		Meta: map[string]string{"source": overridePath},
	})
	if err != nil {
		return Prompt{}, "", fmt.Errorf("instruction override %s: %w: %v", overridePath, err, issues)
	}
	return override, s.Diff(WellnessName, builtin.Version, override.Version), nil
}
