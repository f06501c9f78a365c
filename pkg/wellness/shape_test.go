package wellness

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wilhg/wellness/pkg/errmodel"
)

func ms(session string, rows ...[3]float64) []Measurement {
	out := make([]Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, Measurement{
			SessionID:   session,
			Temperature: r[0],
			Humidity:    r[1],
			CapturedAt:  time.UnixMilli(int64(r[2])),
		})
	}
	return out
}

func TestShape_PreservesOrderAndLength(t *testing.T) {
	in := ms("S1", [3]float64{45, 20, 1000}, [3]float64{48, 18, 2000}, [3]float64{47.5, 19, 3000})
	p, wm, err := Shape(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Readings) != len(in) {
		t.Fatalf("len=%d want %d", len(p.Readings), len(in))
	}
	for i := range in {
		if p.Readings[i].Temperature != in[i].Temperature || p.Readings[i].Humidity != in[i].Humidity {
			t.Fatalf("reading %d = %+v, want %+v", i, p.Readings[i], in[i])
		}
	}
	if wm.SessionID != "S1" || wm.UpTo.UnixMilli() != 3000 {
		t.Fatalf("watermark=%+v", wm)
	}
}

func TestShape_PayloadCarriesNoIdentifiers(t *testing.T) {
	in := ms("session-secret-42", [3]float64{45, 20, 1700000000123}, [3]float64{48, 18, 1700000000456})
	p, _, err := Shape(in)
	if err != nil {
		t.Fatal(err)
	}
	body, err := p.JSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"session-secret-42", "1700000000", "session", "captured"} {
		if strings.Contains(body, leak) {
			t.Fatalf("payload leaks %q: %s", leak, body)
		}
	}
	if body != `{"readings":[{"temperature":45,"humidity":20},{"temperature":48,"humidity":18}]}` {
		t.Fatalf("unexpected payload: %s", body)
	}
}

func TestShape_DoesNotMutateInput(t *testing.T) {
	in := ms("S1", [3]float64{45, 20, 2000}, [3]float64{48, 18, 1000})
	before := append([]Measurement(nil), in...)
	_, wm, err := Shape(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != before[i] {
			t.Fatalf("input mutated at %d", i)
		}
	}
	// max, not last
	if wm.UpTo.UnixMilli() != 2000 {
		t.Fatalf("watermark=%d want 2000", wm.UpTo.UnixMilli())
	}
}

func TestShape_SingleElement(t *testing.T) {
	p, wm, err := Shape(ms("S1", [3]float64{80, 10, 5}))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Readings) != 1 || wm.UpTo.UnixMilli() != 5 {
		t.Fatalf("payload=%+v wm=%+v", p, wm)
	}
}

func TestShape_Empty(t *testing.T) {
	if _, _, err := Shape(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("err=%v want ErrEmptyBatch", err)
	}
}

func TestShape_MixedSessions(t *testing.T) {
	in := append(ms("S1", [3]float64{1, 1, 1}), ms("S2", [3]float64{2, 2, 2})...)
	_, _, err := Shape(in)
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("err=%v want validation", err)
	}
}
