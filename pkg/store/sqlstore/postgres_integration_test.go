//go:build integration

package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wilhg/wellness/pkg/store"
	"github.com/wilhg/wellness/pkg/wellness"
)

func openPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("wellness"),
		tcpostgres.WithUsername("wellness"),
		tcpostgres.WithPassword("wellness"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.MigrateSource(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestPostgresPipelineTables(t *testing.T) {
	ctx := context.Background()
	st := openPostgres(t)

	if err := st.InsertMeasurements(ctx, []wellness.Measurement{
		reading("S1", 45, 20, 1000),
		reading("S1", 48, 18, 2000),
	}); err != nil {
		t.Fatal(err)
	}
	id, ok, err := st.LatestSessionID(ctx)
	if err != nil || !ok || id != "S1" {
		t.Fatalf("latest=%q ok=%v err=%v", id, ok, err)
	}
	got, err := st.SessionMeasurements(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].CapturedAt.UnixMilli() != 2000 {
		t.Fatalf("measurements=%+v", got)
	}

	stored, err := st.Persist(ctx, wellness.Result{SessionID: "S1", Text: "report", Watermark: time.UnixMilli(2000)})
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID == 0 {
		t.Fatal("missing id from RETURNING")
	}
	if _, err := st.Persist(ctx, wellness.Result{SessionID: "S1", Text: "old", Watermark: time.UnixMilli(1000)}); !errors.Is(err, store.ErrStaleWatermark) {
		t.Fatalf("err=%v want ErrStaleWatermark", err)
	}
	latest, ok, err := st.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if latest.Text != "report" || latest.Watermark.UnixMilli() != 2000 {
		t.Fatalf("latest=%+v", latest)
	}
}

// Same sequence against SQLite and Postgres must yield the same visible state.
func TestParity_SQLite_vs_Postgres(t *testing.T) {
	ctx := context.Background()
	lite := openSQLite(t)
	pg := openPostgres(t)

	rows := []wellness.Measurement{
		reading("A", 40, 30, 100),
		reading("B", 70, 10, 300),
		reading("A", 41, 29, 200),
		reading("B", 72, 9, 300),
	}
	for _, st := range []*Store{lite, pg} {
		if err := st.InsertMeasurements(ctx, rows); err != nil {
			t.Fatal(err)
		}
		for _, wm := range []int64{100, 300, 300} {
			if _, err := st.Persist(ctx, wellness.Result{SessionID: "B", Text: "t", Watermark: time.UnixMilli(wm)}); err != nil {
				t.Fatal(err)
			}
		}
	}

	a, _, err := lite.LatestSessionID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := pg.LatestSessionID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("latest session mismatch sqlite=%s postgres=%s", a, b)
	}
	ma, _ := lite.SessionMeasurements(ctx, a)
	mb, _ := pg.SessionMeasurements(ctx, b)
	if len(ma) != len(mb) {
		t.Fatalf("length mismatch sqlite=%d postgres=%d", len(ma), len(mb))
	}
	for i := range ma {
		if ma[i].Temperature != mb[i].Temperature || !ma[i].CapturedAt.Equal(mb[i].CapturedAt) {
			t.Fatalf("row %d differs sqlite=%+v postgres=%+v", i, ma[i], mb[i])
		}
	}
	ra, _, _ := lite.Latest(ctx)
	rb, _, _ := pg.Latest(ctx)
	if ra.SessionID != rb.SessionID || !ra.Watermark.Equal(rb.Watermark) {
		t.Fatalf("latest mismatch sqlite=%+v postgres=%+v", ra, rb)
	}
}
