package ingest_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	goparquet "github.com/parquet-go/parquet-go"

	"github.com/tbergin/freshet/internal/alert"
	"github.com/tbergin/freshet/internal/backend"
	"github.com/tbergin/freshet/internal/db"
	"github.com/tbergin/freshet/internal/graph"
	"github.com/tbergin/freshet/internal/ingest"
	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/logging"
	"github.com/tbergin/freshet/internal/model"
	"github.com/tbergin/freshet/internal/refresh"
	"github.com/tbergin/freshet/internal/source"
)

const (
	testPort     = 15433
	testDB       = "freshettest"
	testUser     = "postgres"
	testPassword = "postgres"
)

var (
	testDSN string
	pg      *embeddedpostgres.EmbeddedPostgres
)

func TestMain(m *testing.M) {
	testDSN = fmt.Sprintf("postgresql://%s:%s@localhost:%d/%s?sslmode=disable",
		testUser, testPassword, testPort, testDB)

	pg = embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(uint32(testPort)).
			Database(testDB).
			Username(testUser).
			Password(testPassword).
			Version(embeddedpostgres.V16).
			StartTimeout(30 * time.Second),
	)

	if err := pg.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start embedded postgres: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := pg.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop embedded postgres: %v\n", err)
	}

	os.Exit(code)
}

// warehouseDDL creates the landing and analytics objects the tests load
// into. Landing columns are text; downstream transforms cast.
const warehouseDDL = `
CREATE SCHEMA IF NOT EXISTS raw;
CREATE SCHEMA IF NOT EXISTS analytics;
CREATE TABLE raw.orders (order_id text, amount text, placed_on text);
CREATE TABLE raw.metrics (id bigint, value double precision, label text);
CREATE TABLE analytics.daily_totals (day text PRIMARY KEY, total numeric);
`

const dailyTotalsTransform = `INSERT INTO analytics.daily_totals
SELECT placed_on, sum(amount::numeric) FROM raw.orders GROUP BY placed_on
ON CONFLICT (day) DO UPDATE SET total = EXCLUDED.total`

// setupDB creates a connection pool against a clean schema set.
func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, schema := range []string{"ingest", "raw", "analytics"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Fatalf("drop schema %s: %v", schema, err)
		}
	}
	if err := db.ApplyMigrations(ctx, pool, logging.Setup("text")); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := pool.Exec(ctx, warehouseDDL); err != nil {
		t.Fatalf("warehouse ddl: %v", err)
	}
	return pool
}

func ordersSource(dir string) model.SourceLocation {
	return model.SourceLocation{
		ID:          "orders",
		Prefix:      dir + string(os.PathSeparator),
		TargetTable: "raw.orders",
		Descriptor: model.FormatDescriptor{
			Format:   model.FormatCSV,
			SkipRows: 1,
			Columns:  []string{"order_id", "amount", "placed_on"},
		},
	}
}

func writeOrdersCSV(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func countRows(t *testing.T, pool *pgxpool.Pool, table string) int64 {
	t.Helper()
	var n int64
	if err := pool.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// TestPipelineEndToEnd drives a file event through the listener, worker
// pool, ledger, staleness propagation and a refresh pass, asserting the
// state of the warehouse and the ledger at each step.
func TestPipelineEndToEnd(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	log := logging.Setup("text")

	dir := t.TempDir()
	csvPath := writeOrdersCSV(t, dir, "orders-2024-01-01.csv",
		"order_id,amount,placed_on\n1,10.50,2024-01-01\n2,4.25,2024-01-01\n3,7.00,2024-01-02\n")

	store := ledger.NewPostgres(pool)
	be := backend.NewPostgres(pool, log)
	capture := &alert.Capture{}

	g := graph.New()
	if err := g.Register(graph.Spec{
		ID:        "analytics.daily_totals",
		Transform: dailyTotalsTransform,
		Upstreams: []string{"raw.orders"},
		Budget:    time.Hour,
	}); err != nil {
		t.Fatalf("graph register: %v", err)
	}

	reg := source.NewRegistry()
	if err := reg.Register(ordersSource(dir)); err != nil {
		t.Fatalf("source register: %v", err)
	}
	listener := source.NewListener(reg, store, 16, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	workers := ingest.NewPool(ingest.Config{Workers: 2}, store, be, g, capture, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		workers.Run(runCtx, listener.Requests())
	}()

	if err := listener.Handle(ctx, model.FileEvent{Path: csvPath, EventTime: time.Now()}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	waitProcessed(t, store, "orders", csvPath)

	if n := countRows(t, pool, "raw.orders"); n != 3 {
		t.Errorf("raw.orders rows: got %d, want 3", n)
	}
	if node, ok := g.Get("analytics.daily_totals"); !ok || node.State != graph.StateStale {
		t.Fatalf("expected daily_totals stale, got %+v", node)
	}

	// Redelivery of the same event is absorbed by the ledger check.
	if err := listener.Handle(ctx, model.FileEvent{Path: csvPath, EventTime: time.Now()}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := countRows(t, pool, "raw.orders"); n != 3 {
		t.Errorf("raw.orders rows after redelivery: got %d, want 3", n)
	}

	// A never-refreshed stale object is immediately eligible.
	sched := refresh.NewScheduler(g, be, capture, time.Minute, log)
	sum := sched.RunPass(ctx)
	if sum.Refreshed != 1 || sum.Failed != 0 {
		t.Fatalf("refresh pass: %+v", sum)
	}

	var total float64
	err := pool.QueryRow(ctx, "SELECT total FROM analytics.daily_totals WHERE day = '2024-01-01'").Scan(&total)
	if err != nil {
		t.Fatalf("query daily_totals: %v", err)
	}
	if total != 14.75 {
		t.Errorf("2024-01-01 total: got %v, want 14.75", total)
	}
	if node, _ := g.Get("analytics.daily_totals"); node.State != graph.StateFresh {
		t.Errorf("daily_totals state after refresh: %s", node.State)
	}

	cancel()
	<-done
}

type metricRow struct {
	ID    int64   `parquet:"id"`
	Value float64 `parquet:"value"`
	Label string  `parquet:"label"`
}

func writeMetricsParquet(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "metrics.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := goparquet.NewGenericWriter[metricRow](f)
	_, err = w.Write([]metricRow{
		{ID: 1, Value: 1.5, Label: "a"},
		{ID: 2, Value: 2.5, Label: "b"},
		{ID: 3, Value: 4.0, Label: "c"},
	})
	if err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestParquet(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	log := logging.Setup("text")

	dir := t.TempDir()
	path := writeMetricsParquet(t, dir)

	loc := model.SourceLocation{
		ID:          "metrics",
		Prefix:      dir + string(os.PathSeparator),
		TargetTable: "raw.metrics",
		Descriptor: model.FormatDescriptor{
			Format:  model.FormatParquet,
			Columns: []string{"id", "value", "label"},
		},
	}

	store := ledger.NewPostgres(pool)
	workers := ingest.NewPool(ingest.Config{Workers: 1}, store,
		backend.NewPostgres(pool, log), graph.New(), nil, log)

	res, err := workers.Ingest(ctx, model.IngestRequest{Source: &loc, Path: path})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res != ingest.ResultLoaded {
		t.Fatalf("result: got %s", res)
	}

	if n := countRows(t, pool, "raw.metrics"); n != 3 {
		t.Errorf("raw.metrics rows: got %d, want 3", n)
	}
	var sum float64
	if err := pool.QueryRow(ctx, "SELECT sum(value) FROM raw.metrics").Scan(&sum); err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 8.0 {
		t.Errorf("value sum: got %v, want 8", sum)
	}
}

func TestIngest_MalformedFileRecordedFailed(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	log := logging.Setup("text")

	dir := t.TempDir()
	path := writeOrdersCSV(t, dir, "bad.csv", "order_id,amount,placed_on\n1,10.50\n")

	store := ledger.NewPostgres(pool)
	capture := &alert.Capture{}
	loc := ordersSource(dir)
	workers := ingest.NewPool(ingest.Config{Workers: 1, MaxAttempts: 3}, store,
		backend.NewPostgres(pool, log), graph.New(), capture, log)

	res, err := workers.Ingest(ctx, model.IngestRequest{Source: &loc, Path: path})
	if err == nil || res != ingest.ResultFailed {
		t.Fatalf("expected failed ingest, got %s, %v", res, err)
	}

	recs, err := store.List(ctx, ledger.Filter{Outcome: model.OutcomeFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].FilePath != path {
		t.Fatalf("failed records: %+v", recs)
	}
	if recs[0].ErrorDetail == "" {
		t.Error("failed record has no error detail")
	}
	if len(capture.Alerts()) == 0 {
		t.Error("load failure was not escalated")
	}
	if n := countRows(t, pool, "raw.orders"); n != 0 {
		t.Errorf("partial load committed: %d rows", n)
	}
}

func TestLedgerStaleClaimReclaimed(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()

	store := ledger.NewPostgres(pool)
	store.ClaimTTL = 50 * time.Millisecond

	// Claim without ever finalizing, as a worker that crashed mid-load.
	if _, claimed, err := store.RecordSeen(ctx, "orders", "orders/a.csv", "abc"); err != nil || !claimed {
		t.Fatalf("first sight: claimed=%v, err=%v", claimed, err)
	}

	// While the claim is live, redeliveries must short-circuit.
	if _, claimed, err := store.RecordSeen(ctx, "orders", "orders/a.csv", "abc"); err != nil || claimed {
		t.Fatalf("live claim: claimed=%v, err=%v", claimed, err)
	}

	time.Sleep(100 * time.Millisecond)

	// Past the TTL the orphaned claim must be re-claimable.
	rec, claimed, err := store.RecordSeen(ctx, "orders", "orders/a.csv", "def")
	if err != nil {
		t.Fatalf("RecordSeen after TTL: %v", err)
	}
	if !claimed {
		t.Fatal("expired claim should be re-claimed")
	}
	if rec.Checksum != "def" {
		t.Errorf("checksum not updated on reclaim: %s", rec.Checksum)
	}

	// The reclaim restarts the claim clock, and the record can finalize.
	if _, claimed, _ := store.RecordSeen(ctx, "orders", "orders/a.csv", "def"); claimed {
		t.Error("freshly reclaimed record redelivered should not claim")
	}
	if err := store.MarkSucceeded(ctx, rec.ID, 3); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if ok, _ := store.IsProcessed(ctx, "orders", "orders/a.csv"); !ok {
		t.Error("reclaimed record did not finalize")
	}
}

func waitProcessed(t *testing.T, store ledger.Store, sourceID, path string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := store.IsProcessed(context.Background(), sourceID, path)
		if err != nil {
			t.Fatalf("IsProcessed: %v", err)
		}
		if ok {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("file was not ingested before the deadline")
}
