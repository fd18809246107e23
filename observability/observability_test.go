package observability

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/scrollstitch/dbopen"
	"github.com/hazyhaar/scrollstitch/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "metrics_timeseries", "session_events"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// Idempotent.
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsManager_RecordAndFlush(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.Record(&Metric{Name: MetricComposeDurationMs, Value: 42.5, Unit: "milliseconds",
		Labels: map[string]string{"session_id": "cap_1"}})
	mm.RecordSimple(MetricFramesIngested, 1, "count", "session_id", "cap_1")
	mm.Close()

	var value float64
	var labels string
	err := db.QueryRow("SELECT value, labels FROM metrics_timeseries WHERE metric_name = ?",
		MetricComposeDurationMs).Scan(&value, &labels)
	if err != nil {
		t.Fatal(err)
	}
	if value != 42.5 || !strings.Contains(labels, `"session_id":"cap_1"`) {
		t.Fatalf("row = %v %s", value, labels)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("got %d metrics, want 2", n)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.RecordSimple(MetricTilesWritten, 1, "count")
	mm.RecordSimple(MetricTilesWritten, 2, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows = %d, want 2 after buffer filled", n)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Record(&Metric{Name: "old", Value: 1, Timestamp: time.Now().Add(-48 * time.Hour)})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Close()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestHeartbeatWriter_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	if hs, err := LatestHeartbeat(ctx, db, "stitcher", time.Minute); err != nil || hs != nil {
		t.Fatalf("empty table: %v, %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "stitcher", time.Hour, func() int { return 3 }, nil)
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(ctx, db, "stitcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive || hs.LiveSessions != 3 || hs.GoroutinesCount <= 0 {
		t.Fatalf("heartbeat = %+v", hs)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "stitcher", time.Hour, nil, nil)
	hw.Start(context.Background())
	hw.Stop()

	var n int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&n)
	if n < 1 {
		t.Fatal("expected the immediate heartbeat")
	}
}

func TestEventLogger_History(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()

	l.LogEvent(ctx, SessionEvent{SessionID: "cap_1", EventType: EventSessionCreated, Success: true})
	l.LogEvent(ctx, SessionEvent{SessionID: "cap_1", EventType: EventSessionFailed, Stage: "compose"})
	l.LogEvent(ctx, SessionEvent{SessionID: "cap_2", EventType: EventSessionCreated, Success: true})

	hist, err := l.SessionHistory(ctx, "cap_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].EventType != EventSessionCreated || hist[1].Stage != "compose" || hist[1].Success {
		t.Fatalf("history = %+v", hist)
	}

	var id string
	db.QueryRow("SELECT event_id FROM session_events ORDER BY rowid LIMIT 1").Scan(&id)
	if id != "evt_1" {
		t.Fatalf("event_id = %q", id)
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-10 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO session_events (event_id, session_id, event_type, created_at) VALUES ('e1','cap_1','x',?)`, old)
	db.Exec(`INSERT INTO session_events (event_id, session_id, event_type) VALUES ('e2','cap_1','x')`)
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, old)

	err := Cleanup(context.Background(), db, RetentionConfig{Events: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	var events, beats int
	db.QueryRow("SELECT COUNT(*) FROM session_events").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&beats)
	if events != 1 {
		t.Fatalf("events = %d, want 1", events)
	}
	// Zero retention leaves the table alone.
	if beats != 1 {
		t.Fatalf("heartbeats = %d, want 1", beats)
	}
}

func TestProm_HandlerExposesCollectors(t *testing.T) {
	p := NewProm()
	p.SessionsCreated.Inc()
	p.SessionsFinished.WithLabelValues("completed").Inc()
	p.ObserveStage("compose", time.Now().Add(-time.Second))

	if got := testutil.ToFloat64(p.SessionsCreated); got != 1 {
		t.Fatalf("sessions_created = %v", got)
	}

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"scrollstitch_sessions_created_total 1",
		`scrollstitch_sessions_finished_total{outcome="completed"} 1`,
		"scrollstitch_stage_duration_seconds_count{stage=\"compose\"} 1",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestProm_IndependentRegistries(t *testing.T) {
	a, b := NewProm(), NewProm()
	a.FramesIngested.Add(5)
	if testutil.ToFloat64(b.FramesIngested) != 0 {
		t.Fatal("registries share state")
	}
}

func TestProm_InstrumentHandler(t *testing.T) {
	p := NewProm()
	h := p.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if got := testutil.ToFloat64(p.HTTPRequests.WithLabelValues("post", "418")); got != 1 {
		t.Fatalf("http_requests_total = %v", got)
	}
}
