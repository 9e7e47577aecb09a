package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vidfriends/relationships/internal/config"
	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/events"
	"github.com/vidfriends/relationships/internal/handlers"
	"github.com/vidfriends/relationships/internal/relationships"
)

func testConfig() config.Config {
	return config.Config{
		Store:             config.StoreMemory,
		LockTTL:           time.Second,
		WriteRetries:      1,
		RetryBackoff:      time.Millisecond,
		RepairWorkers:     1,
		RepairQueue:       8,
		SendRatePerMinute: 60,
		MetricsEnabled:    true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRuntimeDefaultsToInProcessCollaborators(t *testing.T) {
	rt, err := buildRuntime(context.Background(), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rt.Close(context.Background())

	if _, ok := rt.store.(*docstore.MemoryStore); !ok {
		t.Fatalf("expected memory store got %T", rt.store)
	}
	if _, ok := rt.locker.(*relationships.LocalLocker); !ok {
		t.Fatalf("expected local locker got %T", rt.locker)
	}
	if _, ok := rt.publisher.(events.NopPublisher); !ok {
		t.Fatalf("expected no-op publisher got %T", rt.publisher)
	}
	if rt.metrics == nil {
		t.Fatal("expected metrics to be configured")
	}
	if rt.reports != nil {
		t.Fatal("expected report archive to be disabled")
	}
}

func TestBuildRuntimeWiresKafka(t *testing.T) {
	cfg := testConfig()
	cfg.KafkaBrokers = "localhost:9092"
	cfg.KafkaTopic = "relationship-events"

	rt, err := buildRuntime(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rt.Close(context.Background())

	if _, ok := rt.publisher.(*events.KafkaPublisher); !ok {
		t.Fatalf("expected kafka publisher got %T", rt.publisher)
	}
	if len(rt.closers) != 1 {
		t.Fatalf("expected publisher to be closed with the runtime, got %d closers", len(rt.closers))
	}
}

func TestBuildRuntimeRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "http://localhost:6379"

	if _, err := buildRuntime(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected invalid redis url to fail")
	}
}

func TestBuildDependencies(t *testing.T) {
	rt, err := buildRuntime(context.Background(), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rt.Close(context.Background())

	rec := rt.newReconciler()
	defer rec.Shutdown(context.Background())

	deps := buildDependencies(rt, rt.newService(rec), rec)
	if deps.Relationships == nil {
		t.Fatal("expected relationship service to be configured")
	}
	if deps.Reconciler == nil {
		t.Fatal("expected reconciler to be configured")
	}
	if deps.Feeds == nil {
		t.Fatal("expected subscription hub to be configured")
	}
	if deps.SendLimiter == nil {
		t.Fatal("expected send limiter to be configured")
	}
	if deps.Metrics == nil {
		t.Fatal("expected metrics handler to be configured")
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/friends/requests", strings.NewReader(`{"toUserId":"bob"}`))
	req.Header.Set(handlers.UserIDHeader, "alice")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `relationships_send_outcomes_total{outcome="created"} 1`) {
		t.Fatalf("expected send outcome in metrics output, got %s", rr.Body.String())
	}
}

func TestExportSnapshot(t *testing.T) {
	rt, err := buildRuntime(context.Background(), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rt.Close(context.Background())

	ctx := context.Background()
	if _, err := rt.repo.CreateRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := rt.repo.AddFriend(ctx, "carol", "dave"); err != nil {
		t.Fatalf("add friend: %v", err)
	}

	var buf bytes.Buffer
	if err := exportSnapshot(ctx, rt.repo, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	var snap snapshot
	if err := json.Unmarshal(buf.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Requests) != 1 || snap.Requests[0].FromUserID != "alice" {
		t.Fatalf("expected alice's request in snapshot got %+v", snap.Requests)
	}
	if got := snap.Friends["carol"]; len(got) != 1 || got[0] != "dave" {
		t.Fatalf("expected carol's friend set got %v", got)
	}
}

func TestSweepOnceRepairsDanglingEdge(t *testing.T) {
	rt, err := buildRuntime(context.Background(), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rt.Close(context.Background())

	ctx := context.Background()
	if err := rt.repo.AddFriend(ctx, "alice", "bob"); err != nil {
		t.Fatalf("add friend: %v", err)
	}

	var buf bytes.Buffer
	if err := sweepOnce(ctx, rt, &buf); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var report relationships.SweepReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Dropped != 1 {
		t.Fatalf("expected dangling edge to be dropped got %+v", report)
	}
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) Sweep(context.Context) (relationships.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return relationships.SweepReport{}, nil
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestScheduleSweeps(t *testing.T) {
	if c, err := scheduleSweeps("", &countingSweeper{}, discardLogger()); err != nil || c != nil {
		t.Fatalf("expected empty schedule to disable sweeps, got %v %v", c, err)
	}
	if _, err := scheduleSweeps("every tuesday", &countingSweeper{}, discardLogger()); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}

	sweeper := &countingSweeper{}
	c, err := scheduleSweeps("@every 1s", sweeper, discardLogger())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for sweeper.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if sweeper.count() == 0 {
		t.Fatal("expected scheduled sweep to run")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := Run(context.Background(), nil); err == nil {
		t.Fatal("expected error without command")
	}
	if err := Run(context.Background(), []string{"seed"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
