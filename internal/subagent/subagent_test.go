package subagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/observability"
)

type stubRunner struct {
	mu    sync.Mutex
	calls []Context
	fn    func(ctx context.Context, sctx Context) (string, error)
}

func (r *stubRunner) Run(ctx context.Context, sctx Context) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sctx)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, sctx)
	}
	return "ok:" + sctx.Task, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func TestSpawn_RunsAndReturnsResult(t *testing.T) {
	runner := &stubRunner{}
	mgr := New(runner, events.New(testLogger()), testLogger())

	result, err := mgr.Spawn(context.Background(), "summarize the thread", "", false)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if result != "ok:summarize the thread" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestSpawnBatch_RunsImmediateConcurrently(t *testing.T) {
	start := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	runner := &stubRunner{fn: func(ctx context.Context, sctx Context) (string, error) {
		started.Done()
		<-start
		return "done:" + sctx.Label, nil
	}}
	mgr := New(runner, events.New(testLogger()), testLogger())

	resultCh := make(chan *ConsolidatedReport, 1)
	go func() {
		report, err := mgr.SpawnBatch(context.Background(), 1, "chan", "parent", []Spec{
			{Task: "a", Label: "a"},
			{Task: "b", Label: "b"},
		}, 30)
		if err != nil {
			t.Errorf("spawn batch: %v", err)
		}
		resultCh <- report
	}()

	done := make(chan struct{})
	go func() { started.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected both immediate specs to start concurrently")
	}
	close(start)

	report := <-resultCh
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Results))
	}
	if report.Results["a"].Status != StatusCompleted || report.Results["b"].Status != StatusCompleted {
		t.Fatalf("expected both completed: %+v", report.Results)
	}
}

func TestSpawnBatch_DeferredWaitsForDependency(t *testing.T) {
	var order []string
	var mu sync.Mutex

	runner := &stubRunner{fn: func(ctx context.Context, sctx Context) (string, error) {
		mu.Lock()
		order = append(order, sctx.Label)
		mu.Unlock()
		if sctx.Label == "first" {
			time.Sleep(20 * time.Millisecond)
		}
		return "ok", nil
	}}
	mgr := New(runner, events.New(testLogger()), testLogger())

	report, err := mgr.SpawnBatch(context.Background(), 1, "chan", "parent", []Spec{
		{Task: "first", Label: "first"},
		{Task: "second", Label: "second", DependsOn: "first"},
	}, 30)
	if err != nil {
		t.Fatalf("spawn batch: %v", err)
	}
	if report.Results["second"].Status != StatusCompleted {
		t.Fatalf("expected second to complete: %+v", report.Results["second"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected first before second, got %v", order)
	}
}

func TestSpawnBatch_UnresolvedDependencyPromotedToImmediate(t *testing.T) {
	runner := &stubRunner{}
	mgr := New(runner, events.New(testLogger()), testLogger())

	report, err := mgr.SpawnBatch(context.Background(), 1, "chan", "parent", []Spec{
		{Task: "orphan", Label: "orphan", DependsOn: "nonexistent"},
	}, 30)
	if err != nil {
		t.Fatalf("spawn batch: %v", err)
	}
	if report.Results["orphan"].Status != StatusCompleted {
		t.Fatalf("expected orphan to run immediately despite unresolved depends_on: %+v", report.Results["orphan"])
	}
}

func TestSpawnBatch_RejectsBeyondMaxDepth(t *testing.T) {
	runner := &stubRunner{}
	mgr := New(runner, events.New(testLogger()), testLogger())

	ctx := WithDepth(context.Background(), MaxDepth)
	_, err := mgr.SpawnBatch(ctx, 1, "chan", "parent", []Spec{{Task: "x", Label: "x"}}, 30)
	if err == nil {
		t.Fatal("expected depth-limit error")
	}
}

func TestRunSpec_TimeoutMarksTimedOut(t *testing.T) {
	runner := &stubRunner{fn: func(ctx context.Context, sctx Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "too slow", nil
		}
	}}
	mgr := New(runner, events.New(testLogger()), testLogger())

	report, err := mgr.SpawnBatch(context.Background(), 1, "chan", "parent", []Spec{
		{Task: "slow", Label: "slow", TimeoutSecs: 1},
	}, 30)
	if err != nil {
		t.Fatalf("spawn batch: %v", err)
	}
	if report.Results["slow"].Status != StatusTimedOut {
		t.Fatalf("expected timed out, got %+v", report.Results["slow"])
	}
}
