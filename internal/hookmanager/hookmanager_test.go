package hookmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func writeHook(t *testing.T, subtypesDir, subtype, event, body string) {
	t.Helper()
	dir := filepath.Join(subtypesDir, subtype, HooksDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, event+".md")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write hook: %v", err)
	}
}

const safeModeHook = `---
safe_mode: true
---
Summarize what just happened in this turn.
`

func TestParseHookFile_FrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "assistant", EventTurnEnd, safeModeHook)

	hooks, err := loadSubtypeHooks(dir, "assistant")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("expected 1 hook, got %d", len(hooks))
	}
	h := hooks[0]
	if h.Event != EventTurnEnd || !h.SafeMode {
		t.Fatalf("unexpected hook: %+v", h)
	}
	if h.Prompt != "Summarize what just happened in this turn." {
		t.Fatalf("unexpected prompt: %q", h.Prompt)
	}
}

func TestParseHookFile_NoFrontmatterIsWholeFileBody(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "assistant", EventTurnStart, "Just get started.")

	hooks, err := loadSubtypeHooks(dir, "assistant")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(hooks) != 1 || hooks[0].Prompt != "Just get started." {
		t.Fatalf("unexpected hooks: %+v", hooks)
	}
	if hooks[0].SafeMode {
		t.Fatal("expected safe_mode false with no frontmatter")
	}
}

func TestLoadSubtypeHooks_MissingDirIsNotError(t *testing.T) {
	dir := t.TempDir()
	hooks, err := loadSubtypeHooks(dir, "nonexistent")
	if err != nil {
		t.Fatalf("expected no error for missing hooks dir, got %v", err)
	}
	if hooks != nil {
		t.Fatalf("expected no hooks, got %v", hooks)
	}
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []Invocation
	done  chan struct{}
}

func newRecordingRunner(expected int) *recordingRunner {
	return &recordingRunner{done: make(chan struct{}, expected)}
}

func (r *recordingRunner) Run(ctx context.Context, inv Invocation, hook Hook) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	r.done <- struct{}{}
	return "ok", nil
}

func (r *recordingRunner) waitFor(n int, timeout time.Duration) error {
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(timeout):
			return fmt.Errorf("timed out waiting for call %d/%d", i+1, n)
		}
	}
	return nil
}

func TestManager_TriggerRunsMatchingHookAsync(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "assistant", EventTurnEnd, safeModeHook)

	runner := newRecordingRunner(1)
	mgr := New(dir, runner, testLogger())
	if err := mgr.Load("assistant"); err != nil {
		t.Fatalf("load: %v", err)
	}

	mgr.Trigger(context.Background(), "assistant", Invocation{Event: EventTurnEnd, SessionID: "s1"})
	if err := runner.waitFor(1, time.Second); err != nil {
		t.Fatal(err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 1 || runner.calls[0].SessionID != "s1" {
		t.Fatalf("unexpected calls: %+v", runner.calls)
	}
}

func TestManager_TriggerNoHookIsNoop(t *testing.T) {
	dir := t.TempDir()
	runner := newRecordingRunner(0)
	mgr := New(dir, runner, testLogger())

	mgr.Trigger(context.Background(), "assistant", Invocation{Event: EventToolBefore})
	time.Sleep(10 * time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(runner.calls))
	}
}

func TestManager_LoadReplacesPreviousHooksForSubtype(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "assistant", EventTurnStart, "first version")

	runner := newRecordingRunner(1)
	mgr := New(dir, runner, testLogger())
	if err := mgr.Load("assistant"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(dir, "assistant", HooksDirName)); err != nil {
		t.Fatalf("remove hooks dir: %v", err)
	}
	if err := mgr.Load("assistant"); err != nil {
		t.Fatalf("reload: %v", err)
	}

	mgr.Trigger(context.Background(), "assistant", Invocation{Event: EventTurnStart})
	time.Sleep(20 * time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 0 {
		t.Fatalf("expected reload to drop removed hooks, got %d calls", len(runner.calls))
	}
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, inv Invocation, hook Hook) (string, error) {
	panic("boom")
}

func TestManager_Trigger_RecoversHandlerPanic(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "assistant", EventTurnEnd, safeModeHook)

	mgr := New(dir, panickingRunner{}, testLogger())
	if err := mgr.Load("assistant"); err != nil {
		t.Fatalf("load: %v", err)
	}

	mgr.Trigger(context.Background(), "assistant", Invocation{Event: EventTurnEnd})
	time.Sleep(20 * time.Millisecond)
}
