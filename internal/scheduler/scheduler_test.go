package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/dispatcher"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
)

type stubDispatcher struct {
	calls     int32
	lastMsg   dispatcher.NormalizedMessage
	responses []dispatcher.DispatchResult
}

func (d *stubDispatcher) Dispatch(ctx context.Context, m dispatcher.NormalizedMessage) (*dispatcher.DispatchResult, error) {
	n := int(atomic.AddInt32(&d.calls, 1)) - 1
	d.lastMsg = m
	if n >= len(d.responses) {
		return &dispatcher.DispatchResult{Success: true, Content: "ok"}, nil
	}
	resp := d.responses[n]
	return &resp, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateCronTask_ComputesNextRun(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, &stubDispatcher{}, config.NewStore(config.Config{}), testLogger())
	sched.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	task, err := sched.CreateCronTask(context.Background(), "daily digest", "0 9 * * *", "summarize today", "telegram", "chan1", "chat1")
	if err != nil {
		t.Fatalf("create cron task: %v", err)
	}
	if task.NextRun.Hour() != 9 {
		t.Fatalf("expected next run at 09:00, got %v", task.NextRun)
	}
}

func TestCreateCronTask_RejectsInvalidExpr(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, &stubDispatcher{}, config.NewStore(config.Config{}), testLogger())

	if _, err := sched.CreateCronTask(context.Background(), "bad", "not a cron expr", "x", "telegram", "chan1", "chat1"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTick_FiresDueCronTaskAndAdvancesNextRun(t *testing.T) {
	store := newTestStore(t)
	disp := &stubDispatcher{}
	sched := New(store, disp, config.NewStore(config.Config{}), testLogger())
	sched.now = func() time.Time { return time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC) }

	task, err := sched.CreateCronTask(context.Background(), "daily digest", "0 9 * * *", "summarize today", "telegram", "chan1", "chat1")
	if err != nil {
		t.Fatalf("create cron task: %v", err)
	}

	sched.now = func() time.Time { return time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC) }
	sched.Tick(context.Background())

	if atomic.LoadInt32(&disp.calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", disp.calls)
	}
	if disp.lastMsg.Text != "summarize today" || disp.lastMsg.ChannelID != "chan1" {
		t.Fatalf("unexpected dispatched message: %+v", disp.lastMsg)
	}

	tasks, err := store.ListCronTasks(context.Background())
	if err != nil {
		t.Fatalf("list cron tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if !tasks[0].NextRun.After(task.NextRun) {
		t.Fatalf("expected next_run to advance past %v, got %v", task.NextRun, tasks[0].NextRun)
	}
	if tasks[0].LastRun.IsZero() {
		t.Fatal("expected last_run to be recorded")
	}

	// A second tick at the same instant must not re-fire since next_run
	// has already advanced past "now".
	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 1 {
		t.Fatalf("expected still 1 dispatch after second tick, got %d", disp.calls)
	}
}

func TestTick_DisabledTaskNeverFires(t *testing.T) {
	store := newTestStore(t)
	disp := &stubDispatcher{}
	sched := New(store, disp, config.NewStore(config.Config{}), testLogger())
	sched.now = func() time.Time { return time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC) }

	task, err := sched.CreateCronTask(context.Background(), "daily digest", "0 9 * * *", "x", "telegram", "chan1", "chat1")
	if err != nil {
		t.Fatalf("create cron task: %v", err)
	}
	if err := store.SetCronTaskEnabled(context.Background(), task.ID, false); err != nil {
		t.Fatalf("disable task: %v", err)
	}

	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 0 {
		t.Fatalf("expected disabled task not to fire, got %d dispatches", disp.calls)
	}
}

func TestRunHeartbeat_RespectsEnabledFlag(t *testing.T) {
	store := newTestStore(t)
	disp := &stubDispatcher{}
	cfgStore := config.NewStore(config.Config{Heartbeat: config.HeartbeatConfig{Enabled: false, IntervalMinutes: 1}})
	sched := New(store, disp, cfgStore, testLogger())
	sched.RegisterHeartbeatTarget(HeartbeatTarget{ChannelType: "telegram", ChannelID: "chan1", ChatID: "chat1"})

	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 0 {
		t.Fatalf("expected no heartbeat dispatch when disabled, got %d", disp.calls)
	}
}

func TestRunHeartbeat_FiresOncePerInterval(t *testing.T) {
	store := newTestStore(t)
	disp := &stubDispatcher{}
	cfgStore := config.NewStore(config.Config{Heartbeat: config.HeartbeatConfig{Enabled: true, IntervalMinutes: 30}})
	sched := New(store, disp, cfgStore, testLogger())
	sched.RegisterHeartbeatTarget(HeartbeatTarget{ChannelType: "telegram", ChannelID: "chan1", ChatID: "chat1"})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }
	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 1 {
		t.Fatalf("expected 1 heartbeat dispatch, got %d", disp.calls)
	}

	// Within the interval: no second fire.
	sched.now = func() time.Time { return now.Add(5 * time.Minute) }
	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 1 {
		t.Fatalf("expected still 1 dispatch within interval, got %d", disp.calls)
	}

	// Past the interval: fires again.
	sched.now = func() time.Time { return now.Add(31 * time.Minute) }
	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 2 {
		t.Fatalf("expected 2 dispatches after interval elapsed, got %d", disp.calls)
	}
}

func TestRunHeartbeat_ActiveHoursWindow(t *testing.T) {
	store := newTestStore(t)
	disp := &stubDispatcher{}
	cfgStore := config.NewStore(config.Config{Heartbeat: config.HeartbeatConfig{
		Enabled: true, IntervalMinutes: 1,
		ActiveHoursStart: "09:00", ActiveHoursEnd: "17:00",
	}})
	sched := New(store, disp, cfgStore, testLogger())
	sched.RegisterHeartbeatTarget(HeartbeatTarget{ChannelType: "telegram", ChannelID: "chan1", ChatID: "chat1"})

	sched.now = func() time.Time { return time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) }
	sched.Tick(context.Background())
	if atomic.LoadInt32(&disp.calls) != 0 {
		t.Fatalf("expected no heartbeat outside active hours, got %d", disp.calls)
	}
}

func TestStripHeartbeatAck(t *testing.T) {
	if text, ok := StripHeartbeatAck("  " + HeartbeatToken + "  "); !ok || text != "" {
		t.Fatalf("expected bare token to be acked with no text, got (%q, %v)", text, ok)
	}
	if text, ok := StripHeartbeatAck("Reminder sent to alice about standup."); ok || text == "" {
		t.Fatalf("expected non-ack text to pass through, got (%q, %v)", text, ok)
	}
}
