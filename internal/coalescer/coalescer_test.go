package coalescer

import (
	"context"
	"testing"
	"time"
)

func TestAddMessage_DisabledFlushesImmediately(t *testing.T) {
	c := New(Config{Enabled: false})
	text, ok := c.AddMessage("chan1", "user1", "hi")
	if !ok || text != "hi" {
		t.Fatalf("expected immediate flush, got (%q, %v)", text, ok)
	}
	if c.PendingCount() != 0 {
		t.Fatal("expected no pending batches when disabled")
	}
}

func TestAddMessage_BuffersUntilTimeout(t *testing.T) {
	c := New(Config{Enabled: true, DebounceInterval: 20 * time.Millisecond, MaxWait: time.Second})
	_, ok := c.AddMessage("chan1", "user1", "first")
	if ok {
		t.Fatal("expected no immediate flush")
	}
	_, ok = c.AddMessage("chan1", "user1", "second")
	if ok {
		t.Fatal("expected second message to also buffer")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending batch, got %d", c.PendingCount())
	}

	time.Sleep(30 * time.Millisecond)
	flushed := c.CheckTimeouts()
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed batch, got %d", len(flushed))
	}
	if flushed[0].Text != "first\n\nsecond" {
		t.Fatalf("unexpected merged text: %q", flushed[0].Text)
	}
	if flushed[0].Key != Key("chan1", "user1") {
		t.Fatalf("unexpected key: %q", flushed[0].Key)
	}
}

func TestAddMessage_ForcesFlushAtMaxWait(t *testing.T) {
	c := New(Config{Enabled: true, DebounceInterval: time.Hour, MaxWait: 10 * time.Millisecond})
	_, ok := c.AddMessage("chan1", "user1", "first")
	if ok {
		t.Fatal("expected first message to buffer")
	}

	time.Sleep(15 * time.Millisecond)
	text, ok := c.AddMessage("chan1", "user1", "second")
	if !ok {
		t.Fatal("expected max-wait to force a flush")
	}
	if text != "first\n\nsecond" {
		t.Fatalf("unexpected merged text: %q", text)
	}
}

func TestCheckTimeouts_LeavesFreshBatchesAlone(t *testing.T) {
	c := New(Config{Enabled: true, DebounceInterval: time.Hour, MaxWait: time.Hour})
	c.AddMessage("chan1", "user1", "fresh")
	if flushed := c.CheckTimeouts(); len(flushed) != 0 {
		t.Fatalf("expected no flush yet, got %v", flushed)
	}
}

func TestStartStop_InvokesCallbackOnFlush(t *testing.T) {
	c := New(Config{Enabled: true, DebounceInterval: 5 * time.Millisecond, MaxWait: time.Second})
	c.AddMessage("chan1", "user1", "hello")

	flushed := make(chan Flushed, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, func(f Flushed) { flushed <- f })
	defer c.Stop()

	select {
	case f := <-flushed:
		if f.Text != "hello" {
			t.Fatalf("unexpected flushed text: %q", f.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a flush callback within 1s")
	}
}
