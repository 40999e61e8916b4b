package moduleregistry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/pkg/models"
)

func TestRingBuffer_RetainsMostRecentBytes(t *testing.T) {
	rb := newRingBuffer(8)
	_, _ = rb.Write([]byte("0123456789"))
	if got := rb.String(); got != "23456789" {
		t.Fatalf("expected tail-truncated buffer, got %q", got)
	}
}

func TestRingBuffer_UnboundedWhenMaxZero(t *testing.T) {
	rb := newRingBuffer(0)
	_, _ = rb.Write([]byte("hello"))
	_, _ = rb.Write([]byte(" world"))
	if got := rb.String(); got != "hello world" {
		t.Fatalf("unexpected buffer: %q", got)
	}
}

func TestStartProcess_CapturesOutputAndExits(t *testing.T) {
	mod := models.Module{Name: "echoer", Command: "echo hello-from-module"}
	rm, err := startProcess(context.Background(), mod)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-rm.done:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	if rm.Status() != statusStopped {
		t.Fatalf("expected stopped status, got %s", rm.Status())
	}
	if !strings.Contains(rm.logs.String(), "hello-from-module") {
		t.Fatalf("expected captured output, got %q", rm.logs.String())
	}
}

func TestStartProcess_MarksFailedOnNonZeroExit(t *testing.T) {
	mod := models.Module{Name: "failer", Command: "exit 1"}
	rm, err := startProcess(context.Background(), mod)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-rm.done:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	if rm.Status() != statusFailed {
		t.Fatalf("expected failed status, got %s", rm.Status())
	}
}

func TestStop_KillsProcessAfterTimeout(t *testing.T) {
	mod := models.Module{Name: "sleeper", Command: "trap '' TERM; sleep 5"}
	rm, err := startProcess(context.Background(), mod)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := rm.stop(100 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
