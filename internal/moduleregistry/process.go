// Package moduleregistry implements the Module Registry (C5): discovery,
// process lifecycle (start/stop via os/exec), hot (un)registration of a
// module's tools into the Tool Registry, and a gRPC loopback transport for
// invoking a running module's RPC-exposed methods.
package moduleregistry

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nexuscore/agentengine/pkg/models"
)

// ringBuffer retains the most recent maxBytes of output, discarding the
// oldest bytes first rather than truncating and dropping new writes once
// full: tail visibility into a long-running module's recent output
// matters more than its earliest lines.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if r.max > 0 && len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// processStatus mirrors the module's running state.
type processStatus string

const (
	statusStopped processStatus = "stopped"
	statusRunning processStatus = "running"
	statusFailed  processStatus = "failed"
)

// runningModule tracks one module's managed OS process.
type runningModule struct {
	mod    models.Module
	cmd    *exec.Cmd
	logs   *ringBuffer
	done   chan struct{}
	status processStatus
	exit   error

	mu sync.Mutex
}

func (rm *runningModule) Status() processStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.status
}

func (rm *runningModule) setStatus(s processStatus, exitErr error) {
	rm.mu.Lock()
	rm.status = s
	rm.exit = exitErr
	rm.mu.Unlock()
}

const defaultLogBufferBytes = 256 << 10 // 256KiB of recent output per module

func startProcess(ctx context.Context, mod models.Module) (*runningModule, error) {
	if mod.Command == "" {
		return nil, fmt.Errorf("module %s has no command to start", mod.Name)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", mod.Command)
	logs := newRingBuffer(defaultLogBufferBytes)
	cmd.Stdout = logs
	cmd.Stderr = logs

	rm := &runningModule{mod: mod, cmd: cmd, logs: logs, done: make(chan struct{}), status: statusStopped}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start module %s: %w", mod.Name, err)
	}
	rm.setStatus(statusRunning, nil)

	go func() {
		err := cmd.Wait()
		close(rm.done)
		if err != nil {
			rm.setStatus(statusFailed, err)
		} else {
			rm.setStatus(statusStopped, nil)
		}
	}()

	return rm, nil
}

func (rm *runningModule) stop(timeout time.Duration) error {
	if rm.cmd.Process == nil {
		return nil
	}
	_ = rm.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-rm.done:
		return nil
	case <-time.After(timeout):
		return rm.cmd.Process.Kill()
	}
}
