// Package subagent implements the Sub-Agent Manager (C11): fans a parent
// turn's work out to child agent runs, tracks their lifecycle in a
// concurrent registry keyed by run ID, and consolidates their results back
// into one report for the parent to reason over.
//
// Depth is capped hard at 3: a sub-agent spawning its own sub-agents
// increments the depth it was given by one, and SpawnBatch rejects
// anything that would exceed the cap rather than letting a misbehaving
// prompt fork indefinitely.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

// MaxDepth is the hard ceiling on sub-agent nesting — same value as
// models.MaxSubAgentDepth, kept as its own constant since this package, not
// pkg/models, owns the depth-cap decision.
const MaxDepth = models.MaxSubAgentDepth

// DefaultSpecTimeout bounds a spec's run when it doesn't set TimeoutSecs.
const DefaultSpecTimeout = 600

// MaxSpecTimeout is the hard ceiling a Spec's own TimeoutSecs cannot exceed.
const MaxSpecTimeout = 3600

// pollInterval is how often the progress loop checks in on running agents.
const pollInterval = 2 * time.Second

// progressBroadcastInterval is how often subagent.await_progress fires.
const progressBroadcastInterval = 15 * time.Second

// idleWarningThreshold flags a running agent as stalled once it has gone
// this long without activity.
const idleWarningThreshold = 120 * time.Second

// Status is a sub-agent run's lifecycle state, aliased to the shared model
// type so the registry's statuses and the wire/report statuses never drift.
type Status = models.SubAgentStatus

const (
	StatusPending   = models.SubAgentPending
	StatusRunning   = models.SubAgentRunning
	StatusCompleted = models.SubAgentCompleted
	StatusFailed    = models.SubAgentFailed
	StatusTimedOut  = models.SubAgentTimedOut
	StatusCancelled = models.SubAgentCancelled
)

func terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Spec is one requested sub-agent run.
type Spec struct {
	Task         string
	Label        string
	AgentSubtype string
	Model        string
	Thinking     bool
	TimeoutSecs  int
	ReadOnly     bool
	Context      string
	DependsOn    string
}

// Record is a tracked sub-agent run: the spec's SubAgent entity (id,
// parent_id, depth, label, task, status, timestamps, result/error).
type Record = models.SubAgent

// Context is handed to a Runner for one sub-agent invocation.
type Context struct {
	ID           string
	SessionID    int64
	ChannelID    string
	Label        string
	Task         string
	TimeoutSecs  int
	ReadOnly     bool
	AgentSubtype string
	ParentID     string
	Depth        int
}

// Runner actually executes one sub-agent's task, e.g. by driving a
// dispatcher turn loop against a fresh, isolated session. Kept as an
// interface so this package never depends on internal/dispatcher.
type Runner interface {
	Run(ctx context.Context, sctx Context) (string, error)
}

// SpecResult is one spec's outcome within a ConsolidatedReport.
type SpecResult struct {
	Label  string
	Status Status
	Result string
	Error  string
}

// ConsolidatedReport is what SpawnBatch returns: every spec's outcome,
// keyed by label.
type ConsolidatedReport struct {
	Results map[string]SpecResult
}

type depthKey struct{}

// WithDepth returns a context carrying the current sub-agent nesting
// depth, so a sub-agent that itself calls SpawnBatch is evaluated against
// the right ceiling. A context with no depth set is depth 0 (top-level).
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func depthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Manager is the Sub-Agent Manager.
type Manager struct {
	runner      Runner
	broadcaster *events.Broadcaster
	log         *observability.Logger
	metrics     *observability.Metrics

	counter int64

	mu      sync.RWMutex
	records map[string]*Record
}

// New constructs a Manager. runner is invoked once per spec to actually
// carry out the sub-agent's task.
func New(runner Runner, broadcaster *events.Broadcaster, log *observability.Logger) *Manager {
	return &Manager{
		runner:      runner,
		broadcaster: broadcaster,
		log:         log,
		records:     make(map[string]*Record),
	}
}

// SetMetrics wires a Metrics collector for spawned-depth observations.
// Optional; a Manager with no Metrics set simply doesn't record them.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SetRunner wires the Runner after construction, for the common startup
// sequence where the Runner implementation (e.g. a dispatcher-backed
// adapter) itself needs a reference to something constructed after the
// Manager. Must be called before the Manager handles its first Spawn or
// SpawnBatch; not safe to call concurrently with either.
func (m *Manager) SetRunner(runner Runner) {
	m.runner = runner
}

func (m *Manager) nextLabel() string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("task-%d", n)
}

// Spawn implements toolregistry.SubAgentSpawner: a single fire-and-wait
// sub-agent run with no dependency graph, used by tools that just need to
// fan one piece of work out.
func (m *Manager) Spawn(ctx context.Context, task, label string, readOnly bool) (string, error) {
	if label == "" {
		label = m.nextLabel()
	}
	report, err := m.SpawnBatch(ctx, 0, "", "", []Spec{{Task: task, Label: label, ReadOnly: readOnly, TimeoutSecs: DefaultSpecTimeout}}, DefaultSpecTimeout)
	if err != nil {
		return "", err
	}
	res := report.Results[label]
	if res.Status != StatusCompleted {
		if res.Error != "" {
			return "", fmt.Errorf("sub-agent %s: %s", label, res.Error)
		}
		return "", fmt.Errorf("sub-agent %s ended with status %s", label, res.Status)
	}
	return res.Result, nil
}

// SpawnBatch runs a batch of specs: assigns labels, partitions into
// immediate/deferred by depends_on, spawns immediate specs concurrently,
// polls and broadcasts progress, then runs deferred specs once their
// dependency resolves, and returns a ConsolidatedReport.
func (m *Manager) SpawnBatch(ctx context.Context, parentSessionID int64, parentChannelID, parentID string, specs []Spec, overallTimeoutSecs int) (*ConsolidatedReport, error) {
	depth := depthFromContext(ctx) + 1
	if depth > MaxDepth {
		return nil, fmt.Errorf("sub-agent depth limit (%d) exceeded", MaxDepth)
	}

	specs, immediate, deferred := m.assignAndPartition(specs)

	if overallTimeoutSecs <= 0 {
		overallTimeoutSecs = DefaultSpecTimeout
	}
	batchCtx, cancel := context.WithTimeout(WithDepth(ctx, depth), time.Duration(overallTimeoutSecs)*time.Second)
	defer cancel()

	report := &ConsolidatedReport{Results: make(map[string]SpecResult, len(specs))}
	var reportMu sync.Mutex

	done := make(chan struct{})
	go m.progressLoop(batchCtx, parentSessionID, done)

	var wg sync.WaitGroup
	completion := make(map[string]chan struct{}, len(specs))
	for _, s := range specs {
		completion[s.Label] = make(chan struct{})
	}

	runOne := func(spec Spec) {
		defer wg.Done()
		defer close(completion[spec.Label])
		result := m.runSpec(batchCtx, parentSessionID, parentChannelID, parentID, depth, spec)
		reportMu.Lock()
		report.Results[spec.Label] = result
		reportMu.Unlock()
	}

	for _, s := range immediate {
		wg.Add(1)
		go runOne(s)
	}

	for _, s := range deferred {
		wg.Add(1)
		go func(spec Spec) {
			if depCh, ok := completion[spec.DependsOn]; ok {
				select {
				case <-depCh:
				case <-batchCtx.Done():
					wg.Done()
					close(completion[spec.Label])
					reportMu.Lock()
					report.Results[spec.Label] = SpecResult{Label: spec.Label, Status: StatusCancelled, Error: "dependency did not complete in time"}
					reportMu.Unlock()
					return
				}
			}
			runOne(spec)
		}(s)
	}

	wg.Wait()
	close(done)
	return report, nil
}

// assignAndPartition fills in missing labels and splits specs into
// immediate (no depends_on, or an unresolved depends_on promoted with a
// warning) and deferred (depends_on resolves to another label in batch).
func (m *Manager) assignAndPartition(specs []Spec) (all, immediate, deferred []Spec) {
	labels := make(map[string]bool, len(specs))
	out := make([]Spec, len(specs))
	for i, s := range specs {
		if s.Label == "" {
			s.Label = m.nextLabel()
		}
		out[i] = s
		labels[s.Label] = true
	}

	for _, s := range out {
		if s.DependsOn == "" {
			immediate = append(immediate, s)
			continue
		}
		if !labels[s.DependsOn] {
			m.log.Warn(context.Background(), "sub-agent depends_on does not resolve within batch, promoting to immediate", "label", s.Label, "depends_on", s.DependsOn)
			s.DependsOn = ""
			immediate = append(immediate, s)
			continue
		}
		deferred = append(deferred, s)
	}
	return out, immediate, deferred
}

func (m *Manager) runSpec(ctx context.Context, parentSessionID int64, parentChannelID, parentID string, depth int, spec Spec) SpecResult {
	timeoutSecs := spec.TimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = DefaultSpecTimeout
	}
	if timeoutSecs > MaxSpecTimeout {
		timeoutSecs = MaxSpecTimeout
	}

	rec := &Record{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		Depth:          depth,
		Label:          spec.Label,
		Task:           spec.Task,
		AgentSubtype:   spec.AgentSubtype,
		ReadOnly:       spec.ReadOnly,
		TimeoutSecs:    timeoutSecs,
		Status:         StatusRunning,
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SubAgentDepth.Observe(float64(depth))
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	result, err := m.runner.Run(runCtx, Context{
		ID:           rec.ID,
		SessionID:    parentSessionID,
		ChannelID:    parentChannelID,
		Label:        spec.Label,
		Task:         spec.Task,
		TimeoutSecs:  timeoutSecs,
		ReadOnly:     spec.ReadOnly,
		AgentSubtype: spec.AgentSubtype,
		ParentID:     parentID,
		Depth:        depth,
	})

	m.mu.Lock()
	completedAt := time.Now()
	rec.CompletedAt = &completedAt
	rec.LastActivityAt = completedAt
	switch {
	case err == nil:
		rec.Status = StatusCompleted
		rec.Result = result
	case runCtx.Err() == context.DeadlineExceeded:
		rec.Status = StatusTimedOut
		rec.Error = "sub-agent exceeded its timeout"
	case ctx.Err() != nil:
		rec.Status = StatusCancelled
		rec.Error = err.Error()
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}
	status, resErr, resResult := rec.Status, rec.Error, rec.Result
	m.mu.Unlock()

	return SpecResult{Label: spec.Label, Status: status, Result: resResult, Error: resErr}
}

// progressLoop polls every pollInterval and broadcasts
// subagent.await_progress every progressBroadcastInterval until done fires.
func (m *Manager) progressLoop(ctx context.Context, sessionID int64, done <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	lastBroadcast := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastBroadcast) < progressBroadcastInterval {
				continue
			}
			lastBroadcast = now
			m.broadcastProgress(sessionID)
		}
	}
}

func (m *Manager) broadcastProgress(sessionID int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type agentProgress struct {
		Label    string `json:"label"`
		Status   Status `json:"status"`
		IdleSecs int    `json:"idle_secs"`
		Warning  bool   `json:"warning"`
	}
	var agents []agentProgress
	for _, rec := range m.records {
		if terminal(rec.Status) {
			continue
		}
		idle := int(time.Since(rec.LastActivityAt).Seconds())
		agents = append(agents, agentProgress{
			Label:    rec.Label,
			Status:   rec.Status,
			IdleSecs: idle,
			Warning:  time.Duration(idle)*time.Second > idleWarningThreshold,
		})
	}
	if len(agents) == 0 {
		return
	}
	m.broadcaster.Broadcast(events.EventSubAgentAwaitProgress, map[string]any{
		"session_id": sessionID,
		"agents":     agents,
	})
}

// Status returns a snapshot of every tracked sub-agent run for parentID,
// backing the subagent_status tool.
func (m *Manager) Status(parentID string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if parentID != "" && rec.ParentID != parentID {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
