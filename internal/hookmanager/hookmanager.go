// Package hookmanager implements the Hook Manager (C13): a named async hook
// registry keyed by (agent subtype, event). Hooks are loaded from disk, one
// markdown file per event, under each agent subtype's hooks/ directory —
// the same "disk is the source of truth, frontmatter plus prompt body"
// convention the skill registry and subtype source use for SKILL.md and
// SUBTYPE.md.
//
// Structured like a compiled-callback hook registry (named events,
// panic-recovering dispatch) but with the handler model replaced: instead
// of in-process Go callbacks, a hook's body is a prompt run through a
// Runner, because hooks here are authored as markdown, not compiled into
// the binary. Hooks are registered only by Load from disk; there is no
// programmatic Register and no priority ordering between hooks.
package hookmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
)

// Event names the dispatcher fires, per the turn lifecycle. Platform
// adapters and tools may also fire arbitrary event strings beyond these
// four; Trigger does not restrict the event key to this list.
const (
	EventTurnStart  = "turn.start"
	EventTurnEnd    = "turn.end"
	EventToolBefore = "tool.before"
	EventToolAfter  = "tool.after"
)

// HooksDirName is the subdirectory, within an agent subtype's own
// directory, that holds one markdown file per event.
const HooksDirName = "hooks"

// Hook is one loaded event handler: a subtype-scoped prompt template that
// runs whenever its event fires for that subtype.
type Hook struct {
	Subtype    string `json:"subtype"`
	Event      string `json:"event"`
	SafeMode   bool   `json:"safe_mode"`
	Prompt     string `json:"prompt"`
	SourcePath string `json:"source_path"`
}

// Invocation carries the context a firing hook needs to render its prompt
// and to let the Runner know what triggered it.
type Invocation struct {
	Subtype   string
	Event     string
	SessionID string
	ChannelID string
	ChatID    string
	ToolName  string         // set for tool.before / tool.after
	Payload   map[string]any // event-specific data; the hook's prompt is not templated with it
}

// Runner executes one hook's prompt and returns its output. Kept
// free of any internal/dispatcher import so the wiring layer can supply an
// implementation backed by the real turn loop without a dependency cycle —
// the same reason internal/subagent.Runner stays dispatcher-agnostic.
type Runner interface {
	Run(ctx context.Context, inv Invocation, hook Hook) (string, error)
}

// Manager loads hooks from disk per subtype and fires them asynchronously
// when their event occurs.
type Manager struct {
	subtypesDir string
	runner      Runner
	log         *observability.Logger

	mu    sync.RWMutex
	byKey map[string][]Hook // "<subtype>\x00<event>" -> hooks, at most one today but kept a slice for future multi-hook events
}

// New constructs a Manager rooted at subtypesDir (the same directory the
// dispatcher's SubtypeSource scans), dispatching fired hooks through runner.
func New(subtypesDir string, runner Runner, log *observability.Logger) *Manager {
	return &Manager{
		subtypesDir: subtypesDir,
		runner:      runner,
		log:         log,
		byKey:       make(map[string][]Hook),
	}
}

// SetRunner wires the Runner after construction, mirroring
// subagent.Manager.SetRunner — needed because the concrete Runner wraps a
// *Dispatcher that doesn't exist yet when the Manager itself must be
// constructed (it's one of the Dispatcher's own Deps). Must be called
// before the first Trigger; not safe to call concurrently with Trigger.
func (m *Manager) SetRunner(runner Runner) {
	m.runner = runner
}

func hookKey(subtype, event string) string {
	return subtype + "\x00" + event
}

// Load registers every hook found under <subtypesDir>/<subtype>/hooks/*.md
// for the given subtype, replacing whatever was previously loaded for it.
// Called once per subtype at startup; calling it again re-reads that
// subtype's hooks from disk.
func (m *Manager) Load(subtype string) error {
	hooks, err := loadSubtypeHooks(m.subtypesDir, subtype)
	if err != nil {
		return fmt.Errorf("load hooks for subtype %q: %w", subtype, err)
	}

	prefix := subtype + "\x00"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byKey {
		if strings.HasPrefix(key, prefix) {
			delete(m.byKey, key)
		}
	}
	for _, h := range hooks {
		key := hookKey(h.Subtype, h.Event)
		m.byKey[key] = append(m.byKey[key], h)
	}
	return nil
}

// Trigger fires every hook registered for (subtype, inv.Event) asynchronously
// and returns immediately: hooks are an async registry, not a blocking gate
// on the turn that fired them. Each hook runs in its own goroutine with a
// panic recovered into a log line.
func (m *Manager) Trigger(ctx context.Context, subtype string, inv Invocation) {
	m.mu.RLock()
	hooks := append([]Hook(nil), m.byKey[hookKey(subtype, inv.Event)]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	detached := detachContext(ctx)
	for _, hook := range hooks {
		hook := hook
		go m.runHook(detached, inv, hook)
	}
}

func (m *Manager) runHook(ctx context.Context, inv Invocation, hook Hook) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn(ctx, "hook panicked", "subtype", hook.Subtype, "event", hook.Event, "panic", r)
		}
	}()

	inv.Subtype = hook.Subtype
	out, err := m.runner.Run(ctx, inv, hook)
	if err != nil {
		m.log.Warn(ctx, "hook run failed", "subtype", hook.Subtype, "event", hook.Event, "error", err)
		return
	}
	m.log.Debug(ctx, "hook completed", "subtype", hook.Subtype, "event", hook.Event, "output_len", len(out))
}

// detachContext keeps values attached to ctx (request IDs, logger fields)
// available to a hook that now outlives the request that fired it, while
// dropping its cancellation so a turn's own context being torn down at
// request end doesn't abort hooks it just triggered.
type detachedContext struct {
	base context.Context
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}        { return nil }
func (d detachedContext) Err() error                   { return nil }
func (d detachedContext) Value(key any) any            { return d.base.Value(key) }

func detachContext(ctx context.Context) context.Context {
	return detachedContext{base: ctx}
}
