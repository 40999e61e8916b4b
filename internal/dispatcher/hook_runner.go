package dispatcher

import (
	"context"
	"fmt"

	"github.com/nexuscore/agentengine/internal/hookmanager"
	"github.com/nexuscore/agentengine/pkg/models"
)

// HookRunner adapts a *Dispatcher into hookmanager.Runner (C13), executing
// a fired hook's prompt through the same turn loop every inbound message
// goes through, as opposed to running the hook as a read-only sub-agent.
// Its own turn's hook events are suppressed so a hook can't re-trigger
// itself (or any other hook on the same subtype) into an unbounded
// recursion.
type HookRunner struct {
	d *Dispatcher
}

// NewHookRunner wraps d for use as a hookmanager.Manager's Runner.
func NewHookRunner(d *Dispatcher) *HookRunner {
	return &HookRunner{d: d}
}

// Run drives one turn of hook.Prompt against a session dedicated to
// (subtype, event), so a hook accumulates its own conversation history
// across firings rather than bleeding into the session that triggered it.
func (r *HookRunner) Run(ctx context.Context, inv hookmanager.Invocation, hook hookmanager.Hook) (string, error) {
	runCtx := withHooksSuppressed(ctx)
	if hook.SafeMode {
		runCtx = withReadOnly(runCtx)
	}

	session, err := r.d.sessions.LoadSession(runCtx, "hook", inv.Subtype, inv.Event, models.ScopeDM)
	if err != nil {
		return "", fmt.Errorf("load hook session: %w", err)
	}
	if session.AgentSubtype != inv.Subtype {
		session.AgentSubtype = inv.Subtype
		if err := r.d.sessions.UpdateSession(session.SessionID, func(s *models.ChatSession) {
			s.AgentSubtype = inv.Subtype
		}); err != nil {
			r.d.log.Warn(runCtx, "failed to set hook session subtype", "subtype", inv.Subtype, "error", err)
		}
	}

	cfg := r.d.cfgStore.Get()
	result, err := r.d.runTurnLoop(runCtx, cfg, "hook:"+inv.Subtype, session, NormalizedMessage{
		ChannelType: "hook",
		ChannelID:   inv.Subtype,
		ChatID:      inv.Event,
		UserID:      "hook",
		UserName:    inv.Event,
		Text:        hook.Prompt,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
