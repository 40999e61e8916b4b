package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/nexuscore/agentengine/internal/subagent"
	"github.com/nexuscore/agentengine/pkg/models"
)

// SubAgentRunner adapts a *Dispatcher into subagent.Runner (C11), driving
// a fresh, isolated session's turn loop for each sub-agent task. It's the
// only concrete implementation of subagent.Runner in this repo; C11 itself
// never imports this package, which is the whole reason that interface
// exists in the first place — see internal/subagent.Runner's doc comment.
type SubAgentRunner struct {
	d *Dispatcher
}

// NewSubAgentRunner wraps d for use as a subagent.Manager's Runner.
func NewSubAgentRunner(d *Dispatcher) *SubAgentRunner {
	return &SubAgentRunner{d: d}
}

// Run loads (creating, on first use) a session scoped to this sub-agent's
// own id under the "subagent" pseudo-channel, so each spawned task gets a
// conversation history isolated from its parent and from every sibling,
// then runs one full turn loop against it with sctx.Task as the inbound
// message.
func (r *SubAgentRunner) Run(ctx context.Context, sctx subagent.Context) (string, error) {
	timeout := time.Duration(sctx.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(r.d.cfgStore.Get().TurnWallBudgetSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if sctx.ReadOnly {
		runCtx = withReadOnly(runCtx)
	}

	session, err := r.d.sessions.LoadSession(runCtx, "subagent", sctx.ParentID, sctx.ID, models.ScopeDM)
	if err != nil {
		return "", fmt.Errorf("load sub-agent session: %w", err)
	}
	if session.AgentSubtype != sctx.AgentSubtype {
		session.AgentSubtype = sctx.AgentSubtype
		if err := r.d.sessions.UpdateSession(session.SessionID, func(s *models.ChatSession) {
			s.AgentSubtype = sctx.AgentSubtype
		}); err != nil {
			r.d.log.Warn(runCtx, "failed to set sub-agent subtype", "id", sctx.ID, "error", err)
		}
	}

	cfg := r.d.cfgStore.Get()
	result, err := r.d.runTurnLoop(runCtx, cfg, "subagent:"+sctx.ParentID, session, NormalizedMessage{
		ChannelType: "subagent",
		ChannelID:   sctx.ParentID,
		ChatID:      sctx.ID,
		UserID:      "subagent",
		UserName:    sctx.Label,
		Text:        sctx.Task,
	})
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("sub-agent task failed: %s", result.Content)
	}
	return result.Content, nil
}
