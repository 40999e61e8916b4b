// Package dispatcher implements the Dispatcher (C10): the engine's core
// turn loop. Given a normalized inbound message it resolves identity and
// session state, builds an LLM-ready context, calls the model, executes
// any tool calls the model asks for, and finalizes a user-visible
// response — persisting memories and session state as it goes.
//
// The state machine (BuildContext → CallLLM → ClassifyResponse →
// {ExecuteTools | FinalizeResponse | PauseForPayment | PauseForTx | Fail})
// uses a single synchronous LLMProvider.Complete call per turn-loop
// iteration rather than token-by-token streaming, since nothing in this
// turn loop needs delivery finer-grained than one completion per step.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/hookmanager"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/payment"
	"github.com/nexuscore/agentengine/internal/search"
	"github.com/nexuscore/agentengine/internal/sessioncache"
	"github.com/nexuscore/agentengine/internal/skillregistry"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

// resetCommands are the inbound texts (trimmed, case-insensitive) that
// short-circuit the turn loop and reset the conversation.
var resetCommands = map[string]bool{"/new": true, "/reset": true}

func isResetCommand(text string) bool {
	return resetCommands[strings.ToLower(strings.TrimSpace(text))]
}

// historyWindow is how many recent session messages BuildContext loads.
const historyWindow = 20

// maxRecentMemories bounds how many long-term memories BuildContext
// prepends to the system prompt.
const maxRecentMemories = 10

// NormalizedMessage is one inbound message, already normalized by the
// gateway layer to a common shape regardless of originating platform.
type NormalizedMessage struct {
	ChannelType       string
	ChannelID         string
	ChatID            string
	UserID            string
	UserName          string
	Text              string
	PlatformMessageID string
}

// DispatchResult is what Dispatch returns: the user-visible reply text and
// whether the turn completed successfully.
type DispatchResult struct {
	Success bool
	Content string
	Status  models.CompletionStatus
}

// SubAgentSpawner is consulted by ExecuteTools for spawn_subagents-style
// tool calls; kept as an interface to avoid importing internal/subagent
// (C11) directly, the same way toolregistry does.
type SubAgentSpawner = toolregistry.SubAgentSpawner

// WalletProvider is the read-only wallet surface threaded into ToolContext.
type WalletProvider = toolregistry.WalletProvider

// Dispatcher wires together every other component into the turn loop.
type Dispatcher struct {
	store       storage.Store
	sessions    *sessioncache.Cache
	tools       *toolregistry.Registry
	skills      *skillregistry.Registry
	subtypes    *SubtypeSource
	search      *search.Engine
	payment     *payment.Client
	broadcaster *events.Broadcaster
	router      *Router
	cfgStore    *config.Store
	log         *observability.Logger

	subAgents SubAgentSpawner
	wallet    WalletProvider
	hooks     *hookmanager.Manager
	metrics   *observability.Metrics

	soulText       string
	guidelinesText string
}

// Deps bundles everything New needs.
type Deps struct {
	Store       storage.Store
	Sessions    *sessioncache.Cache
	Tools       *toolregistry.Registry
	Skills      *skillregistry.Registry
	Subtypes    *SubtypeSource
	Search      *search.Engine
	Payment     *payment.Client
	Broadcaster *events.Broadcaster
	Router      *Router
	ConfigStore *config.Store
	Log         *observability.Logger

	SubAgents SubAgentSpawner
	Wallet    WalletProvider

	// Hooks fires turn.start/turn.end/tool.before/tool.after (C13). May be
	// nil, in which case hook firing is a no-op.
	Hooks *hookmanager.Manager

	// Metrics records turn/tool counts and durations. May be nil, in which
	// case the dispatcher runs unobserved.
	Metrics *observability.Metrics

	// SoulText and GuidelinesText are the contents of SOUL.md/GUIDELINES.md,
	// read once at startup. Either may be empty.
	SoulText       string
	GuidelinesText string
}

// New constructs a Dispatcher from deps.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		store:          deps.Store,
		sessions:       deps.Sessions,
		tools:          deps.Tools,
		skills:         deps.Skills,
		subtypes:       deps.Subtypes,
		search:         deps.Search,
		payment:        deps.Payment,
		broadcaster:    deps.Broadcaster,
		router:         deps.Router,
		cfgStore:       deps.ConfigStore,
		log:            deps.Log,
		subAgents:      deps.SubAgents,
		wallet:         deps.Wallet,
		hooks:          deps.Hooks,
		metrics:        deps.Metrics,
		soulText:       deps.SoulText,
		guidelinesText: deps.GuidelinesText,
	}
}

// Dispatch runs the entry protocol and the full turn loop for one inbound
// message.
func (d *Dispatcher) Dispatch(ctx context.Context, m NormalizedMessage) (*DispatchResult, error) {
	d.broadcaster.Broadcast(events.EventChannelMessage, m)

	if isResetCommand(m.Text) {
		return d.resetSession(ctx, m)
	}

	identity, err := d.store.GetOrCreateIdentity(ctx, m.ChannelType, m.UserID, m.UserName)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	scope := models.ScopeGroup
	if m.ChatID == m.UserID {
		scope = models.ScopeDM
	}

	session, err := d.sessions.LoadSession(ctx, m.ChannelType, m.ChannelID, m.ChatID, scope)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if _, err := d.store.AddSessionMessage(ctx, &models.SessionMessage{
		SessionID:         session.SessionID,
		Role:              models.RoleUser,
		Content:           m.Text,
		UserID:            m.UserID,
		UserName:          m.UserName,
		PlatformMessageID: m.PlatformMessageID,
		CreatedAt:         time.Now(),
	}); err != nil {
		d.log.Error(ctx, "failed to persist inbound message", "session_id", session.SessionID, "error", err)
	}

	cfg := d.cfgStore.Get()
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TurnWallBudgetSecs)*time.Second)
	defer cancel()

	return d.runTurnLoop(turnCtx, cfg, identity.IdentityID, session, m)
}

// resetSession implements the spec's resolution of its own open question:
// /reset never deletes history. It transitions the current session to
// completed and force-evicts it from the cache (its completion_status was
// just flushed to the store, so there is nothing pending to lose); the
// next inbound message for this (channel_type, channel_id, chat_id) finds
// no active row and GetOrCreateChatSession starts a fresh one.
func (d *Dispatcher) resetSession(ctx context.Context, m NormalizedMessage) (*DispatchResult, error) {
	scope := models.ScopeGroup
	if m.ChatID == m.UserID {
		scope = models.ScopeDM
	}
	session, err := d.sessions.LoadSession(ctx, m.ChannelType, m.ChannelID, m.ChatID, scope)
	if err != nil {
		return nil, fmt.Errorf("load session for reset: %w", err)
	}
	if err := d.store.UpdateSessionCompletionStatus(ctx, session.SessionID, models.StatusCompleted); err != nil {
		d.log.Warn(ctx, "failed to reset stored session status", "session_id", session.SessionID, "error", err)
	}
	d.sessions.ForceEvict(session.SessionID)
	return &DispatchResult{Success: true, Content: "Session reset. Let's start fresh!", Status: models.StatusCompleted}, nil
}

// runTurnLoop drives BuildContext → CallLLM → ClassifyResponse →
// {ExecuteTools | FinalizeResponse | PauseForPayment | PauseForTx | Fail}
// until the turn terminates.
func (d *Dispatcher) runTurnLoop(ctx context.Context, cfg config.Config, identityID string, session *models.ChatSession, m NormalizedMessage) (result *DispatchResult, err error) {
	start := time.Now()
	defer func() { d.observeTurn(start, result, err) }()

	subtype := d.resolveSubtype(session.AgentSubtype)
	maxIterations := cfg.MaxToolIterations
	if subtype.MaxIterations > 0 {
		maxIterations = subtype.MaxIterations
	}

	turn, err := d.buildContext(ctx, cfg, identityID, session, subtype)
	if err != nil {
		return d.fail(ctx, session, fmt.Errorf("build context: %w", err))
	}
	d.fireHook(ctx, session, hookmanager.EventTurnStart, map[string]any{"text": m.Text})

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			return d.fail(ctx, session, fmt.Errorf("turn wall-clock budget exceeded: %w", ctx.Err()))
		default:
		}

		resp, err := d.callLLM(ctx, turn)
		if err != nil {
			return d.fail(ctx, session, fmt.Errorf("call llm: %w", err))
		}

		if len(resp.ToolCalls) == 0 {
			return d.finalizeResponse(ctx, identityID, session, resp.Text)
		}

		iterations++
		if iterations > maxIterations {
			return d.failIterationLimit(ctx, session, maxIterations)
		}

		assistantMsg := CompletionMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
		turn.history = append(turn.history, assistantMsg)

		results, pause, err := d.executeTools(ctx, cfg, identityID, session, resp.ToolCalls)
		if err != nil {
			return d.fail(ctx, session, fmt.Errorf("execute tools: %w", err))
		}
		if pause != nil {
			return d.applyPause(ctx, session, *pause)
		}

		turn.history = append(turn.history, CompletionMessage{Role: "tool", ToolResults: results})
	}
}

// observeTurn records turn duration and outcome, if a Metrics was wired in.
func (d *Dispatcher) observeTurn(start time.Time, result *DispatchResult, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case result == nil || !result.Success:
		outcome = "failed"
	}
	d.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	d.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (d *Dispatcher) resolveSubtype(key string) models.AgentSubtype {
	if key != "" {
		if sub, ok := d.subtypes.Get(key); ok {
			return sub
		}
	}
	if sub, ok := d.subtypes.Get("default"); ok {
		return sub
	}
	return models.AgentSubtype{Key: "default", Label: "Default", MaxIterations: 0}
}

// hookSuppressCtxKey marks a turn as itself running inside a fired hook, so
// that turn's own turn.start/turn.end/tool.* events don't re-trigger hooks
// and recurse forever. Set by HookRunner before it drives the hook's own
// turn loop.
type hookSuppressCtxKey struct{}

func withHooksSuppressed(ctx context.Context) context.Context {
	return context.WithValue(ctx, hookSuppressCtxKey{}, true)
}

func hooksSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(hookSuppressCtxKey{}).(bool)
	return v
}

// fireHook triggers a C13 hook for session's agent subtype, if a Hook
// Manager was wired in. A no-op otherwise, so hooks stay strictly optional.
func (d *Dispatcher) fireHook(ctx context.Context, session *models.ChatSession, event string, payload map[string]any) {
	if d.hooks == nil || hooksSuppressed(ctx) {
		return
	}
	toolName, _ := payload["tool"].(string)
	d.hooks.Trigger(ctx, session.AgentSubtype, hookmanager.Invocation{
		Event:     event,
		SessionID: session.SessionID,
		ChannelID: session.ChannelID,
		ChatID:    session.ChatID,
		ToolName:  toolName,
		Payload:   payload,
	})
}

func (d *Dispatcher) fail(ctx context.Context, session *models.ChatSession, cause error) (*DispatchResult, error) {
	d.log.Error(ctx, "turn failed", "session_id", session.SessionID, "error", cause)
	if err := d.sessions.UpdateCompletionStatus(session.SessionID, models.StatusFailed); err != nil {
		d.log.Warn(ctx, "failed to mark session failed", "session_id", session.SessionID, "error", err)
	}
	d.broadcaster.Broadcast(events.EventAgentResponse, map[string]any{
		"session_id": session.SessionID,
		"success":    false,
	})
	return &DispatchResult{Success: false, Content: "Something went wrong processing that message.", Status: models.StatusFailed}, nil
}

// failIterationLimit handles IterationLimitExceeded per spec §7/§8
// scenario 5: the session goes to failed, and the diagnostic returned to
// the caller names the iteration limit explicitly.
func (d *Dispatcher) failIterationLimit(ctx context.Context, session *models.ChatSession, max int) (*DispatchResult, error) {
	d.log.Warn(ctx, "tool iteration limit exceeded", "session_id", session.SessionID, "max_iterations", max)
	if err := d.sessions.UpdateCompletionStatus(session.SessionID, models.StatusFailed); err != nil {
		d.log.Warn(ctx, "failed to mark session failed", "session_id", session.SessionID, "error", err)
	}
	d.broadcaster.Broadcast(events.EventAgentResponse, map[string]any{
		"session_id": session.SessionID,
		"success":    false,
	})
	diagnostic := fmt.Sprintf("Reached the tool-call iteration limit of %d before reaching a final response.", max)
	return &DispatchResult{Success: false, Content: diagnostic, Status: models.StatusFailed}, nil
}

type pendingPause struct {
	status  models.CompletionStatus
	message string
}

func (d *Dispatcher) applyPause(ctx context.Context, session *models.ChatSession, pause pendingPause) (*DispatchResult, error) {
	if err := d.sessions.UpdateCompletionStatus(session.SessionID, pause.status); err != nil {
		d.log.Warn(ctx, "failed to persist pause status", "session_id", session.SessionID, "error", err)
	}
	return &DispatchResult{Success: true, Content: pause.message, Status: pause.status}, nil
}
