package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/hookmanager"
	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

// turnState is the mutable working set a single turn loop threads through
// BuildContext, CallLLM, and ExecuteTools.
type turnState struct {
	cfg        config.Config
	identityID string
	session    *models.ChatSession
	subtype    models.AgentSubtype

	systemPrompt string
	history      []CompletionMessage
	toolSpecs    []ToolSpec
}

// buildContext assembles the system prompt, visible tool set, and
// conversation history for this turn.
func (d *Dispatcher) buildContext(ctx context.Context, cfg config.Config, identityID string, session *models.ChatSession, subtype models.AgentSubtype) (*turnState, error) {
	prompt, err := d.buildSystemPrompt(ctx, cfg, identityID, subtype)
	if err != nil {
		return nil, err
	}

	toolSpecs := d.visibleTools(ctx, subtype)

	recent, err := d.store.GetRecentSessionMessages(ctx, session.SessionID, historyWindow)
	if err != nil {
		d.log.Warn(ctx, "failed to load recent session messages", "session_id", session.SessionID, "error", err)
	}
	history := make([]CompletionMessage, 0, len(recent))
	for _, msg := range recent {
		history = append(history, sessionMessageToCompletion(msg))
	}

	estimatedTokens := estimateTokens(prompt) + estimateHistoryTokens(history)
	if err := d.sessions.UpdateContextTokens(session.SessionID, estimatedTokens); err != nil {
		d.log.Warn(ctx, "failed to update estimated context tokens", "session_id", session.SessionID, "error", err)
	}

	switch checkCompaction(estimatedTokens, cfg.MaxContextTokens, cfg.Compaction) {
	case compactionBackground:
		if err := d.scheduleBackgroundSummary(ctx, identityID, session.SessionID, history); err != nil {
			d.log.Warn(ctx, "failed to schedule background compaction summary", "session_id", session.SessionID, "error", err)
		}
	case compactionAggressive:
		history = applyEmergencyCompaction(history, historyWindow/2)
	case compactionEmergency:
		history = applyEmergencyCompaction(history, historyWindow/4)
	}

	return &turnState{
		cfg:          cfg,
		identityID:   identityID,
		session:      session,
		subtype:      subtype,
		systemPrompt: prompt,
		history:      history,
		toolSpecs:    toolSpecs,
	}, nil
}

// buildSystemPrompt composes bot_name, SOUL.md/GUIDELINES.md, today's daily
// logs, top long-term memories, the subtype's own prompt, and the
// memory-marker instructions, in that order. Session-summary memories are
// not included.
func (d *Dispatcher) buildSystemPrompt(ctx context.Context, cfg config.Config, identityID string, subtype models.AgentSubtype) (string, error) {
	var b strings.Builder

	if cfg.BotName != "" {
		fmt.Fprintf(&b, "You are %s.\n\n", cfg.BotName)
	}
	if d.soulText != "" {
		b.WriteString(d.soulText)
		b.WriteString("\n\n")
	}
	if d.guidelinesText != "" {
		b.WriteString(d.guidelinesText)
		b.WriteString("\n\n")
	}

	today := time.Now().Format("2006-01-02")
	if logs, err := d.store.GetDailyLogs(ctx, identityID, today); err != nil {
		d.log.Warn(ctx, "failed to load daily logs", "identity_id", identityID, "error", err)
	} else if len(logs) > 0 {
		b.WriteString("Today's log:\n")
		for _, m := range logs {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}

	if mems, err := d.store.GetMemoriesForIdentity(ctx, identityID, 5, maxRecentMemories); err != nil {
		d.log.Warn(ctx, "failed to load long-term memories", "identity_id", identityID, "error", err)
	} else if len(mems) > 0 {
		b.WriteString("Things you remember:\n")
		for _, m := range mems {
			if m.MemoryType == models.MemorySessionSummary {
				continue
			}
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}

	if subtype.Prompt != "" {
		b.WriteString(subtype.Prompt)
		b.WriteString("\n\n")
	}

	b.WriteString(memoryMarkerInstructions)

	return b.String(), nil
}

// memoryMarkerInstructions is appended to every system prompt so the model
// knows how to ask the engine to persist new knowledge.
const memoryMarkerInstructions = `When something is worth remembering, emit one of these markers in your
reply and it will be recorded and hidden from the visible response:
[DAILY_LOG: short note about today] for a log entry,
[REMEMBER: fact worth keeping] for a durable fact,
[REMEMBER_IMPORTANT: fact worth keeping] for a durable fact you should weigh heavily.
`

// visibleTools computes union(tools in subtype.tool_groups) ∪ tools
// referenced by enabled skills matching subtype.skill_tags ∪
// subtype.additional_tools. When ctx carries the read-only restriction (a
// safe_mode hook or a read-only sub-agent), only SafetyReadOnly tools
// survive the filter regardless of subtype.
func (d *Dispatcher) visibleTools(ctx context.Context, subtype models.AgentSubtype) []ToolSpec {
	groups := make(map[string]bool, len(subtype.ToolGroups))
	for _, g := range subtype.ToolGroups {
		groups[g] = true
	}
	names := make(map[string]bool, len(subtype.AdditionalTools))
	for _, n := range subtype.AdditionalTools {
		names[n] = true
	}

	if len(subtype.SkillTags) > 0 && d.skills != nil {
		tagSet := make(map[string]bool, len(subtype.SkillTags))
		for _, t := range subtype.SkillTags {
			tagSet[t] = true
		}
		for _, skill := range d.skills.List() {
			if !skill.Enabled {
				continue
			}
			if !skillMatchesTags(skill.Tags, tagSet) {
				continue
			}
			for _, t := range skill.RequiredTools {
				names[t] = true
			}
		}
	}

	readOnly := isReadOnly(ctx)
	var out []ToolSpec
	for _, def := range d.tools.List(false) {
		if readOnly && def.SafetyLevel != models.SafetyReadOnly {
			continue
		}
		if names[def.Name] || groups[string(def.Group)] {
			out = append(out, ToolSpec{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
		}
	}
	return out
}

// readOnlyCtxKey carries the read-only tool restriction through a turn's
// context: set for a sub-agent spawned with read_only=true, or for a hook
// whose frontmatter sets safe_mode: true.
type readOnlyCtxKey struct{}

func withReadOnly(ctx context.Context) context.Context {
	return context.WithValue(ctx, readOnlyCtxKey{}, true)
}

func isReadOnly(ctx context.Context) bool {
	v, _ := ctx.Value(readOnlyCtxKey{}).(bool)
	return v
}

func skillMatchesTags(skillTags []string, wanted map[string]bool) bool {
	for _, t := range skillTags {
		if wanted[t] {
			return true
		}
	}
	return false
}

// callLLM resolves a provider/model via the Router and issues a single
// synchronous completion request.
func (d *Dispatcher) callLLM(ctx context.Context, turn *turnState) (*CompletionResponse, error) {
	provider, model, ok := d.router.Resolve(turn.subtype.PreferredModel)
	if !ok {
		return nil, fmt.Errorf("no llm provider registered for model %q", model)
	}

	messages := append([]CompletionMessage{}, turn.history...)

	req := &CompletionRequest{
		Model:     model,
		System:    turn.systemPrompt,
		Messages:  messages,
		Tools:     turn.toolSpecs,
		MaxTokens: turn.cfg.MaxResponseTokens,
	}
	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider.Name(), err)
	}
	return resp, nil
}

// executeTools runs every tool call in order. It returns the tool-result
// messages to feed back to the model, or a non-nil pendingPause if a tool
// signaled payment_required/tx_queued.
func (d *Dispatcher) executeTools(ctx context.Context, cfg config.Config, identityID string, session *models.ChatSession, calls []ToolCall) ([]ToolResultMessage, *pendingPause, error) {
	tc := toolregistry.ToolContext{
		IdentityID:  identityID,
		SessionID:   session.SessionID,
		ChannelID:   session.ChannelID,
		Store:       d.store,
		Sessions:    d.sessions,
		Tools:       d.tools,
		Skills:      d.skills,
		Search:      d.search,
		Payment:     d.payment,
		Broadcaster: d.broadcaster,
		SubAgents:   d.subAgents,
		Wallet:      d.wallet,
		Register:    models.NewRegister(),
		HTTPClient:  http.DefaultClient,
	}

	results := make([]ToolResultMessage, 0, len(calls))
	for _, call := range calls {
		result, pause := d.executeOneTool(ctx, cfg, session, tc, call)
		results = append(results, ToolResultMessage{
			ToolCallID: call.ID,
			Content:    result.Content,
			IsError:    result.IsError,
		})
		if pause != nil {
			return results, pause, nil
		}
	}
	return results, nil, nil
}

// truncatedOutputLimit bounds how much tool output is echoed in the
// tool.result event, per spec §4.10.2's "output (truncated)".
const truncatedOutputLimit = 2000

func (d *Dispatcher) executeOneTool(ctx context.Context, cfg config.Config, session *models.ChatSession, tc toolregistry.ToolContext, call ToolCall) (result *toolregistry.ToolResult, pause *pendingPause) {
	start := time.Now()
	d.fireHook(ctx, session, hookmanager.EventToolBefore, map[string]any{"tool": call.Name})
	defer func() {
		if r := recover(); r != nil {
			result = &toolregistry.ToolResult{IsError: true, Content: fmt.Sprintf("tool panicked: %v", r)}
		}
		success := result == nil || !result.IsError
		var output any
		var metadata any
		if result != nil {
			output = truncate(result.Content, truncatedOutputLimit)
			if len(result.Metadata) > 0 {
				metadata = result.Metadata
			}
		}
		d.broadcaster.Broadcast(events.EventToolResult, map[string]any{
			"tool":        call.Name,
			"success":     success,
			"duration_ms": time.Since(start).Milliseconds(),
			"output":      output,
			"metadata":    metadata,
		})
		d.fireHook(ctx, session, hookmanager.EventToolAfter, map[string]any{
			"tool":    call.Name,
			"success": success,
		})
		if d.metrics != nil {
			outcome := "success"
			if !success {
				outcome = "error"
			}
			d.metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
			d.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
		}
	}()

	res, err := d.tools.Execute(ctx, call.Name, tc, call.Input)
	if err != nil {
		return &toolregistry.ToolResult{IsError: true, Content: err.Error()}, nil
	}

	if status, ok := res.Metadata["status"]; ok {
		switch status {
		case "payment_required":
			challengeID, _ := res.Metadata["challenge_id"].(string)
			return res, &pendingPause{
				status:  models.StatusWaitingForPayment,
				message: "This action requires payment to continue. " + challengeIDHint(challengeID),
			}
		case "tx_queued":
			// Rogue mode: tools that would otherwise pause for
			// confirmation proceed autonomously instead, per the
			// glossary and config.ModeRogue — the loop continues and
			// feeds the tool result back rather than pausing.
			if cfg.OperatingMode != config.ModeRogue {
				return res, &pendingPause{
					status:  models.StatusWaitingForTx,
					message: "A transaction has been queued and is awaiting confirmation before I can continue.",
				}
			}
		}
	}

	return res, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func challengeIDHint(id string) string {
	if id == "" {
		return "Please complete the payment flow and resend your message."
	}
	return fmt.Sprintf("Challenge %s is awaiting settlement; resend your message once it completes.", id)
}

// finalizeResponse extracts and strips memory markers, persists any
// resulting memories, appends the assistant message, and returns the
// clean user-visible result.
func (d *Dispatcher) finalizeResponse(ctx context.Context, identityID string, session *models.ChatSession, text string) (*DispatchResult, error) {
	markers, clean := extractMarkers(text)
	today := time.Now().Format("2006-01-02")

	for _, mk := range markers {
		mem := &models.Memory{
			MemoryType: models.MemoryType(mk.MemoryType),
			Content:    mk.Content,
			Importance: mk.Importance,
			IdentityID: identityID,
			SessionID:  &session.SessionID,
		}
		if mem.MemoryType == models.MemoryDailyLog {
			mem.LogDate = today
		}
		if err := d.store.CreateMemory(ctx, mem); err != nil {
			d.log.Warn(ctx, "failed to persist marker memory", "session_id", session.SessionID, "error", err)
		}
	}

	if _, err := d.store.AddSessionMessage(ctx, &models.SessionMessage{
		SessionID: session.SessionID,
		Role:      models.RoleAssistant,
		Content:   clean,
		CreatedAt: time.Now(),
	}); err != nil {
		d.log.Warn(ctx, "failed to persist assistant message", "session_id", session.SessionID, "error", err)
	}

	d.broadcaster.Broadcast(events.EventAgentResponse, map[string]any{
		"session_id": session.SessionID,
		"success":    true,
	})
	d.fireHook(ctx, session, hookmanager.EventTurnEnd, map[string]any{"response": clean})

	return &DispatchResult{Success: true, Content: clean, Status: models.StatusActive}, nil
}

func sessionMessageToCompletion(msg models.SessionMessage) CompletionMessage {
	cm := CompletionMessage{Role: string(msg.Role), Content: msg.Content}
	if msg.ToolCall != nil {
		raw, _ := json.Marshal(msg.ToolCall.Arguments)
		cm.ToolCalls = []ToolCall{{ID: msg.ToolCall.ID, Name: msg.ToolCall.Name, Input: raw}}
	}
	if msg.ToolResult != nil {
		cm.ToolResults = []ToolResultMessage{{
			ToolCallID: msg.ToolResult.ToolCallID,
			Content:    msg.ToolResult.Content,
			IsError:    !msg.ToolResult.Success,
		}}
	}
	return cm
}

// estimateTokens is a rough, provider-agnostic token estimate (≈4 chars per
// token) used only to drive the compaction thresholds, never billing.
func estimateTokens(s string) int {
	return len(s) / 4
}

func estimateHistoryTokens(history []CompletionMessage) int {
	total := 0
	for _, m := range history {
		total += estimateTokens(m.Content)
	}
	return total
}
