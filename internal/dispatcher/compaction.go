package dispatcher

import (
	"context"
	"fmt"

	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/pkg/models"
)

// compactionAction is what checkCompaction decided to do this turn, based
// on estimated context tokens relative to max_context_tokens.
type compactionAction int

const (
	compactionNone compactionAction = iota
	compactionBackground                // schedule a background summarization memory
	compactionAggressive                // compact in-line before the next turn
	compactionEmergency                 // drop oldest history aggressively
)

// checkCompaction classifies contextTokens against the three configured
// thresholds (background/aggressive/emergency).
func checkCompaction(contextTokens, maxContextTokens int, cfg config.CompactionConfig) compactionAction {
	if maxContextTokens <= 0 {
		return compactionNone
	}
	ratio := float64(contextTokens) / float64(maxContextTokens)
	switch {
	case ratio >= cfg.EmergencyThreshold:
		return compactionEmergency
	case ratio >= cfg.AggressiveThreshold:
		return compactionAggressive
	case ratio >= cfg.BackgroundThreshold:
		return compactionBackground
	default:
		return compactionNone
	}
}

// applyEmergencyCompaction drops the oldest history aggressively, keeping
// only the most recent keep messages. It never drops the newest user turn.
func applyEmergencyCompaction(history []CompletionMessage, keep int) []CompletionMessage {
	if keep <= 0 || len(history) <= keep {
		return history
	}
	return history[len(history)-keep:]
}

// scheduleBackgroundSummary writes a session_summary memory noting that
// compaction is approaching for identityID/sessionID, so the background
// association loop picks it up. buildSystemPrompt does not include
// session-summary memories. It never fails the turn — a write error is
// logged and swallowed by the caller.
func (d *Dispatcher) scheduleBackgroundSummary(ctx context.Context, identityID string, sessionID int64, history []CompletionMessage) error {
	summary := summarizeOldest(history, backgroundSummaryMessageCount)
	mem := &models.Memory{
		MemoryType: models.MemorySessionSummary,
		Content:    summary,
		Importance: 4,
		IdentityID: identityID,
		SessionID:  &sessionID,
	}
	return d.store.CreateMemory(ctx, mem)
}

const backgroundSummaryMessageCount = 10

func summarizeOldest(history []CompletionMessage, n int) string {
	if n > len(history) {
		n = len(history)
	}
	out := ""
	for _, m := range history[:n] {
		out += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return out
}
