package models

import "time"

// SessionScope distinguishes a direct-message conversation from a group one.
type SessionScope string

const (
	ScopeDM    SessionScope = "dm"
	ScopeGroup SessionScope = "group"
)

// CompletionStatus is the lifecycle state of a ChatSession.
type CompletionStatus string

const (
	StatusActive           CompletionStatus = "active"
	StatusWaitingForPayment CompletionStatus = "waiting_for_payment"
	StatusWaitingForTx      CompletionStatus = "waiting_for_tx"
	StatusCompleted         CompletionStatus = "completed"
	StatusFailed            CompletionStatus = "failed"
	StatusCancelled         CompletionStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky absent an admin reset.
func (s CompletionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ChatSession is an ongoing conversation scoped to (channel_type, channel_id, chat_id).
type ChatSession struct {
	SessionID        int64            `json:"session_id"`
	ChannelType      string           `json:"channel_type"`
	ChannelID        string           `json:"channel_id"`
	ChatID           string           `json:"chat_id"`
	Scope            SessionScope     `json:"scope"`
	CompletionStatus CompletionStatus `json:"completion_status"`
	ContextTokens    int              `json:"context_tokens"`
	AgentSubtype     string           `json:"agent_subtype"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Role enumerates SessionMessage authorship.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCallPayload is the structured tool invocation an assistant message requested.
type ToolCallPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments map[string]any  `json:"arguments"`
}

// ToolResultPayload is the structured result of executing a ToolCallPayload.
type ToolResultPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Success    bool           `json:"success"`
	Content    string         `json:"content"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionMessage is one ordered message within a session.
type SessionMessage struct {
	SessionID         int64              `json:"session_id"`
	Position          int64              `json:"position"`
	Role              Role               `json:"role"`
	Content           string             `json:"content"`
	UserID            string             `json:"user_id,omitempty"`
	UserName          string             `json:"user_name,omitempty"`
	PlatformMessageID string             `json:"platform_message_id,omitempty"`
	ToolCall          *ToolCallPayload   `json:"tool_call,omitempty"`
	ToolResult        *ToolResultPayload `json:"tool_result,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// AgentContext is the per-session scratch the dispatcher mutates each turn.
type AgentContext struct {
	SessionID         int64          `json:"session_id"`
	Subtype           string         `json:"subtype"`
	IterationCount    int            `json:"iteration_count"`
	ModelOverride     string         `json:"model_override,omitempty"`
	NetworkOverride   string         `json:"network_override,omitempty"`
	PendingPayment    *PaymentPause  `json:"pending_payment,omitempty"`
	PendingTx         *TxPause      `json:"pending_tx,omitempty"`
	SubAgentChildren  []string       `json:"subagent_children,omitempty"`
}

// PaymentPause records why a turn is paused awaiting payment.
type PaymentPause struct {
	Reason      string `json:"reason"`
	ChallengeID string `json:"challenge_id"`
}

// TxPause records why a turn is paused awaiting on-chain confirmation.
type TxPause struct {
	UUID string `json:"uuid"`
}

// Register is a per-turn named scratch slot used by the tool layer to pass
// values between composite tool steps. It lives only for one dispatcher turn.
type Register map[string]any

func NewRegister() Register { return make(Register) }

func (r Register) Set(key string, value any) { r[key] = value }

func (r Register) Get(key string) (any, bool) {
	v, ok := r[key]
	return v, ok
}
