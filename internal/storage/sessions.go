package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

// GetOrCreateChatSession returns the single active session for the given
// (channelType, channelID, chatID), creating one if none is active.
func (s *sqlStore) GetOrCreateChatSession(ctx context.Context, channelType, channelID, chatID string, scope models.SessionScope) (*models.ChatSession, error) {
	row := s.queryRow(ctx, `SELECT session_id, channel_type, channel_id, chat_id, scope, completion_status, context_tokens, agent_subtype, created_at, updated_at
		FROM chat_sessions WHERE channel_type = ? AND channel_id = ? AND chat_id = ? AND completion_status = 'active'`, channelType, channelID, chatID)
	sess, err := scanSession(row)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, sql.ErrNoRows):
		// create
	default:
		return nil, observability.Internal(err)
	}

	now := time.Now()
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO chat_sessions
			(channel_type, channel_id, chat_id, scope, completion_status, context_tokens, agent_subtype, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'active', 0, '', ?, ?)`), channelType, channelID, chatID, string(scope), now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, observability.Internal(err)
	}
	return &models.ChatSession{
		SessionID: id, ChannelType: channelType, ChannelID: channelID, ChatID: chatID,
		Scope: scope, CompletionStatus: models.StatusActive, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func scanSession(row *sql.Row) (*models.ChatSession, error) {
	var sess models.ChatSession
	var scope, status string
	if err := row.Scan(&sess.SessionID, &sess.ChannelType, &sess.ChannelID, &sess.ChatID, &scope, &status,
		&sess.ContextTokens, &sess.AgentSubtype, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Scope = models.SessionScope(scope)
	sess.CompletionStatus = models.CompletionStatus(status)
	return &sess, nil
}

func (s *sqlStore) GetChatSession(ctx context.Context, sessionID int64) (*models.ChatSession, error) {
	row := s.queryRow(ctx, `SELECT session_id, channel_type, channel_id, chat_id, scope, completion_status, context_tokens, agent_subtype, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, observability.NotFound("session not found")
		}
		return nil, observability.Internal(err)
	}
	return sess, nil
}

// AddSessionMessage appends at the next dense, gap-free position,
// guaranteed by running the max-position read and insert inside the same
// write-locked transaction.
func (s *sqlStore) AddSessionMessage(ctx context.Context, msg *models.SessionMessage) (int64, error) {
	var position int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(position), 0) FROM session_messages WHERE session_id = ?`), msg.SessionID)
		var maxPos int64
		if err := row.Scan(&maxPos); err != nil {
			return err
		}
		position = maxPos + 1

		var toolCallJSON, toolResultJSON []byte
		if msg.ToolCall != nil {
			toolCallJSON, _ = json.Marshal(msg.ToolCall)
		}
		if msg.ToolResult != nil {
			toolResultJSON, _ = json.Marshal(msg.ToolResult)
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO session_messages
			(session_id, position, role, content, user_id, user_name, platform_message_id, tool_call, tool_result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			msg.SessionID, position, string(msg.Role), msg.Content, msg.UserID, msg.UserName, msg.PlatformMessageID,
			nullableJSON(toolCallJSON), nullableJSON(toolResultJSON), msg.CreatedAt)
		return err
	})
	if err != nil {
		return 0, observability.Internal(err)
	}
	msg.Position = position
	return position, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// GetRecentSessionMessages returns the last limit messages in chronological order.
func (s *sqlStore) GetRecentSessionMessages(ctx context.Context, sessionID int64, limit int) ([]models.SessionMessage, error) {
	rows, err := s.query(ctx, `SELECT session_id, position, role, content, user_id, user_name, platform_message_id, tool_call, tool_result, created_at
		FROM session_messages WHERE session_id = ? ORDER BY position DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var out []models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		var role string
		var toolCall, toolResult sql.NullString
		if err := rows.Scan(&m.SessionID, &m.Position, &role, &m.Content, &m.UserID, &m.UserName, &m.PlatformMessageID,
			&toolCall, &toolResult, &m.CreatedAt); err != nil {
			return nil, observability.Internal(err)
		}
		m.Role = models.Role(role)
		if toolCall.Valid {
			var tc models.ToolCallPayload
			if json.Unmarshal([]byte(toolCall.String), &tc) == nil {
				m.ToolCall = &tc
			}
		}
		if toolResult.Valid {
			var tr models.ToolResultPayload
			if json.Unmarshal([]byte(toolResult.String), &tr) == nil {
				m.ToolResult = &tr
			}
		}
		out = append(out, m)
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateSessionCompletionStatus(ctx context.Context, sessionID int64, status models.CompletionStatus) error {
	_, err := s.exec(ctx, `UPDATE chat_sessions SET completion_status = ?, updated_at = ? WHERE session_id = ?`, string(status), time.Now(), sessionID)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

func (s *sqlStore) UpdateSessionContextTokens(ctx context.Context, sessionID int64, tokens int) error {
	_, err := s.exec(ctx, `UPDATE chat_sessions SET context_tokens = ?, updated_at = ? WHERE session_id = ?`, tokens, time.Now(), sessionID)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

// CleanupStaleActiveSessions transitions dangling active rows to failed.
func (s *sqlStore) CleanupStaleActiveSessions(ctx context.Context, maxMinutesWithoutUpdate int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(maxMinutesWithoutUpdate) * time.Minute)
	res, err := s.exec(ctx, `UPDATE chat_sessions SET completion_status = 'failed', updated_at = ? WHERE completion_status = 'active' AND updated_at < ?`, time.Now(), cutoff)
	if err != nil {
		return 0, observability.Internal(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupExcessSessions FIFO-deletes oldest non-active sessions beyond maxTotal.
func (s *sqlStore) CleanupExcessSessions(ctx context.Context, maxTotal int) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM chat_sessions`))
		var total int
		if err := row.Scan(&total); err != nil {
			return err
		}
		excess := total - maxTotal
		if excess <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_sessions WHERE session_id IN (
			SELECT session_id FROM chat_sessions WHERE completion_status != 'active' ORDER BY updated_at ASC LIMIT ?)`), excess)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, observability.Internal(err)
	}
	return deleted, nil
}

// CompleteAndRotateSession implements /reset: the current session
// transitions to completed; history is never deleted. The next inbound
// message lazily creates a fresh active session via GetOrCreateChatSession.
func (s *sqlStore) CompleteAndRotateSession(ctx context.Context, sessionID int64) error {
	return s.UpdateSessionCompletionStatus(ctx, sessionID, models.StatusCompleted)
}
