// file: internal/service/chat_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatService 管理对话练习会话与消息
type ChatService struct {
	db    port.Database
	guard port.SchemaGuard
}

func NewChatService(db port.Database, guard port.SchemaGuard) *ChatService {
	return &ChatService{db: db, guard: guard}
}

func (s *ChatService) ensure(ctx context.Context) error {
	return s.guard.Ensure(ctx, "chat_sessions", "chat_messages")
}

// CreateSession 新建会话，会话 ID 为随机 UUID
func (s *ChatService) CreateSession(ctx context.Context, userID int64, language string) (domain.ChatSession, error) {
	if err := s.ensure(ctx); err != nil {
		return domain.ChatSession{}, err
	}
	id := uuid.NewString()
	language = normalizeLanguage(language)
	if _, err := s.db.ExecuteWrite(ctx,
		"INSERT INTO chat_sessions (session_id, user_id, language) VALUES (?, ?, ?)",
		id, userID, language); err != nil {
		return domain.ChatSession{}, fmt.Errorf("创建会话失败: %w", err)
	}
	now := time.Now().UTC()
	return domain.ChatSession{ID: id, Language: language, StartedAt: now, LastMessageAt: now}, nil
}

// ownsSession 确认会话属于该用户
func ownsSession(ctx context.Context, tx port.Session, userID int64, sessionID string) error {
	_, ok, err := tx.ExecuteOne(ctx, "SELECT session_id FROM chat_sessions WHERE session_id = ? AND user_id = ?", sessionID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return port.ErrNotFound
	}
	return nil
}

// AppendMessage 记录一轮问答并刷新会话的最后活跃时间
func (s *ChatService) AppendMessage(ctx context.Context, userID int64, sessionID, message, botResponse string) (domain.ChatMessage, error) {
	if strings.TrimSpace(message) == "" {
		return domain.ChatMessage{}, fmt.Errorf("消息内容为空: %w", port.ErrInvalidInput)
	}
	if err := s.ensure(ctx); err != nil {
		return domain.ChatMessage{}, err
	}

	var msg domain.ChatMessage
	err := s.db.WithTx(ctx, func(tx port.Session) error {
		if err := ownsSession(ctx, tx, userID, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecuteWrite(ctx,
			"INSERT INTO chat_messages (session_id, message, bot_response) VALUES (?, ?, ?)",
			sessionID, message, botResponse); err != nil {
			return err
		}
		if _, err := tx.ExecuteWrite(ctx,
			"UPDATE chat_sessions SET last_message_at = CURRENT_TIMESTAMP WHERE session_id = ?", sessionID); err != nil {
			return err
		}
		row, ok, err := tx.ExecuteOne(ctx,
			"SELECT id, message, bot_response, timestamp FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID)
		if err != nil {
			return err
		}
		if ok {
			msg = messageFromRow(row)
		}
		return nil
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("写入会话消息失败: %w", err)
	}
	return msg, nil
}

// Sessions 按最后活跃时间倒序列出会话
func (s *ChatService) Sessions(ctx context.Context, userID int64) ([]domain.ChatSession, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Execute(ctx, `
		SELECT s.session_id, s.language, s.started_at, s.last_message_at, COUNT(m.id) AS message_count
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.session_id
		WHERE s.user_id = ?
		GROUP BY s.session_id, s.language, s.started_at, s.last_message_at
		ORDER BY s.last_message_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("读取会话列表失败: %w", err)
	}
	out := make([]domain.ChatSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ChatSession{
			ID:            r.String("session_id", ""),
			Language:      r.String("language", defaultLanguage),
			StartedAt:     r.Time("started_at", time.Time{}),
			LastMessageAt: r.Time("last_message_at", time.Time{}),
			MessageCount:  r.Int64("message_count", 0),
		})
	}
	return out, nil
}

// Messages 按时间顺序返回会话内的消息
func (s *ChatService) Messages(ctx context.Context, userID int64, sessionID string) ([]domain.ChatMessage, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	var out []domain.ChatMessage
	err := s.db.WithTx(ctx, func(tx port.Session) error {
		if err := ownsSession(ctx, tx, userID, sessionID); err != nil {
			return err
		}
		rows, err := tx.Execute(ctx,
			"SELECT id, message, bot_response, timestamp FROM chat_messages WHERE session_id = ? ORDER BY id", sessionID)
		if err != nil {
			return err
		}
		out = make([]domain.ChatMessage, 0, len(rows))
		for _, r := range rows {
			out = append(out, messageFromRow(r))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取会话消息失败: %w", err)
	}
	return out, nil
}

// DeleteSession 删除会话及其全部消息
func (s *ChatService) DeleteSession(ctx context.Context, userID int64, sessionID string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	err := s.db.WithTx(ctx, func(tx port.Session) error {
		if err := ownsSession(ctx, tx, userID, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecuteWrite(ctx, "DELETE FROM chat_messages WHERE session_id = ?", sessionID); err != nil {
			return err
		}
		_, err := tx.ExecuteWrite(ctx, "DELETE FROM chat_sessions WHERE session_id = ? AND user_id = ?", sessionID, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	return nil
}

func messageFromRow(r port.Row) domain.ChatMessage {
	return domain.ChatMessage{
		ID:          r.Int64("id", 0),
		Message:     r.String("message", ""),
		BotResponse: r.String("bot_response", ""),
		Timestamp:   r.Time("timestamp", time.Time{}),
	}
}
