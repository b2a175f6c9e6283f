// file: internal/service/notification_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"
	"time"
)

const insertNotificationSQL = "INSERT INTO notifications (user_id, message) VALUES (?, ?)"

// NotificationService 管理站内通知
type NotificationService struct {
	db    port.Database
	guard port.SchemaGuard
}

func NewNotificationService(db port.Database, guard port.SchemaGuard) *NotificationService {
	return &NotificationService{db: db, guard: guard}
}

func (s *NotificationService) Add(ctx context.Context, userID int64, message string) error {
	if err := s.guard.Ensure(ctx, "notifications"); err != nil {
		return err
	}
	if _, err := s.db.ExecuteWrite(ctx, insertNotificationSQL, userID, message); err != nil {
		return fmt.Errorf("写入通知失败: %w", err)
	}
	return nil
}

// List 按时间倒序返回通知
func (s *NotificationService) List(ctx context.Context, userID int64, unreadOnly bool) ([]domain.Notification, error) {
	if err := s.guard.Ensure(ctx, "notifications"); err != nil {
		return nil, err
	}
	query := "SELECT id, message, timestamp, is_read FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY timestamp DESC, id DESC"

	rows, err := s.db.Execute(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("读取通知失败: %w", err)
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Notification{
			ID:        r.Int64("id", 0),
			Message:   r.String("message", ""),
			Timestamp: r.Time("timestamp", time.Time{}),
			IsRead:    r.Bool("is_read", false),
		})
	}
	return out, nil
}

// MarkRead 标记单条通知为已读
func (s *NotificationService) MarkRead(ctx context.Context, userID, id int64) error {
	if err := s.guard.Ensure(ctx, "notifications"); err != nil {
		return err
	}
	n, err := s.db.ExecuteWrite(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("标记通知已读失败: %w", err)
	}
	if n == 0 {
		return port.ErrNotFound
	}
	return nil
}

// MarkAllRead 返回被标记的通知数量
func (s *NotificationService) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	if err := s.guard.Ensure(ctx, "notifications"); err != nil {
		return 0, err
	}
	n, err := s.db.ExecuteWrite(ctx, "UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("标记全部通知已读失败: %w", err)
	}
	return n, nil
}
