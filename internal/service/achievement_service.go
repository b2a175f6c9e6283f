// file: internal/service/achievement_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const unknownAchievement = "Unknown Achievement"

const awardSQL = "INSERT OR IGNORE INTO achievements (user_id, achievement_type, achievement_name, description) VALUES (?, ?, ?, ?)"

// milestone 是由学习进度自动解锁的成就
type milestone struct {
	domain.Achievement
	reached func(p domain.Progress) bool
}

var milestones = []milestone{
	{
		Achievement: domain.Achievement{Type: "words_10", Name: "Word Collector", Description: "Learned 10 words"},
		reached:     func(p domain.Progress) bool { return p.WordsLearned >= 10 },
	},
	{
		Achievement: domain.Achievement{Type: "streak_7", Name: "Consistent Learner", Description: "7-day learning streak"},
		reached:     func(p domain.Progress) bool { return p.DailyStreak >= 7 },
	},
}

// AchievementService 读取与颁发成就。老版本的成就表可能缺少名称与描述列。
type AchievementService struct {
	db    port.Database
	guard port.SchemaGuard
}

func NewAchievementService(db port.Database, guard port.SchemaGuard) *AchievementService {
	return &AchievementService{db: db, guard: guard}
}

// List 返回用户全部成就。描述列无法补齐时退回只按类型查询。
func (s *AchievementService) List(ctx context.Context, userID int64) ([]domain.Achievement, error) {
	if err := s.guard.Ensure(ctx, "achievements"); err != nil && !errors.Is(err, port.ErrSchemaMismatch) {
		return nil, err
	}
	rows, err := s.db.Execute(ctx,
		"SELECT achievement_type, achievement_name, description, earned_at FROM achievements WHERE user_id = ? ORDER BY earned_at DESC, id DESC",
		userID)
	if errors.Is(err, port.ErrSchemaMismatch) {
		slog.Warn("成就表缺少描述列，使用类型查询", "table", "achievements", "error", err)
		rows, err = s.db.Execute(ctx,
			"SELECT achievement_type, earned_at FROM achievements WHERE user_id = ? ORDER BY earned_at DESC, id DESC",
			userID)
	}
	if err != nil {
		return nil, fmt.Errorf("读取成就失败: %w", err)
	}

	out := make([]domain.Achievement, 0, len(rows))
	for _, r := range rows {
		out = append(out, achievementFromRow(r))
	}
	return out, nil
}

func achievementFromRow(r port.Row) domain.Achievement {
	typ := r.String("achievement_type", "")
	name := typ
	if name == "" {
		name = unknownAchievement
	}
	return domain.Achievement{
		Type:        typ,
		Name:        r.String("achievement_name", name),
		Description: r.String("description", "Achievement: "+name),
		EarnedAt:    r.Time("earned_at", time.Time{}),
	}
}

// Award 颁发成就，已拥有时返回 false
func (s *AchievementService) Award(ctx context.Context, userID int64, a domain.Achievement) (bool, error) {
	if err := s.guard.Ensure(ctx, "achievements"); err != nil {
		return false, err
	}
	n, err := s.db.ExecuteWrite(ctx, awardSQL, userID, a.Type, a.Name, a.Description)
	if err != nil {
		return false, fmt.Errorf("颁发成就 %s 失败: %w", a.Type, err)
	}
	return n > 0, nil
}

// awardMilestones 在事务内颁发已达成的里程碑，返回本次新解锁的成就
func awardMilestones(ctx context.Context, tx port.Session, userID int64, p domain.Progress) ([]domain.Achievement, error) {
	var unlocked []domain.Achievement
	for _, m := range milestones {
		if !m.reached(p) {
			continue
		}
		n, err := tx.ExecuteWrite(ctx, awardSQL, userID, m.Type, m.Name, m.Description)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			unlocked = append(unlocked, m.Achievement)
		}
	}
	return unlocked, nil
}
