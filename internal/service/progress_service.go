// file: internal/service/progress_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const dateLayout = "2006-01-02"

// ProgressService 汇总学习数据并维护连续学习天数
type ProgressService struct {
	db    port.Database
	guard port.SchemaGuard
	now   func() time.Time
}

func NewProgressService(db port.Database, guard port.SchemaGuard) *ProgressService {
	return &ProgressService{db: db, guard: guard, now: time.Now}
}

// Refresh 重新计算进度并写回 user_progress，同时颁发达成的里程碑成就
func (s *ProgressService) Refresh(ctx context.Context, userID int64) (domain.Progress, error) {
	if err := s.guard.Ensure(ctx,
		"study_list", "chat_sessions", "quiz_results", "quiz_results_enhanced", "user_progress", "achievements"); err != nil {
		return domain.Progress{}, err
	}
	today := s.now()

	var p domain.Progress
	err := s.db.WithTx(ctx, func(tx port.Session) error {
		var err error
		if p, err = collectProgress(ctx, tx, userID, today); err != nil {
			return err
		}
		if _, err = tx.ExecuteWrite(ctx,
			`INSERT OR REPLACE INTO user_progress (user_id, words_learned, conversation_count, accuracy_rate, daily_streak, last_activity_date, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			userID, p.WordsLearned, p.ConversationCount, p.AccuracyRate, p.DailyStreak, p.LastActivityDate); err != nil {
			return err
		}
		p.NewAchievements, err = awardMilestones(ctx, tx, userID, p)
		return err
	})
	if err != nil {
		return domain.Progress{}, fmt.Errorf("更新用户 %d 学习进度失败: %w", userID, err)
	}
	for _, a := range p.NewAchievements {
		slog.Info("用户解锁成就", "user_id", userID, "achievement", a.Type)
	}
	return p, nil
}

func collectProgress(ctx context.Context, tx port.Session, userID int64, today time.Time) (domain.Progress, error) {
	var p domain.Progress

	row, _, err := tx.ExecuteOne(ctx, "SELECT COUNT(*) AS n FROM study_list WHERE user_id = ?", userID)
	if err != nil {
		return p, err
	}
	p.WordsLearned = rowInt(row, "n")

	row, _, err = tx.ExecuteOne(ctx, "SELECT COUNT(DISTINCT session_id) AS n FROM chat_sessions WHERE user_id = ?", userID)
	if err != nil {
		return p, err
	}
	p.ConversationCount = rowInt(row, "n")

	var score, total float64
	for _, table := range []string{"quiz_results_enhanced", "quiz_results"} {
		row, _, err = tx.ExecuteOne(ctx,
			"SELECT COALESCE(SUM(score), 0) AS score, COALESCE(SUM(total), 0) AS total FROM "+table+" WHERE user_id = ?", userID)
		if err != nil {
			return p, err
		}
		if row != nil {
			score += row.Float64("score", 0)
			total += row.Float64("total", 0)
		}
	}
	if total > 0 {
		p.AccuracyRate = round2(score / total * 100)
	}

	var prevStreak int64
	var last time.Time
	row, ok, err := tx.ExecuteOne(ctx, "SELECT daily_streak, last_activity_date FROM user_progress WHERE user_id = ?", userID)
	if err != nil {
		return p, err
	}
	if ok {
		prevStreak = row.Int64("daily_streak", 0)
		last = row.Time("last_activity_date", time.Time{})
	}
	p.DailyStreak = nextStreak(prevStreak, last, today)
	p.LastActivityDate = today.Format(dateLayout)
	p.ProgressPercentage = progressPercentage(p)
	return p, nil
}

// nextStreak 昨天有活动则加一，今天已有活动保持不变，否则从 1 重新开始
func nextStreak(prev int64, last, today time.Time) int64 {
	if last.IsZero() {
		return 1
	}
	switch daysBetween(last, today) {
	case 1:
		return prev + 1
	case 0:
		return max(prev, 1)
	default:
		return 1
	}
}

func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// progressPercentage 单词 0.4、对话 0.3、正确率 0.3 加权，封顶 100
func progressPercentage(p domain.Progress) float64 {
	v := float64(p.WordsLearned)*0.4 + float64(p.ConversationCount)*0.3 + p.AccuracyRate*0.3
	return round2(math.Min(100, v))
}

func rowInt(r port.Row, name string) int64 {
	if r == nil {
		return 0
	}
	return r.Int64(name, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
