// file: internal/service/quiz_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// QuizService 记录测验结果
type QuizService struct {
	db    port.Database
	guard port.SchemaGuard
}

func NewQuizService(db port.Database, guard port.SchemaGuard) *QuizService {
	return &QuizService{db: db, guard: guard}
}

// Record 在一个事务中写入详细结果表、旧版结果表，并发送一条通知
func (s *QuizService) Record(ctx context.Context, userID int64, q domain.QuizOutcome) (domain.QuizResult, error) {
	if q.Total <= 0 || q.Correct < 0 || q.Correct > q.Total {
		return domain.QuizResult{}, fmt.Errorf("测验得分 %d/%d 不合法: %w", q.Correct, q.Total, port.ErrInvalidInput)
	}
	if err := s.guard.Ensure(ctx, "quiz_results_enhanced", "quiz_results", "notifications"); err != nil {
		return domain.QuizResult{}, err
	}

	res := scoreQuiz(q)
	language := normalizeLanguage(q.Language)
	difficulty := strings.ToLower(strings.TrimSpace(q.Difficulty))
	details := q.Details
	if details == "" {
		details = "[]"
	}
	passed := boolInt(res.Passed)

	err := s.db.WithTx(ctx, func(tx port.Session) error {
		if _, err := tx.ExecuteWrite(ctx,
			`INSERT INTO quiz_results_enhanced (user_id, language, difficulty, score, total, percentage, passed, question_details, points_earned, streak_bonus, time_bonus)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, language, difficulty, q.Correct, q.Total, res.Percentage, passed, details,
			res.PointsEarned, res.StreakBonus, res.TimeBonus); err != nil {
			return err
		}
		if _, err := tx.ExecuteWrite(ctx,
			"INSERT INTO quiz_results (user_id, language, difficulty, score, total, percentage, passed) VALUES (?, ?, ?, ?, ?, ?, ?)",
			userID, language, capitalize(difficulty), q.Correct, q.Total, res.Percentage, passed); err != nil {
			return err
		}
		msg := fmt.Sprintf("You scored %d/%d (%.0f%%) in %s %s quiz", q.Correct, q.Total, res.Percentage, capitalize(language), difficulty)
		_, err := tx.ExecuteWrite(ctx, insertNotificationSQL, userID, msg)
		return err
	})
	if err != nil {
		return domain.QuizResult{}, fmt.Errorf("记录测验结果失败: %w", err)
	}
	return res, nil
}

// scoreQuiz 60 秒内完成与连续答对各有 5 分奖励
func scoreQuiz(q domain.QuizOutcome) domain.QuizResult {
	res := domain.QuizResult{
		Percentage:   math.Round(q.Percentage()*100) / 100,
		Passed:       q.Correct == q.Total,
		PointsEarned: q.Points,
	}
	if q.TimeTaken > 0 && q.TimeTaken < 60 {
		res.TimeBonus = 5
	}
	if q.Streak > 1 {
		res.StreakBonus = 5
	}
	return res
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
