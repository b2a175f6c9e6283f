// Package domain file: internal/core/domain/learning_models.go
package domain

import "time"

// User 是对外可见的用户资料，不包含密码哈希与安全问题答案
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	IsAdmin        bool   `json:"is_admin"`
	IsActive       bool   `json:"is_active"`
	Name           string `json:"name"`
	Bio            string `json:"bio"`
	Phone          string `json:"phone"`
	Location       string `json:"location"`
	Website        string `json:"website"`
	Avatar         string `json:"avatar"`
	Timezone       string `json:"timezone"`
	DatetimeFormat string `json:"datetime_format"`
	DarkMode       bool   `json:"dark_mode"`
}

// ProfileUpdate 使用指针以区分“未提供”与“清空”
type ProfileUpdate struct {
	Name           *string `json:"name"`
	Bio            *string `json:"bio"`
	Phone          *string `json:"phone"`
	Location       *string `json:"location"`
	Website        *string `json:"website"`
	Avatar         *string `json:"avatar"`
	Timezone       *string `json:"timezone"`
	DatetimeFormat *string `json:"datetime_format"`
	DarkMode       *bool   `json:"dark_mode"`
}

// StudyWord 是学习列表中的一个单词
type StudyWord struct {
	ID       int64     `json:"id"`
	Word     string    `json:"word"`
	Language string    `json:"language"`
	Note     string    `json:"note"`
	AddedAt  time.Time `json:"added_at"`
}

// Achievement 是用户已解锁的成就
type Achievement struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	EarnedAt    time.Time `json:"earned_at"`
}

// QuizOutcome 是一次测验的提交结果
type QuizOutcome struct {
	Language   string `json:"language" binding:"required"`
	Difficulty string `json:"difficulty" binding:"required"`
	Correct    int    `json:"correct" binding:"gte=0"`
	Total      int    `json:"total" binding:"required,gt=0"`
	Details    string `json:"details"`
	Points     int    `json:"points"`
	Streak     int    `json:"streak"`
	TimeTaken  int    `json:"time_taken"` // 秒
}

// Percentage 返回正确率百分比
func (q QuizOutcome) Percentage() float64 {
	if q.Total <= 0 {
		return 0
	}
	return float64(q.Correct) / float64(q.Total) * 100
}

// Progress 是用户学习进度的快照
type Progress struct {
	WordsLearned       int64         `json:"words_learned"`
	ConversationCount  int64         `json:"conversation_count"`
	AccuracyRate       float64       `json:"accuracy_rate"`
	DailyStreak        int64         `json:"daily_streak"`
	LastActivityDate   string        `json:"last_activity_date"`
	ProgressPercentage float64       `json:"progress_percentage"`
	NewAchievements    []Achievement `json:"new_achievements,omitempty"`
}

// ChatSession 是一次语言对话会话
type ChatSession struct {
	ID            string    `json:"session_id"`
	Language      string    `json:"language"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int64     `json:"message_count"`
}

// ChatMessage 是会话中的一轮问答
type ChatMessage struct {
	ID          int64     `json:"id"`
	Message     string    `json:"message"`
	BotResponse string    `json:"bot_response"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notification 是站内通知
type Notification struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}

// HealthReport 是 /health 的输出
type HealthReport struct {
	Status        string            `json:"status"`
	Backend       BackendDescriptor `json:"backend"`
	Users         int64             `json:"users"`
	QuizQuestions int64             `json:"quiz_questions"`
	Admins        int64             `json:"admins"`
}

// DatabaseReport 是管理端数据库诊断的输出
type DatabaseReport struct {
	Backend           BackendDescriptor `json:"backend"`
	Tables            []string          `json:"tables"`
	Admins            []User            `json:"admins"`
	QuestionsByLang   map[string]int64  `json:"questions_by_language"`
	ConsistencyIssues []string          `json:"consistency_issues"`
}

// Registration 是注册请求
type Registration struct {
	Username       string `json:"username" binding:"required,min=3,max=64"`
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"required,min=6"`
	SecurityAnswer string `json:"security_answer" binding:"required"`
}

// Credentials 是登录请求
type Credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// QuizResult 是记录测验后计算出的结果
type QuizResult struct {
	Percentage   float64 `json:"percentage"`
	Passed       bool    `json:"passed"`
	PointsEarned int     `json:"points_earned"`
	StreakBonus  int     `json:"streak_bonus"`
	TimeBonus    int     `json:"time_bonus"`
}
