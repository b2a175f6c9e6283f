// file: internal/service/study_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultLanguage = "english"

// StudyListService 管理用户的生词本
type StudyListService struct {
	db    port.Database
	guard port.SchemaGuard
}

func NewStudyListService(db port.Database, guard port.SchemaGuard) *StudyListService {
	return &StudyListService{db: db, guard: guard}
}

// Add 批量加入单词，已存在的单词被忽略。返回实际新增的数量。
func (s *StudyListService) Add(ctx context.Context, userID int64, words []string, language string) (int64, error) {
	if err := s.guard.Ensure(ctx, "study_list"); err != nil {
		return 0, err
	}
	language = normalizeLanguage(language)

	seen := make(map[string]struct{}, len(words))
	clean := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		clean = append(clean, w)
	}
	if len(clean) == 0 {
		return 0, fmt.Errorf("没有可添加的单词: %w", port.ErrInvalidInput)
	}

	var added int64
	err := s.db.WithTx(ctx, func(tx port.Session) error {
		added = 0
		for _, w := range clean {
			n, err := tx.ExecuteWrite(ctx,
				"INSERT OR IGNORE INTO study_list (user_id, word, language) VALUES (?, ?, ?)",
				userID, w, language)
			if err != nil {
				return err
			}
			added += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("添加生词失败: %w", err)
	}
	return added, nil
}

// List 返回生词本，language 为空时返回全部语言
func (s *StudyListService) List(ctx context.Context, userID int64, language string) ([]domain.StudyWord, error) {
	if err := s.guard.Ensure(ctx, "study_list"); err != nil {
		return nil, err
	}
	query := "SELECT id, word, language, note, added_at FROM study_list WHERE user_id = ?"
	args := []any{userID}
	if language = strings.TrimSpace(language); language != "" {
		query += " AND language = ?"
		args = append(args, normalizeLanguage(language))
	}
	query += " ORDER BY added_at DESC, id DESC"

	rows, err := s.db.Execute(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("读取生词本失败: %w", err)
	}
	out := make([]domain.StudyWord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.StudyWord{
			ID:       r.Int64("id", 0),
			Word:     r.String("word", ""),
			Language: r.String("language", defaultLanguage),
			Note:     r.String("note", ""),
			AddedAt:  r.Time("added_at", time.Time{}),
		})
	}
	return out, nil
}

// SetNote 为单词添加或修改备注
func (s *StudyListService) SetNote(ctx context.Context, userID int64, word, note string) error {
	if err := s.guard.Ensure(ctx, "study_list"); err != nil {
		return err
	}
	n, err := s.db.ExecuteWrite(ctx,
		"UPDATE study_list SET note = ? WHERE user_id = ? AND word = ?",
		strings.TrimSpace(note), userID, strings.TrimSpace(word))
	if err != nil {
		return fmt.Errorf("更新单词备注失败: %w", err)
	}
	if n == 0 {
		return port.ErrNotFound
	}
	return nil
}

// Remove 从生词本中删除单词
func (s *StudyListService) Remove(ctx context.Context, userID int64, word string) error {
	if err := s.guard.Ensure(ctx, "study_list"); err != nil {
		return err
	}
	n, err := s.db.ExecuteWrite(ctx,
		"DELETE FROM study_list WHERE user_id = ? AND word = ?",
		userID, strings.TrimSpace(word))
	if err != nil {
		return fmt.Errorf("删除生词失败: %w", err)
	}
	if n == 0 {
		return port.ErrNotFound
	}
	return nil
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return defaultLanguage
	}
	return lang
}
