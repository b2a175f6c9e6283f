// file: internal/service/achievement_service_test.go
package service

import (
	"LinguaLearn/internal/adapter/database"
	"LinguaLearn/internal/core/domain"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopGuard struct{}

func (noopGuard) Ensure(context.Context, ...string) error { return nil }

func TestAchievementService_AwardAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	uid := seedUser(t, st, "frank")
	svc := NewAchievementService(st.DB, st.Reconciler)

	a := domain.Achievement{Type: "first_quiz", Name: "First Steps", Description: "Finished a quiz"}
	ok, err := svc.Award(ctx, uid, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Award(ctx, uid, a)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := svc.List(ctx, uid)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "First Steps", list[0].Name)
	assert.Equal(t, "Finished a quiz", list[0].Description)
	assert.False(t, list[0].EarnedAt.IsZero())
}

// 没有结构修复回调且成就表缺少描述列时，退回按类型查询并补全默认值
func TestAchievementService_ListLegacyFallback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })

	for _, stmt := range []string{
		`CREATE TABLE achievements (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER NOT NULL, achievement_type TEXT, earned_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
		`INSERT INTO achievements (user_id, achievement_type) VALUES (7, 'streak_7')`,
		`INSERT INTO achievements (user_id, achievement_type) VALUES (7, NULL)`,
	} {
		_, err := raw.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	sel := database.NewFixedSelector(&database.Backend{
		Descriptor: domain.BackendDescriptor{Kind: domain.BackendLocalEmbedded, Location: path},
		DB:         raw,
	})
	svc := NewAchievementService(database.NewFacade(sel, nil, database.WithRetryBackoff(0)), noopGuard{})

	list, err := svc.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byType := map[string]domain.Achievement{}
	for _, a := range list {
		byType[a.Type] = a
	}
	assert.Equal(t, "streak_7", byType["streak_7"].Name)
	assert.Equal(t, "Achievement: streak_7", byType["streak_7"].Description)
	assert.Equal(t, unknownAchievement, byType[""].Name)
	assert.Equal(t, "Achievement: Unknown Achievement", byType[""].Description)
}
