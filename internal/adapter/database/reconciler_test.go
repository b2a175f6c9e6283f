// file: internal/adapter/database/reconciler_test.go

package database

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(f *Facade) *Reconciler {
	return NewReconciler(f, Tables(), ColumnRequirements(), 64, time.Minute)
}

// schemaSnapshot 返回 sqlite_master 中全部对象的定义，用于比较两次协调后的结构
func schemaSnapshot(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query("SELECT type || ':' || name || ':' || COALESCE(sql, '') FROM sqlite_master ORDER BY type, name")
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	f, db := newEmbeddedFacade(t)
	r := newTestReconciler(f)

	first, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(Tables()), first.TablesEnsured)
	assert.Positive(t, first.IndexesEnsured)
	after1 := schemaSnapshot(t, db)

	second, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.ColumnsAdded, "第二次协调不应新增任何列")
	assert.Zero(t, second.RowsBackfilled)
	assert.Equal(t, after1, schemaSnapshot(t, db), "两次协调后的结构应完全一致")
}

func TestReconcile_LegacySchema(t *testing.T) {
	ctx := context.Background()
	f, db := newEmbeddedFacade(t)

	// 老版本部署留下的表：缺少 achievement_name / description / language / note
	for _, stmt := range []string{
		`CREATE TABLE achievements (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER NOT NULL, achievement_type TEXT NOT NULL, earned_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
		`INSERT INTO achievements (user_id, achievement_type) VALUES (1, 'words_10')`,
		`CREATE TABLE study_list (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER NOT NULL, word TEXT NOT NULL, added_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
		`INSERT INTO study_list (user_id, word) VALUES (1, 'hola')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	r := newTestReconciler(f)
	rep, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"achievements.achievement_name",
		"achievements.description",
		"study_list.language",
		"study_list.note",
	}, rep.ColumnsAdded)
	assert.Equal(t, int64(2), rep.RowsBackfilled, "只有两列需要从 achievement_type 回填")

	row, ok, err := f.ExecuteOne(ctx, "SELECT achievement_name, description FROM achievements WHERE user_id = ?", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "words_10", row.String("achievement_name", ""))
	assert.Equal(t, "Achievement: words_10", row.String("description", ""))

	row, ok, err = f.ExecuteOne(ctx, "SELECT language FROM study_list WHERE word = ?", "hola")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "english", row.String("language", ""))

	again, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.ColumnsAdded)
	assert.Zero(t, again.RowsBackfilled)
}

func TestReconcile_Concurrent(t *testing.T) {
	f, _ := newEmbeddedFacade(t)
	r := newTestReconciler(f)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Reconcile(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "第 %d 个并发协调失败", i)
	}

	ok, err := r.ColumnExists(context.Background(), "achievements", "description")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestColumnExists(t *testing.T) {
	ctx := context.Background()
	f, _ := newEmbeddedFacade(t)
	r := newTestReconciler(f)
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	ok, err := r.ColumnExists(ctx, "users", "username")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ColumnExists(ctx, "users", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ColumnExists(ctx, "no_such_table", "id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsure_ReconcilesOnlyWhenMissing(t *testing.T) {
	ctx := context.Background()
	f, db := newEmbeddedFacade(t)
	r := newTestReconciler(f)

	require.NoError(t, r.Ensure(ctx, "study_list"))
	ok, err := r.ColumnExists(ctx, "study_list", "language")
	require.NoError(t, err)
	assert.True(t, ok, "Ensure 应补齐缺失的表")

	before := schemaSnapshot(t, db)
	require.NoError(t, r.Ensure(ctx))
	assert.Equal(t, before, schemaSnapshot(t, db))
}

func TestRepair_ViaFacadeSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	f, db := newEmbeddedFacade(t)
	_, err := db.Exec(`CREATE TABLE achievements (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER NOT NULL, achievement_type TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO achievements (user_id, achievement_type) VALUES (5, 'streak_7')`)
	require.NoError(t, err)

	r := newTestReconciler(f)
	f.OnSchemaMismatch(r.Repair)

	rows, err := f.Execute(ctx, "SELECT achievement_type, achievement_name, description FROM achievements WHERE user_id = ?", 5)
	require.NoError(t, err, "缺列的查询应在自动修复后成功")
	require.Len(t, rows, 1)
	assert.Equal(t, "streak_7", rows[0].String("achievement_name", "Unknown Achievement"))
	assert.Equal(t, "Achievement: streak_7", rows[0].String("description", ""))
}
