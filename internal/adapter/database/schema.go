// Package database file: internal/adapter/database/schema.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"fmt"
	"strings"
)

func serial(name string) domain.ColumnSpec {
	return domain.ColumnSpec{Name: name, Type: domain.ColumnSerial, PrimaryKey: true}
}

func userRef(column string) domain.ForeignKey {
	return domain.ForeignKey{Column: column, RefTable: "users", RefColumn: "id"}
}

// tableSpecs 是应用全部表的声明，两种后端的 DDL 都由它渲染
var tableSpecs = []domain.TableSpec{
	{
		Name: "users",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "username", Type: domain.ColumnText, NotNull: true, Unique: true},
			{Name: "email", Type: domain.ColumnText, NotNull: true, Unique: true},
			{Name: "password", Type: domain.ColumnText, NotNull: true},
			{Name: "security_answer", Type: domain.ColumnText, NotNull: true},
			{Name: "is_admin", Type: domain.ColumnInteger, Default: "0"},
			{Name: "is_active", Type: domain.ColumnInteger, Default: "1"},
			{Name: "reset_token", Type: domain.ColumnText},
			{Name: "bio", Type: domain.ColumnText},
			{Name: "urls", Type: domain.ColumnText},
			{Name: "profile_picture", Type: domain.ColumnText},
			{Name: "dark_mode", Type: domain.ColumnInteger, Default: "0"},
			{Name: "name", Type: domain.ColumnText},
			{Name: "phone", Type: domain.ColumnText},
			{Name: "location", Type: domain.ColumnText},
			{Name: "website", Type: domain.ColumnText},
			{Name: "avatar", Type: domain.ColumnText},
			{Name: "timezone", Type: domain.ColumnText},
			{Name: "datetime_format", Type: domain.ColumnText},
		},
	},
	{
		Name: "quiz_questions",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "language", Type: domain.ColumnText, NotNull: true},
			{Name: "difficulty", Type: domain.ColumnText, NotNull: true},
			{Name: "question", Type: domain.ColumnText, NotNull: true},
			{Name: "options", Type: domain.ColumnText, NotNull: true},
			{Name: "answer", Type: domain.ColumnText, NotNull: true},
			{Name: "question_type", Type: domain.ColumnText, Default: "'multiple_choice'"},
			{Name: "points", Type: domain.ColumnInteger, Default: "10"},
			{Name: "created_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
	},
	{
		Name: "notifications",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "message", Type: domain.ColumnText, NotNull: true},
			{Name: "timestamp", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "is_read", Type: domain.ColumnInteger, Default: "0"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "chat_sessions",
		Columns: []domain.ColumnSpec{
			{Name: "session_id", Type: domain.ColumnText, PrimaryKey: true},
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "language", Type: domain.ColumnText, NotNull: true},
			{Name: "started_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "last_message_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "chat_messages",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "session_id", Type: domain.ColumnText, NotNull: true},
			{Name: "message", Type: domain.ColumnText, NotNull: true},
			{Name: "bot_response", Type: domain.ColumnText, NotNull: true},
			{Name: "timestamp", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
		ForeignKeys: []domain.ForeignKey{{Column: "session_id", RefTable: "chat_sessions", RefColumn: "session_id"}},
	},
	{
		Name: "quiz_results_enhanced",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "language", Type: domain.ColumnText, NotNull: true},
			{Name: "difficulty", Type: domain.ColumnText, NotNull: true},
			{Name: "score", Type: domain.ColumnInteger, NotNull: true},
			{Name: "total", Type: domain.ColumnInteger, NotNull: true},
			{Name: "percentage", Type: domain.ColumnReal, NotNull: true},
			{Name: "passed", Type: domain.ColumnInteger, Default: "0"},
			{Name: "timestamp", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "question_details", Type: domain.ColumnText, NotNull: true},
			{Name: "points_earned", Type: domain.ColumnInteger, Default: "0"},
			{Name: "streak_bonus", Type: domain.ColumnInteger, Default: "0"},
			{Name: "time_bonus", Type: domain.ColumnInteger, Default: "0"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "quiz_results",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "language", Type: domain.ColumnText, NotNull: true},
			{Name: "difficulty", Type: domain.ColumnText, NotNull: true},
			{Name: "score", Type: domain.ColumnInteger, NotNull: true},
			{Name: "total", Type: domain.ColumnInteger, NotNull: true},
			{Name: "percentage", Type: domain.ColumnReal, NotNull: true},
			{Name: "passed", Type: domain.ColumnInteger, Default: "0"},
			{Name: "timestamp", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "study_list",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "word", Type: domain.ColumnText, NotNull: true},
			{Name: "added_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "note", Type: domain.ColumnText},
			{Name: "language", Type: domain.ColumnText, Default: "'english'"},
		},
		UniqueKeys:  [][]string{{"user_id", "word"}},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "user_progress",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true, Unique: true},
			{Name: "words_learned", Type: domain.ColumnInteger, Default: "0"},
			{Name: "conversation_count", Type: domain.ColumnInteger, Default: "0"},
			{Name: "accuracy_rate", Type: domain.ColumnReal, Default: "0"},
			{Name: "daily_streak", Type: domain.ColumnInteger, Default: "0"},
			{Name: "last_activity_date", Type: domain.ColumnDate},
			{Name: "last_updated", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "achievements",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "achievement_type", Type: domain.ColumnText, NotNull: true},
			{Name: "achievement_name", Type: domain.ColumnText},
			{Name: "description", Type: domain.ColumnText},
			{Name: "earned_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
		},
		UniqueKeys:  [][]string{{"user_id", "achievement_type"}},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "account_activity",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "activity_type", Type: domain.ColumnText, NotNull: true},
			{Name: "timestamp", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "details", Type: domain.ColumnText},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
	{
		Name: "password_resets",
		Columns: []domain.ColumnSpec{
			serial("id"),
			{Name: "user_id", Type: domain.ColumnInteger, NotNull: true},
			{Name: "token", Type: domain.ColumnText, NotNull: true},
			{Name: "created_at", Type: domain.ColumnTimestamp, Default: "CURRENT_TIMESTAMP"},
			{Name: "expires_at", Type: domain.ColumnTimestamp, NotNull: true},
			{Name: "used", Type: domain.ColumnInteger, Default: "0"},
		},
		ForeignKeys: []domain.ForeignKey{userRef("user_id")},
	},
}

// columnRequirements 列出老版本部署中可能缺失、需要在线补齐的列
var columnRequirements = []domain.ColumnRequirement{
	{Table: "users", Column: "is_admin", Type: domain.ColumnInteger, Default: "0"},
	{Table: "users", Column: "is_active", Type: domain.ColumnInteger, Default: "1"},
	{Table: "users", Column: "avatar", Type: domain.ColumnText},
	{Table: "users", Column: "name", Type: domain.ColumnText},
	{Table: "users", Column: "phone", Type: domain.ColumnText},
	{Table: "users", Column: "location", Type: domain.ColumnText},
	{Table: "users", Column: "website", Type: domain.ColumnText},
	{Table: "users", Column: "timezone", Type: domain.ColumnText},
	{Table: "users", Column: "datetime_format", Type: domain.ColumnText},
	{Table: "users", Column: "bio", Type: domain.ColumnText},
	{Table: "users", Column: "dark_mode", Type: domain.ColumnInteger, Default: "0"},
	{Table: "quiz_results", Column: "percentage", Type: domain.ColumnReal, Default: "0"},
	{Table: "study_list", Column: "language", Type: domain.ColumnText, Default: "'english'"},
	{Table: "study_list", Column: "note", Type: domain.ColumnText},
	{
		Table: "achievements", Column: "achievement_name", Type: domain.ColumnText,
		Backfill: "COALESCE(achievement_type, 'Unknown Achievement')",
	},
	{
		Table: "achievements", Column: "description", Type: domain.ColumnText,
		Backfill: "'Achievement: ' || COALESCE(achievement_type, 'Unknown Achievement')",
	},
}

// Tables 返回表声明的副本
func Tables() []domain.TableSpec {
	return append([]domain.TableSpec(nil), tableSpecs...)
}

// ColumnRequirements 返回列要求的副本
func ColumnRequirements() []domain.ColumnRequirement {
	return append([]domain.ColumnRequirement(nil), columnRequirements...)
}

func columnTypeSQL(t domain.ColumnType, kind domain.BackendKind) string {
	switch t {
	case domain.ColumnSerial:
		if kind == domain.BackendNetworked {
			return "SERIAL"
		}
		return "INTEGER"
	case domain.ColumnInteger:
		return "INTEGER"
	case domain.ColumnReal:
		return "REAL"
	case domain.ColumnTimestamp:
		if kind == domain.BackendNetworked {
			return "TIMESTAMP"
		}
		return "DATETIME"
	case domain.ColumnDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

func columnDefinition(c domain.ColumnSpec, kind domain.BackendKind) string {
	if c.Type == domain.ColumnSerial {
		if kind == domain.BackendNetworked {
			return c.Name + " SERIAL PRIMARY KEY"
		}
		return c.Name + " INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	parts := []string{c.Name, columnTypeSQL(c.Type, kind)}
	if c.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT", c.Default)
	}
	return strings.Join(parts, " ")
}

// createTableSQL 渲染 CREATE TABLE IF NOT EXISTS。唯一约束不内联，而是由 uniqueIndexSQL 单独创建，
// 这样老表也能补上索引。
func createTableSQL(t domain.TableSpec, kind domain.BackendKind) string {
	defs := make([]string, 0, len(t.Columns)+len(t.ForeignKeys))
	for _, c := range t.Columns {
		defs = append(defs, columnDefinition(c, kind))
	}
	for _, fk := range t.ForeignKeys {
		def := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", fk.Column, fk.RefTable, fk.RefColumn)
		if fk.OnDelete != "" {
			def += " ON DELETE " + fk.OnDelete
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", "))
}

// indexKeys 返回需要单独建唯一索引的键，主键自带唯一性故跳过
func indexKeys(t domain.TableSpec) [][]string {
	pk := ""
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = c.Name
		}
	}
	var keys [][]string
	for _, k := range t.NaturalKeys() {
		if len(k) == 1 && k[0] == pk {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func uniqueIndexSQL(table string, cols []string) string {
	name := "uq_" + table + "_" + strings.Join(cols, "_")
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(cols, ", "))
}

func addColumnSQL(req domain.ColumnRequirement, kind domain.BackendKind) string {
	ifNotExists := ""
	if kind == domain.BackendNetworked {
		ifNotExists = "IF NOT EXISTS "
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s%s %s", req.Table, ifNotExists, req.Column, columnTypeSQL(req.Type, kind))
	if req.Default != "" {
		stmt += " DEFAULT " + req.Default
	}
	return stmt
}

func backfillSQL(req domain.ColumnRequirement) string {
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL", req.Table, req.Column, req.FillExpr(), req.Column)
}

// UniqueKeys 是 表 -> 业务唯一键 的注册表，供 upsert 翻译确定冲突目标
type UniqueKeys map[string][][]string

// NewUniqueKeys 从表声明推导注册表
func NewUniqueKeys(specs []domain.TableSpec) UniqueKeys {
	keys := make(UniqueKeys, len(specs))
	for _, t := range specs {
		if nk := t.NaturalKeys(); len(nk) > 0 {
			keys[strings.ToLower(t.Name)] = nk
		}
	}
	return keys
}

// Register 追加一个唯一键，用于声明之外的表
func (u UniqueKeys) Register(table string, cols ...string) {
	table = strings.ToLower(table)
	u[table] = append(u[table], append([]string(nil), cols...))
}

// ConflictTarget 只有当表上恰好有一个唯一键时才返回它。
// 多个唯一键时无法确定冲突目标，调用方应退回到不带目标的 ON CONFLICT。
func (u UniqueKeys) ConflictTarget(table string) ([]string, bool) {
	keys := u[strings.ToLower(table)]
	if len(keys) != 1 {
		return nil, false
	}
	return keys[0], true
}
