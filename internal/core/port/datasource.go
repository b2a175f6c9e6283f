// Package port file: internal/core/port/datasource.go
package port

import (
	"LinguaLearn/internal/core/domain"
	"context"
	"errors"
	"time"
)

// 数据库访问的错误分类。调用方只通过 errors.Is 判断类别，不接触驱动原始错误。
var (
	ErrConnectionUnavailable = errors.New("数据库连接不可用")
	ErrSchemaMismatch        = errors.New("数据库结构与预期不符")
	ErrTransientBackend      = errors.New("数据库后端暂时性故障")
	ErrConstraintViolation   = errors.New("违反数据库约束")
	ErrStatementRejected     = errors.New("数据库拒绝执行该语句")
)

// Row 是与后端无关的结果行。按名称访问不区分大小写，缺失的列返回调用方给出的默认值。
type Row interface {
	Get(name string, def any) any
	String(name, def string) string
	Int64(name string, def int64) int64
	Float64(name string, def float64) float64
	Bool(name string, def bool) bool
	Time(name string, def time.Time) time.Time

	// At 按位置访问，越界返回 nil
	At(i int) any
	Len() int
	Columns() []string
	Map() map[string]any
}

// Session 在一个事务作用域内执行语句。语句统一使用嵌入式方言书写 (? 占位符)。
type Session interface {
	Execute(ctx context.Context, query string, args ...any) ([]Row, error)
	ExecuteOne(ctx context.Context, query string, args ...any) (Row, bool, error)
	ExecuteWrite(ctx context.Context, query string, args ...any) (int64, error)
	Backend() domain.BackendDescriptor
}

// Database 是应用代码唯一依赖的数据访问入口
type Database interface {
	Session

	// WithTx 为一次逻辑操作打开一个事务，fn 返回 nil 时提交，否则回滚
	WithTx(ctx context.Context, fn func(s Session) error) error
	Ping(ctx context.Context) error
}

// SchemaGuard 在处理请求前确认所涉及的表结构完整
type SchemaGuard interface {
	Ensure(ctx context.Context, tables ...string) error
}
