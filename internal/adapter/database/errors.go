// Package database file: internal/adapter/database/errors.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var errNoBackend = errors.New("没有可用的存储后端")

// Error 是数据库访问失败的统一类型。Kind 为 port 中的分类哨兵错误，Err 为驱动原始错误，
// 两者都可以通过 errors.Is / errors.As 取到。
type Error struct {
	Kind    error
	Op      string
	Backend domain.BackendKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v [%s %s]: %v", e.Kind, e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// wrapError 对驱动错误分类；已经分类过的错误原样返回
func wrapError(op string, backend domain.BackendKind, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Backend: backend, Err: err}
}

// classify 把任意驱动错误映射到分类哨兵
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return port.ErrTransientBackend
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return port.ErrTransientBackend
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr.Code(), liteErr.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return port.ErrTransientBackend
	}
	return classifyMessage(err.Error())
}

func classifyPostgres(e *pq.Error) error {
	switch {
	case pgerror.UndefinedColumn(e) != nil, pgerror.UndefinedTable(e) != nil:
		return port.ErrSchemaMismatch
	case pgerror.UniqueViolation(e) != nil, pgerror.ForeignKeyViolation(e) != nil,
		pgerror.NotNullViolation(e) != nil, pgerror.CheckViolation(e) != nil,
		pgerror.IntegrityConstraintViolation(e) != nil:
		return port.ErrConstraintViolation
	case pgerror.ConnectionException(e) != nil, pgerror.ConnectionDoesNotExist(e) != nil,
		pgerror.ConnectionFailure(e) != nil, pgerror.AdminShutdown(e) != nil,
		pgerror.CannotConnectNow(e) != nil, pgerror.SerializationFailure(e) != nil,
		pgerror.DeadlockDetected(e) != nil, pgerror.QueryCanceled(e) != nil:
		return port.ErrTransientBackend
	}
	switch e.Code.Class() {
	case "08", "40", "53", "57":
		return port.ErrTransientBackend
	case "23":
		return port.ErrConstraintViolation
	}
	return port.ErrStatementRejected
}

func classifySQLite(code int, msg string) error {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_PROTOCOL:
		return port.ErrTransientBackend
	case sqlite3.SQLITE_CONSTRAINT:
		return port.ErrConstraintViolation
	}
	return classifyMessage(msg)
}

// classifyMessage 处理没有结构化错误码的情况 (包装过的错误、测试替身等)
func classifyMessage(msg string) error {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "no such column"), strings.Contains(m, "no such table"),
		strings.Contains(m, "has no column named"),
		strings.Contains(m, "does not exist") && (strings.Contains(m, "column") || strings.Contains(m, "relation")):
		return port.ErrSchemaMismatch
	case strings.Contains(m, "constraint failed"), strings.Contains(m, "duplicate key value"),
		strings.Contains(m, "violates"):
		return port.ErrConstraintViolation
	case strings.Contains(m, "database is locked"), strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"), strings.Contains(m, "broken pipe"),
		strings.Contains(m, "bad connection"), strings.Contains(m, "i/o timeout"),
		strings.Contains(m, "sql: database is closed"):
		// 重新选择后旧连接池被关闭，持有旧快照的请求重试时会落到新后端
		return port.ErrTransientBackend
	}
	return port.ErrStatementRejected
}

// alreadyExists 判断 DDL 失败是否只是因为对象已经存在，结构协调时视为成功
func alreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pgerror.DuplicateColumn(pqErr) != nil || pgerror.DuplicateTable(pqErr) != nil {
			return true
		}
		// 并发的 IF NOT EXISTS 语句可能在系统目录上撞唯一键
		if pgerror.UniqueViolation(pqErr) != nil &&
			(strings.Contains(pqErr.Message, "pg_type") || strings.Contains(pqErr.Message, "pg_attribute") || strings.Contains(pqErr.Message, "pg_class")) {
			return true
		}
		return pqErr.Code == "42710" // duplicate_object
	}
	m := strings.ToLower(err.Error())
	return strings.Contains(m, "duplicate column name") || strings.Contains(m, "already exists")
}

// outcome 用作指标标签
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, port.ErrTransientBackend):
		return "transient"
	case errors.Is(err, port.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, port.ErrConstraintViolation):
		return "constraint"
	case errors.Is(err, port.ErrConnectionUnavailable):
		return "unavailable"
	case errors.Is(err, port.ErrStatementRejected):
		return "rejected"
	default:
		return "aborted"
	}
}
