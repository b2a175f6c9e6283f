// Package database file: internal/adapter/database/facade.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"LinguaLearn/internal/observe"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var _ port.Database = (*Facade)(nil)

type ctxKey int

const noRepairKey ctxKey = iota

// withoutRepair 标记上下文：在此上下文中出现的结构不匹配不再触发结构修复。
// 结构协调自身的语句使用它，避免递归修复。
func withoutRepair(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRepairKey, true)
}

func repairAllowed(ctx context.Context) bool {
	v, _ := ctx.Value(noRepairKey).(bool)
	return !v
}

// Facade 是应用代码访问数据库的唯一入口。每次调用都在独立的事务中执行，
// 负责方言翻译、结果规范化、错误分类与有限重试。
type Facade struct {
	selector   *Selector
	translator *Translator
	opTimeout  time.Duration
	backoff    time.Duration
	reselect   bool
	repair     atomic.Pointer[func(context.Context) error]
}

type FacadeOption func(*Facade)

func WithOpTimeout(d time.Duration) FacadeOption {
	return func(f *Facade) {
		if d > 0 {
			f.opTimeout = d
		}
	}
}

func WithRetryBackoff(d time.Duration) FacadeOption {
	return func(f *Facade) {
		if d >= 0 {
			f.backoff = d
		}
	}
}

// WithReselect 控制连接整体失败时是否重新走后端选择链
func WithReselect(enabled bool) FacadeOption {
	return func(f *Facade) { f.reselect = enabled }
}

func NewFacade(sel *Selector, tr *Translator, opts ...FacadeOption) *Facade {
	if tr == nil {
		tr = NewTranslator(nil)
	}
	f := &Facade{
		selector:   sel,
		translator: tr,
		opTimeout:  30 * time.Second,
		backoff:    200 * time.Millisecond,
		reselect:   true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnSchemaMismatch 注册结构修复回调。出现 ErrSchemaMismatch 时调用一次并重试一次。
func (f *Facade) OnSchemaMismatch(fn func(ctx context.Context) error) {
	if fn == nil {
		f.repair.Store(nil)
		return
	}
	f.repair.Store(&fn)
}

// Backend 返回当前后端描述；尚未选择时返回零值
func (f *Facade) Backend() domain.BackendDescriptor {
	if b := f.selector.Current(); b != nil {
		return b.Descriptor
	}
	return domain.BackendDescriptor{}
}

func (f *Facade) Execute(ctx context.Context, query string, args ...any) ([]port.Row, error) {
	var rows []port.Row
	err := f.run(ctx, "execute", func(s port.Session) error {
		var err error
		rows, err = s.Execute(ctx, query, args...)
		return err
	})
	return rows, err
}

func (f *Facade) ExecuteOne(ctx context.Context, query string, args ...any) (port.Row, bool, error) {
	rows, err := f.Execute(ctx, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

// ExecuteWrite 执行写语句并自动提交，返回受影响行数
func (f *Facade) ExecuteWrite(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := f.run(ctx, "write", func(s port.Session) error {
		var err error
		n, err = s.ExecuteWrite(ctx, query, args...)
		return err
	})
	return n, err
}

// WithTx 在一个事务中执行 fn。fn 可能因重试被调用多次，不应包含数据库以外的副作用。
// 嵌入式后端只有一个连接，fn 内部不能再调用 Facade 本身，只能使用传入的 Session。
func (f *Facade) WithTx(ctx context.Context, fn func(s port.Session) error) error {
	return f.run(ctx, "tx", fn)
}

// Ping 通过一次 SELECT 1 检查当前后端
func (f *Facade) Ping(ctx context.Context) error {
	_, err := f.Execute(ctx, "SELECT 1")
	return err
}

func (f *Facade) run(ctx context.Context, op string, fn func(port.Session) error) error {
	retried, repaired := false, false
	for {
		b := f.selector.Current()
		if b == nil {
			return &Error{Kind: port.ErrConnectionUnavailable, Op: op, Err: errNoBackend}
		}

		acquired, err := f.attempt(ctx, b, op, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		switch {
		case errors.Is(err, port.ErrTransientBackend) && !retried:
			retried = true
			observe.CountRetry("transient")
			slog.Warn("数据库暂时性故障，稍后重试一次", "backend", b.Descriptor.Kind, "op", op, "error", err)
			if !sleepContext(ctx, f.backoff) {
				return err
			}
			continue

		case errors.Is(err, port.ErrTransientBackend) && !acquired:
			// 连续两次都拿不到连接，视为后端整体不可用
			if f.reselect {
				f.selector.Reselect(ctx, b)
			}
			return &Error{Kind: port.ErrConnectionUnavailable, Op: op, Backend: b.Descriptor.Kind, Err: driverCause(err)}

		case errors.Is(err, port.ErrSchemaMismatch) && !repaired && repairAllowed(ctx):
			fixer := f.repair.Load()
			if fixer == nil {
				return err
			}
			repaired = true
			observe.CountRetry("schema_mismatch")
			slog.Warn("检测到数据库结构不匹配，执行结构修复后重试", "backend", b.Descriptor.Kind, "op", op, "error", err)
			if rerr := (*fixer)(withoutRepair(ctx)); rerr != nil {
				slog.Error("结构修复失败", "error", rerr)
				return err
			}
			continue
		}
		return err
	}
}

// attempt 执行一次完整的事务。acquired 表示是否成功开启了事务 (拿到了连接)。
func (f *Facade) attempt(ctx context.Context, b *Backend, op string, fn func(port.Session) error) (acquired bool, err error) {
	kind := b.Descriptor.Kind
	start := time.Now()
	defer func() {
		observe.ObserveDBOperation(kind, op, outcome(err), time.Since(start))
	}()

	actx, cancel := context.WithTimeout(ctx, f.opTimeout)
	defer cancel()

	tx, err := b.DB.BeginTx(actx, nil)
	if err != nil {
		return false, f.timeoutAware(ctx, actx, wrapError("begin", kind, err))
	}

	s := &session{tx: tx, backend: b.Descriptor, translator: f.translator, ctx: actx}
	if err = fn(s); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("事务回滚失败", "backend", kind, "op", op, "error", rbErr)
		}
		// session 返回的错误已经分类；其余是调用方自己的业务错误，原样返回
		return true, f.timeoutAware(ctx, actx, err)
	}
	if err = tx.Commit(); err != nil {
		return true, f.timeoutAware(ctx, actx, wrapError("commit", kind, err))
	}
	return true, nil
}

// timeoutAware 单次操作超时而调用方上下文仍有效时，强制归类为暂时性故障
func (f *Facade) timeoutAware(parent, attempt context.Context, err error) error {
	if attempt.Err() == nil || parent.Err() != nil {
		return err
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != port.ErrTransientBackend {
		return &Error{Kind: port.ErrTransientBackend, Op: de.Op, Backend: de.Backend, Err: de.Err}
	}
	return err
}

// driverCause 取出分类错误中的驱动原始错误
func driverCause(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de.Err
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// session 是一次事务内的执行上下文。ctx 携带单次操作的超时。
type session struct {
	tx         *sql.Tx
	backend    domain.BackendDescriptor
	translator *Translator
	ctx        context.Context
}

var _ port.Session = (*session)(nil)

func (s *session) Backend() domain.BackendDescriptor { return s.backend }

// scope 合并调用方上下文与事务的超时上下文，任一结束都会中止语句
func (s *session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil || ctx == s.ctx {
		return s.ctx, func() {}
	}
	merged, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (s *session) Execute(ctx context.Context, query string, args ...any) ([]port.Row, error) {
	p := s.translator.Translate(Query{SQL: query, Args: args}, s.backend.Kind)
	if p.Skip {
		slog.Debug("语句在当前后端上无意义，已跳过", "backend", s.backend.Kind, "rules", p.Rules)
		return nil, nil
	}
	qctx, cancel := s.scope(ctx)
	defer cancel()

	rows, err := s.tx.QueryContext(qctx, p.SQL, p.Args...)
	if err != nil {
		return nil, wrapError("query", s.backend.Kind, err)
	}
	defer rows.Close()

	out, err := normalize(rows, s.backend.Kind)
	if err != nil {
		return nil, wrapError("scan", s.backend.Kind, err)
	}
	return out, nil
}

func (s *session) ExecuteOne(ctx context.Context, query string, args ...any) (port.Row, bool, error) {
	rows, err := s.Execute(ctx, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (s *session) ExecuteWrite(ctx context.Context, query string, args ...any) (int64, error) {
	p := s.translator.Translate(Query{SQL: query, Args: args}, s.backend.Kind)
	if p.Skip {
		return 0, nil
	}
	qctx, cancel := s.scope(ctx)
	defer cancel()

	res, err := s.tx.ExecContext(qctx, p.SQL, p.Args...)
	if err != nil {
		return 0, wrapError("exec", s.backend.Kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError("rows_affected", s.backend.Kind, fmt.Errorf("读取受影响行数失败: %w", err))
	}
	return n, nil
}
