// Package database file: internal/adapter/database/reconciler.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"LinguaLearn/internal/observe"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var _ port.SchemaGuard = (*Reconciler)(nil)

// Report 汇总一次结构协调的结果
type Report struct {
	Backend        domain.BackendDescriptor `json:"backend"`
	TablesEnsured  int                      `json:"tables_ensured"`
	IndexesEnsured int                      `json:"indexes_ensured"`
	ColumnsAdded   []string                 `json:"columns_added"`
	RowsBackfilled int64                    `json:"rows_backfilled"`
}

// Reconciler 让线上结构包含全部声明的表与列。所有语句都是"缺失才添加"，
// 多个进程同时执行也是安全的；同一进程内的并发调用合并为一次执行。
type Reconciler struct {
	db     *Facade
	tables []domain.TableSpec
	reqs   []domain.ColumnRequirement
	known  *expirable.LRU[string, bool]
	group  singleflight.Group
}

func NewReconciler(db *Facade, tables []domain.TableSpec, reqs []domain.ColumnRequirement, cacheSize int, ttl time.Duration) *Reconciler {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	return &Reconciler{
		db:     db,
		tables: tables,
		reqs:   reqs,
		known:  expirable.NewLRU[string, bool](cacheSize, nil, ttl),
	}
}

// Reconcile 创建缺失的表、补齐缺失的列并回填空值，最后建立唯一索引
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	// 共享执行不应因为某一个调用方取消而中断
	v, err, shared := r.group.Do("reconcile", func() (any, error) {
		return r.reconcile(withoutRepair(context.WithoutCancel(ctx)))
	})
	if shared {
		slog.Debug("结构协调与并发调用合并执行")
	}
	rep, _ := v.(Report)
	return rep, err
}

func (r *Reconciler) reconcile(ctx context.Context) (Report, error) {
	rep := Report{Backend: r.db.Backend()}
	kind := rep.Backend.Kind
	start := time.Now()

	for _, t := range r.tables {
		if _, err := r.db.ExecuteWrite(ctx, createTableSQL(t, kind)); err != nil && !alreadyExists(err) {
			return rep, fmt.Errorf("创建表 '%s' 失败: %w", t.Name, err)
		}
		r.known.Add(r.cacheKey("table", t.Name), true)
		rep.TablesEnsured++
	}

	for _, req := range r.reqs {
		added, err := r.ensureColumn(ctx, req, kind)
		if err != nil {
			return rep, err
		}
		if added {
			rep.ColumnsAdded = append(rep.ColumnsAdded, req.Key())
		}
		if req.FillExpr() == "" {
			continue
		}
		n, err := r.db.ExecuteWrite(ctx, backfillSQL(req))
		if err != nil {
			return rep, fmt.Errorf("回填列 '%s' 失败: %w", req.Key(), err)
		}
		rep.RowsBackfilled += n
	}

	for _, t := range r.tables {
		for _, cols := range indexKeys(t) {
			_, err := r.db.ExecuteWrite(ctx, uniqueIndexSQL(t.Name, cols))
			switch {
			case err == nil, alreadyExists(err):
				rep.IndexesEnsured++
			case errors.Is(err, port.ErrConstraintViolation):
				// 历史数据里已有重复行，索引建不起来不影响其余结构
				slog.Warn("已有重复数据，跳过唯一索引", "table", t.Name, "columns", strings.Join(cols, ","), "error", err)
			default:
				return rep, fmt.Errorf("创建唯一索引 '%s(%s)' 失败: %w", t.Name, strings.Join(cols, ", "), err)
			}
		}
	}

	slog.Info("数据库结构协调完成",
		"backend", kind,
		"tables", rep.TablesEnsured,
		"indexes", rep.IndexesEnsured,
		"columns_added", len(rep.ColumnsAdded),
		"rows_backfilled", rep.RowsBackfilled,
		"elapsed", time.Since(start))
	return rep, nil
}

func (r *Reconciler) ensureColumn(ctx context.Context, req domain.ColumnRequirement, kind domain.BackendKind) (bool, error) {
	exists, err := r.ColumnExists(ctx, req.Table, req.Column)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := r.db.ExecuteWrite(ctx, addColumnSQL(req, kind)); err != nil {
		if alreadyExists(err) {
			// 另一个进程刚刚加上了这一列
			r.known.Add(r.cacheKey("column", req.Key()), true)
			return false, nil
		}
		return false, fmt.Errorf("添加列 '%s' 失败: %w", req.Key(), err)
	}
	r.known.Add(r.cacheKey("column", req.Key()), true)
	observe.CountColumnAdded(req.Table)
	slog.Info("已补齐缺失的列", "table", req.Table, "column", req.Column)
	return true, nil
}

// ColumnExists 通过翻译后的内省语句判断列是否存在。只缓存肯定的结果，
// 缺失的列在补齐之前每次都会重新检查。
func (r *Reconciler) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	key := r.cacheKey("column", table+"."+column)
	if ok, hit := r.known.Get(key); hit && ok {
		return true, nil
	}
	_, found, err := r.db.ExecuteOne(withoutRepair(ctx),
		"SELECT name FROM pragma_table_info(?) WHERE name = ?", table, column)
	if err != nil {
		return false, fmt.Errorf("检查列 '%s.%s' 失败: %w", table, column, err)
	}
	if found {
		r.known.Add(key, true)
	}
	return found, nil
}

func (r *Reconciler) tableExists(ctx context.Context, table string) (bool, error) {
	key := r.cacheKey("table", table)
	if ok, hit := r.known.Get(key); hit && ok {
		return true, nil
	}
	_, found, err := r.db.ExecuteOne(withoutRepair(ctx),
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, fmt.Errorf("检查表 '%s' 失败: %w", table, err)
	}
	if found {
		r.known.Add(key, true)
	}
	return found, nil
}

// Ensure 在处理请求前确认相关表及其必需列都存在，发现缺失时执行一次完整协调。
// 不传表名时检查全部声明。
func (r *Reconciler) Ensure(ctx context.Context, tables ...string) error {
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[strings.ToLower(t)] = true
	}
	selected := func(t string) bool { return len(want) == 0 || want[strings.ToLower(t)] }

	missing := ""
	for _, t := range r.tables {
		if !selected(t.Name) {
			continue
		}
		ok, err := r.tableExists(ctx, t.Name)
		if err != nil {
			return err
		}
		if !ok {
			missing = t.Name
			break
		}
	}
	if missing == "" {
		for _, req := range r.reqs {
			if !selected(req.Table) {
				continue
			}
			ok, err := r.ColumnExists(ctx, req.Table, req.Column)
			if err != nil {
				return err
			}
			if !ok {
				missing = req.Key()
				break
			}
		}
	}
	if missing == "" {
		return nil
	}

	slog.Warn("请求前发现结构缺失，执行结构协调", "missing", missing)
	_, err := r.Reconcile(ctx)
	return err
}

// Repair 清空缓存后重新协调，供 Facade.OnSchemaMismatch 使用
func (r *Reconciler) Repair(ctx context.Context) error {
	r.known.Purge()
	_, err := r.Reconcile(ctx)
	return err
}

// cacheKey 带上后端位置，切换后端后旧缓存自然失效
func (r *Reconciler) cacheKey(kind, name string) string {
	d := r.db.Backend()
	return fmt.Sprintf("%s|%s|%s|%s", d.Kind, d.Location, kind, strings.ToLower(name))
}
