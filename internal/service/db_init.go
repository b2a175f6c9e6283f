// file: internal/service/db_init.go
package service

import (
	"LinguaLearn/internal/adapter/database"
	"LinguaLearn/internal/conf"
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Storage 聚合数据库访问所需的全部组件
type Storage struct {
	Selector   *database.Selector
	DB         *database.Facade
	Reconciler *database.Reconciler
	Report     database.Report
}

// InitStorage 负责在系统启动时选择后端，并检查/创建/补齐所有表结构。
// 结构协调完成后注册结构修复回调，运行期出现缺列时自动修复一次。
func InitStorage(ctx context.Context, cfg conf.DatabaseConfig) (*Storage, error) {
	sel := database.NewSelector(cfg)
	b := sel.Select(ctx)
	if b == nil {
		return nil, errors.New("没有可用的存储后端")
	}

	tr := database.NewTranslator(database.NewUniqueKeys(database.Tables()))
	db := database.NewFacade(sel, tr,
		database.WithOpTimeout(cfg.OpTimeout),
		database.WithRetryBackoff(cfg.RetryBackoff),
		database.WithReselect(cfg.ReselectOnFailure),
	)
	rec := database.NewReconciler(db, database.Tables(), database.ColumnRequirements(), cfg.ColumnCacheSize, cfg.ColumnCacheTTL)

	rep, err := rec.Reconcile(ctx)
	if err != nil {
		_ = sel.Close()
		return nil, fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	db.OnSchemaMismatch(rec.Repair)

	slog.Info("✅ 数据库: 所有表结构初始化/检查完成",
		"backend", b.Descriptor.Kind,
		"location", b.Descriptor.Location,
		"tables", rep.TablesEnsured,
		"indexes", rep.IndexesEnsured,
		"columns_added", len(rep.ColumnsAdded),
		"rows_backfilled", rep.RowsBackfilled,
	)
	return &Storage{Selector: sel, DB: db, Reconciler: rec, Report: rep}, nil
}

// Close 关闭当前后端的连接池
func (s *Storage) Close() error {
	return s.Selector.Close()
}
