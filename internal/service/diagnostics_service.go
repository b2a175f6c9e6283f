// file: internal/service/diagnostics_service.go
package service

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DiagnosticsService 提供健康检查与管理端的数据库诊断
type DiagnosticsService struct {
	db    port.Database
	guard port.SchemaGuard
	// networkConfigured 表示部署环境配置了网络数据库地址
	networkConfigured bool
}

func NewDiagnosticsService(db port.Database, guard port.SchemaGuard, networkConfigured bool) *DiagnosticsService {
	return &DiagnosticsService{db: db, guard: guard, networkConfigured: networkConfigured}
}

func (s *DiagnosticsService) count(ctx context.Context, query string, args ...any) (int64, error) {
	row, _, err := s.db.ExecuteOne(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowInt(row, "n"), nil
}

// Health 并发统计用户、题目与管理员数量
func (s *DiagnosticsService) Health(ctx context.Context) (domain.HealthReport, error) {
	if err := s.guard.Ensure(ctx, "users", "quiz_questions"); err != nil {
		return domain.HealthReport{}, err
	}
	rep := domain.HealthReport{Status: "healthy", Backend: s.db.Backend()}
	if rep.Backend.Degraded() {
		rep.Status = "degraded"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rep.Users, err = s.count(gctx, "SELECT COUNT(*) AS n FROM users")
		return err
	})
	g.Go(func() (err error) {
		rep.QuizQuestions, err = s.count(gctx, "SELECT COUNT(*) AS n FROM quiz_questions")
		return err
	})
	g.Go(func() (err error) {
		rep.Admins, err = s.count(gctx, "SELECT COUNT(*) AS n FROM users WHERE is_admin = 1")
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.HealthReport{}, fmt.Errorf("健康检查统计失败: %w", err)
	}
	return rep, nil
}

// Report 汇总后端、表清单、管理员、题库分布与一致性问题
func (s *DiagnosticsService) Report(ctx context.Context) (domain.DatabaseReport, error) {
	if err := s.guard.Ensure(ctx); err != nil {
		return domain.DatabaseReport{}, err
	}
	rep := domain.DatabaseReport{
		Backend:         s.db.Backend(),
		QuestionsByLang: make(map[string]int64),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.db.Execute(gctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
		if err != nil {
			return fmt.Errorf("读取表清单失败: %w", err)
		}
		for _, r := range rows {
			rep.Tables = append(rep.Tables, r.String("name", ""))
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.db.Execute(gctx, "SELECT "+userColumns+" FROM users WHERE is_admin = 1 ORDER BY id")
		if err != nil {
			return fmt.Errorf("读取管理员列表失败: %w", err)
		}
		for _, r := range rows {
			rep.Admins = append(rep.Admins, userFromRow(r))
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.db.Execute(gctx, "SELECT language, COUNT(*) AS n FROM quiz_questions GROUP BY language ORDER BY language")
		if err != nil {
			return fmt.Errorf("统计题库失败: %w", err)
		}
		for _, r := range rows {
			rep.QuestionsByLang[r.String("language", "")] = r.Int64("n", 0)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.DatabaseReport{}, err
	}

	rep.ConsistencyIssues = s.Consistency(rep)
	return rep, nil
}

// Consistency 检查部署配置与实际后端是否一致
func (s *DiagnosticsService) Consistency(rep domain.DatabaseReport) []string {
	issues := []string{}
	if s.networkConfigured && !rep.Backend.Networked() {
		issues = append(issues, "CRITICAL: 已配置 DATABASE_URL，但当前使用本地嵌入式数据库，数据不会写入网络数据库")
	}
	if rep.Backend.Degraded() {
		issues = append(issues, "WARNING: 当前使用内存数据库，重启后所有数据丢失")
	}
	if len(rep.Admins) == 0 {
		issues = append(issues, "WARNING: 没有任何管理员账户")
	}
	return issues
}
