// Package database file: internal/adapter/database/selector.go
package database

import (
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/observe"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultDBFile  = "database.db"
	embeddedPragma = "_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)"
)

// Backend 是选定的后端及其连接池
type Backend struct {
	Descriptor domain.BackendDescriptor
	DB         *sql.DB
}

// Selector 按 网络 -> 本地文件 -> 内存 的顺序选择后端，并在整体连接失败时重新选择。
// Current 是无锁读取，重新选择由 mu 串行化。
type Selector struct {
	cfg     conf.DatabaseConfig
	current atomic.Pointer[Backend]
	mu      sync.Mutex
	fixed   bool
}

func NewSelector(cfg conf.DatabaseConfig) *Selector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MemoryName == "" {
		cfg.MemoryName = "lingualearn"
	}
	return &Selector{cfg: cfg}
}

// NewFixedSelector 包装一个外部已打开的连接池，永不重新选择
func NewFixedSelector(b *Backend) *Selector {
	s := &Selector{fixed: true}
	if b.Descriptor.SelectedAt.IsZero() {
		b.Descriptor.SelectedAt = time.Now()
	}
	s.current.Store(b)
	return s
}

// Select 运行完整的选择链并安装结果。链上最后一级 (内存) 也失败时返回 nil。
func (s *Selector) Select(ctx context.Context) *Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.selectChain(ctx)
	if b != nil {
		s.install(b)
	}
	return b
}

// Current 返回当前后端快照，尚未选择时为 nil
func (s *Selector) Current() *Backend {
	return s.current.Load()
}

// Reselect 只有当 failed 仍是当前后端时才重新走选择链，避免并发的失败请求重复切换
func (s *Selector) Reselect(ctx context.Context, failed *Backend) *Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if s.fixed || cur != failed {
		return cur
	}
	slog.Warn("当前后端整体不可用，重新选择存储后端",
		"kind", failed.Descriptor.Kind, "location", failed.Descriptor.Location)

	next := s.selectChain(ctx)
	if next == nil {
		return cur
	}
	s.install(next)
	if err := failed.DB.Close(); err != nil {
		slog.Warn("关闭失效后端连接池时出错", "error", err)
	}
	return next
}

// Close 关闭当前后端的连接池
func (s *Selector) Close() error {
	b := s.current.Load()
	if b == nil {
		return nil
	}
	return b.DB.Close()
}

func (s *Selector) install(b *Backend) {
	s.current.Store(b)
	observe.SetActiveBackend(b.Descriptor)
	if b.Descriptor.InMemory {
		slog.Warn("使用内存数据库运行，重启后数据将丢失",
			"kind", b.Descriptor.Kind, "location", b.Descriptor.Location)
		return
	}
	slog.Info("存储后端已选定", "kind", b.Descriptor.Kind, "location", b.Descriptor.Location)
}

func (s *Selector) selectChain(ctx context.Context) *Backend {
	if s.cfg.URL != "" {
		b, err := s.openNetworked(ctx)
		if err == nil {
			return b
		}
		slog.Error("网络数据库不可用，回退到本地嵌入式数据库",
			"location", redactURL(s.cfg.URL), "error", err)
	}

	path := ResolveEmbeddedPath(s.cfg)
	b, err := s.openEmbedded(ctx, path)
	if err == nil {
		return b
	}
	slog.Error("本地数据库文件不可用，回退到内存数据库", "path", path, "error", err)

	b, err = s.openMemory(ctx)
	if err == nil {
		return b
	}
	slog.Error("内存数据库也无法打开，没有可用的存储后端", "error", err)
	return nil
}

func (s *Selector) openNetworked(ctx context.Context) (*Backend, error) {
	db, err := sql.Open("postgres", s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("打开网络数据库失败: %w", err)
	}
	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}
	if err := s.liveness(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{
		Descriptor: domain.BackendDescriptor{
			Kind:       domain.BackendNetworked,
			Location:   redactURL(s.cfg.URL),
			SelectedAt: time.Now(),
		},
		DB: db,
	}, nil
}

func (s *Selector) openEmbedded(ctx context.Context, path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录 '%s' 失败: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?%s", path, embeddedPragma)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库文件 '%s' 失败: %w", path, err)
	}
	// SQLite 只允许单写者，单连接可以避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := s.liveness(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{
		Descriptor: domain.BackendDescriptor{
			Kind:       domain.BackendLocalEmbedded,
			Location:   path,
			SelectedAt: time.Now(),
		},
		DB: db,
	}, nil
}

func (s *Selector) openMemory(ctx context.Context) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)", s.cfg.MemoryName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开内存数据库失败: %w", err)
	}
	// 最后一个连接关闭时内存库即被销毁，因此保持唯一连接常驻
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := s.liveness(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{
		Descriptor: domain.BackendDescriptor{
			Kind:       domain.BackendLocalEmbedded,
			Location:   "memory:" + s.cfg.MemoryName,
			InMemory:   true,
			SelectedAt: time.Now(),
		},
		DB: db,
	}, nil
}

// liveness 在连接超时内完成 Ping 与一次 SELECT 1
func (s *Selector) liveness(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("连接检查 (Ping) 失败: %w", err)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("存活检查 (SELECT 1) 失败: %w", err)
	}
	return nil
}

// ResolveEmbeddedPath 决定本地数据库文件位置：显式配置优先，其次是可写的平台持久化目录，
// 最后是工作目录下的 database.db
func ResolveEmbeddedPath(cfg conf.DatabaseConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	if cfg.PersistentDir != "" && dirWritable(cfg.PersistentDir) {
		return filepath.Join(cfg.PersistentDir, defaultDBFile)
	}
	return defaultDBFile
}

func dirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, ".lingua-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// redactURL 隐藏 DSN 中的密码，无法解析时只保留协议部分
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if u != nil && u.Scheme != "" {
			return u.Scheme + "://***"
		}
		return "***"
	}
	return u.Redacted()
}
