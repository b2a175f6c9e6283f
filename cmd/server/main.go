// file: cmd/server/main.go

package main

import (
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/observe"
	"LinguaLearn/internal/service"
	"LinguaLearn/internal/transport/http/router"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "v1.0.0"

func main() {
	os.Exit(run())
}

// run 返回进程退出码。所有退出路径都经过 return，保证延迟关闭的资源被释放。
func run() int {
	configFile := flag.String("config", "", "配置文件路径 (可选，默认在 . 与 ./configs 下查找 config.yaml)")
	flag.Parse()

	// 在日志系统完全初始化前，使用标准 log
	log.Printf("LinguaLearn %s 正在启动...", version)

	cfg, v, err := conf.Load(*configFile)
	if err != nil {
		log.Printf("CRITICAL: 加载配置失败: %v", err)
		return 1
	}

	observe.InitLogger(cfg.Server.LogLevel)
	observe.Register()
	slog.Info("LinguaLearn starting up", "version", version, "config", v.ConfigFileUsed())

	conf.Watch(v, func(next *conf.Config) {
		observe.SetLevel(next.Server.LogLevel)
	})

	pprofSrv := observe.EnablePprof(cfg.Server.PprofAddr)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*cfg.Database.ConnectTimeout)
	st, err := service.InitStorage(initCtx, cfg.Database)
	cancelInit()
	if err != nil {
		slog.Error("CRITICAL: 初始化存储失败", "error", err)
		return 1
	}
	defer func() {
		slog.Info("正在关闭数据库连接...")
		if err := st.Close(); err != nil {
			slog.Error("关闭数据库时发生错误", "error", err)
		}
	}()

	tokens, err := service.NewTokenIssuer(cfg.Auth)
	if err != nil {
		slog.Error("CRITICAL: 初始化令牌签发器失败", "error", err)
		return 1
	}

	users := service.NewUserService(st.DB, st.Reconciler)
	if created, err := users.SeedAdmin(context.Background(), cfg.Admin); err != nil {
		slog.Error("创建管理员账户失败", "error", err)
	} else if created {
		slog.Info("已按配置创建管理员账户", "username", cfg.Admin.Username)
	}
	slog.Info("服务层: 业务服务初始化完成")

	httpRouter := router.New(router.Dependencies{
		DB:            st.DB,
		Reconciler:    st.Reconciler,
		Tokens:        tokens,
		Users:         users,
		StudyList:     service.NewStudyListService(st.DB, st.Reconciler),
		Quiz:          service.NewQuizService(st.DB, st.Reconciler),
		Progress:      service.NewProgressService(st.DB, st.Reconciler),
		Achievements:  service.NewAchievementService(st.DB, st.Reconciler),
		Chat:          service.NewChatService(st.DB, st.Reconciler),
		Notifications: service.NewNotificationService(st.DB, st.Reconciler),
		Diagnostics:   service.NewDiagnosticsService(st.DB, st.Reconciler, cfg.Database.URL != ""),
		Auth:          cfg.Auth,
		RateLimit:     cfg.RateLimit,
	})
	slog.Info("传输层: HTTP 路由器创建完成。")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := serve(server, quit, cfg.Server.ShutdownTimeout)
	if pprofSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		_ = pprofSrv.Shutdown(ctx)
		cancel()
	}
	return code
}

// serve 运行 HTTP 服务直到收到停机信号或监听失败，然后优雅关闭。返回进程退出码。
func serve(server *http.Server, quit <-chan os.Signal, shutdownTimeout time.Duration) int {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("LinguaLearn 启动成功，开始监听HTTP请求...", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	code := 0
	select {
	case <-quit:
		slog.Info("收到停机信号，准备优雅关闭...")
	case err := <-serveErr:
		slog.Error("HTTP服务启动失败", "error", err)
		code = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP服务优雅关闭失败", "error", err)
		return 1
	}

	slog.Info("HTTP服务已成功关闭。")
	return code
}
