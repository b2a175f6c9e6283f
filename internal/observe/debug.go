// Package observe file: internal/observe/debug.go
package observe

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// EnablePprof 在独立端口上暴露 /debug/pprof，addr 为空时不启用。
// 返回的 server 由调用方在停机时关闭。
func EnablePprof(addr string) *http.Server {
	if addr == "" {
		slog.Info("pprof 未启用 (地址为空)")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("pprof 端点启动", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pprof 端点启动失败", "error", err)
		}
	}()
	return srv
}
