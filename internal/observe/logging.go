// Package observe file: internal/observe/logging.go
package observe

import (
	"log/slog"
	"os"
	"strings"
)

// level 由全局 logger 共享，配置热更新时直接修改它即可生效
var level = new(slog.LevelVar)

// ParseLevel 将配置中的级别字符串转换为 slog.Level，无法识别时返回 INFO
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger 初始化全局的 JSON 结构化日志记录器。
// 它应该在 main 函数的早期被调用。
func InitLogger(levelStr string) {
	level.Set(ParseLevel(levelStr))

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLevel 在运行期调整日志级别
func SetLevel(levelStr string) {
	next := ParseLevel(levelStr)
	if level.Level() == next {
		return
	}
	level.Set(next)
	slog.Info("日志级别已更新", "level", next.String())
}

// Level 返回当前日志级别
func Level() slog.Level {
	return level.Level()
}
