// Package middleware file: internal/transport/http/middleware/error_handler.go
package middleware

import (
	"LinguaLearn/internal/core/port"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ErrorHandlingMiddleware 是一个Gin中间件，用于集中处理错误。
// 后端原始错误信息只写日志，响应中只给出通用描述。
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		// 只处理最后一个错误，它通常是根本原因
		err := c.Errors.Last().Err

		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数验证失败", "details": ve.Error()})
			return
		}

		code, msg := Status(err)
		if code >= http.StatusInternalServerError {
			slog.Error("请求处理失败", "path", c.FullPath(), "method", c.Request.Method, "status", code, "error", err)
		} else {
			slog.Debug("请求被拒绝", "path", c.FullPath(), "status", code, "error", err)
		}
		c.JSON(code, gin.H{"error": msg})
	}
}

// Status 把错误映射为 HTTP 状态码与对外的通用描述
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, port.ErrInvalidInput):
		return http.StatusBadRequest, "请求参数无效"
	case errors.Is(err, port.ErrInvalidCredentials):
		return http.StatusUnauthorized, "邮箱或密码无效"
	case errors.Is(err, port.ErrPermissionDenied):
		return http.StatusForbidden, "权限不足"
	case errors.Is(err, port.ErrNotFound):
		return http.StatusNotFound, "请求的资源不存在"
	case errors.Is(err, port.ErrUserExists):
		return http.StatusConflict, "用户名或邮箱已被注册"
	case errors.Is(err, port.ErrConstraintViolation):
		return http.StatusConflict, "数据与已有记录冲突"
	case errors.Is(err, port.ErrConnectionUnavailable), errors.Is(err, port.ErrTransientBackend):
		return http.StatusServiceUnavailable, "数据库暂时不可用，请稍后再试"
	case errors.Is(err, port.ErrSchemaMismatch), errors.Is(err, port.ErrStatementRejected):
		return http.StatusInternalServerError, "数据库操作失败"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
