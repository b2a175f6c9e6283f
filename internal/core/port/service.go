// Package port file: internal/core/port/service.go
package port

import (
	"errors"
)

// 业务层错误
var (
	ErrPermissionDenied   = errors.New("权限不足，操作被拒绝")
	ErrNotFound           = errors.New("请求的资源不存在")
	ErrUserExists         = errors.New("用户名或邮箱已被注册")
	ErrInvalidCredentials = errors.New("邮箱或密码无效")
	ErrInvalidInput       = errors.New("请求参数无效")
)
