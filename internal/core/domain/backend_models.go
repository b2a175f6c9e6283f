// Package domain file: internal/core/domain/backend_models.go
package domain

import "time"

// BackendKind 标识当前使用的存储后端类别
type BackendKind string

const (
	// BackendNetworked 网络数据库服务器 (PostgreSQL)
	BackendNetworked BackendKind = "networked"
	// BackendLocalEmbedded 本地嵌入式数据库 (SQLite 文件或内存)
	BackendLocalEmbedded BackendKind = "local-embedded"
)

// BackendDescriptor 描述启动时选定的后端。一经选定即不可变，重新选择会产生新的描述符。
type BackendDescriptor struct {
	Kind       BackendKind `json:"kind"`
	Location   string      `json:"location"` // 已脱敏的 DSN 或文件路径
	InMemory   bool        `json:"in_memory"`
	SelectedAt time.Time   `json:"selected_at"`
}

// Networked 判断描述符是否指向网络后端
func (d BackendDescriptor) Networked() bool {
	return d.Kind == BackendNetworked
}

// Degraded 内存模式下数据不会持久化
func (d BackendDescriptor) Degraded() bool {
	return d.InMemory
}
