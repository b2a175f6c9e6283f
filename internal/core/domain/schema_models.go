// Package domain file: internal/core/domain/schema_models.go
package domain

// ColumnType 是与方言无关的列类型，渲染 DDL 时再映射到具体后端
type ColumnType string

const (
	ColumnSerial    ColumnType = "serial"
	ColumnText      ColumnType = "text"
	ColumnInteger   ColumnType = "integer"
	ColumnReal      ColumnType = "real"
	ColumnTimestamp ColumnType = "timestamp"
	ColumnDate      ColumnType = "date"
)

// ColumnSpec 定义表中的一列
type ColumnSpec struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	Default    string // SQL 字面量或表达式，例如 '0'、'english'、CURRENT_TIMESTAMP
}

// ForeignKey 定义外键引用
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
	OnDelete  string
}

// TableSpec 是应用所需一张表的完整声明
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec
	UniqueKeys  [][]string
	ForeignKeys []ForeignKey
}

// NaturalKeys 返回表上所有业务唯一键 (不含自增主键)
func (t TableSpec) NaturalKeys() [][]string {
	var keys [][]string
	for _, c := range t.Columns {
		if c.Type == ColumnSerial {
			continue
		}
		if c.PrimaryKey || c.Unique {
			keys = append(keys, []string{c.Name})
		}
	}
	for _, k := range t.UniqueKeys {
		keys = append(keys, append([]string(nil), k...))
	}
	return keys
}

// HasColumn 判断声明中是否包含指定列
func (t TableSpec) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ColumnRequirement 描述一个必须存在的列。
// 缺失时通过 ADD COLUMN 补齐，然后将 NULL 行回填为 Backfill 表达式 (为空则使用 Default)。
type ColumnRequirement struct {
	Table    string
	Column   string
	Type     ColumnType
	Default  string
	Backfill string
}

// FillExpr 返回回填使用的 SQL 表达式，没有可用表达式时返回空串
func (r ColumnRequirement) FillExpr() string {
	if r.Backfill != "" {
		return r.Backfill
	}
	return r.Default
}

// Key 用于缓存与日志的唯一标识
func (r ColumnRequirement) Key() string {
	return r.Table + "." + r.Column
}
