// Package database file: internal/adapter/database/row.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	_ port.Row = (*embeddedRow)(nil)
	_ port.Row = (*networkedRow)(nil)
)

// timeLayouts 覆盖 SQLite 的 CURRENT_TIMESTAMP、date 以及常见的 ISO 8601 写法
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// baseRow 存放已规范化的列与值。列名统一转为小写，
// 因为 PostgreSQL 会折叠未加引号的标识符，而 SQLite 保留原样。
type baseRow struct {
	cols  []string
	vals  []any
	index map[string]int
}

func newBaseRow(cols []string, vals []any) baseRow {
	r := baseRow{
		cols:  make([]string, len(cols)),
		vals:  vals,
		index: make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		lc := strings.ToLower(c)
		r.cols[i] = lc
		if _, dup := r.index[lc]; !dup {
			r.index[lc] = i
		}
	}
	return r
}

func (r *baseRow) lookup(name string) (any, bool) {
	i, ok := r.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return r.vals[i], true
}

func (r *baseRow) Get(name string, def any) any {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	return v
}

func (r *baseRow) String(name, def string) string {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func (r *baseRow) Int64(name string, def int64) int64 {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case float32:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return int64(f)
		}
	}
	return def
}

func (r *baseRow) Float64(name string, def float64) float64 {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

func (r *baseRow) Bool(name string, def bool) bool {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	}
	return def
}

func (r *baseRow) Time(name string, def time.Time) time.Time {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		if t, ok := parseTime(x); ok {
			return t
		}
	}
	return def
}

func (r *baseRow) At(i int) any {
	if i < 0 || i >= len(r.vals) {
		return nil
	}
	return r.vals[i]
}

func (r *baseRow) Len() int { return len(r.vals) }

func (r *baseRow) Columns() []string {
	return append([]string(nil), r.cols...)
}

func (r *baseRow) Map() map[string]any {
	m := make(map[string]any, len(r.cols))
	for i, c := range r.cols {
		if _, dup := m[c]; dup {
			continue
		}
		m[c] = r.vals[i]
	}
	return m
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// embeddedRow 对应 SQLite：没有原生时间类型，DATE/DATETIME/TIMESTAMP 列中的文本按时间解析
type embeddedRow struct{ baseRow }

func newEmbeddedRow(cols, declTypes []string, raw []any) *embeddedRow {
	vals := make([]any, len(raw))
	for i, v := range raw {
		switch x := v.(type) {
		case []byte:
			vals[i] = string(x)
		case string:
			if i < len(declTypes) && isTimeType(declTypes[i]) {
				if t, ok := parseTime(x); ok {
					vals[i] = t
					continue
				}
			}
			vals[i] = x
		default:
			vals[i] = x
		}
	}
	return &embeddedRow{newBaseRow(cols, vals)}
}

// networkedRow 对应 PostgreSQL：lib/pq 以文本形式返回 NUMERIC，这里转为 float64
type networkedRow struct{ baseRow }

func newNetworkedRow(cols, declTypes []string, raw []any) *networkedRow {
	vals := make([]any, len(raw))
	for i, v := range raw {
		switch x := v.(type) {
		case []byte:
			s := string(x)
			if i < len(declTypes) && isNumericType(declTypes[i]) {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					vals[i] = f
					continue
				}
			}
			vals[i] = s
		case int32:
			vals[i] = int64(x)
		case float32:
			vals[i] = float64(x)
		default:
			vals[i] = x
		}
	}
	return &networkedRow{newBaseRow(cols, vals)}
}

func isTimeType(t string) bool {
	switch strings.ToUpper(t) {
	case "DATE", "DATETIME", "TIMESTAMP":
		return true
	}
	return false
}

func isNumericType(t string) bool {
	switch strings.ToUpper(t) {
	case "NUMERIC", "DECIMAL":
		return true
	}
	return false
}

// newRow 按后端类别构造结果行
func newRow(kind domain.BackendKind, cols, declTypes []string, raw []any) port.Row {
	if kind == domain.BackendNetworked {
		return newNetworkedRow(cols, declTypes, raw)
	}
	return newEmbeddedRow(cols, declTypes, raw)
}

// normalize 读取全部结果行。调用方负责关闭 rows。
func normalize(rows *sql.Rows, kind domain.BackendKind) ([]port.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("读取结果列失败: %w", err)
	}
	declTypes := make([]string, len(cols))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			if i < len(declTypes) {
				declTypes[i] = ct.DatabaseTypeName()
			}
		}
	}

	var out []port.Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("扫描结果行失败: %w", err)
		}
		out = append(out, newRow(kind, cols, declTypes, raw))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
