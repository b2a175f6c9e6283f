// Package database file: internal/adapter/database/translator.go
package database

import (
	"LinguaLearn/internal/core/domain"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Query 是用嵌入式方言 (? 占位符) 书写的逻辑语句
type Query struct {
	SQL  string
	Args []any
}

// Physical 是翻译后可以直接交给目标后端执行的语句
type Physical struct {
	SQL   string
	Args  []any
	Skip  bool     // 该语句在目标后端上没有意义，不执行
	Rules []string // 实际生效的改写规则，便于调试
}

// rewriteRule 是改写规则表中的一项。新增方言差异只需要追加一条规则。
type rewriteRule struct {
	name    string
	guard   *regexp.Regexp // 可选，语句必须先匹配 guard 才尝试本规则
	pattern *regexp.Regexp
	skip    bool // 命中即跳过整条语句
	apply   func(t *Translator, sql string) string
}

var (
	rePragmaTableInfo     = regexp.MustCompile(`(?is)^\s*PRAGMA\s+table_info\s*\(\s*['"]?([A-Za-z_][A-Za-z0-9_]*)['"]?\s*\)\s*;?\s*$`)
	rePragma              = regexp.MustCompile(`(?is)^\s*PRAGMA\b`)
	rePragmaTableInfoFunc = regexp.MustCompile(`(?i)\bpragma_table_info\s*\(\s*(\?|'[A-Za-z_][A-Za-z0-9_]*')\s*\)`)
	reSQLiteMaster        = regexp.MustCompile(`(?i)\bsqlite_(?:master|schema)\b`)
	reInsertOrIgnore      = regexp.MustCompile(`(?is)^(\s*)INSERT\s+OR\s+IGNORE\s+INTO\s+("?[A-Za-z_][A-Za-z0-9_]*"?)`)
	reInsertOrReplace     = regexp.MustCompile(`(?is)^(\s*)(?:INSERT\s+OR\s+REPLACE|REPLACE)\s+INTO\s+("?[A-Za-z_][A-Za-z0-9_]*"?)\s*\(([^)]*)\)`)
	reReplaceInto         = regexp.MustCompile(`(?is)^(\s*)(?:INSERT\s+OR\s+REPLACE|REPLACE)\s+INTO\b`)
	reDatetimeNow         = regexp.MustCompile(`(?i)\bdatetime\(\s*'now'\s*\)`)
	reDDL                 = regexp.MustCompile(`(?is)^\s*(?:CREATE|ALTER)\b`)
	reAutoincrement       = regexp.MustCompile(`(?i)\bINTEGER\s+PRIMARY\s+KEY\s+AUTOINCREMENT\b`)
	reDatetimeType        = regexp.MustCompile(`(?i)\bDATETIME\b`)
	reReturning           = regexp.MustCompile(`(?i)\sRETURNING\s`)
	reNetworkedOnly       = regexp.MustCompile(`(?is)^\s*(?:SET\s|RESET\s|CREATE\s+EXTENSION\b|COMMENT\s+ON\b)`)
	reAliasAfter          = regexp.MustCompile(`(?i)^\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*)`)
	reEndsWithAs          = regexp.MustCompile(`(?i)\bAS\s+$`)
	reDollarPlaceholder   = regexp.MustCompile(`\$\d+`)
)

const masterRelation = `(SELECT table_name AS name, table_name AS tbl_name, 'table' AS type ` +
	`FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE')`

// tableInfoRelation 与 SQLite 的 table_info 对齐：cid 从 0 开始，pk 为列在主键中的序号 (不在主键中为 0)
const tableInfoRelation = `(SELECT c.ordinal_position - 1 AS cid, c.column_name AS name, c.data_type AS type, ` +
	`CASE WHEN c.is_nullable = 'NO' THEN 1 ELSE 0 END AS notnull, c.column_default AS dflt_value, ` +
	`COALESCE((SELECT k.ordinal_position FROM information_schema.table_constraints tc ` +
	`JOIN information_schema.key_column_usage k ON k.constraint_schema = tc.constraint_schema ` +
	`AND k.constraint_name = tc.constraint_name AND k.table_name = tc.table_name ` +
	`WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema ` +
	`AND tc.table_name = c.table_name AND k.column_name = c.column_name), 0) AS pk ` +
	`FROM information_schema.columns c WHERE c.table_schema = current_schema() AND c.table_name = %s)`

// networkedRules 的顺序有意义：PRAGMA table_info 必须先于通用 PRAGMA 规则
var networkedRules = []rewriteRule{
	{name: "pragma-table-info", pattern: rePragmaTableInfo, apply: rewritePragmaTableInfo},
	{name: "pragma", pattern: rePragma, skip: true},
	{name: "pragma-table-info-func", pattern: rePragmaTableInfoFunc, apply: rewritePragmaTableInfoFunc},
	{name: "sqlite-master", pattern: reSQLiteMaster, apply: rewriteSQLiteMaster},
	{name: "insert-or-ignore", pattern: reInsertOrIgnore, apply: (*Translator).rewriteInsertOrIgnore},
	{name: "insert-or-replace", pattern: reInsertOrReplace, apply: (*Translator).rewriteInsertOrReplace},
	{name: "replace-into", pattern: reReplaceInto, apply: func(_ *Translator, sql string) string {
		return reReplaceInto.ReplaceAllString(sql, "${1}INSERT INTO")
	}},
	{name: "datetime-now", pattern: reDatetimeNow, apply: func(_ *Translator, sql string) string {
		return replaceInCode(sql, reDatetimeNow, func(string) string { return "CURRENT_TIMESTAMP" })
	}},
	{name: "ddl-autoincrement", guard: reDDL, pattern: reAutoincrement, apply: func(_ *Translator, sql string) string {
		return replaceInCode(sql, reAutoincrement, func(string) string { return "SERIAL PRIMARY KEY" })
	}},
	{name: "ddl-datetime", guard: reDDL, pattern: reDatetimeType, apply: func(_ *Translator, sql string) string {
		return replaceInCode(sql, reDatetimeType, func(string) string { return "TIMESTAMP" })
	}},
}

var embeddedRules = []rewriteRule{
	{name: "networked-only", pattern: reNetworkedOnly, skip: true},
}

// Translator 把嵌入式方言的语句改写为目标后端的方言。它是纯函数式的，可并发使用。
type Translator struct {
	keys UniqueKeys
}

func NewTranslator(keys UniqueKeys) *Translator {
	if keys == nil {
		keys = UniqueKeys{}
	}
	return &Translator{keys: keys}
}

// Translate 对嵌入式后端原样透传 (仅跳过网络端专用语句)，对网络后端依次应用改写规则并转换占位符。
// 无法识别的结构保持不变，由后端自行报错。
func (t *Translator) Translate(q Query, kind domain.BackendKind) Physical {
	out := Physical{SQL: q.SQL, Args: q.Args}

	rules := embeddedRules
	if kind == domain.BackendNetworked {
		rules = networkedRules
	}
	for _, r := range rules {
		if r.guard != nil && !r.guard.MatchString(out.SQL) {
			continue
		}
		if !r.pattern.MatchString(out.SQL) {
			continue
		}
		if r.skip {
			out.Rules = append(out.Rules, r.name)
			out.Skip = true
			return out
		}
		if next := r.apply(t, out.SQL); next != out.SQL {
			out.SQL = next
			out.Rules = append(out.Rules, r.name)
		}
	}

	if kind == domain.BackendNetworked {
		if next := rewritePlaceholders(out.SQL); next != out.SQL {
			out.SQL = next
			out.Rules = append(out.Rules, "placeholders")
		}
	}
	return out
}

func rewritePragmaTableInfo(_ *Translator, sql string) string {
	m := rePragmaTableInfo.FindStringSubmatch(sql)
	table := quoteLiteral(m[1])
	return "SELECT cid, name, type, notnull, dflt_value, pk FROM " +
		strings.Replace(tableInfoRelation, "%s", table, 1) + " AS pragma_table_info ORDER BY cid"
}

func rewritePragmaTableInfoFunc(_ *Translator, sql string) string {
	return replaceInCode(sql, rePragmaTableInfoFunc, func(match string) string {
		arg := rePragmaTableInfoFunc.FindStringSubmatch(match)[1]
		return strings.Replace(tableInfoRelation, "%s", arg, 1) + " AS pragma_table_info"
	})
}

// rewriteSQLiteMaster 用 information_schema 派生表替换目录表，保留 name/tbl_name/type 三列，
// 原语句中针对这些列的条件因此无需改动。已带别名或以 AS 引出的位置不重复替换。
func rewriteSQLiteMaster(_ *Translator, sql string) string {
	var b strings.Builder
	last := 0
	forEachCodeSegment(sql, func(start, end int) {
		seg := sql[start:end]
		for _, loc := range reSQLiteMaster.FindAllStringIndex(seg, -1) {
			absStart, absEnd := start+loc[0], start+loc[1]
			if reEndsWithAs.MatchString(sql[:absStart]) {
				continue
			}
			if absEnd < len(sql) && sql[absEnd] == '.' {
				continue
			}
			b.WriteString(sql[last:absStart])
			b.WriteString(masterRelation)
			if !hasAlias(sql[absEnd:]) {
				b.WriteString(" AS sqlite_master")
			}
			last = absEnd
		}
	})
	b.WriteString(sql[last:])
	return b.String()
}

var notAliases = map[string]bool{
	"WHERE": true, "ORDER": true, "GROUP": true, "LIMIT": true, "OFFSET": true, "HAVING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true,
	"NATURAL": true, "ON": true, "USING": true, "UNION": true, "EXCEPT": true, "INTERSECT": true,
	"WINDOW": true, "RETURNING": true,
}

func hasAlias(rest string) bool {
	m := reAliasAfter.FindStringSubmatch(rest)
	if m == nil {
		return false
	}
	return !notAliases[strings.ToUpper(m[1])]
}

func (t *Translator) rewriteInsertOrIgnore(sql string) string {
	m := reInsertOrIgnore.FindStringSubmatchIndex(sql)
	lead, tableRaw := sql[m[2]:m[3]], sql[m[4]:m[5]]
	stmt := lead + "INSERT INTO " + tableRaw + sql[m[1]:]

	clause := "ON CONFLICT DO NOTHING"
	if key, ok := t.keys.ConflictTarget(unquoteIdent(tableRaw)); ok {
		clause = "ON CONFLICT (" + strings.Join(key, ", ") + ") DO NOTHING"
	}
	return appendConflictClause(stmt, clause)
}

// rewriteInsertOrReplace 在已知唯一键时改写为 ON CONFLICT DO UPDATE；否则退化为普通 INSERT，
// 冲突会以约束错误的形式返回给调用方。
func (t *Translator) rewriteInsertOrReplace(sql string) string {
	m := reInsertOrReplace.FindStringSubmatchIndex(sql)
	lead, tableRaw, colsRaw := sql[m[2]:m[3]], sql[m[4]:m[5]], sql[m[6]:m[7]]
	stmt := lead + "INSERT INTO " + tableRaw + " (" + colsRaw + ")" + sql[m[1]:]

	key, ok := t.keys.ConflictTarget(unquoteIdent(tableRaw))
	if !ok {
		return stmt
	}
	inKey := make(map[string]bool, len(key))
	for _, k := range key {
		inKey[strings.ToLower(k)] = true
	}
	var sets []string
	for _, col := range strings.Split(colsRaw, ",") {
		col = strings.TrimSpace(col)
		if col == "" || inKey[strings.ToLower(unquoteIdent(col))] {
			continue
		}
		sets = append(sets, col+" = EXCLUDED."+col)
	}
	target := "ON CONFLICT (" + strings.Join(key, ", ") + ")"
	if len(sets) == 0 {
		return appendConflictClause(stmt, target+" DO NOTHING")
	}
	return appendConflictClause(stmt, target+" DO UPDATE SET "+strings.Join(sets, ", "))
}

// appendConflictClause 把冲突子句放在 RETURNING 之前 (如果有)，并保留结尾的分号与注释
func appendConflictClause(stmt, clause string) string {
	codeEnd := 0
	forEachCodeSegment(stmt, func(start, end int) {
		if strings.TrimSpace(stmt[start:end]) != "" {
			codeEnd = end
		}
	})
	body := strings.TrimRightFunc(stmt[:codeEnd], unicode.IsSpace)
	comment := strings.TrimRightFunc(stmt[codeEnd:], unicode.IsSpace)
	if comment != "" {
		comment = " " + comment
	}

	tail := ""
	if strings.HasSuffix(body, ";") {
		body = strings.TrimRightFunc(strings.TrimSuffix(body, ";"), unicode.IsSpace)
		tail = ";"
	}
	if loc := lastCodeMatch(body, reReturning); loc != nil {
		return body[:loc[0]] + " " + clause + body[loc[0]:] + tail + comment
	}
	return body + " " + clause + tail + comment
}

// rewritePlaceholders 把 ? 与 ?NNN 转为 $n。字符串字面量、引号标识符和注释中的问号不受影响。
// 与 SQLite 一致，裸 ? 的编号为此前出现过的最大编号加一。
func rewritePlaceholders(sql string) string {
	if !strings.Contains(sql, "?") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql) + 8)
	maxN := 0
	last := 0
	forEachCodeSegment(sql, func(start, end int) {
		for i := start; i < end; i++ {
			if sql[i] != '?' {
				continue
			}
			j := i + 1
			for j < end && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			n := maxN + 1
			if j > i+1 {
				n, _ = strconv.Atoi(sql[i+1 : j])
			}
			if n > maxN {
				maxN = n
			}
			b.WriteString(sql[last:i])
			b.WriteString("$" + strconv.Itoa(n))
			last = j
			i = j - 1
		}
	})
	b.WriteString(sql[last:])
	return b.String()
}

// CountPlaceholders 统计语句中的占位符个数：嵌入式方言统计 ?，网络方言统计 $n
func CountPlaceholders(sql string, kind domain.BackendKind) int {
	count := 0
	forEachCodeSegment(sql, func(start, end int) {
		seg := sql[start:end]
		if kind == domain.BackendNetworked {
			count += len(reDollarPlaceholder.FindAllStringIndex(seg, -1))
			return
		}
		count += strings.Count(seg, "?")
	})
	return count
}

// forEachCodeSegment 以 [start, end) 回调语句中不属于字面量、引号标识符或注释的片段
func forEachCodeSegment(sql string, fn func(start, end int)) {
	start := 0
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			if i > start {
				fn(start, i)
			}
			i = skipQuoted(sql, i, c)
			start = i
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			if i > start {
				fn(start, i)
			}
			if nl := strings.IndexByte(sql[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(sql)
			}
			start = i
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			if i > start {
				fn(start, i)
			}
			if end := strings.Index(sql[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = len(sql)
			}
			start = i
		default:
			i++
		}
	}
	if start < len(sql) {
		fn(start, len(sql))
	}
}

// skipQuoted 返回引号结束后的位置，成对的引号 ('' 或 "") 视为转义
func skipQuoted(sql string, i int, quote byte) int {
	for j := i + 1; j < len(sql); j++ {
		if sql[j] != quote {
			continue
		}
		if j+1 < len(sql) && sql[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(sql)
}

// codeMatches 返回起点落在代码片段内的全部匹配。匹配本身可以跨过字面量，
// 例如 datetime('now')。
func codeMatches(sql string, re *regexp.Regexp) [][]int {
	locs := re.FindAllStringIndex(sql, -1)
	if len(locs) == 0 {
		return nil
	}
	var segs [][2]int
	forEachCodeSegment(sql, func(start, end int) {
		segs = append(segs, [2]int{start, end})
	})
	out := locs[:0]
	for _, loc := range locs {
		for _, seg := range segs {
			if loc[0] >= seg[0] && loc[0] < seg[1] {
				out = append(out, loc)
				break
			}
		}
	}
	return out
}

// replaceInCode 只替换起点位于代码片段内的匹配
func replaceInCode(sql string, re *regexp.Regexp, repl func(match string) string) string {
	locs := codeMatches(sql, re)
	if len(locs) == 0 {
		return sql
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(sql[last:loc[0]])
		b.WriteString(repl(sql[loc[0]:loc[1]]))
		last = loc[1]
	}
	b.WriteString(sql[last:])
	return b.String()
}

func lastCodeMatch(sql string, re *regexp.Regexp) []int {
	locs := codeMatches(sql, re)
	if len(locs) == 0 {
		return nil
	}
	return locs[len(locs)-1]
}

func unquoteIdent(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
