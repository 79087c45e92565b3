// Package mermaid 清洗模型生成的 Mermaid 图表 JSON，使其可以直接被前端渲染
package mermaid

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// NodePrefix 规范化后不以字母开头的节点 ID 会加上该前缀
const NodePrefix = "node"

var (
	wrappedLabelRe = regexp.MustCompile(`\[([^\]]*?)\n\s*([^\]]*?)\]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	nodeDeclRe     = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9_\-]*)[ \t]*\[`)
	idSeparatorRe  = regexp.MustCompile(`[_\-]`)
	strayLetterRe  = regexp.MustCompile(`\]\s+[A-Za-z]\s+([-<])`)

	lifecycleDirectives = []string{"activate", "deactivate"}
)

// SanitizeCode 依次执行全部清洗步骤，输入相同则输出相同
func SanitizeCode(code string) string {
	code = NormalizeNewlines(code)
	code = CollapseWrappedLabels(code)
	code = NormalizeNodeIDs(code)
	code = DropLifecycleDirectives(code)
	code = RemoveStrayLetters(code)
	return TrimLines(code)
}

// NormalizeNewlines 统一换行符为 \n
func NormalizeNewlines(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	return strings.ReplaceAll(code, "\r", "\n")
}

// CollapseWrappedLabels 把被硬换行拆开的节点标签合并为一行，例如 `[X\n(Y)]` → `[X (Y)]`
func CollapseWrappedLabels(code string) string {
	return wrappedLabelRe.ReplaceAllStringFunc(code, func(match string) string {
		groups := wrappedLabelRe.FindStringSubmatch(match)
		label := whitespaceRe.ReplaceAllString(groups[1]+" "+groups[2], " ")
		return "[" + strings.TrimSpace(label) + "]"
	})
}

// CamelCaseID 把带 `_` 或 `-` 分隔的节点 ID 转成 camelCase
func CamelCaseID(id string) string {
	parts := idSeparatorRe.Split(id, -1)
	if len(parts) == 1 {
		return id
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(parts[0]))
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		runes := []rune(strings.ToLower(p))
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}

	out := b.String()
	if out != "" && !unicode.IsLetter([]rune(out)[0]) {
		out = NodePrefix + out
	}
	return out
}

// NormalizeNodeIDs 收集所有节点声明（ID 后紧跟 `[`），把需要改名的 ID 全文整词替换
// 先替换较长的 ID，避免短 ID 截断长 ID
func NormalizeNodeIDs(code string) string {
	renames := make(map[string]string)
	for _, m := range nodeDeclRe.FindAllStringSubmatch(code, -1) {
		oldID := m[1]
		if newID := CamelCaseID(oldID); newID != oldID {
			renames[oldID] = newID
		}
	}
	if len(renames) == 0 {
		return code
	}

	ids := make([]string, 0, len(renames))
	for id := range renames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})

	for _, oldID := range ids {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(oldID) + `\b`)
		code = re.ReplaceAllLiteralString(code, renames[oldID])
	}
	return code
}

// DropLifecycleDirectives 删除 activate / deactivate 行（大小写不敏感），简化版渲染器不支持
func DropLifecycleDirectives(code string) string {
	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !isLifecycleDirective(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func isLifecycleDirective(line string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	for _, kw := range lifecycleDirectives {
		if !strings.HasPrefix(trimmed, kw) {
			continue
		}
		rest := trimmed[len(kw):]
		if rest == "" || unicode.IsSpace(rune(rest[0])) {
			return true
		}
	}
	return false
}

// RemoveStrayLetters 去掉 `]` 与箭头之间误插入的单个字母，例如 `] A -->` → `] -->`
func RemoveStrayLetters(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strayLetterRe.ReplaceAllString(line, "] $1")
	}
	return strings.Join(lines, "\n")
}

// TrimLines 去掉每行行尾空白
func TrimLines(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Join(lines, "\n")
}
