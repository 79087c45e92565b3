package mermaid

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qs3c/archmind/internal/model"
)

// PreviewLimit 错误结果中保留的原始输出长度（字符）
const PreviewLimit = 400

// codeFields 可能承载图表源码的字段
var codeFields = []string{"mermaid_code", "diagram_code"}

// ParseDiagram 把模型原始输出解析为图表结果，失败时返回带截断预览的错误结果
func ParseDiagram(raw, label string) model.DiagramResult {
	if strings.TrimSpace(raw) == "" {
		return model.NewDiagramError(fmt.Sprintf("No %s data returned.", label), "")
	}

	normalized := CleanJSONResponse(raw)

	var parsed any
	if err := json.Unmarshal([]byte(normalized), &parsed); err != nil {
		return model.NewDiagramError(fmt.Sprintf("Failed to parse %s JSON.", label), Preview(raw))
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return model.NewDiagramError(fmt.Sprintf("%s data was not a JSON object.", label), Preview(normalized))
	}

	graph := model.Graph(obj)
	for _, field := range codeFields {
		if code, ok := graph[field].(string); ok {
			graph[field] = SanitizeCode(code)
		}
	}
	return model.NewDiagramOK(graph)
}

// CleanJSONResponse 去掉 Markdown 代码围栏以及 JSON 前后的寒暄文字
func CleanJSONResponse(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return ""
	}

	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimLeft(cleaned, "`")
		if len(cleaned) >= 4 && strings.EqualFold(cleaned[:4], "json") {
			cleaned = cleaned[4:]
		}
		cleaned = strings.TrimSpace(cleaned)
		cleaned = strings.TrimRight(cleaned, "`")
	}

	cleaned = strings.TrimSpace(cleaned)
	if cleaned != "" && cleaned[0] != '{' {
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start != -1 && end > start {
			cleaned = cleaned[start : end+1]
		}
	}
	return cleaned
}

// Preview 按字符截断，避免切断多字节字符
func Preview(s string) string {
	runes := []rune(s)
	if len(runes) <= PreviewLimit {
		return s
	}
	return string(runes[:PreviewLimit])
}
