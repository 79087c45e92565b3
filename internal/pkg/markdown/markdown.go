// Package markdown 把生成的文档渲染成 HTML
package markdown

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
)

// ToHTML 渲染失败时退化为转义后的原文。
// goldmark 默认不输出原始 HTML，模型生成的文档可以直接嵌入页面
func ToHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "<pre>" + html.EscapeString(md) + "</pre>"
	}
	return buf.String()
}

// Page 带标题的完整 HTML 页面
func Page(title, md string) string {
	return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" +
		html.EscapeString(title) +
		"</title></head><body>\n" +
		ToHTML(md) +
		"</body></html>\n"
}
