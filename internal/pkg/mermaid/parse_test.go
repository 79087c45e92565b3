package mermaid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/archmind/internal/model"
)

func TestParseDiagram_Empty(t *testing.T) {
	for _, label := range []string{"HLD", "LLD", "Architecture"} {
		t.Run(label, func(t *testing.T) {
			for _, raw := range []string{"", "   ", "\n\t"} {
				got := ParseDiagram(raw, label)
				assert.Equal(t, model.DiagramError, got.Status)
				assert.Contains(t, got.Message, label)
				assert.Equal(t, "No "+label+" data returned.", got.Message)
				assert.Nil(t, got.Graph)
			}
		})
	}
}

func TestParseDiagram_Fenced(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "json fence", raw: "```json\n{\"a\":1}\n```"},
		{name: "bare fence", raw: "```\n{\"a\":1}\n```"},
		{name: "upper case tag", raw: "```JSON\n{\"a\":1}\n```"},
		{name: "four backticks", raw: "````json\n{\"a\":1}\n````"},
		{name: "plain", raw: `{"a":1}`},
		{name: "preamble and postamble", raw: "Here is the diagram you asked for:\n{\"a\":1}\nLet me know if you need changes."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDiagram(tt.raw, "HLD")
			require.True(t, got.IsOK(), "message: %s", got.Message)
			assert.Equal(t, model.Graph{"a": float64(1)}, got.Graph)
			assert.Empty(t, got.Message)
			assert.Empty(t, got.RawPreview)
		})
	}
}

func TestParseDiagram_InvalidJSON(t *testing.T) {
	raw := "{not json"
	got := ParseDiagram(raw, "LLD")

	assert.Equal(t, model.DiagramError, got.Status)
	assert.Equal(t, "Failed to parse LLD JSON.", got.Message)
	assert.True(t, strings.HasPrefix(raw, got.RawPreview))
	assert.LessOrEqual(t, len([]rune(got.RawPreview)), PreviewLimit)
}

func TestParseDiagram_LongInvalidPreviewTruncated(t *testing.T) {
	raw := "{" + strings.Repeat("x", 1000)
	got := ParseDiagram(raw, "HLD")

	assert.Equal(t, model.DiagramError, got.Status)
	assert.Len(t, []rune(got.RawPreview), PreviewLimit)
	assert.True(t, strings.HasPrefix(raw, got.RawPreview))
}

func TestParseDiagram_MultibytePreview(t *testing.T) {
	raw := "{" + strings.Repeat("图", 500)
	got := ParseDiagram(raw, "HLD")

	assert.Len(t, []rune(got.RawPreview), PreviewLimit)
	assert.True(t, strings.HasPrefix(raw, got.RawPreview))
}

func TestParseDiagram_NotObject(t *testing.T) {
	got := ParseDiagram("[1, 2, 3]", "HLD")

	assert.Equal(t, model.DiagramError, got.Status)
	assert.Equal(t, "HLD data was not a JSON object.", got.Message)
	assert.Equal(t, "[1, 2, 3]", got.RawPreview)
}

func TestParseDiagram_SanitizesCode(t *testing.T) {
	raw := "```json\n" +
		`{"title":"System","description":"overview","mermaid_code":"graph TD\n  user_name[User]\n  user_name --> api_gw[API]"}` +
		"\n```"

	got := ParseDiagram(raw, "HLD")
	require.True(t, got.IsOK())
	assert.Equal(t, "System", got.Graph.Title())
	assert.Equal(t, "overview", got.Graph.Description())
	assert.Equal(t, "graph TD\n  userName[User]\n  userName --> apiGw[API]", got.Graph.Code())
}

func TestParseDiagram_SanitizesDiagramCodeField(t *testing.T) {
	raw := `{"title":"Flow","diagram_code":"sequenceDiagram\n  A->>B: call\n  Activate B\n  B-->>A: ok"}`

	got := ParseDiagram(raw, "LLD")
	require.True(t, got.IsOK())
	assert.Equal(t, "sequenceDiagram\n  A->>B: call\n  B-->>A: ok", got.Graph.Code())
}

func TestParseDiagram_NonStringCodeLeftAlone(t *testing.T) {
	got := ParseDiagram(`{"mermaid_code": 5}`, "HLD")
	require.True(t, got.IsOK())
	assert.Equal(t, float64(5), got.Graph["mermaid_code"])
}

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "surrounding prose", in: "sure! {\"a\":{\"b\":2}} done", want: `{"a":{"b":2}}`},
		{name: "no braces", in: "nothing here", want: "nothing here"},
		{name: "reversed braces", in: "} oops {", want: "} oops {"},
		{name: "already clean", in: "  {\"a\":1}  ", want: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSONResponse(tt.in))
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	assert.Len(t, []rune(Preview(strings.Repeat("a", 401))), PreviewLimit)
}
