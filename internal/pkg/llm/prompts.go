package llm

import "strings"

// Kind 产物类型
type Kind string

const (
	KindDocumentation Kind = "documentation"
	KindHLD           Kind = "hld"
	KindLLD           Kind = "lld"
	KindChatSummary   Kind = "chat_summary"
)

// Kinds 一次分析需要生成的全部产物，顺序固定
var Kinds = []Kind{KindDocumentation, KindHLD, KindLLD, KindChatSummary}

const documentationPrompt = `You are a principal software architect. Write a chaptered technical handbook
for the '{repo}' repository in GitHub-flavoured Markdown, using ONLY the project context below.

Use exactly this outline:

# {repo} Architecture Handbook
- Executive summary as at most 5 bullets
- Table of contents linking each chapter anchor, e.g. [Chapter 1](#chapter-1-system-overview)

## Chapter 1: System Overview
### Objectives
### Core Capabilities
### Technology Stack

## Chapter 2: Architecture Blueprint
### Architectural Style
### Key Services & Responsibilities
### External Integrations

## Chapter 3: Data & Storage
### Data Flow Summary
### Persistent Stores
### Caching / Messaging

## Chapter 4: Runtime Behaviour
### Primary Execution Flow
### Error Handling & Resilience
### Observability

## Chapter 5: Extension Roadmap
### High-Impact Enhancements
### Tech Debt / Risks
### Deployment Considerations

Rules:
- Every chapter heading starts with "## Chapter N: ".
- Keep each sub-section to 3-6 sentences or a short bullet list; use tables where they help.
- Format symbols, file names, APIs and commands as inline code.
- Do not describe functionality that is not present in the context.

--- RELEVANT CONTEXT ---
{context}
---

Return only the Markdown document.`

const hldPrompt = `You are a senior software architect. From the context of '{repo}' below, produce a JSON
specification of a Mermaid system-context diagram that the frontend renders with Mermaid.js.

Return one JSON object of exactly this shape, without Markdown fences:
{
  "title": "<short name>",
  "description": "<one sentence summary>",
  "mermaid_code": "graph TD; ..."
}

Rules for mermaid_code:
- Use the graph TD layout with 6-12 nodes covering clients, services, data stores and external systems.
- Give nodes descriptive ids with bracketed labels, e.g. Client[Web Client].
- Draw interactions as --> edges, adding |labels| where useful.
- Group related nodes in subgraphs when it clarifies the picture.
- Take every name from the context; never invent technologies.

--- RELEVANT CONTEXT ---
{context}
---

Return only valid JSON.`

const lldPrompt = `You are a staff engineer. Using the context of '{repo}' below, produce a JSON description
of a Mermaid sequence diagram that follows the primary runtime flow end to end.

Return one JSON object of exactly this shape, without Markdown fences:
{
  "title": "<short workflow name>",
  "description": "<one sentence summary>",
  "mermaid_code": "sequenceDiagram\n  participant ..."
}

Rules for mermaid_code:
- Use sequenceDiagram syntax with 6-10 participants (clients, services, stores, workers, external APIs).
- Cover the happy path and at least one failure or alternate branch with alt/opt blocks.
- Keep arrow labels short and tied to operations found in the context.
- Take every participant and message from the context only.

--- RELEVANT CONTEXT ---
{context}
---

Return only valid JSON.`

const chatSummaryPrompt = `You are an architecture assistant helping engineers explore the '{repo}' repository.
Using only the context below, write a conversational summary of 3-4 short paragraphs or bullet groups
covering the project's purpose, its main components, the architecture style and notable integrations.
Stay factual and skip filler.

--- RELEVANT CONTEXT ---
{context}
---`

const chatAnswerPrompt = `You are an architecture copilot for '{repo}'.
Answer the question using ONLY the context below. Name the concrete services, data flows and technologies involved.
If the context does not contain the answer, say so and point to where in the codebase it is likely to be found.

--- USER QUESTION ---
{question}
---

--- RELEVANT CONTEXT ---
{context}
---`

var promptTemplates = map[Kind]string{
	KindDocumentation: documentationPrompt,
	KindHLD:           hldPrompt,
	KindLLD:           lldPrompt,
	KindChatSummary:   chatSummaryPrompt,
}

// renderPrompt 单遍替换占位符，上下文中出现的占位符文本不会被二次展开
func renderPrompt(template, repoName, contextText, question string) string {
	return strings.NewReplacer(
		"{repo}", repoName,
		"{context}", contextText,
		"{question}", question,
	).Replace(template)
}
