// File path: internal/agent/stages.go
package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nicodishanthj/codeatlas/internal/codeparse"
	"github.com/nicodishanthj/codeatlas/internal/retrieval"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

type intent string

const (
	intentExplain intent = "explain"
	intentLocate  intent = "locate"
	intentHowTo   intent = "how-to"
	intentGeneral intent = "general"
)

var (
	quotedPattern   = regexp.MustCompile("`([^`]+)`|\"([^\"]+)\"|'([^']+)'")
	citationPattern = regexp.MustCompile("`([^`\\s:]+):(\\d+)-(\\d+)`")
	languageCue     = regexp.MustCompile(`(?i)\bin\s+(python|golang|go|javascript|js|typescript|ts|java|rust)\b`)
)

const notGroundedNotice = "\n\nNote: this answer could not be grounded in the indexed code; treat it as general guidance."

func (e *Engine) analyze(_ context.Context, st *state, _ func(Event) error) error {
	st.intent = classifyIntent(st.request.Message)
	st.entities = extractEntities(st.request.Message)
	st.filters = extractFilters(st.request.Message)
	return nil
}

func classifyIntent(message string) intent {
	lowered := strings.ToLower(message)
	switch {
	case containsAny(lowered, "where is", "where are", "which file", "which files", "find ", "locate "):
		return intentLocate
	case containsAny(lowered, "how do i", "how can i", "how to", "steps to", "walk me through"):
		return intentHowTo
	case containsAny(lowered, "what ", "why ", "explain", "describe", "how does", "how is"):
		return intentExplain
	default:
		return intentGeneral
	}
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// extractEntities pulls quoted spans plus path-like and identifier-like
// tokens out of the question.
func extractEntities(message string) []string {
	seen := make(map[string]bool)
	var entities []string
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		entities = append(entities, value)
	}
	for _, groups := range quotedPattern.FindAllStringSubmatch(message, -1) {
		for _, group := range groups[1:] {
			if group != "" {
				add(group)
			}
		}
	}
	for _, token := range strings.Fields(message) {
		token = strings.Trim(token, ".,;:!?()[]{}")
		if token == "" || seen[token] {
			continue
		}
		if strings.ContainsRune(token, '/') && len(token) > 2 {
			add(token)
			continue
		}
		if strings.Contains(token, "_") && token != "_" {
			add(token)
			continue
		}
		if hasInnerUpper(token) {
			add(token)
		}
	}
	return entities
}

// extractFilters turns phrasing cues into metadata pre-filters: a
// language mention like "in Python" narrows by language, and a token
// with a recognized source extension like "auth.py" narrows by file.
func extractFilters(message string) vector.Filters {
	var filters vector.Filters
	if groups := languageCue.FindStringSubmatch(message); groups != nil {
		filters.Language = canonicalLanguage(strings.ToLower(groups[1]))
	}
	for _, token := range strings.Fields(message) {
		token = strings.Trim(token, ".,;:!?()[]{}`\"'")
		if token != "" && strings.ContainsRune(token, '.') && codeparse.Supported(token) {
			filters.FilePath = token
			break
		}
	}
	return filters
}

func canonicalLanguage(cue string) string {
	switch cue {
	case "golang":
		return "go"
	case "js":
		return "javascript"
	case "ts":
		return "typescript"
	default:
		return cue
	}
}

func hasInnerUpper(token string) bool {
	for i, r := range token {
		if i > 0 && r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

// contextualize renders the retrieved chunks into the prompt context,
// highest fused score first, trimmed to the token budget.
func (e *Engine) contextualize(_ context.Context, st *state, _ func(Event) error) error {
	if len(st.chunks) == 0 {
		return nil
	}
	var builder strings.Builder
	var used int
	for _, chunk := range st.chunks {
		block := renderChunk(chunk)
		cost := len(block) / 4
		if used+cost > e.cfg.ContextTokenBudget && used > 0 {
			break
		}
		builder.WriteString(block)
		used += cost
	}
	st.context = builder.String()
	return nil
}

func renderChunk(chunk retrieval.ScoredChunk) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "File: %s (Lines %d-%d)\n", chunk.FilePath, chunk.StartLine, chunk.EndLine)
	builder.WriteString("```")
	builder.WriteString(chunk.Language)
	builder.WriteString("\n")
	builder.WriteString(chunk.Content)
	if !strings.HasSuffix(chunk.Content, "\n") {
		builder.WriteString("\n")
	}
	builder.WriteString("```\n\n")
	return builder.String()
}

func systemPrompt(st *state) string {
	var builder strings.Builder
	builder.WriteString("You are a code documentation assistant. Answer questions about the indexed codebase using only the provided context. ")
	builder.WriteString("Cite code locations as `path:start-end` using the file paths and line numbers from the context. ")
	builder.WriteString("If the context does not contain the answer, say so instead of guessing.\n")
	if st.context != "" {
		builder.WriteString("\nContext:\n\n")
		builder.WriteString(st.context)
	} else if st.skipped {
		builder.WriteString("\nNo code context was retrieved for this general question.\n")
	} else {
		builder.WriteString("\nNo relevant code was retrieved for this question. ")
		builder.WriteString("Reply \"I don't see this in the provided code\" rather than guessing.\n")
	}
	return builder.String()
}

// validate checks every citation in the answer against the retrieved chunks.
// Citations that reference unknown paths or non-overlapping ranges are
// dropped with a warning. An answer with retrieval but no valid citation
// gets a not-grounded notice.
func (e *Engine) validate(_ context.Context, st *state, emit func(Event) error) error {
	matches := citationPattern.FindAllStringSubmatch(st.answer, -1)
	seen := make(map[string]bool)
	for _, groups := range matches {
		path := groups[1]
		start, _ := strconv.Atoi(groups[2])
		end, _ := strconv.Atoi(groups[3])
		key := fmt.Sprintf("%s:%d-%d", path, start, end)
		if seen[key] {
			continue
		}
		seen[key] = true
		chunk, ok := groundedChunk(st.chunks, path, start, end)
		if !ok {
			if err := emit(Event{Type: EventWarning, Message: fmt.Sprintf("dropped ungrounded citation `%s`", key)}); err != nil {
				return err
			}
			continue
		}
		st.sources = append(st.sources, Source{
			FilePath:   path,
			StartLine:  start,
			EndLine:    end,
			Snippet:    chunk.Snippet,
			Confidence: chunk.Score,
		})
	}
	sort.Slice(st.sources, func(i, j int) bool {
		if st.sources[i].FilePath != st.sources[j].FilePath {
			return st.sources[i].FilePath < st.sources[j].FilePath
		}
		return st.sources[i].StartLine < st.sources[j].StartLine
	})
	if len(st.sources) == 0 && len(st.chunks) > 0 {
		st.answer += notGroundedNotice
		if err := emit(Event{Type: EventChunk, Content: notGroundedNotice}); err != nil {
			return err
		}
	}
	return nil
}

func groundedChunk(chunks []retrieval.ScoredChunk, path string, start, end int) (retrieval.ScoredChunk, bool) {
	for _, chunk := range chunks {
		if chunk.FilePath != path {
			continue
		}
		if start <= chunk.EndLine && end >= chunk.StartLine {
			return chunk, true
		}
	}
	return retrieval.ScoredChunk{}, false
}
