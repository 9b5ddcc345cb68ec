// File path: internal/chunker/chunker.go
package chunker

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nicodishanthj/codeatlas/internal/codeparse"
	"github.com/nicodishanthj/codeatlas/internal/common"
)

// Chunk is one embeddable unit of a source file. Line numbers are 1-based
// and inclusive, against the redacted file content.
type Chunk struct {
	ID           string   `json:"id"`
	CodebaseID   string   `json:"codebase_id"`
	FilePath     string   `json:"file_path"`
	Language     string   `json:"language"`
	Kind         string   `json:"chunk_type"`
	Symbol       string   `json:"name,omitempty"`
	ParentClass  string   `json:"parent_class,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	StartLine    int      `json:"line_start"`
	EndLine      int      `json:"line_end"`
	Content      string   `json:"content"`
	TokenCount   int      `json:"token_count"`
}

// Config controls chunk sizing. All values are token counts.
type Config struct {
	TargetTokens      int `json:"target_tokens"`
	MaxTokens         int `json:"max_tokens"`
	MinFunctionTokens int `json:"min_function_tokens"`
	WindowTokens      int `json:"window_tokens"`
	WindowOverlap     int `json:"window_overlap"`
}

func (c Config) applyDefaults() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = 800
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1500
	}
	if c.MinFunctionTokens <= 0 {
		c.MinFunctionTokens = 50
	}
	if c.WindowTokens <= 0 {
		c.WindowTokens = 800
	}
	if c.WindowOverlap <= 0 {
		c.WindowOverlap = 75
	}
	return c
}

// Chunker turns parsed files into chunks. Safe for concurrent use.
type Chunker struct {
	cfg Config
	enc *tiktoken.Tiktoken
}

func New(cfg Config) *Chunker {
	cfg = cfg.applyDefaults()
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		common.Logger().Warn("chunker: tiktoken unavailable, estimating tokens", "error", err)
		enc = nil
	}
	return &Chunker{cfg: cfg, enc: enc}
}

// CountTokens measures text with the encoder, falling back to a length/4
// estimate when the encoding could not load.
func (c *Chunker) CountTokens(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// ChunkFile produces the ordered chunks for one parsed file. Fallback files
// and files without regions are windowed instead of split semantically.
func (c *Chunker) ChunkFile(codebaseID string, file codeparse.File, content string) []Chunk {
	lines := strings.Split(content, "\n")
	if file.Fallback {
		return c.windowChunks(codebaseID, file, lines)
	}

	var chunks []Chunk
	skipMethods := make(map[int]bool)

	classes := make([]codeparse.Region, 0)
	for _, r := range file.Regions {
		if r.Kind == codeparse.KindClass {
			classes = append(classes, r)
		}
	}

	for _, class := range classes {
		text := sliceLines(lines, class.StartLine, class.EndLine)
		tokens := c.CountTokens(text)
		if tokens <= c.cfg.MaxTokens {
			chunks = append(chunks, c.newChunk(codebaseID, file, string(codeparse.KindClass), class.Name, class.ParentClass, class.StartLine, class.EndLine, text, tokens))
			for i, r := range file.Regions {
				if r.Kind == codeparse.KindMethod && within(r, class) {
					skipMethods[i] = true
				}
			}
			continue
		}
		// Oversized class: split per method, repeating the declaration
		// line so each piece keeps its owner context.
		header := sliceLines(lines, class.StartLine, class.StartLine)
		for i, r := range file.Regions {
			if r.Kind != codeparse.KindMethod || !within(r, class) {
				continue
			}
			skipMethods[i] = true
			body := header + "\n" + sliceLines(lines, r.StartLine, r.EndLine)
			chunks = append(chunks, c.newChunk(codebaseID, file, string(codeparse.KindMethod), r.Name, class.Name, r.StartLine, r.EndLine, body, c.CountTokens(body)))
		}
	}

	for i, r := range file.Regions {
		switch r.Kind {
		case codeparse.KindPreamble:
			text := sliceLines(lines, r.StartLine, r.EndLine)
			if strings.TrimSpace(text) == "" {
				continue
			}
			chunks = append(chunks, c.newChunk(codebaseID, file, "imports", "", "", r.StartLine, r.EndLine, text, c.CountTokens(text)))
		case codeparse.KindFunction, codeparse.KindMethod:
			if skipMethods[i] {
				continue
			}
			text := sliceLines(lines, r.StartLine, r.EndLine)
			tokens := c.CountTokens(text)
			if tokens > c.cfg.MaxTokens {
				chunks = append(chunks, c.splitOversized(codebaseID, file, r, lines)...)
				continue
			}
			chunks = append(chunks, c.newChunk(codebaseID, file, string(r.Kind), r.Name, r.ParentClass, r.StartLine, r.EndLine, text, tokens))
		case codeparse.KindBlob:
			return c.windowChunks(codebaseID, file, lines)
		}
	}

	chunks = c.mergeSmall(chunks)
	sortByStart(chunks)
	return chunks
}

// mergeSmall folds undersized function chunks into their neighbour so tiny
// helpers do not become standalone retrieval units.
func (c *Chunker) mergeSmall(chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	sortByStart(chunks)
	out := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		small := (ch.Kind == string(codeparse.KindFunction) || ch.Kind == string(codeparse.KindMethod)) &&
			ch.TokenCount < c.cfg.MinFunctionTokens
		if small && len(out) > 0 && mergeable(out[len(out)-1], ch) {
			prev := &out[len(out)-1]
			prev.Content = prev.Content + "\n" + ch.Content
			prev.EndLine = ch.EndLine
			prev.TokenCount = prev.TokenCount + ch.TokenCount
			prev.ID = chunkID(prev.CodebaseID, prev.FilePath, prev.StartLine, prev.EndLine, prev.Kind)
			continue
		}
		out = append(out, ch)
	}
	return out
}

func mergeable(prev, next Chunk) bool {
	if prev.FilePath != next.FilePath {
		return false
	}
	switch prev.Kind {
	case string(codeparse.KindFunction), string(codeparse.KindMethod), "imports":
		return next.StartLine >= prev.EndLine
	}
	return false
}

// splitOversized windows a single region that exceeds the hard cap.
func (c *Chunker) splitOversized(codebaseID string, file codeparse.File, r codeparse.Region, lines []string) []Chunk {
	windows := c.windowLines(lines, r.StartLine, r.EndLine)
	out := make([]Chunk, 0, len(windows))
	for _, w := range windows {
		text := sliceLines(lines, w.start, w.end)
		out = append(out, c.newChunk(codebaseID, file, string(r.Kind), r.Name, r.ParentClass, w.start, w.end, text, c.CountTokens(text)))
	}
	return out
}

// windowChunks covers a whole file with overlapping windows.
func (c *Chunker) windowChunks(codebaseID string, file codeparse.File, lines []string) []Chunk {
	windows := c.windowLines(lines, 1, len(lines))
	out := make([]Chunk, 0, len(windows))
	for _, w := range windows {
		text := sliceLines(lines, w.start, w.end)
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, c.newChunk(codebaseID, file, "window", "", "", w.start, w.end, text, c.CountTokens(text)))
	}
	return out
}

type window struct {
	start, end int
}

// windowLines builds ~WindowTokens windows over [start,end] breaking on
// line boundaries, with WindowOverlap tokens of lookback.
func (c *Chunker) windowLines(lines []string, start, end int) []window {
	if end > len(lines) {
		end = len(lines)
	}
	if start < 1 {
		start = 1
	}
	var windows []window
	i := start
	for i <= end {
		tokens := 0
		j := i
		for j <= end {
			tokens += c.CountTokens(lines[j-1]) + 1
			if tokens >= c.cfg.WindowTokens && j > i {
				break
			}
			j++
		}
		if j > end {
			j = end
		}
		windows = append(windows, window{start: i, end: j})
		if j >= end {
			break
		}
		// Walk back enough lines to cover the overlap budget.
		back := 0
		next := j + 1
		for next-1 > i && back < c.cfg.WindowOverlap {
			next--
			back += c.CountTokens(lines[next-1]) + 1
		}
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return windows
}

func (c *Chunker) newChunk(codebaseID string, file codeparse.File, kind, symbol, parent string, start, end int, content string, tokens int) Chunk {
	return Chunk{
		ID:           chunkID(codebaseID, file.Path, start, end, kind),
		CodebaseID:   codebaseID,
		FilePath:     file.Path,
		Language:     string(file.Language),
		Kind:         kind,
		Symbol:       symbol,
		ParentClass:  parent,
		Dependencies: file.Imports,
		StartLine:    start,
		EndLine:      end,
		Content:      content,
		TokenCount:   tokens,
	}
}

// chunkID derives a stable id from the chunk coordinates, so re-ingesting
// identical content yields identical ids.
func chunkID(codebaseID, path string, start, end int, kind string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d|%s", codebaseID, path, start, end, kind)
	return fmt.Sprintf("%016x", h.Sum64())
}

func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

func within(inner, outer codeparse.Region) bool {
	return inner.StartLine >= outer.StartLine && inner.EndLine <= outer.EndLine
}

func sortByStart(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].StartLine != chunks[j].StartLine {
			return chunks[i].StartLine < chunks[j].StartLine
		}
		return chunks[i].EndLine < chunks[j].EndLine
	})
}
