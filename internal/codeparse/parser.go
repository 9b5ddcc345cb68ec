// File path: internal/codeparse/parser.go
package codeparse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

// Parser extracts semantic regions from source files. A Parser is not safe
// for concurrent use; each worker owns its own.
type Parser struct {
	parsers map[Language]*sitter.Parser
}

func NewParser() *Parser {
	return &Parser{parsers: make(map[Language]*sitter.Parser)}
}

func (p *Parser) parserFor(lang Language) (*sitter.Parser, error) {
	if sp, ok := p.parsers[lang]; ok {
		return sp, nil
	}
	spec, ok := languageSpecs[lang]
	if !ok {
		return nil, fmt.Errorf("codeparse: no grammar for %q", lang)
	}
	sp := sitter.NewParser()
	sp.SetLanguage(spec.language)
	p.parsers[lang] = sp
	return sp, nil
}

// ErrUnsupported marks files with no registered grammar. Callers skip
// these rather than indexing them.
var ErrUnsupported = errors.New("codeparse: unsupported file type")

// Extract parses src and returns its ordered regions. Syntax errors do not
// abort extraction: tree-sitter error nodes are skipped and the rest of the
// tree is walked. A supported file yielding no regions comes back as a
// single blob region with Fallback set, as does a grammar panic. Files
// without a registered grammar return ErrUnsupported.
func (p *Parser) Extract(ctx context.Context, path string, src []byte) (file File, err error) {
	lang, ok := SupportedLanguage(path)
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	file = File{Path: path, Language: lang}

	defer func() {
		if r := recover(); r != nil {
			common.Logger().Warn("codeparse: grammar panic", "path", path, "language", lang, "panic", r)
			file = fallbackFile(path, lang, src)
			err = nil
		}
	}()

	sp, perr := p.parserFor(lang)
	if perr != nil {
		return fallbackFile(path, lang, src), nil
	}
	tree, perr := sp.ParseCtx(ctx, nil, src)
	if perr != nil {
		return File{}, fmt.Errorf("codeparse: parse %s: %w", path, perr)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		common.Logger().Debug("codeparse: syntax errors tolerated", "path", path, "language", lang)
	}

	spec := languageSpecs[lang]
	w := &walker{spec: spec, src: src}
	w.collectPreamble(root)
	w.walk(root, "")

	if len(w.regions) == 0 {
		return fallbackFile(path, lang, src), nil
	}
	sort.SliceStable(w.regions, func(i, j int) bool {
		if w.regions[i].StartLine != w.regions[j].StartLine {
			return w.regions[i].StartLine < w.regions[j].StartLine
		}
		return w.regions[i].EndLine > w.regions[j].EndLine
	})
	file.Regions = w.regions
	file.Imports = w.imports
	return file, nil
}

func fallbackFile(path string, lang Language, src []byte) File {
	lines := strings.Count(string(src), "\n") + 1
	return File{
		Path:     path,
		Language: lang,
		Fallback: true,
		Regions:  []Region{{Kind: KindBlob, StartLine: 1, EndLine: lines}},
	}
}

type walker struct {
	spec    languageSpec
	src     []byte
	regions []Region
	imports []string
}

func (w *walker) walk(node *sitter.Node, parentClass string) {
	if node == nil {
		return
	}
	nodeType := node.Type()
	if nodeType == "ERROR" {
		return
	}

	switch {
	case w.spec.containerTypes[nodeType]:
		region := w.buildRegion(node, KindClass)
		region.ParentClass = parentClass
		w.regions = append(w.regions, region)
		for i := 0; i < int(node.ChildCount()); i++ {
			w.walk(node.Child(i), region.Name)
		}
		return
	case w.spec.functionTypes[nodeType]:
		kind := KindFunction
		if parentClass != "" || nodeType == "method_declaration" || nodeType == "method_definition" {
			kind = KindMethod
		}
		region := w.buildRegion(node, kind)
		region.ParentClass = parentClass
		w.regions = append(w.regions, region)
		// Nested functions stay inside their parent region.
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i), parentClass)
	}
}

func (w *walker) buildRegion(node *sitter.Node, kind RegionKind) Region {
	region := Region{
		Kind:      kind,
		Name:      w.nodeName(node),
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
	}
	if doc, docStart := w.leadingComment(node); doc != "" {
		region.Doc = doc
		region.StartLine = docStart
	}
	return region
}

func (w *walker) nodeName(node *sitter.Node) string {
	field := "name"
	if override, ok := w.spec.nameFields[node.Type()]; ok {
		field = override
	}
	if nameNode := node.ChildByFieldName(field); nameNode != nil {
		return string(w.src[nameNode.StartByte():nameNode.EndByte()])
	}
	// Decorated and wrapped declarations hide the name one level down.
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if nameNode := child.ChildByFieldName("name"); nameNode != nil {
			return string(w.src[nameNode.StartByte():nameNode.EndByte()])
		}
	}
	return ""
}

// leadingComment returns the contiguous comment block directly above node
// and the line it starts on.
func (w *walker) leadingComment(node *sitter.Node) (string, int) {
	var parts []string
	start := 0
	expectRow := int(node.StartPoint().Row)
	for prev := node.PrevNamedSibling(); prev != nil; prev = prev.PrevNamedSibling() {
		if !isCommentType(prev.Type()) {
			break
		}
		if int(prev.EndPoint().Row)+1 != expectRow && int(prev.EndPoint().Row) != expectRow-1 {
			break
		}
		parts = append([]string{string(w.src[prev.StartByte():prev.EndByte()])}, parts...)
		start = int(prev.StartPoint().Row) + 1
		expectRow = int(prev.StartPoint().Row)
	}
	if len(parts) == 0 {
		return "", 0
	}
	return strings.Join(parts, "\n"), start
}

func isCommentType(t string) bool {
	switch t {
	case "comment", "line_comment", "block_comment", "doc_comment":
		return true
	}
	return false
}

// collectPreamble folds contiguous top-level import and package nodes into
// one preamble region and records the imported module names.
func (w *walker) collectPreamble(root *sitter.Node) {
	start, end := 0, 0
	seen := make(map[string]bool)
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if !w.spec.preambleTypes[child.Type()] {
			continue
		}
		s := int(child.StartPoint().Row) + 1
		e := int(child.EndPoint().Row) + 1
		if start == 0 || s < start {
			start = s
		}
		if e > end {
			end = e
		}
		for _, target := range importTargets(string(w.src[child.StartByte():child.EndByte()])) {
			if seen[target] {
				continue
			}
			seen[target] = true
			w.imports = append(w.imports, target)
		}
	}
	if start > 0 {
		w.regions = append(w.regions, Region{Kind: KindPreamble, Name: "imports", StartLine: start, EndLine: end})
	}
}

// importTargets pulls module names out of a preamble node's text. Quoted
// paths win; for bare-name forms the first token after the keyword is taken.
func importTargets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.IndexAny(line, `"'`); idx >= 0 {
			quote := line[idx]
			rest := line[idx+1:]
			if end := strings.IndexByte(rest, quote); end > 0 {
				out = append(out, rest[:end])
			}
			continue
		}
		for _, kw := range []string{"from ", "extern crate ", "import ", "use "} {
			if !strings.HasPrefix(line, kw) {
				continue
			}
			target := strings.TrimSpace(strings.TrimPrefix(line, kw))
			if cut := strings.IndexAny(target, " ;({"); cut >= 0 {
				target = target[:cut]
			}
			target = strings.TrimSuffix(target, ";")
			if target != "" {
				out = append(out, target)
			}
			break
		}
	}
	return out
}
