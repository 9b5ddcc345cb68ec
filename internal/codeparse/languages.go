// File path: internal/codeparse/languages.go
package codeparse

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language identifies a supported grammar.
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangRust       Language = "rust"
)

// languageSpec carries the grammar plus the node types the walker cares
// about. Field names follow tree-sitter grammar conventions; the name
// field is overridden per type where the grammar deviates.
type languageSpec struct {
	language *sitter.Language
	// function-like node types at any nesting level
	functionTypes map[string]bool
	// class-like container node types
	containerTypes map[string]bool
	// top-level import/package node types forming the preamble
	preambleTypes map[string]bool
	// node type -> field holding the name, when not "name"
	nameFields map[string]string
}

var languageSpecs = map[Language]languageSpec{
	LangGo: {
		language:       golang.GetLanguage(),
		functionTypes:  map[string]bool{"function_declaration": true, "method_declaration": true},
		containerTypes: map[string]bool{},
		preambleTypes:  map[string]bool{"package_clause": true, "import_declaration": true},
	},
	LangPython: {
		language:       python.GetLanguage(),
		functionTypes:  map[string]bool{"function_definition": true},
		containerTypes: map[string]bool{"class_definition": true},
		preambleTypes:  map[string]bool{"import_statement": true, "import_from_statement": true, "future_import_statement": true},
	},
	LangJavaScript: {
		language: javascript.GetLanguage(),
		functionTypes: map[string]bool{
			"function_declaration": true, "generator_function_declaration": true, "method_definition": true,
		},
		containerTypes: map[string]bool{"class_declaration": true},
		preambleTypes:  map[string]bool{"import_statement": true},
	},
	LangTypeScript: {
		language: typescript.GetLanguage(),
		functionTypes: map[string]bool{
			"function_declaration": true, "generator_function_declaration": true, "method_definition": true,
		},
		containerTypes: map[string]bool{"class_declaration": true, "interface_declaration": true},
		preambleTypes:  map[string]bool{"import_statement": true},
	},
	LangJava: {
		language: java.GetLanguage(),
		functionTypes: map[string]bool{
			"method_declaration": true, "constructor_declaration": true,
		},
		containerTypes: map[string]bool{
			"class_declaration": true, "interface_declaration": true, "enum_declaration": true, "record_declaration": true,
		},
		preambleTypes: map[string]bool{"package_declaration": true, "import_declaration": true},
	},
	LangRust: {
		language:       rust.GetLanguage(),
		functionTypes:  map[string]bool{"function_item": true},
		containerTypes: map[string]bool{"impl_item": true, "trait_item": true},
		preambleTypes:  map[string]bool{"use_declaration": true, "extern_crate_declaration": true},
		nameFields:     map[string]string{"impl_item": "type"},
	},
}

var extensionLanguages = map[string]Language{
	".go":   LangGo,
	".py":   LangPython,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".java": LangJava,
	".rs":   LangRust,
}

// SupportedLanguage maps a file path to its grammar, when one is registered.
func SupportedLanguage(path string) (Language, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extensionLanguages[ext]
	return lang, ok
}

// Supported reports whether path has a registered grammar.
func Supported(path string) bool {
	_, ok := SupportedLanguage(path)
	return ok
}
