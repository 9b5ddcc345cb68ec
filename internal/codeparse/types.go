// File path: internal/codeparse/types.go
package codeparse

// RegionKind classifies an extracted source region.
type RegionKind string

const (
	KindFunction RegionKind = "function"
	KindMethod   RegionKind = "method"
	KindClass    RegionKind = "class"
	KindPreamble RegionKind = "preamble"
	KindBlob     RegionKind = "blob"
)

// Region is one semantic unit of a source file. Lines are 1-based and
// inclusive. Class regions contain their method regions; consumers decide
// whether to keep the class whole.
type Region struct {
	Kind      RegionKind
	Name      string
	StartLine int
	EndLine   int
	Doc       string
	// ParentClass names the enclosing class-like container, when any.
	ParentClass string
}

// File is the parse result for one source file.
type File struct {
	Path     string
	Language Language
	Regions  []Region
	// Imports lists the modules the file's preamble pulls in, in source
	// order with duplicates removed.
	Imports []string
	// Fallback marks files the parser could not extract regions from;
	// the chunker windows them instead.
	Fallback bool
}
