// File path: internal/retrieval/retrieval.go
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Embedder is the minimal contract needed to vectorize queries.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ScoredChunk is a retrieved chunk with its fused ranking signals.
type ScoredChunk struct {
	ChunkID      string   `json:"chunk_id"`
	FilePath     string   `json:"file_path"`
	Language     string   `json:"language"`
	Kind         string   `json:"chunk_type"`
	Symbol       string   `json:"name,omitempty"`
	ParentClass  string   `json:"parent_class,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	StartLine    int      `json:"line_start"`
	EndLine      int      `json:"line_end"`
	Content      string   `json:"content"`
	Snippet      string   `json:"snippet"`
	Dense        float64  `json:"dense_score"`
	Sparse       float64  `json:"sparse_score"`
	Score        float64  `json:"score"`
}

type Config struct {
	PoolSize     int
	TopK         int
	DenseWeight  float64
	SparseWeight float64
}

func DefaultConfig() Config {
	return Config{PoolSize: 20, TopK: 5, DenseWeight: 0.7, SparseWeight: 0.3}
}

type Retriever struct {
	embedder Embedder
	store    vector.Store
	cfg      Config
}

func New(embedder Embedder, store vector.Store, cfg Config) *Retriever {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.DenseWeight <= 0 && cfg.SparseWeight <= 0 {
		cfg.DenseWeight = 0.7
		cfg.SparseWeight = 0.3
	}
	return &Retriever{embedder: embedder, store: store, cfg: cfg}
}

// Search embeds the query, pulls a candidate pool from the vector store
// narrowed by the caller's metadata filters, re-scores the pool with BM25
// over its own documents, and fuses the two normalized signals.
func (r *Retriever) Search(ctx context.Context, codebaseID, query string, filters vector.Filters) ([]ScoredChunk, error) {
	logger := common.Logger()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retrieval: empty query")
	}
	started := time.Now()
	defer func() { telemetry.RecordVectorSearch(time.Since(started)) }()

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("retrieval: embedder returned no vector")
	}
	matches, err := r.store.Query(ctx, vector.QueryRequest{
		Embedding:  vectors[0],
		CodebaseID: codebaseID,
		Filters:    filters,
		Limit:      r.cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector query: %w", err)
	}
	if len(matches) == 0 {
		logger.Debug("retrieval: no candidates", "codebase", codebaseID)
		return nil, nil
	}

	pool := make([]ScoredChunk, 0, len(matches))
	for _, match := range matches {
		pool = append(pool, chunkFromMatch(match))
	}
	sparse := bm25Scores(query, pool)
	dense := make([]float64, len(pool))
	for i := range pool {
		dense[i] = pool[i].Dense
	}
	normalize(dense)
	normalize(sparse)
	for i := range pool {
		pool[i].Sparse = sparse[i]
		pool[i].Score = r.cfg.DenseWeight*dense[i] + r.cfg.SparseWeight*sparse[i]
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		if pool[i].Dense != pool[j].Dense {
			return pool[i].Dense > pool[j].Dense
		}
		if pool[i].FilePath != pool[j].FilePath {
			return pool[i].FilePath < pool[j].FilePath
		}
		return pool[i].StartLine < pool[j].StartLine
	})
	if len(pool) > r.cfg.TopK {
		pool = pool[:r.cfg.TopK]
	}
	for i := range pool {
		pool[i].Snippet = makeSnippet(pool[i].Content)
	}
	logger.Debug("retrieval: search complete", "codebase", codebaseID, "results", len(pool))
	return pool, nil
}

func chunkFromMatch(match vector.Match) ScoredChunk {
	chunk := ScoredChunk{
		ChunkID: match.ID,
		Content: match.Document,
		Dense:   float64(match.Score),
	}
	if match.Metadata == nil {
		return chunk
	}
	chunk.FilePath = metaString(match.Metadata, "file_path")
	chunk.Language = metaString(match.Metadata, "language")
	chunk.Kind = metaString(match.Metadata, "chunk_type")
	chunk.Symbol = metaString(match.Metadata, "name")
	chunk.ParentClass = metaString(match.Metadata, "parent_class")
	chunk.StartLine = metaInt(match.Metadata, "line_start")
	chunk.EndLine = metaInt(match.Metadata, "line_end")
	if deps := metaString(match.Metadata, "dependencies"); deps != "" {
		chunk.Dependencies = strings.Split(deps, ",")
	}
	return chunk
}

const snippetLimit = 400

// makeSnippet keeps whole leading lines of content up to the character
// budget, so citations show complete statements.
func makeSnippet(content string) string {
	if len(content) <= snippetLimit {
		return content
	}
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		add := len(line)
		if b.Len() > 0 {
			add++
		}
		if b.Len()+add > snippetLimit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return content[:snippetLimit]
	}
	return b.String()
}

func metaString(meta map[string]interface{}, key string) string {
	if raw, ok := meta[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// bm25Scores scores every chunk in the pool against the query using the pool
// itself as the corpus. Scores are raw BM25 values; callers normalize.
func bm25Scores(query string, pool []ScoredChunk) []float64 {
	queryTerms := Tokenize(query)
	scores := make([]float64, len(pool))
	if len(queryTerms) == 0 {
		return scores
	}
	docTerms := make([]map[string]int, len(pool))
	lengths := make([]int, len(pool))
	df := make(map[string]int)
	var totalLen int
	for i, chunk := range pool {
		terms := Tokenize(chunk.Content + " " + chunk.Symbol + " " + chunk.FilePath)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		docTerms[i] = tf
		lengths[i] = len(terms)
		totalLen += len(terms)
	}
	n := float64(len(pool))
	avgLen := float64(totalLen) / n
	if avgLen == 0 {
		return scores
	}
	for _, term := range queryTerms {
		d := float64(df[term])
		if d == 0 {
			continue
		}
		idf := math.Log(1 + (n-d+0.5)/(d+0.5))
		for i := range pool {
			freq := float64(docTerms[i][term])
			if freq == 0 {
				continue
			}
			denom := freq + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen)
			scores[i] += idf * freq * (bm25K1 + 1) / denom
		}
	}
	return scores
}

// normalize rescales values to [0, 1] in place with min-max scaling. A flat
// arm maps to all zeros so it cannot dominate fusion.
func normalize(values []float64) {
	if len(values) == 0 {
		return
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span == 0 {
		for i := range values {
			values[i] = 0
		}
		return
	}
	for i := range values {
		values[i] = (values[i] - min) / span
	}
}

// stopwords are dropped from both query and document terms; they carry no
// ranking signal and inflate BM25 document lengths.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "in": true,
	"on": true, "at": true, "for": true, "with": true, "and": true, "or": true,
	"not": true, "do": true, "does": true, "did": true, "it": true, "this": true,
	"that": true, "by": true, "from": true, "as": true, "how": true, "what": true,
	"where": true, "when": true, "which": true, "can": true, "i": true, "you": true,
	"my": true, "me": true,
}

// Tokenize lowercases text, splits identifiers on underscores and case
// boundaries so "parseHTTPRequest" matches "parse http request", and drops
// stopwords.
func Tokenize(text string) []string {
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			token := strings.ToLower(string(current))
			if !stopwords[token] {
				tokens = append(tokens, token)
			}
			current = current[:0]
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && len(current) > 0 {
				prev := current[len(current)-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
					flush()
				}
			}
			current = append(current, r)
		case unicode.IsDigit(r):
			current = append(current, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
