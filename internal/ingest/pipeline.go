// File path: internal/ingest/pipeline.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/chunker"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/embedding"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retry"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

// pipelineData accumulates intermediate results between activities.
type pipelineData struct {
	codebase registry.Codebase
	root     string
	files    []parsedFile
	chunks   []chunker.Chunk
	vectors  [][]float32
	secrets  int
	skipped  int
}

type activity struct {
	name   string
	status registry.Status
	run    func(context.Context, *pipelineData) error
	// retryable activities go through the backoff policy; validation and
	// parsing failures are deterministic and fail fast.
	retryable func(error) bool
}

func (m *Manager) run(ctx context.Context, cb registry.Codebase) {
	data := &pipelineData{codebase: cb}
	activities := []activity{
		{"validate", registry.StatusValidating, m.validate, nil},
		{"materialize", registry.StatusMaterializing, m.materialize, transientFS},
		{"parse", registry.StatusParsing, m.scanParse, nil},
		{"chunk", registry.StatusChunking, m.chunk, nil},
		{"embed", registry.StatusEmbedding, m.embed, embedding.IsTransient},
		{"index", registry.StatusIndexing, m.index, transientVector},
	}
	for _, act := range activities {
		if err := ctx.Err(); err != nil {
			m.fail(cb.ID, data, fmt.Errorf("canceled"))
			return
		}
		if err := m.registry.UpdateStatus(ctx, cb.ID, act.status); err != nil {
			m.fail(cb.ID, data, err)
			return
		}
		m.updateState(cb.ID, func(s *State) { s.Status = act.status })
		started := time.Now()
		var err error
		if act.retryable != nil {
			err = m.cfg.Policy.Do(ctx, "ingest."+act.name, func(ctx context.Context) error {
				return act.run(ctx, data)
			}, act.retryable)
		} else {
			err = act.run(ctx, data)
		}
		telemetry.RecordActivity(act.name, time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("canceled")
			}
			m.fail(cb.ID, data, fmt.Errorf("%s: %w", act.name, err))
			return
		}
	}
	m.finalize(ctx, cb.ID, data)
}

func (m *Manager) finalize(ctx context.Context, codebaseID string, data *pipelineData) {
	if err := m.registry.SetCounts(ctx, codebaseID, len(data.files), len(data.chunks), data.secrets); err != nil {
		m.fail(codebaseID, data, err)
		return
	}
	if dim := m.embedder.Dimension(); dim > 0 {
		if err := m.registry.SetEmbedDim(ctx, codebaseID, dim); err != nil {
			m.fail(codebaseID, data, err)
			return
		}
	}
	if err := m.registry.UpdateStatus(ctx, codebaseID, registry.StatusCompleted); err != nil {
		m.fail(codebaseID, data, err)
		return
	}
	m.cleanupStaging(data)
	now := time.Now().UTC()
	m.updateState(codebaseID, func(s *State) {
		s.Status = registry.StatusCompleted
		s.Running = false
		s.CompletedAt = &now
	})
	m.AppendLog("info", "Ingestion completed for codebase %s: %d files, %d chunks, %d redacted secrets",
		codebaseID, len(data.files), len(data.chunks), data.secrets)
}

// fail marks the job failed, removes partial vectors, and cleans staging.
func (m *Manager) fail(codebaseID string, data *pipelineData, cause error) {
	// The job context may already be canceled; use a fresh one for cleanup.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.registry.MarkFailed(cleanupCtx, codebaseID, cause); err != nil {
		m.AppendLog("warn", "Failed to record failure for codebase %s: %v", codebaseID, err)
	}
	if m.vector != nil && m.vector.Available() {
		if err := m.vector.DeleteByCodebase(cleanupCtx, codebaseID); err != nil {
			m.AppendLog("warn", "Failed to remove partial vectors for codebase %s: %v", codebaseID, err)
		}
	}
	m.cleanupStaging(data)
	now := time.Now().UTC()
	m.updateState(codebaseID, func(s *State) {
		s.Status = registry.StatusFailed
		s.Running = false
		s.CompletedAt = &now
		s.Error = cause.Error()
	})
	m.AppendLog("error", "Ingestion failed for codebase %s: %v", codebaseID, cause)
}

func (m *Manager) cleanupStaging(data *pipelineData) {
	// Only remove trees the pipeline created under its own staging dir.
	if data.root == "" || m.cfg.StagingDir == "" {
		return
	}
	rel, err := filepath.Rel(m.cfg.StagingDir, data.root)
	if err != nil || rel == "." || filepath.IsAbs(rel) || rel == ".." || len(rel) > 1 && rel[:2] == ".." {
		return
	}
	if err := os.RemoveAll(data.root); err != nil {
		m.AppendLog("warn", "Failed to remove staging dir %s: %v", data.root, err)
	}
}

// validate checks the source before any expensive work.
func (m *Manager) validate(_ context.Context, data *pipelineData) error {
	cb := data.codebase
	switch cb.SourceType {
	case "zip", "path":
		info, err := os.Stat(cb.Source)
		if err != nil {
			return retry.Permanent(fmt.Errorf("source unavailable: %w", err))
		}
		if cb.SourceType == "zip" && info.IsDir() {
			return retry.Permanent(errors.New("zip source is a directory"))
		}
		if cb.SourceType == "path" && !info.IsDir() {
			return retry.Permanent(errors.New("path source is not a directory"))
		}
	case "git":
		if cb.Source == "" {
			return retry.Permanent(errors.New("git url required"))
		}
	default:
		return retry.Permanent(fmt.Errorf("unsupported source type %q", cb.SourceType))
	}
	return nil
}

// chunk turns parsed files into chunks.
func (m *Manager) chunk(ctx context.Context, data *pipelineData) error {
	data.chunks = data.chunks[:0]
	for _, file := range data.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks := m.chunker.ChunkFile(data.codebase.ID, file.parsed, file.content)
		data.chunks = append(data.chunks, chunks...)
	}
	telemetry.RecordIngestChunks(len(data.chunks))
	m.updateState(data.codebase.ID, func(s *State) { s.Chunks = len(data.chunks) })
	if len(data.chunks) == 0 {
		return retry.Permanent(errors.New("no chunks produced"))
	}
	return nil
}

// embed vectorizes every chunk. The embedding client batches and retries
// internally; a dimension mismatch surfaces here as permanent.
func (m *Manager) embed(ctx context.Context, data *pipelineData) error {
	texts := make([]string, len(data.chunks))
	for i, chunk := range data.chunks {
		texts[i] = chunk.Content
	}
	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		if errors.Is(err, embedding.ErrDimensionMismatch) {
			return retry.Permanent(err)
		}
		return err
	}
	if len(vectors) != len(data.chunks) {
		return retry.Permanent(fmt.Errorf("embedded %d of %d chunks", len(vectors), len(data.chunks)))
	}
	data.vectors = vectors
	return nil
}

// index upserts chunk vectors into the store.
func (m *Manager) index(ctx context.Context, data *pipelineData) error {
	dim := m.embedder.Dimension()
	if dim <= 0 && len(data.vectors) > 0 {
		dim = len(data.vectors[0])
	}
	if err := m.vector.EnsureCollection(ctx, dim); err != nil {
		if vector.IsConflict(err) {
			return retry.Permanent(err)
		}
		return err
	}
	records := make([]vector.Record, len(data.chunks))
	for i, chunk := range data.chunks {
		metadata := map[string]interface{}{
			"codebase_id": chunk.CodebaseID,
			"file_path":   chunk.FilePath,
			"language":    chunk.Language,
			"chunk_type":  chunk.Kind,
			"name":        chunk.Symbol,
			"line_start":  chunk.StartLine,
			"line_end":    chunk.EndLine,
		}
		if chunk.ParentClass != "" {
			metadata["parent_class"] = chunk.ParentClass
		}
		if len(chunk.Dependencies) > 0 {
			// ChromaDB metadata values are scalars; the list is packed
			// comma-separated and split again on read.
			metadata["dependencies"] = strings.Join(chunk.Dependencies, ",")
		}
		records[i] = vector.Record{
			ID:        chunk.ID,
			Embedding: data.vectors[i],
			Document:  chunk.Content,
			Metadata:  metadata,
		}
	}
	if err := m.vector.Upsert(ctx, records); err != nil {
		if vector.IsConflict(err) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

func transientFS(err error) bool {
	return !retry.IsPermanent(err)
}

func transientVector(err error) bool {
	return !retry.IsPermanent(err) && !vector.IsConflict(err)
}
