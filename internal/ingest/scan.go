// File path: internal/ingest/scan.go
package ingest

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nicodishanthj/codeatlas/internal/codeparse"
	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/secrets"
)

// skipDirs are never descended into during the scan.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

type parsedFile struct {
	parsed  codeparse.File
	content string
	// secrets maps pattern id to match count for this file.
	secrets map[string]int
}

func (f parsedFile) secretCount() int {
	total := 0
	for _, n := range f.secrets {
		total += n
	}
	return total
}

// scanParse walks the materialized tree, redacts secrets, and extracts code
// regions with a worker pool. Cancellation is checked at file boundaries.
func (m *Manager) scanParse(ctx context.Context, data *pipelineData) error {
	paths, skipped, err := m.collectPaths(ctx, data.root)
	if err != nil {
		return err
	}

	jobs := make(chan string)
	results := make(chan parsedFile, m.cfg.ParseWorkers)
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.ParseWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Tree-sitter parsers are not safe for concurrent use; each
			// worker owns one.
			parser := codeparse.NewParser()
			for path := range jobs {
				file, ok := m.parseOne(ctx, parser, data.root, path)
				if !ok {
					continue
				}
				select {
				case results <- file:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, path := range paths {
			select {
			case jobs <- path:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var files []parsedFile
	var totalSecrets int
	for file := range results {
		files = append(files, file)
		totalSecrets += file.secretCount()
		telemetry.RecordIngestFile("parsed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].parsed.Path < files[j].parsed.Path })
	detected := secretFindings(files)
	data.files = files
	data.secrets = totalSecrets
	data.skipped = skipped
	m.updateState(data.codebase.ID, func(s *State) {
		s.FilesProcessed = len(files)
		s.FilesSkipped = skipped
		s.Secrets = totalSecrets
		s.SecretsDetected = detected
	})
	return nil
}

// secretFindings builds the per-file redaction report surfaced through the
// status endpoint. Files without matches are omitted.
func secretFindings(files []parsedFile) []SecretFinding {
	var out []SecretFinding
	for _, file := range files {
		if len(file.secrets) == 0 {
			continue
		}
		types := make([]string, 0, len(file.secrets))
		for id := range file.secrets {
			types = append(types, id)
		}
		sort.Strings(types)
		out = append(out, SecretFinding{
			FilePath:    file.parsed.Path,
			SecretCount: file.secretCount(),
			Types:       types,
		})
	}
	return out
}

// collectPaths gathers candidate files, applying directory and size skip
// rules up front so the worker pool only sees parseable files.
func (m *Manager) collectPaths(ctx context.Context, root string) ([]string, int, error) {
	var paths []string
	var skipped int
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if skipDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > m.cfg.MaxFileBytes {
			skipped++
			telemetry.RecordIngestFile("skipped_size")
			return nil
		}
		if !codeparse.Supported(path) {
			skipped++
			telemetry.RecordIngestFile("skipped_unsupported")
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			m.AppendLog("warn", "Skipping %s: unsupported file type", filepath.ToSlash(rel))
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return paths, skipped, nil
}

func (m *Manager) parseOne(ctx context.Context, parser *codeparse.Parser, root, path string) (parsedFile, bool) {
	logger := common.Logger()
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("ingest: read file failed", "path", path, "error", err)
		telemetry.RecordIngestFile("skipped_unreadable")
		return parsedFile{}, false
	}
	if isBinary(raw) {
		telemetry.RecordIngestFile("skipped_binary")
		return parsedFile{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	// Secrets are redacted before the content reaches the parser so raw
	// values never enter chunks, vectors, or prompts.
	redacted, findings := secrets.Redact(string(raw))
	parsed, err := parser.Extract(ctx, rel, []byte(redacted))
	if err != nil {
		logger.Warn("ingest: parse failed", "path", rel, "error", err)
		telemetry.RecordIngestFile("skipped_parse_error")
		return parsedFile{}, false
	}
	return parsedFile{parsed: parsed, content: redacted, secrets: secrets.Summary(findings)}, true
}

// isBinary sniffs for a NUL byte in the first 512 bytes.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 512 {
		probe = probe[:512]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
