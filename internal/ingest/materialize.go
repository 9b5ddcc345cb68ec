// File path: internal/ingest/materialize.go
package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nicodishanthj/codeatlas/internal/retry"
)

// materialize produces a readable file tree for the codebase. Zip archives
// are extracted and git sources shallow-cloned into a per-codebase staging
// dir; local paths are used in place.
func (m *Manager) materialize(ctx context.Context, data *pipelineData) error {
	cb := data.codebase
	switch cb.SourceType {
	case "path":
		data.root = cb.Source
		return nil
	case "zip":
		root := filepath.Join(m.cfg.StagingDir, cb.ID)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
		if err := extractZip(ctx, cb.Source, root, m.cfg.MaxFileBytes); err != nil {
			os.RemoveAll(root)
			return err
		}
		data.root = root
		return nil
	case "git":
		root := filepath.Join(m.cfg.StagingDir, cb.ID)
		// A partial clone from an earlier attempt blocks git; start clean.
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("clear staging dir: %w", err)
		}
		if err := os.MkdirAll(m.cfg.StagingDir, 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cb.Source, root)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(string(output)))
		}
		data.root = root
		return nil
	default:
		return retry.Permanent(fmt.Errorf("unsupported source type %q", cb.SourceType))
	}
}

// extractZip unpacks the archive under root. Entries that escape root or
// exceed the size limit are rejected.
func extractZip(ctx context.Context, archivePath, root string, maxFileBytes int64) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return retry.Permanent(fmt.Errorf("open archive: %w", err))
	}
	defer reader.Close()
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(root, file.Name)
		if err != nil {
			return retry.Permanent(err)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", file.Name, err)
			}
			continue
		}
		if maxFileBytes > 0 && file.FileInfo().Size() > maxFileBytes {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", file.Name, err)
		}
		if err := extractZipFile(file, target, maxFileBytes); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, target string, maxFileBytes int64) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", file.Name, err)
	}
	defer dst.Close()
	limit := maxFileBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	// The declared size was already checked; the limit guards lying headers.
	if _, err := io.Copy(dst, io.LimitReader(src, limit+1)); err != nil {
		return fmt.Errorf("extract %s: %w", file.Name, err)
	}
	return nil
}

func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes root: %s", name)
	}
	return filepath.Join(root, cleaned), nil
}
