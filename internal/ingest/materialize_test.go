// File path: internal/ingest/materialize_test.go
package ingest

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoinRejectsTraversal(t *testing.T) {
	root := "/tmp/staging/cb"
	for _, name := range []string{"../evil.go", "../../etc/passwd", "/etc/passwd", "a/../../evil"} {
		if _, err := safeJoin(root, name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	got, err := safeJoin(root, "pkg/util.go")
	if err != nil {
		t.Fatalf("safe entry rejected: %v", err)
	}
	if got != filepath.Join(root, "pkg", "util.go") {
		t.Fatalf("unexpected join result: %q", got)
	}
}

func TestExtractZipRejectsTraversalEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	out, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	writer := zip.NewWriter(out)
	entry, err := writer.CreateHeader(&zip.FileHeader{Name: "../evil.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Write([]byte("boom")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	err = extractZip(context.Background(), archive, root, 1<<20)
	if err == nil || !strings.Contains(err.Error(), "escapes root") {
		t.Fatalf("expected traversal error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(statErr) {
		t.Fatal("traversal entry was written outside root")
	}
}

func TestExtractZipSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "big.zip")
	writeZip(t, archive, map[string]string{
		"small.go": "package a\n",
		"big.go":   strings.Repeat("x", 2048),
	})
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := extractZip(context.Background(), archive, root, 1024); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "small.go")); err != nil {
		t.Fatalf("expected small.go extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "big.go")); !os.IsNotExist(err) {
		t.Fatal("oversized entry should be skipped")
	}
}
