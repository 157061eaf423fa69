package main

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/ppallis/conclave/internal/store"
)

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLabel string
		wantRel   string
	}{
		{"simple file", "store/conclave.db", "store", "conclave.db"},
		{"nested path", "index/store.bleve/segment.0", "index", "store.bleve/segment.0"},
		{"directory with slash", "index/subdir/", "index", "subdir/"},
		{"section root dir", "index/", "index", "./"},
		{"section bare name", "nats", "nats", "./"},
		{"leading dot-slash", "./store/conclave.db", "store", "conclave.db"},
		{"leading slash", "/index/file", "index", "file"},
		{"unknown section", "other/file.txt", "", ""},
		{"bare unknown name", "passwd", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLabel, gotRel := splitArchivePath(tt.input)
			if gotLabel != tt.wantLabel {
				t.Errorf("splitArchivePath(%q) label = %q, want %q", tt.input, gotLabel, tt.wantLabel)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitArchivePath(%q) relPath = %q, want %q", tt.input, gotRel, tt.wantRel)
			}
		})
	}
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"conclave.db", "conclave.db", true},
		{"a/b/c", filepath.FromSlash("a/b/c"), true},
		{"a/./b", filepath.FromSlash("a/b"), true},
		{"../etc/passwd", "", false},
		{"a/../../etc", "", false},
		{"/etc/passwd", "", false},
		{"./", "", false},
		{"..", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := sanitizeRelPath(tt.input)
			if ok != tt.ok {
				t.Fatalf("sanitizeRelPath(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("sanitizeRelPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
// Each entry is a path like "store/conclave.db" with the given content.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()

	return path
}

func TestScanArchiveSections(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"store/conclave.db":          "data",
		"index/store.bleve/root":     "segment",
		"index/store.bleve/seg.0":    "segment",
		"nats/jetstream/streams.idx": "stream state",
	})

	labels, err := scanArchiveSections(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	if len(labels) != 3 {
		t.Fatalf("expected 3 sections, got %d: %v", len(labels), labels)
	}
	found := make(map[string]bool)
	for _, l := range labels {
		found[l] = true
	}
	for _, want := range []string{"store", "index", "nats"} {
		if !found[want] {
			t.Errorf("expected section %q not found in %v", want, labels)
		}
	}
}

func TestScanArchiveSections_Empty(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{})

	labels, err := scanArchiveSections(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 0 {
		t.Fatalf("expected 0 sections, got %d: %v", len(labels), labels)
	}
}

func TestScanArchiveSections_UnknownEntries(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"other/file.txt":    "data",
		"random-file.txt":   "data",
		"store/conclave.db": "data",
	})

	labels, err := scanArchiveSections(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 {
		t.Fatalf("expected 1 section, got %d: %v", len(labels), labels)
	}
	if labels[0] != "store" {
		t.Errorf("expected store, got %q", labels[0])
	}
}

func TestScanArchiveSections_InvalidFile(t *testing.T) {
	_, err := scanArchiveSections("/nonexistent/file.tar.zst")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestScanArchiveSections_InvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0o644)

	_, err := scanArchiveSections(path)
	if err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

// writeConfig drops a config file pointing every data location under dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "conclave.yaml")
	content := fmt.Sprintf("store:\n  path: %s\nknowledge:\n  index_path: %s\nnats:\n  data_dir: %s\n",
		filepath.Join(dir, "data", "conclave.db"),
		filepath.Join(dir, "data", "index.bleve"),
		filepath.Join(dir, "data", "nats"))
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	t.Setenv("CONCLAVE_CONFIG", writeConfig(t, src))

	db, err := store.New(filepath.Join(src, "data", "conclave.db"))
	if err != nil {
		t.Fatal(err)
	}
	doc := &store.Document{ID: "d1", Name: "harbor", Content: "the harbor silted up"}
	if err := db.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}
	db.Close()

	indexDir := filepath.Join(src, "data", "index.bleve")
	if err := os.MkdirAll(filepath.Join(indexDir, "store"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(indexDir, "store", "root.bolt"), []byte("segment data"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// Restore into a fresh location
	dst := t.TempDir()
	t.Setenv("CONCLAVE_CONFIG", writeConfig(t, dst))
	if err := runRestore([]string{"-f", archive}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := store.New(filepath.Join(dst, "data", "conclave.db"))
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer restored.Close()
	got, err := restored.GetDocument("d1")
	if err != nil {
		t.Fatalf("restored document: %v", err)
	}
	if got == nil || got.Content != "the harbor silted up" {
		t.Fatalf("restored document = %+v", got)
	}

	data, err := os.ReadFile(filepath.Join(dst, "data", "index.bleve", "store", "root.bolt"))
	if err != nil {
		t.Fatalf("restored index file: %v", err)
	}
	if string(data) != "segment data" {
		t.Errorf("index file content = %q", string(data))
	}
}

func TestRestoreRefusesExistingData(t *testing.T) {
	src := t.TempDir()
	t.Setenv("CONCLAVE_CONFIG", writeConfig(t, src))

	db, err := store.New(filepath.Join(src, "data", "conclave.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// The source store still exists, so a plain restore must refuse.
	if err := runRestore([]string{"-f", archive}); err == nil {
		t.Fatal("expected error without -overwrite")
	}
	if err := runRestore([]string{"-f", archive, "-overwrite"}); err != nil {
		t.Fatalf("restore with -overwrite: %v", err)
	}
}
