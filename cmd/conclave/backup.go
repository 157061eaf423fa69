package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/store"
)

// Archive sections map to the configured data locations.
const (
	sectionStore = "store"
	sectionIndex = "index"
	sectionNATS  = "nats"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Snapshot the database with VACUUM INTO so the copy is consistent
	// even while the gateway is running.
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	snapshot := filepath.Join(os.TempDir(), fmt.Sprintf("conclave-backup-%d.db", os.Getpid()))
	// VACUUM INTO refuses to overwrite.
	_ = os.Remove(snapshot)
	err = db.SnapshotTo(snapshot)
	db.Close()
	if err != nil {
		return err
	}
	defer os.Remove(snapshot)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	sections := 1
	if err := addFile(tw, snapshot, path.Join(sectionStore, filepath.Base(cfg.Store.Path))); err != nil {
		return fmt.Errorf("backup store: %w", err)
	}

	for _, dir := range []struct{ label, path string }{
		{sectionIndex, cfg.Knowledge.IndexPath},
		{sectionNATS, cfg.NATS.DataDir},
	} {
		n, err := addTree(tw, dir.path, dir.label)
		if err != nil {
			return fmt.Errorf("backup %s: %w", dir.label, err)
		}
		if n > 0 {
			slog.Info("backed up section", "label", dir.label, "files", n)
			sections++
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d sections, %s\n", sections, formatSize(size))
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// addTree walks dir and writes regular files under label/. A missing
// directory just means an empty section.
func addTree(tw *tar.Writer, dir, label string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := addFile(tw, p, path.Join(label, filepath.ToSlash(rel))); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roots := sectionRoots(cfg)

	// Pre-scan: collect section labels without extracting file data
	labels, err := scanArchiveSections(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(labels) == 0 {
		fmt.Println("Archive contains no sections.")
		return nil
	}

	if !overwrite {
		for _, label := range labels {
			root := roots[label]
			if root == "" {
				continue
			}
			if _, err := os.Stat(root); err == nil {
				return fmt.Errorf("%s already exists at %s, add -overwrite to replace files", label, root)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		label, relPath := splitArchivePath(hdr.Name)
		if label == "" {
			continue
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}

		// The store section is a single database file; it lands at the
		// configured path whatever it was called at backup time.
		var dest string
		if label == sectionStore {
			dest = roots[label]
		} else {
			rel, ok := sanitizeRelPath(relPath)
			if !ok {
				slog.Warn("skipping unsafe archive path", "name", hdr.Name)
				continue
			}
			dest = filepath.Join(roots[label], rel)
		}

		if err := writeFile(dest, tr, hdr.FileInfo().Mode()); err != nil {
			return fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
		restored++
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

func sectionRoots(cfg *config.Config) map[string]string {
	return map[string]string{
		sectionStore: cfg.Store.Path,
		sectionIndex: cfg.Knowledge.IndexPath,
		sectionNATS:  cfg.NATS.DataDir,
	}
}

// scanArchiveSections reads tar headers to collect unique section labels
// without extracting file data.
func scanArchiveSections(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var labels []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		label, _ := splitArchivePath(hdr.Name)
		if label != "" && !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	return labels, nil
}

// splitArchivePath splits "index/store.bleve/segment" into ("index",
// "store.bleve/segment"). Returns an empty label for paths outside the
// known sections.
func splitArchivePath(name string) (label, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		// Directory entry like "index" (no trailing slash was stripped)
		if knownSection(name) {
			return name, "./"
		}
		return "", ""
	}

	label = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}

	if !knownSection(label) {
		return "", ""
	}
	return label, relPath
}

func knownSection(label string) bool {
	switch label {
	case sectionStore, sectionIndex, sectionNATS:
		return true
	}
	return false
}

// sanitizeRelPath rejects entries that would escape the section root.
func sanitizeRelPath(rel string) (string, bool) {
	rel = path.Clean(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	return filepath.FromSlash(rel), true
}

func writeFile(dest string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
