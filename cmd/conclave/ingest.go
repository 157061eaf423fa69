package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/knowledge"
	"github.com/ppallis/conclave/internal/store"
)

func runIngest(args []string) error {
	docType := "note"
	var paths []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --type")
			}
			i++
			docType = args[i]
		default:
			paths = append(paths, args[i])
		}
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: conclave ingest [--type <doc-type>] <file-or-dir>...\n")
		return fmt.Errorf("missing path")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// The index takes an exclusive lock, so ingest runs against a stopped
	// gateway.
	idx, err := knowledge.Open(cfg.Knowledge.IndexPath, db)
	if err != nil {
		return fmt.Errorf("open knowledge index: %w", err)
	}
	defer idx.Close()

	ctx := context.Background()
	count := 0
	for _, p := range paths {
		n, err := ingestPath(ctx, idx, p, docType)
		if err != nil {
			return err
		}
		count += n
	}

	fmt.Printf("Ingested %d documents\n", count)
	return nil
}

func ingestPath(ctx context.Context, idx *knowledge.Index, root, docType string) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		if err := ingestFile(ctx, idx, root, docType); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !textFile(p) {
			return nil
		}
		if err := ingestFile(ctx, idx, p, docType); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func ingestFile(ctx context.Context, idx *knowledge.Index, path, docType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	now := time.Now().UTC()
	doc := &store.Document{
		ID:      uuid.NewString(),
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:    abs,
		Content: string(data),
		Type:    docType,
		Date:    &now,
	}
	if err := idx.Ingest(ctx, doc); err != nil {
		return fmt.Errorf("index %s: %w", path, err)
	}
	fmt.Printf("  + %s\n", path)
	return nil
}

// textFile filters directory walks down to the formats worth indexing.
func textFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt", ".org", ".rst":
		return true
	}
	return false
}
