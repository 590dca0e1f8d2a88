package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/warden/internal/prompt"
)

// Config holds the ingest command configuration.
type Config struct {
	Dir            string
	StatePath      string
	MaxChunkTokens int
	DryRun         bool
	Extensions     []string // default .md and .txt
}

// Summary reports what a run did.
type Summary struct {
	Files   int
	Skipped int
	Chunks  int
	Errors  int
}

// Runner walks Config.Dir and uploads every changed file's chunks.
type Runner struct {
	cfg    Config
	sink   Sink
	count  prompt.Counter
	logger *slog.Logger
}

func NewRunner(cfg Config, sink Sink, logger *slog.Logger) *Runner {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".md", ".txt"}
	}
	return &Runner{cfg: cfg, sink: sink, count: prompt.EstimateTokens, logger: logger}
}

func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return sum, fmt.Errorf("load state: %w", err)
	}

	files, err := r.discoverFiles()
	if err != nil {
		return sum, fmt.Errorf("discover files: %w", err)
	}
	r.logger.Info("files discovered", "dir", r.cfg.Dir, "files", len(files))

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.Dir, rel))
		if err != nil {
			r.logger.Warn("failed to read file", "path", rel, "error", err)
			state.AddError(fmt.Sprintf("read %s: %v", rel, err))
			sum.Errors++
			continue
		}
		hash := contentHash(data)
		if state.IsCurrent(rel, hash) {
			sum.Skipped++
			continue
		}

		text := string(data)
		chunks := ChunkDocument(rel, TitleOf(text, filepath.Base(rel)), text, r.cfg.MaxChunkTokens, r.count)
		if r.cfg.DryRun {
			r.logger.Info("dry run", "path", rel, "chunks", len(chunks))
			sum.Files++
			sum.Chunks += len(chunks)
			continue
		}
		if err := r.upload(ctx, chunks); err != nil {
			r.logger.Warn("failed to upload file", "path", rel, "error", err)
			state.AddError(fmt.Sprintf("upload %s: %v", rel, err))
			sum.Errors++
			continue
		}
		state.MarkIngested(rel, hash, len(chunks))
		sum.Files++
		sum.Chunks += len(chunks)
	}

	if !r.cfg.DryRun {
		if err := state.Save(); err != nil {
			return sum, fmt.Errorf("save state: %w", err)
		}
	}
	r.logger.Info("ingest complete", "files", sum.Files, "skipped", sum.Skipped, "chunks", sum.Chunks, "errors", sum.Errors)
	return sum, nil
}

func (r *Runner) upload(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if err := r.sink.Put(ctx, c.SourceID, c.Title, c.Text); err != nil {
			return err
		}
	}
	return nil
}

// discoverFiles returns matching files relative to Dir, sorted.
func (r *Runner) discoverFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(r.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !r.matches(path) {
			return nil
		}
		rel, err := filepath.Rel(r.cfg.Dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range r.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
