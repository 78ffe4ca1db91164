// Package cleanup keeps the library tidy: it drops entries whose files
// have disappeared from disk and removes stale files from the temp
// directory.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/registry"
)

const defaultMaxAgeHours = 24

type Cleanup struct {
	log     zerolog.Logger
	store   registry.Store
	tempDir string
}

// New builds the cleanup handler. tempDir may be empty when no temp
// directory is configured; item parameters can still name one.
func New(log zerolog.Logger, store registry.Store, tempDir string) *Cleanup {
	return &Cleanup{
		log:     log.With().Str("component", "cleanup").Logger(),
		store:   store,
		tempDir: tempDir,
	}
}

type params struct {
	TempDir     string `json:"temp_dir"`
	MaxAgeHours int    `json:"max_age_hours"`
}

// Handle prunes library entries for files that no longer exist, then
// deletes temp files older than the maximum age. A media row is kept
// when the file cannot be statted for any reason other than absence.
func (c *Cleanup) Handle(ctx context.Context, raw json.RawMessage) error {
	var p params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid cleanup parameters: %w", err)
		}
	}
	if p.TempDir == "" {
		p.TempDir = c.tempDir
	}
	if p.MaxAgeHours <= 0 {
		p.MaxAgeHours = defaultMaxAgeHours
	}

	if err := c.pruneOrphans(ctx); err != nil {
		return err
	}
	return c.pruneTempFiles(ctx, p.TempDir, time.Duration(p.MaxAgeHours)*time.Hour)
}

func (c *Cleanup) pruneOrphans(ctx context.Context) error {
	files, err := c.store.ListMedia(ctx)
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}

	removed := 0
	for _, m := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := os.Stat(m.Path)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn().Err(err).Str("path", m.Path).Msg("cannot stat file, keeping entry")
			continue
		}
		if err := c.store.DeleteMedia(ctx, m.UUID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("drop entry %s: %w", m.UUID, err)
		}
		removed++
		c.log.Info().Str("uuid", m.UUID).Str("path", m.Path).Msg("entry dropped, file is gone")
	}

	c.log.Info().Int("checked", len(files)).Int("removed", removed).Msg("orphan sweep finished")
	return nil
}

// pruneTempFiles deletes regular files older than maxAge directly under
// dir. Subdirectories are left alone.
func (c *Cleanup) pruneTempFiles(ctx context.Context, dir string, maxAge time.Duration) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.log.Warn().Str("dir", dir).Msg("temp directory does not exist, nothing to prune")
			return nil
		}
		return fmt.Errorf("read temp dir %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			c.log.Warn().Err(err).Str("name", e.Name()).Msg("cannot stat temp file")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("cannot remove temp file")
			continue
		}
		removed++
		c.log.Debug().Str("path", path).Msg("temp file removed")
	}

	c.log.Info().Str("dir", dir).Int("removed", removed).Msg("temp sweep finished")
	return nil
}
