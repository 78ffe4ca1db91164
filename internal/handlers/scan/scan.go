// Package scan imports audio files found under the library roots.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/kv"
	"github.com/murphys7017/music-server/internal/library"
	"github.com/murphys7017/music-server/internal/registry"
)

// Shared state keys. ProgressKey holds the last Progress, runningKey is
// the mutual-exclusion handoff between concurrent scan items.
const (
	ProgressKey = "library:scan"
	runningKey  = "library:scan:running"

	progressTTL = 24 * time.Hour
	runningTTL  = 15 * time.Minute
)

// Progress is the scan summary published to the shared state store
// after every run.
type Progress struct {
	Imported   int       `json:"imported"`
	Skipped    int       `json:"skipped"`
	Unreadable int       `json:"unreadable"`
	Duration   string    `json:"duration"`
	FinishedAt time.Time `json:"finished_at"`
}

type Scanner struct {
	log   zerolog.Logger
	store registry.Store
	state *kv.Store
	roots []string
}

func New(log zerolog.Logger, store registry.Store, state *kv.Store, roots []string) *Scanner {
	return &Scanner{
		log:   log.With().Str("component", "scan").Logger(),
		store: store,
		state: state,
		roots: roots,
	}
}

type params struct {
	Root string `json:"root"`
}

// Handle walks the requested root (or all configured roots) and
// registers every audio file it has not seen before. Files that cannot
// be read are skipped; the walk itself failing makes the item fail so
// it can be retried. Only one scan runs at a time: a second item
// arriving mid-scan completes as a no-op.
func (s *Scanner) Handle(ctx context.Context, raw json.RawMessage) error {
	var p params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid scan parameters: %w", err)
		}
	}
	roots := s.roots
	if p.Root != "" {
		roots = []string{p.Root}
	}

	started := time.Now()
	if !s.state.SetNX(runningKey, started, runningTTL) {
		s.log.Warn().Msg("scan already running, skipping")
		return nil
	}
	defer s.state.Delete(runningKey)

	var imported, skipped, unreadable int
	var errs []error
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !library.IsAudioFile(path) {
				return nil
			}
			m, err := library.Inspect(path)
			if err != nil {
				unreadable++
				s.log.Warn().Err(err).Str("path", path).Msg("cannot inspect file")
				return nil
			}
			created, err := s.store.UpsertMedia(ctx, m)
			if err != nil {
				return fmt.Errorf("import %s: %w", path, err)
			}
			if created {
				imported++
				s.log.Info().
					Str("uuid", m.UUID).
					Str("title", m.Name).
					Str("artist", m.Artist).
					Str("path", path).
					Msg("file imported")
			} else {
				skipped++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", root, err))
		}
	}

	elapsed := time.Since(started)
	s.state.Set(ProgressKey, Progress{
		Imported:   imported,
		Skipped:    skipped,
		Unreadable: unreadable,
		Duration:   elapsed.String(),
		FinishedAt: started.Add(elapsed).UTC(),
	}, progressTTL)
	s.log.Info().
		Int("imported", imported).
		Int("skipped", skipped).
		Int("unreadable", unreadable).
		Dur("took", elapsed).
		Msg("library scan finished")
	return errors.Join(errs...)
}
