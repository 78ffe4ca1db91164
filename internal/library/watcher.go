package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/scheduler"
)

// TaskAdder registers one-shot tasks for filesystem changes. The
// watcher never touches the dispatch queue itself; the scheduler stays
// the only producer.
type TaskAdder interface {
	AddTask(ctx context.Context, in scheduler.AddTaskInput) (domain.TaskDefinition, error)
}

const defaultCooldown = 30 * time.Second

// WatcherOptions tunes the filesystem watcher. Zero values take
// defaults.
type WatcherOptions struct {
	Cooldown time.Duration // min gap between triggered tasks, default 30s
}

// Watcher turns filesystem activity under the library roots into
// one-shot scan and cleanup tasks. Bursts collapse into a single task;
// anything missed is picked up by the periodic scan anyway.
type Watcher struct {
	log     zerolog.Logger
	adder   TaskAdder
	roots   []string
	limiter *rate.Limiter
}

func NewWatcher(log zerolog.Logger, adder TaskAdder, roots []string, opts WatcherOptions) *Watcher {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Watcher{
		log:     log.With().Str("component", "watcher").Logger(),
		adder:   adder,
		roots:   roots,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
	}
}

// Run watches until ctx is done. Roots that do not exist yet are
// skipped with a warning; directories created later under a watched
// root are picked up as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, root := range w.roots {
		if err := addTree(fw, root); err != nil {
			w.log.Warn().Err(err).Str("root", root).Msg("cannot watch root")
		}
	}
	w.log.Info().Strs("roots", w.roots).Msg("library watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addTree(fw, ev.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch new directory")
			}
			return
		}
		if IsAudioFile(ev.Name) {
			w.trigger(ctx, "library.scan", ev.Name)
		}
	case ev.Op.Has(fsnotify.Write):
		if IsAudioFile(ev.Name) {
			w.trigger(ctx, "library.scan", ev.Name)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if IsAudioFile(ev.Name) {
			w.trigger(ctx, "library.cleanup", ev.Name)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context, workType, path string) {
	if !w.limiter.Allow() {
		w.log.Debug().Str("path", path).Msg("change collapsed into earlier trigger")
		return
	}
	root := w.rootOf(path)
	params, _ := json.Marshal(map[string]string{"root": root})
	task, err := w.adder.AddTask(ctx, scheduler.AddTaskInput{
		Name:        "watch:" + filepath.Base(root),
		WorkType:    workType,
		Params:      params,
		Kind:        domain.ScheduleOnce,
		Description: "filesystem change under " + root,
	})
	if err != nil {
		w.log.Error().Err(err).Str("path", path).Str("work_type", workType).Msg("cannot register change task")
		return
	}
	w.log.Info().
		Str("task_id", task.ID).
		Str("work_type", workType).
		Str("path", path).
		Msg("filesystem change task registered")
}

func (w *Watcher) rootOf(path string) string {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return filepath.Dir(path)
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
