// Package janitor prunes aged dispatch audit rows and spent watcher
// tasks on a cron cadence.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/registry"
)

const (
	DefaultSpec      = "0 3 * * *"
	DefaultRetention = 240 * time.Hour
)

// Options tunes the janitor. Zero values take defaults; an empty
// TaskPrefix skips task pruning entirely.
type Options struct {
	Spec       string
	Retention  time.Duration
	TaskPrefix string
}

func (o Options) withDefaults() Options {
	if o.Spec == "" {
		o.Spec = DefaultSpec
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

type Janitor struct {
	log   zerolog.Logger
	store registry.Store
	opts  Options
	c     *cron.Cron
}

// New validates the cron spec and builds the janitor. The cron runner
// only triggers sweeps; all schedule state lives in the registry.
func New(log zerolog.Logger, store registry.Store, opts Options) (*Janitor, error) {
	opts = opts.withDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(opts.Spec); err != nil {
		return nil, fmt.Errorf("janitor spec %q: %w", opts.Spec, err)
	}
	return &Janitor{
		log:   log.With().Str("component", "janitor").Logger(),
		store: store,
		opts:  opts,
		c:     cron.New(cron.WithParser(parser)),
	}, nil
}

// Run fires sweeps per the cron spec until ctx is done. The final
// in-progress sweep, if any, finishes before Run returns.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.c.AddFunc(j.opts.Spec, func() { j.sweep(ctx) }); err != nil {
		return fmt.Errorf("register janitor job: %w", err)
	}
	j.c.Start()
	j.log.Info().
		Str("spec", j.opts.Spec).
		Dur("retention", j.opts.Retention).
		Msg("janitor started")

	<-ctx.Done()
	<-j.c.Stop().Done()
	j.log.Info().Msg("janitor stopped")
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.opts.Retention)

	n, err := j.store.PruneDispatches(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("dispatch prune failed")
	} else if n > 0 {
		j.log.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("old dispatch records pruned")
	}

	if j.opts.TaskPrefix == "" {
		return
	}
	n, err = j.store.PruneSpentTasks(ctx, j.opts.TaskPrefix, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("task prune failed")
	} else if n > 0 {
		j.log.Info().Int("pruned", n).Str("prefix", j.opts.TaskPrefix).Msg("spent tasks pruned")
	}
}
