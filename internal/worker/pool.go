// Package worker consumes the dispatch queue and executes work items
// through registered handlers, recording every outcome in the audit
// log.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/dispatch"
	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/registry"
)

// Handler executes one kind of work. Implementations must honor ctx
// cancellation; a returned error counts as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) error {
	return f(ctx, params)
}

const (
	defaultSize          = 2
	defaultHandleTimeout = 10 * time.Minute
	defaultRetryBase     = time.Second
)

// Options tunes the pool. Zero values take defaults.
type Options struct {
	Size          int           // concurrent handlers, default 2
	HandleTimeout time.Duration // per-item ctx deadline, default 10m
	RetryBase     time.Duration // first retry delay, doubled per retry, default 1s
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = defaultSize
	}
	if o.HandleTimeout <= 0 {
		o.HandleTimeout = defaultHandleTimeout
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	return o
}

type Pool struct {
	log      zerolog.Logger
	store    registry.Store
	queue    *dispatch.Queue
	handlers map[string]Handler
	sem      chan struct{}
	stop     chan struct{}
	opts     Options
}

func NewPool(log zerolog.Logger, store registry.Store, queue *dispatch.Queue, handlers map[string]Handler, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		log:      log.With().Str("component", "worker").Logger(),
		store:    store,
		queue:    queue,
		handlers: handlers,
		sem:      make(chan struct{}, opts.Size),
		stop:     make(chan struct{}),
		opts:     opts,
	}
}

// Run pops items until ctx is done or Stop is called, then waits for
// in-flight handlers to finish before returning.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.log.Info().Int("size", p.opts.Size).Msg("worker pool started")
	for {
		item, ok := p.queue.Pop(ctx)
		if !ok {
			break
		}
		p.sem <- struct{}{}
		go func(it domain.WorkItem) {
			defer func() { <-p.sem }()
			p.process(ctx, it)
		}(item)
	}

	// Drain: reacquire every slot so all handlers have returned.
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
	p.log.Info().Msg("worker pool drained")
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) process(ctx context.Context, item domain.WorkItem) {
	defer p.queue.Ack()
	started := time.Now().UTC()
	// Audit writes must land even when shutdown has begun, otherwise a
	// drained item would stay marked processing forever.
	actx := context.WithoutCancel(ctx)

	h, ok := p.handlers[item.WorkType]
	if !ok {
		msg := fmt.Sprintf("no handler for work type %q", item.WorkType)
		p.log.Error().Str("item_id", item.ID).Str("work_type", item.WorkType).Msg(msg)
		if err := p.store.MarkDispatchFailed(actx, item.ID, time.Now().UTC(), msg); err != nil {
			p.log.Warn().Err(err).Str("item_id", item.ID).Msg("audit update failed")
		}
		return
	}

	if err := p.store.MarkDispatchProcessing(actx, item.ID, started); err != nil {
		p.log.Warn().Err(err).Str("item_id", item.ID).Msg("audit update failed")
	}

	hctx, cancel := context.WithTimeout(ctx, p.opts.HandleTimeout)
	err := safeHandle(hctx, h, item.Params)
	cancel()
	if err == nil {
		if err := p.store.MarkDispatchCompleted(actx, item.ID, time.Now().UTC()); err != nil {
			p.log.Warn().Err(err).Str("item_id", item.ID).Msg("audit update failed")
		}
		p.log.Info().
			Str("item_id", item.ID).
			Str("work_type", item.WorkType).
			Dur("took", time.Since(started)).
			Msg("work item completed")
		return
	}

	if item.RetryCount < item.MaxRetries {
		retry := item
		retry.RetryCount++
		retry.Status = domain.StatusPending
		delay := backoffExp(retry.RetryCount, p.opts.RetryBase)
		if merr := p.store.MarkDispatchRetry(actx, item.ID, retry.RetryCount); merr != nil {
			p.log.Warn().Err(merr).Str("item_id", item.ID).Msg("audit update failed")
		}
		p.log.Warn().Err(err).
			Str("item_id", item.ID).
			Str("work_type", item.WorkType).
			Int("retry", retry.RetryCount).
			Int("max_retries", retry.MaxRetries).
			Dur("in", delay).
			Msg("work item failed, will retry")
		time.AfterFunc(delay, func() { p.queue.Push(retry) })
		return
	}

	if merr := p.store.MarkDispatchFailed(actx, item.ID, time.Now().UTC(), err.Error()); merr != nil {
		p.log.Warn().Err(merr).Str("item_id", item.ID).Msg("audit update failed")
	}
	p.log.Error().Err(err).
		Str("item_id", item.ID).
		Str("work_type", item.WorkType).
		Int("retries", item.RetryCount).
		Msg("work item failed permanently")
}

// safeHandle contains handler panics so one bad item cannot take the
// pool down.
func safeHandle(ctx context.Context, h Handler, params json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, params)
}

func backoffExp(attempts int, base time.Duration) time.Duration {
	if attempts <= 0 {
		return base
	}
	d := base << (attempts - 1) // 1x,2x,4x...
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
