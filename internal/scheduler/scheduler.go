// Package scheduler keeps every organization chain running forever on a
// bounded pool of workers.
//
// Each supervisor is always in exactly one place: the run queue, a worker, or
// the completion channel. The coordinator moves a completed supervisor back
// to the queue immediately, so a chain is never submitted twice and steps of
// one organization never overlap. Excess organizations wait in FIFO order.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reconloop/reconloop/internal/chain"
	"github.com/reconloop/reconloop/internal/log"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/reconloop/reconloop/internal/status"
)

const DefaultTick = time.Second

type Options struct {
	MaxWorkers int           // model.DefaultMaxThreads if zero
	Tick       time.Duration // DefaultTick if zero
	Sink       status.Sink   // status.Discard if nil
	Logger     *slog.Logger
}

type Scheduler struct {
	supervisors []*chain.Supervisor
	workers     int
	tick        time.Duration
	sink        status.Sink
	logger      *slog.Logger
}

// New sorts supervisors by organization. Two supervisors of the same
// organization are a configuration error.
func New(supervisors []*chain.Supervisor, opts Options) (*Scheduler, error) {
	if opts.MaxWorkers < 0 {
		return nil, &model.ConfigError{Field: "max-threads", Message: fmt.Sprintf("must be positive, got %d", opts.MaxWorkers)}
	}
	sorted := slices.Clone(supervisors)
	slices.SortStableFunc(sorted, func(a, b *chain.Supervisor) int {
		return cmp.Compare(a.Org(), b.Org())
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Org() == sorted[i-1].Org() {
			return nil, &model.ConfigError{Field: "org", Message: fmt.Sprintf("duplicate organization %q", sorted[i].Org())}
		}
	}

	s := &Scheduler{
		supervisors: sorted,
		workers:     cmp.Or(opts.MaxWorkers, model.DefaultMaxThreads),
		tick:        cmp.Or(opts.Tick, DefaultTick),
		sink:        opts.Sink,
		logger:      opts.Logger,
	}
	s.workers = min(s.workers, len(sorted))
	if s.sink == nil {
		s.sink = status.Discard
	}
	if s.logger == nil {
		s.logger = log.Discard()
	}
	return s, nil
}

// Workers is the pool size, the smaller of MaxWorkers and the number of
// organizations.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Snapshot returns the status of every organization sorted by name.
func (s *Scheduler) Snapshot() []chain.Status {
	ret := make([]chain.Status, len(s.supervisors))
	for i, sup := range s.supervisors {
		ret[i] = sup.Snapshot()
	}
	return ret
}

// Run dispatches every chain and resubmits each one as soon as it completes,
// rendering a status snapshot on every tick. It returns nil once ctx is done
// and all workers have stopped. Running chains see the cancellation through
// their context.
func (s *Scheduler) Run(ctx context.Context) error {
	n := len(s.supervisors)
	queue := make(chan *chain.Supervisor, n)
	done := make(chan *chain.Supervisor, n)
	for _, sup := range s.supervisors {
		queue <- sup
	}
	s.logger.InfoContext(ctx, "scheduler started", "orgs", n, "workers", s.workers)

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(workCtx)
	for id := range s.workers {
		g.Go(func() error {
			s.work(log.ContextAttrs(gctx, slog.Int("worker", id)), queue, done)
			return nil
		})
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.render(ctx)
	for {
		select {
		case <-ctx.Done():
			cancel()
			_ = g.Wait()
			s.logger.InfoContext(context.WithoutCancel(ctx), "scheduler stopped")
			return nil
		case sup := <-done:
			// cannot block: the queue holds every supervisor at most once
			queue <- sup
		case <-ticker.C:
			s.render(ctx)
		}
	}
}

func (s *Scheduler) work(ctx context.Context, queue <-chan *chain.Supervisor, done chan<- *chain.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case sup := <-queue:
			err := sup.Start(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.ErrorContext(ctx, "chain run failed", "org", sup.Org(), "error", err)
			}
			done <- sup
		}
	}
}

func (s *Scheduler) render(ctx context.Context) {
	if err := s.sink.Render(ctx, s.Snapshot()); err != nil {
		s.logger.WarnContext(ctx, "rendering status", "error", err)
	}
}
