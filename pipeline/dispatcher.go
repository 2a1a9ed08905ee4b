package pipeline

import (
	"context"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EventProcessor is satisfied by *Processor.
type EventProcessor interface {
	Process(ctx context.Context, ev Event) (Result, error)
}

// Outcome is the result of one dispatched event.
type Outcome struct {
	Event  Event
	Result Result
	Err    error
}

// Dispatcher runs independent events concurrently with a bounded number of
// workers. Per-event failures are reported in the Outcome and never stop the
// other workers; only context cancellation does.
type Dispatcher struct {
	proc    EventProcessor
	workers int
	log     logrus.FieldLogger
}

// NewDispatcher bounds concurrency at workers, or GOMAXPROCS when <= 0.
func NewDispatcher(proc EventProcessor, workers int, log logrus.FieldLogger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{proc: proc, workers: workers, log: log.WithField("component", "dispatcher")}
}

// ProcessAll handles events and returns one Outcome per event, in input order.
// Events not started before ctx ended carry the context error.
func (d *Dispatcher) ProcessAll(ctx context.Context, events []Event) ([]Outcome, error) {
	outcomes := make([]Outcome, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, ev := range events {
		if err := gctx.Err(); err != nil {
			// never dispatched
			outcomes[i] = Outcome{Event: ev, Err: err}
			continue
		}
		g.Go(func() error {
			res, err := d.proc.Process(gctx, ev)
			outcomes[i] = Outcome{Event: ev, Result: res, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, ctx.Err()
}

// Run consumes events until the channel closes or ctx is done, calling
// handle for every outcome. handle may be called from several goroutines.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event, handle func(Outcome)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	d.log.WithField("workers", d.workers).Info("dispatcher started")
	defer d.log.Info("dispatcher stopped")

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			g.Go(func() error {
				res, err := d.proc.Process(gctx, ev)
				if handle != nil {
					handle(Outcome{Event: ev, Result: res, Err: err})
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
