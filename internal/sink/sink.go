// Package sink fans accepted observations out to downstream telemetry
// consumers, isolating each consumer's failures and backpressure from the
// ingestion path and from the other consumers.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sonde_relay/internal/sonde"
)

// Sink is one downstream consumer of accepted observations. Send must
// tolerate transport failures internally (log, tear down the session,
// reconnect lazily); a returned error is recorded but never retried by the
// dispatcher.
type Sink interface {
	Name() string
	Send(ctx context.Context, obs *sonde.Observation) error

	// Flush gives the sink a best-effort chance to deliver queued packets
	// during shutdown.
	Flush(ctx context.Context)
	Close() error
}

// Dispatcher routes each accepted observation to every registered sink over
// a per-sink buffered queue with a dedicated worker, so a slow or blocked
// sink cannot stall ingestion or its siblings.
type Dispatcher struct {
	sinks  []Sink
	queues []chan *sonde.Observation
	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc

	sendErrors func(sinkName string) // metrics hook, may be nil
	dropped    func(sinkName string)
}

// queueDepth bounds each sink's backlog. An overflowing queue drops the
// observation for that sink; the store already has it.
const queueDepth = 256

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With("component", "dispatch"),
	}
}

// OnSendError registers a per-sink error counter hook.
func (d *Dispatcher) OnSendError(fn func(sinkName string)) { d.sendErrors = fn }

// OnDrop registers a per-sink queue-overflow counter hook.
func (d *Dispatcher) OnDrop(fn func(sinkName string)) { d.dropped = fn }

// Start spawns one worker per sink. The workers run on a dispatcher-owned
// context, not a caller's: a process shutdown signal must not cancel sends
// still draining, so the context ends only after Shutdown's drain.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.queues = make([]chan *sonde.Observation, len(d.sinks))
	for i, s := range d.sinks {
		q := make(chan *sonde.Observation, queueDepth)
		d.queues[i] = q
		d.wg.Add(1)
		go d.worker(ctx, s, q)
	}
}

func (d *Dispatcher) worker(ctx context.Context, s Sink, q <-chan *sonde.Observation) {
	defer d.wg.Done()
	for obs := range q {
		if err := s.Send(ctx, obs); err != nil {
			d.logger.Error("sink send failed", "sink", s.Name(), "ser", obs.Serial, "error", err)
			if d.sendErrors != nil {
				d.sendErrors(s.Name())
			}
		}
	}
}

// Dispatch enqueues the observation for every sink without blocking.
func (d *Dispatcher) Dispatch(obs *sonde.Observation) {
	for i, q := range d.queues {
		select {
		case q <- obs:
		default:
			d.logger.Warn("sink queue full, dropping", "sink", d.sinks[i].Name(), "ser", obs.Serial)
			if d.dropped != nil {
				d.dropped(d.sinks[i].Name())
			}
		}
	}
}

// Shutdown drains the workers, flushes every sink, and closes them, bounded
// by the given timeout. Ingestion must already have stopped.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	for _, q := range d.queues {
		close(q)
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-drained:
	case <-deadline.C:
		d.logger.Warn("sink drain timed out", "timeout", timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range d.sinks {
		s.Flush(ctx)
		if err := s.Close(); err != nil {
			d.logger.Error("sink close failed", "sink", s.Name(), "error", err)
		}
	}

	if d.cancel != nil {
		d.cancel()
	}
}
