// Package pipeline runs one raw decoder message through identity
// resolution, normalization, the dedup gate and sink fan-out.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"sonde_relay/internal/gate"
	"sonde_relay/internal/identity"
	"sonde_relay/internal/metrics"
	"sonde_relay/internal/normalize"
	"sonde_relay/internal/sink"
	"sonde_relay/internal/sonde"
	"sonde_relay/internal/storage"
)

// Pipeline processes messages sequentially: Handle runs one message to
// completion before the adapter delivers the next. Only sink delivery is
// offloaded, through the dispatcher's per-sink workers.
type Pipeline struct {
	resolver   *identity.Resolver
	normalizer *normalize.Normalizer
	gate       *gate.Gate
	dispatcher *sink.Dispatcher
	archive    *storage.Archive
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New assembles a pipeline. The archive may be nil when disabled.
func New(
	resolver *identity.Resolver,
	normalizer *normalize.Normalizer,
	g *gate.Gate,
	dispatcher *sink.Dispatcher,
	archive *storage.Archive,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		normalizer: normalizer,
		gate:       g,
		dispatcher: dispatcher,
		archive:    archive,
		metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}
}

// Handle processes one raw message. Every failure mode degrades to
// dropping that one message with a log line; nothing here is fatal.
func (p *Pipeline) Handle(msg *sonde.RawMessage) {
	p.metrics.Messages.Inc()

	serial, scheme, ok := p.resolver.Resolve(msg)
	if !ok {
		if serial == "" {
			p.logger.Info("no serial derivable, message dropped", "source", msg.Source)
			p.metrics.Dropped.WithLabelValues(metrics.ReasonUnresolved).Inc()
		} else {
			p.logger.Info("placeholder serial, message dropped", "ser", serial, "source", msg.Source)
			p.metrics.Dropped.WithLabelValues(metrics.ReasonPlaceholder).Inc()
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	obs := p.normalizer.Normalize(ctx, msg, serial)

	status, err := p.gate.Accept(ctx, obs)
	if err != nil {
		p.logger.Error("store append failed", "ser", serial, "error", err)
		p.metrics.Dropped.WithLabelValues(metrics.ReasonStoreError).Inc()
		return
	}
	if status == gate.Duplicate {
		p.logger.Info("duplicate observation dropped", "ser", serial, "vframe", obs.VFrame)
		p.metrics.Duplicates.Inc()
		return
	}

	p.metrics.Accepted.Inc()
	p.logger.Info("observation accepted",
		"ser", serial, "type", obs.Type, "scheme", scheme, "vframe", obs.VFrame)

	if p.archive != nil {
		p.archive.Add(obs)
	}
	p.dispatcher.Dispatch(obs)
}
