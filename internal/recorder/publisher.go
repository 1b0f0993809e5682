package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// OrderEventStream is the durable stream the fill processor consumes.
	OrderEventStream = "orders:events"
	// OrderEventChannel is the Pub/Sub channel for live fan-out.
	OrderEventChannel = "events:orders"

	publishBuf = 1024
)

// EventPublisher forwards tracker lifecycle events onto the event bus:
// XADD to the durable stream plus a Pub/Sub publish for live listeners.
// Record never blocks the tracker; when the buffer is full the event is
// dropped and counted.
type EventPublisher struct {
	bus     domain.EventBus
	logger  *slog.Logger
	ch      chan domain.OrderEvent
	dropped atomic.Int64
}

// NewEventPublisher builds the publisher. Run must be started for events
// to flow.
func NewEventPublisher(bus domain.EventBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "event_publisher")),
		ch:     make(chan domain.OrderEvent, publishBuf),
	}
}

// Record implements domain.EventRecorder.
func (p *EventPublisher) Record(ev domain.OrderEvent) {
	select {
	case p.ch <- ev:
	default:
		n := p.dropped.Add(1)
		if n%100 == 1 {
			p.logger.Warn("event buffer full, dropping",
				slog.String("kind", string(ev.Kind())),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (p *EventPublisher) Dropped() int64 { return p.dropped.Load() }

// Run drains the buffer onto the bus until the context is cancelled.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.ch:
			p.forward(ctx, ev)
		}
	}
}

func (p *EventPublisher) forward(ctx context.Context, ev domain.OrderEvent) {
	data, err := encodeEvent(ev)
	if err != nil {
		p.logger.Error("event encode failed", slog.Any("error", err))
		return
	}
	if err := p.bus.StreamAppend(ctx, OrderEventStream, data); err != nil && ctx.Err() == nil {
		p.logger.Warn("stream append failed",
			slog.String("kind", string(ev.Kind())),
			slog.Any("error", err),
		)
	}
	if err := p.bus.Publish(ctx, OrderEventChannel, data); err != nil && ctx.Err() == nil {
		p.logger.Warn("event publish failed",
			slog.String("kind", string(ev.Kind())),
			slog.Any("error", err),
		)
	}
}
