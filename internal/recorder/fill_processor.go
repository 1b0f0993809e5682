package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	fillConsumerGroup = "recorder"
	readBatch         = 64
	idlePollDelay     = 500 * time.Millisecond
)

// CompletionNotifier receives operator notifications for terminal orders.
// The notify package's Notifier satisfies it.
type CompletionNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// FillProcessor consumes the durable order-event stream through a consumer
// group and persists fills. The fill store's unique (exchange, trade id)
// index is the second dedup line behind the in-flight tracker; a replayed
// entry comes back ErrAlreadyExists and is acked like a fresh one.
// Completion and failure events are forwarded to the notifier.
type FillProcessor struct {
	bus      domain.EventBus
	fills    domain.FillStore
	notifier CompletionNotifier
	consumer string
	logger   *slog.Logger
}

// NewFillProcessor builds the processor. consumer names this process inside
// the consumer group, normally the instance id. The notifier may be nil.
func NewFillProcessor(bus domain.EventBus, fills domain.FillStore, notifier CompletionNotifier, consumer string, logger *slog.Logger) *FillProcessor {
	return &FillProcessor{
		bus:      bus,
		fills:    fills,
		notifier: notifier,
		consumer: consumer,
		logger:   logger.With(slog.String("component", "fill_processor")),
	}
}

// Run consumes the stream until the context is cancelled.
func (p *FillProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := p.bus.StreamReadGroup(ctx, OrderEventStream, fillConsumerGroup, p.consumer, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePollDelay):
			}
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePollDelay):
			}
			continue
		}

		acks := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			if err := p.process(ctx, msg.Payload); err != nil {
				// Leave the entry pending so a later pass retries it.
				p.logger.Error("event processing failed",
					slog.String("stream_id", msg.ID),
					slog.Any("error", err),
				)
				continue
			}
			acks = append(acks, msg.ID)
		}
		if len(acks) > 0 {
			if err := p.bus.StreamAck(ctx, OrderEventStream, fillConsumerGroup, acks...); err != nil && ctx.Err() == nil {
				p.logger.Warn("stream ack failed", slog.Any("error", err))
			}
		}
	}
}

func (p *FillProcessor) process(ctx context.Context, payload []byte) error {
	ev, err := decodeEvent(payload)
	if err != nil {
		// A payload that cannot decode will never decode; log and ack.
		p.logger.Error("undecodable event dropped", slog.Any("error", err))
		return nil
	}

	switch e := ev.(type) {
	case domain.OrderFilledEvent:
		return p.persistFill(ctx, e)
	case domain.OrderCompletedEvent:
		p.notifyCompleted(ctx, e)
	case domain.OrderFailureEvent:
		p.notifyFailed(ctx, e)
	}
	return nil
}

func (p *FillProcessor) persistFill(ctx context.Context, e domain.OrderFilledEvent) error {
	feeAsset := e.TradingPair.Quote()
	if len(e.Fee.FlatFees) > 0 {
		feeAsset = e.Fee.FlatFees[0].Token
	}
	fill := domain.Fill{
		Exchange:      e.Exchange,
		TradeID:       e.TradeID,
		ClientOrderID: e.ClientOrderID,
		TradingPair:   e.TradingPair,
		TradeType:     e.TradeType,
		OrderType:     e.OrderType,
		Price:         e.Price,
		Amount:        e.Amount,
		QuoteAmount:   e.Price.Mul(e.Amount),
		FeeAsset:      feeAsset,
		FeeAmount:     e.Fee.FeeAmount(e.Amount),
		Timestamp:     e.Timestamp,
	}
	err := p.fills.Insert(ctx, fill)
	if errors.Is(err, domain.ErrAlreadyExists) {
		p.logger.Debug("fill replayed, skipping",
			slog.String("exchange", e.Exchange),
			slog.String("trade_id", e.TradeID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist fill %s/%s: %w", e.Exchange, e.TradeID, err)
	}
	return nil
}

func (p *FillProcessor) notifyCompleted(ctx context.Context, e domain.OrderCompletedEvent) {
	if p.notifier == nil {
		return
	}
	title := fmt.Sprintf("Order filled: %s %s", e.TradeType, e.TradingPair)
	msg := fmt.Sprintf("%s on %s\nbase %s, quote %s, fee %s",
		e.ClientOrderID, e.Exchange, e.BaseAmount, e.QuoteAmount, e.FeeAmount)
	if err := p.notifier.Notify(ctx, "order_completed", title, msg); err != nil {
		p.logger.Warn("completion notify failed", slog.Any("error", err))
	}
}

func (p *FillProcessor) notifyFailed(ctx context.Context, e domain.OrderFailureEvent) {
	if p.notifier == nil {
		return
	}
	title := fmt.Sprintf("Order failed: %s", e.TradingPair)
	msg := fmt.Sprintf("%s on %s\n%s", e.ClientOrderID, e.Exchange, e.Reason)
	if err := p.notifier.Notify(ctx, "order_failed", title, msg); err != nil {
		p.logger.Warn("failure notify failed", slog.Any("error", err))
	}
}
