// Package recorder persists what the bot observes and does: order
// lifecycle events onto the durable bus stream, fills and closed candles
// into Postgres, trading-rule snapshots on a sync cadence, and aged rows
// out to S3 cold storage.
package recorder

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop that stops cleanly on context cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// Orchestrator supervises the recorder loops under one errgroup. Any nil
// component is skipped, so modes can run a subset (paper mode has no
// archiver, monitor mode no fill processor).
type Orchestrator struct {
	publisher *EventPublisher
	fills     *FillProcessor
	candles   *CandlePersister
	rules     Runner
	archive   *ArchiveScheduler
	logger    *slog.Logger
}

// NewOrchestrator wires the recorder loops. Pass nil for components the
// run mode does not need.
func NewOrchestrator(
	publisher *EventPublisher,
	fills *FillProcessor,
	candles *CandlePersister,
	rules Runner,
	archive *ArchiveScheduler,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		publisher: publisher,
		fills:     fills,
		candles:   candles,
		rules:     rules,
		archive:   archive,
		logger:    logger.With(slog.String("component", "recorder")),
	}
}

// Run blocks until the context is cancelled or a loop fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("recorder starting")
	g, ctx := errgroup.WithContext(ctx)

	if o.publisher != nil {
		g.Go(func() error {
			if err := o.publisher.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("event publisher: %w", err)
			}
			return nil
		})
	}
	if o.fills != nil {
		g.Go(func() error {
			if err := o.fills.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("fill processor: %w", err)
			}
			return nil
		})
	}
	if o.candles != nil {
		g.Go(func() error {
			if err := o.candles.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("candle persister: %w", err)
			}
			return nil
		})
	}
	if o.rules != nil {
		g.Go(func() error {
			if err := o.rules.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("rule sync: %w", err)
			}
			return nil
		})
	}
	if o.archive != nil {
		g.Go(func() error {
			if err := o.archive.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("archive scheduler: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("recorder stopped with error", slog.Any("error", err))
		return err
	}
	o.logger.Info("recorder stopped cleanly")
	return nil
}
