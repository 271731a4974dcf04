package engine

import (
	"context"
	"log/slog"
	"time"
)

// Run drives the lifecycle scheduler until ctx is done: a wall-clock loop
// that promotes upcoming auctions to live and funnels closes through each
// auction's lane so no bid commits after its close. Missed transitions
// are picked up on the next tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "lifecycle scheduler started",
		slog.Duration("tick", e.cfg.TickInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass. Errors are logged, never fatal; the
// scheduler is self-healing across ticks.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now().UTC()

	due, err := e.repos.Auctions.ListDueForStart(ctx, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "listing auctions due for start", slog.Any("error", err))
	} else {
		for i := range due {
			e.promote(ctx, due[i].ID)
		}
	}

	closing, err := e.repos.Auctions.ListDueForClose(ctx, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "listing auctions due for close", slog.Any("error", err))
		return
	}
	for i := range closing {
		e.close(ctx, closing[i].ID)
	}
}

func (e *Engine) promote(ctx context.Context, auctionID string) {
	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "loading auction for promotion",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}
	if res := ln.submit(laneCmd{kind: cmdGoLive, ctx: ctx}); res.err != nil {
		e.logger.ErrorContext(ctx, "promoting auction",
			slog.String("auction_id", auctionID),
			slog.Any("error", res.err),
		)
		return
	}
	e.logger.InfoContext(ctx, "auction live", slog.String("auction_id", auctionID))
}

func (e *Engine) close(ctx context.Context, auctionID string) {
	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "loading auction for close",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}
	if res := ln.submit(laneCmd{kind: cmdClose, ctx: ctx}); res.err != nil {
		e.logger.ErrorContext(ctx, "closing auction",
			slog.String("auction_id", auctionID),
			slog.Any("error", res.err),
		)
		return
	}
	e.registry.evict(auctionID)
	if e.metrics != nil {
		e.metrics.LaneEvicted(ctx)
	}
}
