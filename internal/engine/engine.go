// Package engine is the authoritative auction core: it serializes bids
// through per-auction lanes, drives proxy bidding, applies the pricing
// policy, and runs the lifecycle scheduler.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/broadcast"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/pricing"
	"github.com/jensholdgaard/auction-engine/internal/protocol"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"
)

// UserNotifier delivers an event to every active connection of one user,
// independent of auction subscriptions. The gateway hub implements it.
type UserNotifier interface {
	NotifyUser(userID string, evt protocol.Event)
}

// Engine coordinates the auction registry, per-auction lanes, the proxy
// engine and the lifecycle scheduler.
type Engine struct {
	repos    *store.Repositories
	fabric   *broadcast.Fabric
	notifier UserNotifier
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	cfg      config.EngineConfig
	db       config.DatabaseConfig
	metrics  *telemetry.EngineMetrics

	registry *registry
}

// New creates an Engine. Call SetNotifier before Run if you_won delivery
// is wanted.
func New(repos *store.Repositories, fabric *broadcast.Fabric, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, cfg config.EngineConfig, db config.DatabaseConfig, metrics *telemetry.EngineMetrics) *Engine {
	return &Engine{
		repos:    repos,
		fabric:   fabric,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auction-engine/internal/engine"),
		clock:    clk,
		cfg:      cfg,
		db:       db,
		metrics:  metrics,
		registry: newRegistry(),
	}
}

// SetNotifier wires the per-user event path used for you_won.
func (e *Engine) SetNotifier(n UserNotifier) { e.notifier = n }

// Recover loads every non-terminal auction into the registry, rebuilding
// runtime state from the store. Called once at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	auctions, err := e.repos.Auctions.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing non-terminal auctions: %w", err)
	}
	for i := range auctions {
		a := auctions[i]
		if _, err := e.registry.load(ctx, e, &a); err != nil {
			return 0, fmt.Errorf("recovering auction %s: %w", a.ID, err)
		}
	}
	return len(auctions), nil
}

// Stop shuts down every lane.
func (e *Engine) Stop() {
	e.registry.stopAll()
}

// PlaceBid routes a manual bid to the auction's lane and waits for the
// outcome. Rejections come back as *Rejection.
func (e *Engine) PlaceBid(ctx context.Context, bidderID, auctionID string, amount decimal.Decimal) (*store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		return nil, e.counted(err)
	}
	res := ln.submit(laneCmd{kind: cmdBid, ctx: ctx, bidderID: bidderID, amount: amount})
	return res.bid, e.counted(res.err)
}

// SetProxy upserts a maximum-bid intent through the auction's lane.
func (e *Engine) SetProxy(ctx context.Context, bidderID, auctionID string, maxAmount decimal.Decimal) (*store.ProxyIntent, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SetProxy",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
		),
	)
	defer span.End()

	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		return nil, e.counted(err)
	}
	res := ln.submit(laneCmd{kind: cmdSetProxy, ctx: ctx, bidderID: bidderID, maxAmount: maxAmount})
	return res.intent, e.counted(res.err)
}

// CancelProxy deactivates the caller's intent on an auction.
func (e *Engine) CancelProxy(ctx context.Context, bidderID, auctionID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CancelProxy",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		return e.counted(err)
	}
	res := ln.submit(laneCmd{kind: cmdCancelProxy, ctx: ctx, bidderID: bidderID})
	return e.counted(res.err)
}

// CreateAuctionInput carries the seller-provided auction attributes.
type CreateAuctionInput struct {
	SellerID      string
	CategoryID    *string
	Title         string
	ImageURL      *string
	StartingPrice decimal.Decimal
	ReservePrice  *decimal.Decimal
	StartTime     time.Time
	EndTime       time.Time
}

// CreateAuction validates and persists a new auction. Its status is
// upcoming or live depending on the start time; live auctions become
// biddable on first reference.
func (e *Engine) CreateAuction(ctx context.Context, in CreateAuctionInput) (*store.Auction, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateAuction",
		trace.WithAttributes(attribute.String("seller.id", in.SellerID)),
	)
	defer span.End()

	if !in.StartingPrice.IsPositive() || in.StartingPrice.Exponent() < -2 {
		return nil, reject(protocol.ReasonInvalidAmount)
	}
	if in.ReservePrice != nil && in.ReservePrice.LessThan(in.StartingPrice) {
		return nil, reject(protocol.ReasonInvalidAmount)
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, reject(protocol.ReasonInvalidAmount)
	}

	now := e.clock.Now().UTC()
	status := store.StatusUpcoming
	if !in.StartTime.After(now) {
		status = store.StatusLive
	}

	a := &store.Auction{
		ID:            uuid.NewString(),
		SellerID:      in.SellerID,
		CategoryID:    in.CategoryID,
		Title:         in.Title,
		ImageURL:      in.ImageURL,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Status:        status,
		CreatedAt:     now,
	}
	if err := e.repos.Auctions.Create(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "creating auction", slog.Any("error", err))
		return nil, reject(protocol.ReasonStorageFailure)
	}

	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("seller_id", a.SellerID),
		slog.String("status", a.Status),
	)
	return a, nil
}

// CancelAuction cancels an auction that has no bids yet, on behalf of
// its seller or an admin.
func (e *Engine) CancelAuction(ctx context.Context, requesterID string, isAdmin bool, auctionID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CancelAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	ln, err := e.registry.ensure(ctx, e, auctionID)
	if err != nil {
		return e.counted(err)
	}
	res := ln.submit(laneCmd{kind: cmdCancel, ctx: ctx, bidderID: requesterID, isAdmin: isAdmin})
	if res.err == nil {
		e.registry.evict(auctionID)
	}
	return e.counted(res.err)
}

// Snapshot returns the resync pair for a join: auction_state plus the
// recent bid history. Live auctions answer from their lane for a
// consistent seq; terminal auctions answer from the store.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (*protocol.AuctionState, *protocol.BidHistory, error) {
	if ln, ok := e.registry.get(auctionID); ok {
		res := ln.submit(laneCmd{kind: cmdState, ctx: ctx})
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.state, res.snapshot, nil
	}

	a, err := e.repos.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, reject(protocol.ReasonNotFound)
		}
		return nil, nil, reject(protocol.ReasonStorageFailure)
	}
	if a.Status == store.StatusUpcoming || a.Status == store.StatusLive {
		ln, err := e.registry.load(ctx, e, a)
		if err != nil {
			return nil, nil, reject(protocol.ReasonStorageFailure)
		}
		res := ln.submit(laneCmd{kind: cmdState, ctx: ctx})
		return res.state, res.snapshot, res.err
	}
	return e.storedSnapshot(ctx, a)
}

// storedSnapshot builds the resync pair for a terminal auction straight
// from the store.
func (e *Engine) storedSnapshot(ctx context.Context, a *store.Auction) (*protocol.AuctionState, *protocol.BidHistory, error) {
	seq, err := e.repos.History.LastSeq(ctx, a.ID)
	if err != nil {
		return nil, nil, reject(protocol.ReasonStorageFailure)
	}
	bids, err := e.repos.Bids.ListRecent(ctx, a.ID, e.cfg.SnapshotDepth)
	if err != nil {
		return nil, nil, reject(protocol.ReasonStorageFailure)
	}

	state := &protocol.AuctionState{
		AuctionID:     a.ID,
		SellerID:      a.SellerID,
		Title:         a.Title,
		Status:        a.Status,
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.CurrentPrice,
		ReserveMet:    a.ReserveMet(),
		TotalBids:     a.TotalBids,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		SuggestedBid:  a.CurrentPrice,
		NextIncrement: decimal.Zero,
		LastSeq:       seq,
	}

	snapshot := &protocol.BidHistory{AuctionID: a.ID, LastSeq: seq}
	for i := len(bids) - 1; i >= 0; i-- {
		b := bids[i]
		name := b.BidderID
		if u, err := e.repos.Users.GetByID(ctx, b.BidderID); err == nil {
			name = u.Username
		}
		snapshot.Bids = append(snapshot.Bids, protocol.HistoryBid{
			BidID:          b.ID,
			Amount:         b.Amount,
			BidderUsername: name,
			Kind:           b.Kind,
			Seq:            b.Seq,
			Timestamp:      b.CreatedAt,
		})
	}
	return state, snapshot, nil
}

// Prediction exposes the pricing projection for the outer API.
func (e *Engine) Prediction(ctx context.Context, auctionID string) (decimal.Decimal, error) {
	ln, ok := e.registry.get(auctionID)
	if !ok {
		return decimal.Zero, reject(protocol.ReasonNotFound)
	}
	res := ln.submit(laneCmd{kind: cmdState, ctx: ctx})
	if res.err != nil {
		return decimal.Zero, res.err
	}
	if res.state.PredictedFinalPrice != nil {
		return *res.state.PredictedFinalPrice, nil
	}
	return pricing.PredictedFinalPrice(pricing.Telemetry{CurrentPrice: res.state.CurrentPrice}), nil
}

// LaneCount reports how many auctions are currently loaded, for the
// readiness payload.
func (e *Engine) LaneCount() int { return e.registry.size() }

func (e *Engine) publish(evt protocol.Event) {
	e.fabric.Publish(evt)
}

func (e *Engine) notifyUser(userID string, evt protocol.Event) {
	if e.notifier != nil {
		e.notifier.NotifyUser(userID, evt)
	}
}

// dbContext bounds a storage operation. It is detached from the caller's
// context so a client disconnect cannot abort a commit in flight.
func (e *Engine) dbContext() (context.Context, context.CancelFunc) {
	timeout := e.db.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (e *Engine) bidCommitted(kind string) {
	if e.metrics != nil {
		e.metrics.BidCommitted(context.Background(), kind)
	}
}

// counted records rejection metrics while passing the error through.
func (e *Engine) counted(err error) error {
	if err == nil {
		return nil
	}
	if r, ok := AsRejection(err); ok && e.metrics != nil {
		e.metrics.BidRejected(context.Background(), r.Code)
	}
	return err
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshalling payload: %v", err))
	}
	return data
}
