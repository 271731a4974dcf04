package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/history"
	"github.com/jensholdgaard/auction-engine/internal/pricing"
	"github.com/jensholdgaard/auction-engine/internal/protocol"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// recentDepth is how many committed bids a lane keeps in memory for
// pricing telemetry and join snapshots.
const recentDepth = 64

type cmdKind int

const (
	cmdBid cmdKind = iota
	cmdSetProxy
	cmdCancelProxy
	cmdGoLive
	cmdClose
	cmdCancel
	cmdState
)

type laneCmd struct {
	kind cmdKind
	ctx  context.Context

	bidderID  string
	amount    decimal.Decimal
	maxAmount decimal.Decimal
	isAdmin   bool

	reply chan laneResult
}

type laneResult struct {
	bid      *store.Bid
	intent   *store.ProxyIntent
	state    *protocol.AuctionState
	snapshot *protocol.BidHistory
	err      error
}

// laneState is the runtime record of one auction. It is touched only by
// the lane goroutine after construction.
type laneState struct {
	auction    *store.Auction
	seq        int64
	lastBidder string
	recent     []store.Bid
	intents    []*store.ProxyIntent
	usernames  map[string]string
	// quarantined is set when a runtime invariant violation is detected;
	// the lane then refuses every further mutation until an operator
	// inspects the database and restarts.
	quarantined bool
}

// rebuildLaneState reconstructs an auction's runtime record from the
// store, used on lazy load and on process restart.
func rebuildLaneState(ctx context.Context, e *Engine, a *store.Auction) (*laneState, error) {
	seq, err := e.repos.History.LastSeq(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("loading last seq for %s: %w", a.ID, err)
	}

	bids, err := e.repos.Bids.ListRecent(ctx, a.ID, recentDepth)
	if err != nil {
		return nil, fmt.Errorf("loading recent bids for %s: %w", a.ID, err)
	}
	// ListRecent returns newest first; the lane keeps oldest first.
	recent := make([]store.Bid, 0, len(bids))
	for i := len(bids) - 1; i >= 0; i-- {
		recent = append(recent, bids[i])
	}

	lastBidder := ""
	if len(recent) > 0 {
		lastBidder = recent[len(recent)-1].BidderID
	}

	rawIntents, err := e.repos.Proxies.ListActive(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("loading proxy intents for %s: %w", a.ID, err)
	}
	intents := make([]*store.ProxyIntent, len(rawIntents))
	for i := range rawIntents {
		p := rawIntents[i]
		intents[i] = &p
	}

	return &laneState{
		auction:    a,
		seq:        seq,
		lastBidder: lastBidder,
		recent:     recent,
		intents:    intents,
		usernames:  make(map[string]string),
	}, nil
}

// lane is the single-writer serialization context for one auction. Every
// mutation of the auction's price, bid set and winner flag flows through
// the lane in strict arrival order.
type lane struct {
	e  *Engine
	st *laneState

	cmds chan laneCmd
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

func newLane(e *Engine, st *laneState) *lane {
	return &lane{
		e:    e,
		st:   st,
		cmds: make(chan laneCmd, e.cfg.LaneQueueSize),
		done: make(chan struct{}),
	}
}

func (ln *lane) start() {
	ln.wg.Add(1)
	go ln.run()
}

func (ln *lane) stop() {
	ln.stopOnce.Do(func() { close(ln.done) })
	ln.wg.Wait()
}

func (ln *lane) auctionID() string { return ln.st.auction.ID }

// submit enqueues a command and waits for its result. A caller whose ctx
// is cancelled before the command begins gives up its slot; a command
// already past the queue commits regardless and the response is
// discarded.
func (ln *lane) submit(cmd laneCmd) laneResult {
	cmd.reply = make(chan laneResult, 1)
	select {
	case ln.cmds <- cmd:
	case <-cmd.ctx.Done():
		return laneResult{err: cmd.ctx.Err()}
	case <-ln.done:
		return laneResult{err: reject(protocol.ReasonNotLive)}
	}

	select {
	case res := <-cmd.reply:
		return res
	case <-cmd.ctx.Done():
		return laneResult{err: cmd.ctx.Err()}
	}
}

func (ln *lane) run() {
	defer ln.wg.Done()
	for {
		select {
		case <-ln.done:
			return
		case cmd := <-ln.cmds:
			// A caller that disconnected before its command started
			// is dropped without touching state.
			if cmd.ctx.Err() != nil && cmd.kind != cmdClose {
				continue
			}
			cmd.reply <- ln.dispatch(cmd)
		}
	}
}

func (ln *lane) dispatch(cmd laneCmd) laneResult {
	switch cmd.kind {
	case cmdBid:
		bid, err := ln.handleManualBid(cmd.bidderID, cmd.amount)
		return laneResult{bid: bid, err: err}
	case cmdSetProxy:
		intent, err := ln.handleSetProxy(cmd.bidderID, cmd.maxAmount)
		return laneResult{intent: intent, err: err}
	case cmdCancelProxy:
		return laneResult{err: ln.handleCancelProxy(cmd.bidderID)}
	case cmdGoLive:
		return laneResult{err: ln.handleGoLive()}
	case cmdClose:
		return laneResult{err: ln.handleClose()}
	case cmdCancel:
		return laneResult{err: ln.handleCancel(cmd.bidderID, cmd.isAdmin)}
	case cmdState:
		state, snapshot := ln.buildSnapshot()
		return laneResult{state: state, snapshot: snapshot}
	default:
		return laneResult{err: fmt.Errorf("unknown lane command %d", cmd.kind)}
	}
}

// handleManualBid runs the full validation sequence for an externally
// placed bid and, on success, drives the proxy reaction chain before the
// next queued command is observed.
func (ln *lane) handleManualBid(bidderID string, amount decimal.Decimal) (*store.Bid, error) {
	st := ln.st
	if st.quarantined {
		return nil, reject(protocol.ReasonStorageFailure)
	}
	if st.auction.Status != store.StatusLive {
		return nil, reject(protocol.ReasonNotLive)
	}
	now := ln.e.clock.Now().UTC()
	if !now.Before(st.auction.EndTime) {
		// End time already passed; the close is on its way through
		// this lane.
		return nil, reject(protocol.ReasonNotLive)
	}
	if bidderID == st.auction.SellerID {
		return nil, reject(protocol.ReasonSellerSelfBid)
	}
	if st.lastBidder == bidderID {
		return nil, reject(protocol.ReasonConsecutive)
	}
	if amount.Exponent() < -2 || !amount.IsPositive() {
		return nil, reject(protocol.ReasonInvalidAmount)
	}

	tel := ln.telemetry()
	minimum := st.auction.CurrentPrice.Add(pricing.BidIncrement(tel))
	if amount.LessThan(minimum) {
		return nil, rejectBelowMinimum(minimum)
	}

	bid, err := ln.commitBid(bidderID, amount, store.KindManual)
	if err != nil {
		return nil, err
	}

	ln.runProxyChain(bidderID, store.KindProxy)
	return bid, nil
}

// commitBid persists a validated bid and publishes it. Steps 5 to 7 of
// the serializer sequence: single-transaction persist, last-bidder
// update, subscriber fan-out.
func (ln *lane) commitBid(bidderID string, amount decimal.Decimal, kind string) (*store.Bid, error) {
	st := ln.st

	// Price must strictly increase; anything else here is a programmer
	// error and poisons the lane.
	if !amount.GreaterThan(st.auction.CurrentPrice) {
		ln.quarantine("bid amount does not exceed current price",
			slog.String("amount", amount.String()),
			slog.String("current", st.auction.CurrentPrice.String()))
		return nil, reject(protocol.ReasonStorageFailure)
	}

	bid := &store.Bid{
		ID:        uuid.NewString(),
		AuctionID: st.auction.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Kind:      kind,
		Seq:       st.seq + 1,
		Winning:   true,
		CreatedAt: ln.e.clock.Now().UTC(),
	}

	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Bids.CommitBid(ctx, bid); err != nil {
		ln.e.logger.ErrorContext(ctx, "bid commit failed",
			slog.String("auction_id", st.auction.ID),
			slog.String("bidder_id", bidderID),
			slog.Any("error", err),
		)
		return nil, reject(protocol.ReasonStorageFailure)
	}

	st.seq = bid.Seq
	st.auction.CurrentPrice = amount
	st.auction.TotalBids++
	st.lastBidder = bidderID
	st.recent = append(st.recent, *bid)
	if len(st.recent) > recentDepth {
		st.recent = st.recent[len(st.recent)-recentDepth:]
	}

	ln.e.publish(protocol.MustEvent(protocol.EvtNewBid, st.auction.ID, bid.Seq, protocol.NewBid{
		AuctionID:      st.auction.ID,
		BidID:          bid.ID,
		Amount:         bid.Amount,
		BidderUsername: ln.username(bidderID),
		Kind:           kind,
		Seq:            bid.Seq,
		Timestamp:      bid.CreatedAt,
		TotalBids:      st.auction.TotalBids,
	}))
	ln.e.bidCommitted(kind)
	return bid, nil
}

// runProxyChain offers the new price to the proxy intents and commits
// counter-bids on this lane until no intent reacts. Each iteration
// raises the price by at least one proxy increment and intents cap at
// their max, so the chain terminates.
func (ln *lane) runProxyChain(trigger string, kind string) {
	st := ln.st
	for {
		inc := pricing.ProxyIncrement(ln.telemetry())
		counter := nextCounter(st.intents, st.auction.CurrentPrice, trigger, st.lastBidder, inc)
		if counter == nil {
			return
		}

		bid, err := ln.commitBid(counter.intent.BidderID, counter.amount, kind)
		if err != nil {
			ln.e.logger.Error("proxy counter-bid failed",
				slog.String("auction_id", st.auction.ID),
				slog.String("bidder_id", counter.intent.BidderID),
				slog.Any("error", err),
			)
			return
		}

		counter.intent.CurrentAmount = bid.Amount
		ctx, cancel := ln.e.dbContext()
		if err := ln.e.repos.Proxies.Upsert(ctx, counter.intent); err != nil {
			ln.e.logger.ErrorContext(ctx, "persisting proxy intent progress",
				slog.String("auction_id", st.auction.ID),
				slog.Any("error", err),
			)
		}
		cancel()

		trigger = counter.intent.BidderID
	}
}

// handleSetProxy validates and upserts a maximum-bid intent, then lets
// the proxy engine take the lead immediately if it can.
func (ln *lane) handleSetProxy(bidderID string, maxAmount decimal.Decimal) (*store.ProxyIntent, error) {
	st := ln.st
	if st.quarantined {
		return nil, reject(protocol.ReasonStorageFailure)
	}
	if st.auction.Status != store.StatusLive {
		return nil, reject(protocol.ReasonNotLive)
	}
	if bidderID == st.auction.SellerID {
		return nil, reject(protocol.ReasonSellerSelfBid)
	}
	if maxAmount.Exponent() < -2 || !maxAmount.IsPositive() {
		return nil, reject(protocol.ReasonInvalidAmount)
	}
	if !maxAmount.GreaterThan(st.auction.CurrentPrice) {
		minimum := st.auction.CurrentPrice.Add(pricing.ProxyIncrement(ln.telemetry()))
		return nil, rejectBelowMinimum(minimum)
	}

	now := ln.e.clock.Now().UTC()
	intent := ln.findIntent(bidderID)
	if intent == nil {
		intent = &store.ProxyIntent{
			ID:        uuid.NewString(),
			AuctionID: st.auction.ID,
			BidderID:  bidderID,
			CreatedAt: now,
		}
		st.intents = append(st.intents, intent)
	}
	intent.MaxAmount = maxAmount
	intent.Active = true
	intent.UpdatedAt = now

	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Proxies.Upsert(ctx, intent); err != nil {
		ln.e.logger.ErrorContext(ctx, "persisting proxy intent",
			slog.String("auction_id", st.auction.ID),
			slog.Any("error", err),
		)
		return nil, reject(protocol.ReasonStorageFailure)
	}

	// Immediate auto-lead: evaluated with no triggering bidder. With a
	// single intent this produces exactly one step-up; further automatic
	// bidding waits for another actor.
	ln.runProxyChain("", store.KindAutomatic)
	return intent, nil
}

func (ln *lane) handleCancelProxy(bidderID string) error {
	st := ln.st
	intent := ln.findIntent(bidderID)
	if intent == nil || !intent.Active {
		return reject(protocol.ReasonNotFound)
	}

	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Proxies.Deactivate(ctx, st.auction.ID, bidderID); err != nil {
		ln.e.logger.ErrorContext(ctx, "deactivating proxy intent", slog.Any("error", err))
		return reject(protocol.ReasonStorageFailure)
	}
	intent.Active = false
	return nil
}

// handleGoLive promotes an upcoming auction, recording and broadcasting
// the transition.
func (ln *lane) handleGoLive() error {
	st := ln.st
	if st.auction.Status != store.StatusUpcoming {
		return nil
	}

	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Auctions.MarkLive(ctx, st.auction.ID); err != nil {
		return fmt.Errorf("marking auction %s live: %w", st.auction.ID, err)
	}
	st.auction.Status = store.StatusLive

	st.seq++
	ln.appendHistory(ctx, history.AuctionLive, nil)
	ln.e.publish(protocol.MustEvent(protocol.EvtAuctionTransition, st.auction.ID, st.seq, protocol.Transition{
		AuctionID: st.auction.ID,
		Status:    store.StatusLive,
	}))
	return nil
}

// handleClose finalizes a live auction: no bid observed after this point
// commits. The winner is the bid holding the winning flag.
func (ln *lane) handleClose() error {
	st := ln.st
	if st.auction.Status != store.StatusLive {
		return nil
	}

	var winnerID *string
	var winning *store.Bid
	if len(st.recent) > 0 {
		last := st.recent[len(st.recent)-1]
		winning = &last
		winnerID = &last.BidderID
	}

	now := ln.e.clock.Now().UTC()
	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Auctions.Close(ctx, st.auction.ID, winnerID, now); err != nil {
		return fmt.Errorf("closing auction %s: %w", st.auction.ID, err)
	}
	st.auction.Status = store.StatusClosed
	st.auction.WinnerID = winnerID

	if err := ln.e.repos.Proxies.DeactivateAll(ctx, st.auction.ID); err != nil {
		ln.e.logger.ErrorContext(ctx, "deactivating proxy intents at close",
			slog.String("auction_id", st.auction.ID),
			slog.Any("error", err),
		)
	}
	for _, intent := range st.intents {
		intent.Active = false
	}

	st.seq++
	ended := protocol.Ended{AuctionID: st.auction.ID}
	if winning != nil {
		ended.WinnerID = winning.BidderID
		ended.Winner = ln.username(winning.BidderID)
		ended.Amount = &winning.Amount
		ln.appendHistory(ctx, history.AuctionClosed, history.ClosedData{
			WinnerID: winning.BidderID,
			Amount:   winning.Amount,
		})
	} else {
		ln.appendHistory(ctx, history.AuctionClosed, history.ClosedData{})
	}

	ln.e.publish(protocol.MustEvent(protocol.EvtAuctionEnded, st.auction.ID, st.seq, ended))
	if winning != nil {
		ln.e.notifyUser(winning.BidderID, protocol.MustEvent(protocol.EvtYouWon, st.auction.ID, 0, protocol.YouWon{
			AuctionID: st.auction.ID,
			Amount:    winning.Amount,
		}))
	}

	ln.e.logger.InfoContext(ctx, "auction closed",
		slog.String("auction_id", st.auction.ID),
		slog.Int("total_bids", st.auction.TotalBids),
	)
	return nil
}

// handleCancel cancels an auction that has no bids yet. Only the seller
// or an admin may cancel.
func (ln *lane) handleCancel(requesterID string, isAdmin bool) error {
	st := ln.st
	if st.auction.Status == store.StatusClosed || st.auction.Status == store.StatusCancelled {
		return reject(protocol.ReasonNotLive)
	}
	if requesterID != st.auction.SellerID && !isAdmin {
		return reject(protocol.ReasonForbidden)
	}
	if st.auction.TotalBids > 0 {
		return reject(protocol.ReasonForbidden)
	}

	ctx, cancel := ln.e.dbContext()
	defer cancel()
	if err := ln.e.repos.Auctions.Cancel(ctx, st.auction.ID); err != nil {
		ln.e.logger.ErrorContext(ctx, "cancelling auction", slog.Any("error", err))
		return reject(protocol.ReasonStorageFailure)
	}
	st.auction.Status = store.StatusCancelled

	st.seq++
	ln.appendHistory(ctx, history.AuctionCancelled, nil)
	ln.e.publish(protocol.MustEvent(protocol.EvtAuctionTransition, st.auction.ID, st.seq, protocol.Transition{
		AuctionID: st.auction.ID,
		Status:    store.StatusCancelled,
	}))
	return nil
}

// buildSnapshot assembles the resync pair sent on every join: the
// current auction state and the recent bid history.
func (ln *lane) buildSnapshot() (*protocol.AuctionState, *protocol.BidHistory) {
	st := ln.st
	tel := ln.telemetry()

	remaining := st.auction.EndTime.Sub(ln.e.clock.Now().UTC())
	if remaining < 0 {
		remaining = 0
	}

	state := &protocol.AuctionState{
		AuctionID:            st.auction.ID,
		SellerID:             st.auction.SellerID,
		Title:                st.auction.Title,
		Status:               st.auction.Status,
		StartingPrice:        st.auction.StartingPrice,
		CurrentPrice:         st.auction.CurrentPrice,
		ReserveMet:           st.auction.ReserveMet(),
		TotalBids:            st.auction.TotalBids,
		StartTime:            st.auction.StartTime,
		EndTime:              st.auction.EndTime,
		TimeRemainingSeconds: int64(remaining.Seconds()),
		SuggestedBid:         pricing.SuggestedNextBid(tel),
		NextIncrement:        pricing.BidIncrement(tel),
		LastSeq:              st.seq,
	}
	if st.auction.TotalBids >= 3 {
		predicted := pricing.PredictedFinalPrice(tel)
		state.PredictedFinalPrice = &predicted
	}

	depth := ln.e.cfg.SnapshotDepth
	bids := st.recent
	if len(bids) > depth {
		bids = bids[len(bids)-depth:]
	}
	snapshot := &protocol.BidHistory{
		AuctionID: st.auction.ID,
		Bids:      make([]protocol.HistoryBid, 0, len(bids)),
		LastSeq:   st.seq,
	}
	for _, b := range bids {
		snapshot.Bids = append(snapshot.Bids, protocol.HistoryBid{
			BidID:          b.ID,
			Amount:         b.Amount,
			BidderUsername: ln.username(b.BidderID),
			Kind:           b.Kind,
			Seq:            b.Seq,
			Timestamp:      b.CreatedAt,
		})
	}
	return state, snapshot
}

// telemetry builds the pricing policy input from the lane's runtime
// record, using the commit clock.
func (ln *lane) telemetry() pricing.Telemetry {
	st := ln.st
	now := ln.e.clock.Now().UTC()
	remaining := st.auction.EndTime.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	points := make([]pricing.BidPoint, 0, len(st.recent))
	for _, b := range st.recent {
		points = append(points, pricing.BidPoint{
			BidderID: b.BidderID,
			Amount:   b.Amount,
			At:       b.CreatedAt,
		})
	}
	return pricing.Telemetry{
		StartingPrice: st.auction.StartingPrice,
		CurrentPrice:  st.auction.CurrentPrice,
		TotalBids:     st.auction.TotalBids,
		TimeRemaining: remaining,
		Recent:        points,
		Now:           now,
	}
}

func (ln *lane) findIntent(bidderID string) *store.ProxyIntent {
	for _, intent := range ln.st.intents {
		if intent.BidderID == bidderID {
			return intent
		}
	}
	return nil
}

func (ln *lane) username(userID string) string {
	if name, ok := ln.st.usernames[userID]; ok {
		return name
	}
	ctx, cancel := ln.e.dbContext()
	defer cancel()
	u, err := ln.e.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return userID
	}
	ln.st.usernames[userID] = u.Username
	return u.Username
}

func (ln *lane) appendHistory(ctx context.Context, typ history.Type, payload any) {
	entry := history.Entry{
		ID:        uuid.NewString(),
		AuctionID: ln.st.auction.ID,
		Type:      typ,
		Seq:       ln.st.seq,
		CreatedAt: ln.e.clock.Now().UTC(),
	}
	if payload != nil {
		entry.Data = mustJSON(payload)
	}
	if err := ln.e.repos.History.Append(ctx, entry); err != nil {
		ln.e.logger.ErrorContext(ctx, "appending history entry",
			slog.String("auction_id", ln.st.auction.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (ln *lane) quarantine(msg string, attrs ...slog.Attr) {
	ln.st.quarantined = true
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("auction_id", ln.st.auction.ID))
	for _, a := range attrs {
		args = append(args, a)
	}
	ln.e.logger.Error("lane quarantined: "+msg, args...)
}
