package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jensholdgaard/auction-engine/internal/protocol"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// registry indexes the runtime records of non-terminal auctions. Records
// are created lazily on first reference and on lifecycle promotion, and
// evicted once the auction reaches a terminal status. Structural changes
// are serialized under the registry mutex; everything inside a record is
// owned by that record's lane.
type registry struct {
	mu    sync.RWMutex
	lanes map[string]*lane
}

func newRegistry() *registry {
	return &registry{lanes: make(map[string]*lane)}
}

// get returns the lane for an auction if one is loaded.
func (r *registry) get(auctionID string) (*lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ln, ok := r.lanes[auctionID]
	return ln, ok
}

// ensure returns the lane for an auction, loading it from the store on
// first reference. Terminal auctions are never loaded.
func (r *registry) ensure(ctx context.Context, e *Engine, auctionID string) (*lane, error) {
	if ln, ok := r.get(auctionID); ok {
		return ln, nil
	}

	a, err := e.repos.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(protocol.ReasonNotFound)
		}
		return nil, fmt.Errorf("loading auction %s: %w", auctionID, err)
	}
	if a.Status == store.StatusClosed || a.Status == store.StatusCancelled {
		return nil, reject(protocol.ReasonNotLive)
	}
	return r.load(ctx, e, a)
}

// load creates and starts a lane for an auction, rebuilding its runtime
// state (sequence counter, last bidder, recent bids, proxy intents) from
// the store. Idempotent under concurrent callers.
func (r *registry) load(ctx context.Context, e *Engine, a *store.Auction) (*lane, error) {
	st, err := rebuildLaneState(ctx, e, a)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.lanes[a.ID]; ok {
		return existing, nil
	}
	ln := newLane(e, st)
	r.lanes[a.ID] = ln
	ln.start()
	if e.metrics != nil {
		e.metrics.LaneLoaded(ctx)
	}
	return ln, nil
}

// evict removes a terminal auction's lane and stops it.
func (r *registry) evict(auctionID string) {
	r.mu.Lock()
	ln, ok := r.lanes[auctionID]
	delete(r.lanes, auctionID)
	r.mu.Unlock()
	if ok {
		ln.stop()
	}
}

// size returns the number of loaded lanes.
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lanes)
}

// each calls fn for every loaded lane.
func (r *registry) each(fn func(*lane)) {
	r.mu.RLock()
	lanes := make([]*lane, 0, len(r.lanes))
	for _, ln := range r.lanes {
		lanes = append(lanes, ln)
	}
	r.mu.RUnlock()
	for _, ln := range lanes {
		fn(ln)
	}
}

// stopAll stops every lane, used at shutdown.
func (r *registry) stopAll() {
	r.mu.Lock()
	lanes := r.lanes
	r.lanes = make(map[string]*lane)
	r.mu.Unlock()
	for _, ln := range lanes {
		ln.stop()
	}
}
