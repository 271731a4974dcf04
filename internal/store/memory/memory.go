// Package memory provides a store.Driver holding all state in process.
// It backs local development and the engine's unit tests; semantics
// mirror the postgres driver, including the transactional bid commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/history"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return NewRepositories(clk), nil
}

// DB is the shared in-process state behind every repository.
type DB struct {
	mu       sync.RWMutex
	clock    clock.Clock
	users    map[string]store.User
	auctions map[string]store.Auction
	bids     map[string][]store.Bid
	proxies  map[string][]store.ProxyIntent
	journal  map[string][]history.Entry
}

// NewRepositories returns Repositories backed by a fresh in-memory DB.
func NewRepositories(clk clock.Clock) *store.Repositories {
	db := &DB{
		clock:    clk,
		users:    make(map[string]store.User),
		auctions: make(map[string]store.Auction),
		bids:     make(map[string][]store.Bid),
		proxies:  make(map[string][]store.ProxyIntent),
		journal:  make(map[string][]history.Entry),
	}
	return &store.Repositories{
		Users:    (*userRepo)(db),
		Auctions: (*auctionRepo)(db),
		Bids:     (*bidRepo)(db),
		Proxies:  (*proxyRepo)(db),
		History:  (*historyStore)(db),
		Closer:   nopCloser{},
		Ping:     func(context.Context) error { return nil },
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type userRepo DB

func (r *userRepo) Create(_ context.Context, u *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = *u
	return nil
}

func (r *userRepo) GetByID(_ context.Context, id string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) GetByUsername(_ context.Context, username string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Username == username {
			copied := u
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

type auctionRepo DB

func (r *auctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auctions[a.ID] = *a
	return nil
}

func (r *auctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (r *auctionRepo) ListNonTerminal(_ context.Context) ([]store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.auctions {
		if a.Status == store.StatusUpcoming || a.Status == store.StatusLive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *auctionRepo) ListDueForStart(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.auctions {
		if a.Status == store.StatusUpcoming && !a.StartTime.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *auctionRepo) ListDueForClose(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.auctions {
		if a.Status == store.StatusLive && !a.EndTime.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *auctionRepo) MarkLive(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok || a.Status != store.StatusUpcoming {
		return store.ErrNotFound
	}
	a.Status = store.StatusLive
	r.auctions[id] = a
	return nil
}

func (r *auctionRepo) Close(_ context.Context, id string, winnerID *string, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok || a.Status != store.StatusLive {
		return store.ErrNotFound
	}
	a.Status = store.StatusClosed
	a.WinnerID = winnerID
	a.ClosedAt = &closedAt
	r.auctions[id] = a
	return nil
}

func (r *auctionRepo) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok || a.Status == store.StatusClosed || a.Status == store.StatusCancelled || a.TotalBids > 0 {
		return store.ErrNotFound
	}
	now := r.clock.Now().UTC()
	a.Status = store.StatusCancelled
	a.ClosedAt = &now
	r.auctions[id] = a
	return nil
}

type bidRepo DB

func (r *bidRepo) CommitBid(_ context.Context, b *store.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[b.AuctionID]
	if !ok || a.Status != store.StatusLive || !b.Amount.GreaterThan(a.CurrentPrice) {
		return store.ErrNotFound
	}

	bids := r.bids[b.AuctionID]
	for i := range bids {
		bids[i].Winning = false
	}
	r.bids[b.AuctionID] = append(bids, *b)

	a.CurrentPrice = b.Amount
	a.TotalBids++
	r.auctions[b.AuctionID] = a

	entry := history.Entry{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		Type:      history.BidPlaced,
		Seq:       b.Seq,
		CreatedAt: b.CreatedAt,
	}
	r.journal[b.AuctionID] = append(r.journal[b.AuctionID], entry)
	return nil
}

func (r *bidRepo) ListRecent(_ context.Context, auctionID string, limit int) ([]store.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bids := r.bids[auctionID]
	out := make([]store.Bid, 0, limit)
	for i := len(bids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, bids[i])
	}
	return out, nil
}

func (r *bidRepo) Winning(_ context.Context, auctionID string) (*store.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bids := r.bids[auctionID]
	for i := len(bids) - 1; i >= 0; i-- {
		if bids[i].Winning {
			b := bids[i]
			return &b, nil
		}
	}
	return nil, store.ErrNotFound
}

type proxyRepo DB

func (r *proxyRepo) Upsert(_ context.Context, p *store.ProxyIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intents := r.proxies[p.AuctionID]
	for i := range intents {
		if intents[i].BidderID == p.BidderID {
			intents[i] = *p
			return nil
		}
	}
	r.proxies[p.AuctionID] = append(intents, *p)
	return nil
}

func (r *proxyRepo) Deactivate(_ context.Context, auctionID, bidderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intents := r.proxies[auctionID]
	for i := range intents {
		if intents[i].BidderID == bidderID && intents[i].Active {
			intents[i].Active = false
			intents[i].UpdatedAt = r.clock.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *proxyRepo) DeactivateAll(_ context.Context, auctionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intents := r.proxies[auctionID]
	for i := range intents {
		intents[i].Active = false
		intents[i].UpdatedAt = r.clock.Now().UTC()
	}
	return nil
}

func (r *proxyRepo) ListActive(_ context.Context, auctionID string) ([]store.ProxyIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.ProxyIntent
	for _, p := range r.proxies[auctionID] {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type historyStore DB

func (s *historyStore) Append(_ context.Context, entries ...history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.journal[e.AuctionID] = append(s.journal[e.AuctionID], e)
	}
	return nil
}

func (s *historyStore) Load(_ context.Context, auctionID string) ([]history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]history.Entry, len(s.journal[auctionID]))
	copy(entries, s.journal[auctionID])
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *historyStore) LastSeq(_ context.Context, auctionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, e := range s.journal[auctionID] {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}
