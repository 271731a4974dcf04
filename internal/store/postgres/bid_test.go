package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/store/postgres"
)

func TestCommitBidTransaction(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Mock{T: t0}
	users := postgres.NewUserRepo(db)
	auctions := postgres.NewAuctionRepo(db, clk)
	bids := postgres.NewBidRepo(db, clk)
	journal := postgres.NewHistoryStore(db)
	ctx := context.Background()

	seedUser(t, users, "seller", "seller")
	seedUser(t, users, "b1", "alice")
	seedUser(t, users, "b2", "bob")
	seedAuction(t, auctions, "a1", "seller", store.StatusLive, t0.Add(-time.Minute), t0.Add(time.Hour))

	first := &store.Bid{
		ID: "bid-1", AuctionID: "a1", BidderID: "b1",
		Amount: dec("110.00"), Kind: store.KindManual, Seq: 1, Winning: true, CreatedAt: t0,
	}
	if err := bids.CommitBid(ctx, first); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second := &store.Bid{
		ID: "bid-2", AuctionID: "a1", BidderID: "b2",
		Amount: dec("120.00"), Kind: store.KindProxy, Seq: 2, Winning: true, CreatedAt: t0.Add(time.Second),
	}
	if err := bids.CommitBid(ctx, second); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	// Auction row advanced atomically with the bid rows.
	a, err := auctions.GetByID(ctx, "a1")
	if err != nil {
		t.Fatalf("reloading auction: %v", err)
	}
	if !a.CurrentPrice.Equal(dec("120.00")) || a.TotalBids != 2 {
		t.Errorf("price/bids = %s/%d, want 120.00/2", a.CurrentPrice, a.TotalBids)
	}

	// Exactly one winning bid, and it is the newest.
	winning, err := bids.Winning(ctx, "a1")
	if err != nil {
		t.Fatalf("winning: %v", err)
	}
	if winning.ID != "bid-2" || winning.Kind != store.KindProxy {
		t.Errorf("winning = %+v, want bid-2 (proxy)", winning)
	}

	recent, err := bids.ListRecent(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "bid-2" || recent[1].ID != "bid-1" {
		t.Fatalf("recent = %+v, want [bid-2 bid-1]", recent)
	}

	// The journal carries both commits under their bid seq.
	seq, err := journal.LastSeq(ctx, "a1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 2 {
		t.Errorf("last seq = %d, want 2", seq)
	}
	entries, err := journal.Load(ctx, "a1")
	if err != nil {
		t.Fatalf("loading journal: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("journal = %+v, want seq 1,2", entries)
	}
}

// TestCommitBidRollsBackOnGuard checks that a commit violating the price
// guard leaves no partial rows behind.
func TestCommitBidRollsBackOnGuard(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Mock{T: t0}
	users := postgres.NewUserRepo(db)
	auctions := postgres.NewAuctionRepo(db, clk)
	bids := postgres.NewBidRepo(db, clk)
	ctx := context.Background()

	seedUser(t, users, "seller", "seller")
	seedUser(t, users, "b1", "alice")
	seedAuction(t, auctions, "a1", "seller", store.StatusLive, t0.Add(-time.Minute), t0.Add(time.Hour))

	bad := &store.Bid{
		ID: "bid-1", AuctionID: "a1", BidderID: "b1",
		Amount: dec("100.00"), Kind: store.KindManual, Seq: 1, Winning: true, CreatedAt: t0,
	}
	if err := bids.CommitBid(ctx, bad); err == nil {
		t.Fatal("commit at current price succeeded, want guard failure")
	}

	recent, err := bids.ListRecent(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("bids after rollback = %d, want 0", len(recent))
	}
	a, err := auctions.GetByID(ctx, "a1")
	if err != nil {
		t.Fatalf("reloading auction: %v", err)
	}
	if a.TotalBids != 0 || !a.CurrentPrice.Equal(dec("100.00")) {
		t.Errorf("auction advanced after rollback: %+v", a)
	}
}

func TestProxyRepoUpsert(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Mock{T: t0}
	users := postgres.NewUserRepo(db)
	auctions := postgres.NewAuctionRepo(db, clk)
	proxies := postgres.NewProxyRepo(db, clk)
	ctx := context.Background()

	seedUser(t, users, "seller", "seller")
	seedUser(t, users, "b1", "alice")
	seedAuction(t, auctions, "a1", "seller", store.StatusLive, t0.Add(-time.Minute), t0.Add(time.Hour))

	intent := &store.ProxyIntent{
		ID: "p1", AuctionID: "a1", BidderID: "b1",
		MaxAmount: dec("150.00"), CurrentAmount: dec("0"),
		Active: true, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := proxies.Upsert(ctx, intent); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Upsert on the same (auction, bidder) updates in place.
	intent.MaxAmount = dec("200.00")
	intent.CurrentAmount = dec("120.00")
	if err := proxies.Upsert(ctx, intent); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	active, err := proxies.ListActive(ctx, "a1")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(active) != 1 || !active[0].MaxAmount.Equal(dec("200.00")) {
		t.Fatalf("active = %+v, want one intent at 200.00", active)
	}

	if err := proxies.DeactivateAll(ctx, "a1"); err != nil {
		t.Fatalf("deactivate all: %v", err)
	}
	active, _ = proxies.ListActive(ctx, "a1")
	if len(active) != 0 {
		t.Errorf("active after deactivation = %d, want 0", len(active))
	}
}
