package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/store/memory"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedAuction(t *testing.T, repos *store.Repositories, status string) *store.Auction {
	t.Helper()
	a := &store.Auction{
		ID:            "a1",
		SellerID:      "seller",
		Title:         "test lot",
		StartingPrice: dec("100.00"),
		CurrentPrice:  dec("100.00"),
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
		Status:        status,
		CreatedAt:     t0,
	}
	if err := repos.Auctions.Create(context.Background(), a); err != nil {
		t.Fatalf("creating auction: %v", err)
	}
	return a
}

func TestCommitBidAdvancesAuction(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	seedAuction(t, repos, store.StatusLive)
	ctx := context.Background()

	first := &store.Bid{
		ID: "bid-1", AuctionID: "a1", BidderID: "b1",
		Amount: dec("110.00"), Kind: store.KindManual, Seq: 1, Winning: true, CreatedAt: t0,
	}
	if err := repos.Bids.CommitBid(ctx, first); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second := &store.Bid{
		ID: "bid-2", AuctionID: "a1", BidderID: "b2",
		Amount: dec("120.00"), Kind: store.KindManual, Seq: 2, Winning: true, CreatedAt: t0.Add(time.Second),
	}
	if err := repos.Bids.CommitBid(ctx, second); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	a, err := repos.Auctions.GetByID(ctx, "a1")
	if err != nil {
		t.Fatalf("reloading auction: %v", err)
	}
	if !a.CurrentPrice.Equal(dec("120.00")) || a.TotalBids != 2 {
		t.Errorf("price/bids = %s/%d, want 120.00/2", a.CurrentPrice, a.TotalBids)
	}

	// The winning flag moved to the newest bid.
	winning, err := repos.Bids.Winning(ctx, "a1")
	if err != nil {
		t.Fatalf("winning: %v", err)
	}
	if winning.ID != "bid-2" {
		t.Errorf("winning bid = %s, want bid-2", winning.ID)
	}

	// The journal carries one entry per commit with the bid's seq.
	seq, err := repos.History.LastSeq(ctx, "a1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 2 {
		t.Errorf("last seq = %d, want 2", seq)
	}
}

func TestCommitBidRejectsNonIncreasingPrice(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	seedAuction(t, repos, store.StatusLive)

	bid := &store.Bid{
		ID: "bid-1", AuctionID: "a1", BidderID: "b1",
		Amount: dec("100.00"), Kind: store.KindManual, Seq: 1, Winning: true, CreatedAt: t0,
	}
	if err := repos.Bids.CommitBid(context.Background(), bid); err == nil {
		t.Error("commit at current price succeeded, want error")
	}
}

func TestCommitBidRejectsNonLiveAuction(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	seedAuction(t, repos, store.StatusClosed)

	bid := &store.Bid{
		ID: "bid-1", AuctionID: "a1", BidderID: "b1",
		Amount: dec("110.00"), Kind: store.KindManual, Seq: 1, Winning: true, CreatedAt: t0,
	}
	if err := repos.Bids.CommitBid(context.Background(), bid); err == nil {
		t.Error("commit against closed auction succeeded, want error")
	}
}

func TestLifecycleQueries(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	ctx := context.Background()

	upcoming := &store.Auction{
		ID: "up", SellerID: "s", StartingPrice: dec("10.00"), CurrentPrice: dec("10.00"),
		StartTime: t0.Add(-time.Minute), EndTime: t0.Add(time.Hour),
		Status: store.StatusUpcoming, CreatedAt: t0,
	}
	live := &store.Auction{
		ID: "lv", SellerID: "s", StartingPrice: dec("10.00"), CurrentPrice: dec("10.00"),
		StartTime: t0.Add(-time.Hour), EndTime: t0.Add(-time.Minute),
		Status: store.StatusLive, CreatedAt: t0,
	}
	for _, a := range []*store.Auction{upcoming, live} {
		if err := repos.Auctions.Create(ctx, a); err != nil {
			t.Fatalf("creating auction: %v", err)
		}
	}

	due, err := repos.Auctions.ListDueForStart(ctx, t0)
	if err != nil || len(due) != 1 || due[0].ID != "up" {
		t.Fatalf("ListDueForStart = %v (%v), want [up]", due, err)
	}
	closing, err := repos.Auctions.ListDueForClose(ctx, t0)
	if err != nil || len(closing) != 1 || closing[0].ID != "lv" {
		t.Fatalf("ListDueForClose = %v (%v), want [lv]", closing, err)
	}

	if err := repos.Auctions.MarkLive(ctx, "up"); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}
	winner := "b1"
	if err := repos.Auctions.Close(ctx, "lv", &winner, t0); err != nil {
		t.Fatalf("Close: %v", err)
	}

	nonTerminal, err := repos.Auctions.ListNonTerminal(ctx)
	if err != nil || len(nonTerminal) != 1 || nonTerminal[0].ID != "up" {
		t.Fatalf("ListNonTerminal = %v (%v), want [up]", nonTerminal, err)
	}
}

func TestProxyUpsertInPlace(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	ctx := context.Background()

	intent := &store.ProxyIntent{
		ID: "p1", AuctionID: "a1", BidderID: "b1",
		MaxAmount: dec("150.00"), Active: true, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := repos.Proxies.Upsert(ctx, intent); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	intent.MaxAmount = dec("200.00")
	if err := repos.Proxies.Upsert(ctx, intent); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	active, err := repos.Proxies.ListActive(ctx, "a1")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(active) != 1 || !active[0].MaxAmount.Equal(dec("200.00")) {
		t.Fatalf("active = %+v, want one intent at 200.00", active)
	}

	if err := repos.Proxies.DeactivateAll(ctx, "a1"); err != nil {
		t.Fatalf("deactivate all: %v", err)
	}
	active, _ = repos.Proxies.ListActive(ctx, "a1")
	if len(active) != 0 {
		t.Errorf("active after deactivation = %d, want 0", len(active))
	}

	if err := repos.Proxies.Deactivate(ctx, "a1", "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Deactivate on inactive = %v, want ErrNotFound", err)
	}
}

func TestUserLookups(t *testing.T) {
	repos := memory.NewRepositories(clock.Mock{T: t0})
	ctx := context.Background()

	u := &store.User{ID: "u1", Username: "alice", Email: "a@example.com", Role: store.RoleBidder, Active: true, CreatedAt: t0}
	if err := repos.Users.Create(ctx, u); err != nil {
		t.Fatalf("creating user: %v", err)
	}

	byID, err := repos.Users.GetByID(ctx, "u1")
	if err != nil || byID.Username != "alice" {
		t.Fatalf("GetByID = %+v (%v)", byID, err)
	}
	byName, err := repos.Users.GetByUsername(ctx, "alice")
	if err != nil || byName.ID != "u1" {
		t.Fatalf("GetByUsername = %+v (%v)", byName, err)
	}
	if _, err := repos.Users.GetByID(ctx, "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(absent) = %v, want ErrNotFound", err)
	}
}
