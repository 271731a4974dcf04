package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Auction status values.
const (
	StatusUpcoming  = "upcoming"
	StatusLive      = "live"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Bid kinds.
const (
	KindManual    = "manual"
	KindProxy     = "proxy"
	KindAutomatic = "automatic"
)

// User roles.
const (
	RoleBidder = "bidder"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// User is an identity record. The engine never mutates users; the auth
// service owns them.
type User struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// Category groups auctions for browsing. The engine records the reference
// only; category CRUD lives outside the engine.
type Category struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// Auction is an auction row.
type Auction struct {
	ID            string           `db:"id"`
	SellerID      string           `db:"seller_id"`
	CategoryID    *string          `db:"category_id"`
	Title         string           `db:"title"`
	ImageURL      *string          `db:"image_url"`
	StartingPrice decimal.Decimal  `db:"starting_price"`
	CurrentPrice  decimal.Decimal  `db:"current_price"`
	ReservePrice  *decimal.Decimal `db:"reserve_price"`
	StartTime     time.Time        `db:"start_time"`
	EndTime       time.Time        `db:"end_time"`
	Status        string           `db:"status"`
	TotalBids     int              `db:"total_bids"`
	WinnerID      *string          `db:"winner_id"`
	CreatedAt     time.Time        `db:"created_at"`
	ClosedAt      *time.Time       `db:"closed_at"`
}

// ReserveMet reports whether the current price meets the reserve, if any.
func (a *Auction) ReserveMet() bool {
	if a.ReservePrice == nil {
		return true
	}
	return a.CurrentPrice.GreaterThanOrEqual(*a.ReservePrice)
}

// Bid is a committed bid row. Seq is the auction-local sequence number
// assigned at commit; it is contiguous per auction.
type Bid struct {
	ID        string          `db:"id"`
	AuctionID string          `db:"auction_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	Kind      string          `db:"kind"`
	Seq       int64           `db:"seq"`
	Winning   bool            `db:"winning"`
	CreatedAt time.Time       `db:"created_at"`
}

// ProxyIntent is a standing instruction authorising automatic bids on a
// bidder's behalf up to MaxAmount.
type ProxyIntent struct {
	ID            string          `db:"id"`
	AuctionID     string          `db:"auction_id"`
	BidderID      string          `db:"bidder_id"`
	MaxAmount     decimal.Decimal `db:"max_amount"`
	CurrentAmount decimal.Decimal `db:"current_amount"`
	Active        bool            `db:"active"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// UserRepository defines user read operations. Creation belongs to the
// auth service; Create exists for bootstrap and tests.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// ListNonTerminal returns upcoming and live auctions, used to rebuild
	// the registry on restart.
	ListNonTerminal(ctx context.Context) ([]Auction, error)
	// ListDueForStart returns upcoming auctions whose start_time has passed.
	ListDueForStart(ctx context.Context, now time.Time) ([]Auction, error)
	// ListDueForClose returns live auctions whose end_time has passed.
	ListDueForClose(ctx context.Context, now time.Time) ([]Auction, error)
	// MarkLive promotes an upcoming auction to live.
	MarkLive(ctx context.Context, id string) error
	// Close finalizes a live auction, recording the winner if any.
	Close(ctx context.Context, id string, winnerID *string, closedAt time.Time) error
	// Cancel cancels an auction that has no bids yet.
	Cancel(ctx context.Context, id string) error
}

// BidRepository defines bid persistence. CommitBid is the single write
// path for bids: it inserts the row, clears the previous winning flag,
// and updates the auction's current price and bid count in one
// transaction. All calls for one auction come from that auction's lane.
type BidRepository interface {
	CommitBid(ctx context.Context, b *Bid) error
	// ListRecent returns the newest bids for an auction, newest first.
	ListRecent(ctx context.Context, auctionID string, limit int) ([]Bid, error)
	// Winning returns the bid currently flagged winning, or ErrNotFound.
	Winning(ctx context.Context, auctionID string) (*Bid, error)
}

// ProxyRepository defines proxy intent persistence.
type ProxyRepository interface {
	// Upsert creates or updates the (auction, bidder) intent in place.
	Upsert(ctx context.Context, p *ProxyIntent) error
	Deactivate(ctx context.Context, auctionID, bidderID string) error
	DeactivateAll(ctx context.Context, auctionID string) error
	// ListActive returns active intents for an auction ordered by
	// creation time ascending.
	ListActive(ctx context.Context, auctionID string) ([]ProxyIntent, error)
}
