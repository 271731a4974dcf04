package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	query := `INSERT INTO auctions
	            (id, seller_id, category_id, title, image_url, starting_price, current_price,
	             reserve_price, start_time, end_time, status, total_bids, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12)`
	if _, err := r.db.ExecContext(ctx, query,
		a.ID, a.SellerID, a.CategoryID, a.Title, a.ImageURL, a.StartingPrice, a.CurrentPrice,
		a.ReservePrice, a.StartTime, a.EndTime, a.Status, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListNonTerminal(ctx context.Context) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status IN ('upcoming', 'live') ORDER BY end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListDueForStart(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = 'upcoming' AND start_time <= $1 ORDER BY start_time ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing auctions due for start: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListDueForClose(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = 'live' AND end_time <= $1 ORDER BY end_time ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing auctions due for close: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) MarkLive(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'live' WHERE id = $1 AND status = 'upcoming'`, id)
	if err != nil {
		return fmt.Errorf("marking auction live: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s not found or not upcoming", id)
	}
	return nil
}

func (r *AuctionRepo) Close(ctx context.Context, id string, winnerID *string, closedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'closed', winner_id = $1, closed_at = $2
		 WHERE id = $3 AND status = 'live'`,
		winnerID, closedAt, id,
	)
	if err != nil {
		return fmt.Errorf("closing auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s not found or not live", id)
	}
	return nil
}

func (r *AuctionRepo) Cancel(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'cancelled', closed_at = $1
		 WHERE id = $2 AND status IN ('upcoming', 'live') AND total_bids = 0`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancelling auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s not cancellable", id)
	}
	return nil
}
