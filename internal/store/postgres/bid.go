package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/history"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clock: clk}
}

// CommitBid persists a bid in a single transaction: the previous winning
// flag is cleared, the bid row inserted, the auction price and counter
// advanced, and the history row journalled. The price guard in the
// auction update backs the monotonic-price invariant at the database
// level; a non-matching update aborts the whole commit.
func (r *BidRepo) CommitBid(ctx context.Context, b *store.Bid) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET winning = FALSE WHERE auction_id = $1 AND winning = TRUE`,
		b.AuctionID,
	); err != nil {
		return fmt.Errorf("clearing winning flag: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, kind, seq, winning, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.Kind, b.Seq, b.Winning, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE auctions SET current_price = $1, total_bids = total_bids + 1
		 WHERE id = $2 AND status = 'live' AND current_price < $1`,
		b.Amount, b.AuctionID,
	)
	if err != nil {
		return fmt.Errorf("updating auction price: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("auction %s not live or price not increased", b.AuctionID)
	}

	data, err := json.Marshal(history.BidPlacedData{
		BidID:    b.ID,
		BidderID: b.BidderID,
		Amount:   b.Amount,
		Kind:     b.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshalling history payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bidding_history (id, auction_id, type, data, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.AuctionID, history.BidPlaced, data, b.Seq, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("journalling bid: %w", err)
	}

	return tx.Commit()
}

func (r *BidRepo) ListRecent(ctx context.Context, auctionID string, limit int) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bids WHERE auction_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		auctionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent bids: %w", err)
	}
	return bids, nil
}

func (r *BidRepo) Winning(ctx context.Context, auctionID string) (*store.Bid, error) {
	var b store.Bid
	err := r.db.GetContext(ctx, &b,
		`SELECT * FROM bids WHERE auction_id = $1 AND winning = TRUE`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting winning bid: %w", err)
	}
	return &b, nil
}
