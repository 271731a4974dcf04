package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ProxyRepo implements store.ProxyRepository with sqlx.
type ProxyRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewProxyRepo returns a new ProxyRepo.
func NewProxyRepo(db *sqlx.DB, clk clock.Clock) *ProxyRepo {
	return &ProxyRepo{db: db, clock: clk}
}

// Upsert creates or updates the (auction, bidder) intent in place.
func (r *ProxyRepo) Upsert(ctx context.Context, p *store.ProxyIntent) error {
	query := `INSERT INTO proxy_bids
	            (id, auction_id, bidder_id, max_amount, current_amount, active, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (auction_id, bidder_id) DO UPDATE SET
	            max_amount = EXCLUDED.max_amount,
	            current_amount = EXCLUDED.current_amount,
	            active = EXCLUDED.active,
	            updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query,
		p.ID, p.AuctionID, p.BidderID, p.MaxAmount, p.CurrentAmount, p.Active, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upserting proxy intent: %w", err)
	}
	return nil
}

func (r *ProxyRepo) Deactivate(ctx context.Context, auctionID, bidderID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE proxy_bids SET active = FALSE, updated_at = $1
		 WHERE auction_id = $2 AND bidder_id = $3 AND active = TRUE`,
		r.clock.Now().UTC(), auctionID, bidderID,
	)
	if err != nil {
		return fmt.Errorf("deactivating proxy intent: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ProxyRepo) DeactivateAll(ctx context.Context, auctionID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE proxy_bids SET active = FALSE, updated_at = $1 WHERE auction_id = $2 AND active = TRUE`,
		r.clock.Now().UTC(), auctionID,
	); err != nil {
		return fmt.Errorf("deactivating proxy intents: %w", err)
	}
	return nil
}

func (r *ProxyRepo) ListActive(ctx context.Context, auctionID string) ([]store.ProxyIntent, error) {
	var intents []store.ProxyIntent
	err := r.db.SelectContext(ctx, &intents,
		`SELECT * FROM proxy_bids WHERE auction_id = $1 AND active = TRUE ORDER BY created_at ASC`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active proxy intents: %w", err)
	}
	return intents, nil
}
