package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/history"
)

// HistoryStore implements history.Store backed by Postgres.
type HistoryStore struct {
	db *sqlx.DB
}

// NewHistoryStore returns a new HistoryStore.
func NewHistoryStore(db *sqlx.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Append(ctx context.Context, entries ...history.Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO bidding_history (id, auction_id, type, data, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.AuctionID, e.Type, e.Data, e.Seq, e.CreatedAt); err != nil {
			return fmt.Errorf("inserting history entry (auction=%s, seq=%d): %w", e.AuctionID, e.Seq, err)
		}
	}

	return tx.Commit()
}

func (s *HistoryStore) Load(ctx context.Context, auctionID string) ([]history.Entry, error) {
	var entries []history.Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, auction_id, type, data, seq, created_at
		 FROM bidding_history WHERE auction_id = $1 ORDER BY seq ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return entries, nil
}

func (s *HistoryStore) LastSeq(ctx context.Context, auctionID string) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), 0) FROM bidding_history WHERE auction_id = $1`, auctionID)
	if err != nil {
		return 0, fmt.Errorf("loading last seq: %w", err)
	}
	return seq, nil
}
