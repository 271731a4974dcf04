package history

import "context"

// Store persists and retrieves journal entries.
type Store interface {
	// Append persists one or more entries atomically.
	Append(ctx context.Context, entries ...Entry) error
	// Load returns all entries for an auction, ordered by seq.
	Load(ctx context.Context, auctionID string) ([]Entry, error)
	// LastSeq returns the highest seq recorded for an auction, or 0.
	LastSeq(ctx context.Context, auctionID string) (int64, error)
}
