// Package history is the per-auction event journal backing resync and
// audit. Every committed bid and lifecycle transition appends one entry
// carrying the auction-local sequence number, so a client holding seq N
// can detect gaps and rejoin.
package history

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies a journal entry kind.
type Type string

const (
	BidPlaced        Type = "auction.bid_placed"
	AuctionLive      Type = "auction.live"
	AuctionClosed    Type = "auction.closed"
	AuctionCancelled Type = "auction.cancelled"
)

// Entry is a single journal row. Seq is contiguous and monotone per
// auction; it is assigned by the auction's lane.
type Entry struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	Type      Type            `json:"type" db:"type"`
	Data      json.RawMessage `json:"data" db:"data"`
	Seq       int64           `json:"seq" db:"seq"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// BidPlacedData is the payload for BidPlaced entries.
type BidPlacedData struct {
	BidID    string          `json:"bid_id"`
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
	Kind     string          `json:"kind"`
}

// ClosedData is the payload for AuctionClosed entries.
type ClosedData struct {
	WinnerID string          `json:"winner_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}
