// Package protocol defines the JSON messages exchanged with subscribers
// over the bidirectional channel: five inbound commands and the outbound
// event set. The gateway decodes commands and tags them with the
// authenticated identity; clients cannot spoof identity by field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Inbound command types.
const (
	CmdJoinAuction  = "join_auction"
	CmdLeaveAuction = "leave_auction"
	CmdPlaceBid     = "place_bid"
	CmdSetProxy     = "set_proxy"
	CmdCancelProxy  = "cancel_proxy"
)

// Outbound event types.
const (
	EvtAuctionState      = "auction_state"
	EvtBidHistory        = "bid_history_snapshot"
	EvtNewBid            = "new_bid"
	EvtAuctionTransition = "auction_transition"
	EvtAuctionEnded      = "auction_ended"
	EvtYouWon            = "you_won"
	EvtBidRejected       = "bid_rejected"
	EvtProxySet          = "proxy_set"
	EvtProxyRejected     = "proxy_rejected"
	EvtPeerJoined        = "peer_joined"
	EvtPeerLeft          = "peer_left"
	EvtError             = "error"
)

// Stable rejection reason codes.
const (
	ReasonAuthFailed     = "auth_failed"
	ReasonNotLive        = "not_live"
	ReasonSellerSelfBid  = "seller_self_bid"
	ReasonConsecutive    = "consecutive"
	ReasonBelowMinimum   = "below_minimum"
	ReasonStorageFailure = "storage_failure"
	ReasonNotFound       = "not_found"
	ReasonForbidden      = "forbidden"
	ReasonInvalidAmount  = "invalid_amount"
)

// Command is a decoded inbound message.
type Command struct {
	Type      string           `json:"type"`
	AuctionID string           `json:"auctionId,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	MaxAmount *decimal.Decimal `json:"maxAmount,omitempty"`
}

// ParseCommand decodes and validates an inbound frame. Unknown types and
// malformed payloads are protocol errors; they never mutate state.
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	switch cmd.Type {
	case CmdJoinAuction, CmdLeaveAuction, CmdCancelProxy:
		if cmd.AuctionID == "" {
			return nil, fmt.Errorf("%s requires auctionId", cmd.Type)
		}
	case CmdPlaceBid:
		if cmd.AuctionID == "" || cmd.Amount == nil {
			return nil, fmt.Errorf("place_bid requires auctionId and amount")
		}
	case CmdSetProxy:
		if cmd.AuctionID == "" || cmd.MaxAmount == nil {
			return nil, fmt.Errorf("set_proxy requires auctionId and maxAmount")
		}
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return &cmd, nil
}

// Event is an outbound frame. Seq is the per-auction sequence number for
// events that belong to an auction's ordered stream; direct responses
// (rejections, errors) carry no seq.
type Event struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auctionId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewBid is the payload of a new_bid event.
type NewBid struct {
	AuctionID      string          `json:"auctionId"`
	BidID          string          `json:"bidId"`
	Amount         decimal.Decimal `json:"amount"`
	BidderUsername string          `json:"bidderUsername"`
	Kind           string          `json:"kind"`
	Seq            int64           `json:"seq"`
	Timestamp      time.Time       `json:"timestamp"`
	TotalBids      int             `json:"totalBids"`
}

// AuctionState is the payload of an auction_state event, sent on every
// join as the resync anchor.
type AuctionState struct {
	AuctionID            string           `json:"auctionId"`
	SellerID             string           `json:"sellerId"`
	Title                string           `json:"title"`
	Status               string           `json:"status"`
	StartingPrice        decimal.Decimal  `json:"startingPrice"`
	CurrentPrice         decimal.Decimal  `json:"currentPrice"`
	ReserveMet           bool             `json:"reserveMet"`
	TotalBids            int              `json:"totalBids"`
	StartTime            time.Time        `json:"startTime"`
	EndTime              time.Time        `json:"endTime"`
	TimeRemainingSeconds int64            `json:"timeRemainingSeconds"`
	SuggestedBid         decimal.Decimal  `json:"suggestedBid"`
	NextIncrement        decimal.Decimal  `json:"nextIncrement"`
	PredictedFinalPrice  *decimal.Decimal `json:"predictedFinalPrice,omitempty"`
	LastSeq              int64            `json:"lastSeq"`
}

// HistoryBid is one entry of a bid_history_snapshot payload.
type HistoryBid struct {
	BidID          string          `json:"bidId"`
	Amount         decimal.Decimal `json:"amount"`
	BidderUsername string          `json:"bidderUsername"`
	Kind           string          `json:"kind"`
	Seq            int64           `json:"seq"`
	Timestamp      time.Time       `json:"timestamp"`
}

// BidHistory is the payload of a bid_history_snapshot event.
type BidHistory struct {
	AuctionID string       `json:"auctionId"`
	Bids      []HistoryBid `json:"bids"`
	LastSeq   int64        `json:"lastSeq"`
}

// Transition is the payload of an auction_transition event.
type Transition struct {
	AuctionID string `json:"auctionId"`
	Status    string `json:"status"`
}

// Ended is the payload of an auction_ended event.
type Ended struct {
	AuctionID string           `json:"auctionId"`
	WinnerID  string           `json:"winnerId,omitempty"`
	Winner    string           `json:"winner,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

// YouWon is the payload of a you_won event, sent to every active
// connection of the winner.
type YouWon struct {
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
}

// Rejected is the payload of bid_rejected and proxy_rejected events.
type Rejected struct {
	Reason     string           `json:"reason"`
	MinimumBid *decimal.Decimal `json:"minimumBid,omitempty"`
}

// ProxySet is the payload of a proxy_set event.
type ProxySet struct {
	AuctionID string          `json:"auctionId"`
	MaxAmount decimal.Decimal `json:"maxAmount"`
}

// Peer is the payload of peer_joined and peer_left events.
type Peer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ErrorMessage is the payload of an error event.
type ErrorMessage struct {
	Message string `json:"message"`
}

// MustEvent marshals a payload into an Event. Payloads are engine-owned
// structs, so marshalling cannot fail at runtime.
func MustEvent(typ, auctionID string, seq int64, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshalling %s payload: %v", typ, err))
	}
	return Event{Type: typ, AuctionID: auctionID, Seq: seq, Data: data}
}
