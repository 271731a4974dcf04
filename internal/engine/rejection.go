package engine

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

// Rejection is a typed client-input rejection carrying one of the stable
// reason codes. It is surfaced synchronously to the originating command
// only and never broadcast.
type Rejection struct {
	Code string
	// MinimumBid accompanies below_minimum rejections.
	MinimumBid *decimal.Decimal
}

func (r *Rejection) Error() string { return "bid rejected: " + r.Code }

// reject returns a Rejection for the given code.
func reject(code string) *Rejection {
	return &Rejection{Code: code}
}

// rejectBelowMinimum returns a below_minimum Rejection carrying the
// lowest acceptable amount.
func rejectBelowMinimum(minimum decimal.Decimal) *Rejection {
	return &Rejection{Code: protocol.ReasonBelowMinimum, MinimumBid: &minimum}
}

// AsRejection unwraps a Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
