// Package pricing computes dynamic bid increments and price projections
// from auction telemetry. All functions are pure and deterministic; money
// is decimal fixed-point throughout.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	base         = decimal.RequireFromString("5.00")
	minIncrement = decimal.RequireFromString("1.00")
	maxIncrement = decimal.RequireFromString("500.00")
	proxyScale   = decimal.RequireFromString("0.7")
	decay        = decimal.RequireFromString("0.8")
	coldStart    = decimal.RequireFromString("1.2")
)

// velocityWindow is the lookback for the bids-per-minute factor.
const velocityWindow = 10 * time.Minute

// competitionDepth is how many recent bids the distinct-bidder count sees.
const competitionDepth = 20

// projectionDepth is how many recent bids feed the final-price projection.
const projectionDepth = 10

// BidPoint is one committed bid as seen by the policy, using the commit
// clock timestamp.
type BidPoint struct {
	BidderID string
	Amount   decimal.Decimal
	At       time.Time
}

// Telemetry is the policy input: auction prices plus the recent bid
// series ordered oldest to newest.
type Telemetry struct {
	StartingPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	TotalBids     int
	TimeRemaining time.Duration
	Recent        []BidPoint
	Now           time.Time
}

// BidIncrement returns the minimum step above the current price. The base
// step scales with price jump, bid velocity, time pressure and bidder
// competition, clamped to [1.00, 500.00] and rounded to the price band's
// step.
func BidIncrement(t Telemetry) decimal.Decimal {
	inc := base.
		Mul(priceJumpFactor(t.StartingPrice, t.CurrentPrice)).
		Mul(velocityFactor(t.Recent, t.Now)).
		Mul(timePressureFactor(t.TimeRemaining)).
		Mul(competitionFactor(t.Recent))

	return roundToStep(clamp(inc), t.CurrentPrice)
}

// ProxyIncrement is the conservative step used for automatic counter-bids:
// 0.7x the standard increment with a 1.00 floor, rounded the same way.
func ProxyIncrement(t Telemetry) decimal.Decimal {
	inc := BidIncrement(t).Mul(proxyScale)
	if inc.LessThan(minIncrement) {
		inc = minIncrement
	}
	return roundToStep(inc, t.CurrentPrice)
}

// SuggestedNextBid is the lowest amount the engine will accept next.
func SuggestedNextBid(t Telemetry) decimal.Decimal {
	return t.CurrentPrice.Add(BidIncrement(t))
}

// PredictedFinalPrice projects the closing price from the last bids'
// average inter-arrival time and average increment over the remaining
// window, damped by a 0.8 decay. With fewer than three bids it returns
// 1.2x the current price.
func PredictedFinalPrice(t Telemetry) decimal.Decimal {
	recent := t.Recent
	if len(recent) > projectionDepth {
		recent = recent[len(recent)-projectionDepth:]
	}
	if len(recent) < 3 || t.TimeRemaining <= 0 {
		return t.CurrentPrice.Mul(coldStart).Round(2)
	}

	n := int64(len(recent) - 1)
	span := recent[len(recent)-1].At.Sub(recent[0].At)
	if span <= 0 {
		return t.CurrentPrice.Mul(coldStart).Round(2)
	}
	avgGap := span / time.Duration(n)
	avgInc := recent[len(recent)-1].Amount.Sub(recent[0].Amount).
		Div(decimal.NewFromInt(n))

	projectedBids := decimal.NewFromInt(int64(t.TimeRemaining / avgGap))
	return t.CurrentPrice.
		Add(avgInc.Mul(projectedBids).Mul(decay)).
		Round(2)
}

// priceJumpFactor scales with how far the price has run from its start.
func priceJumpFactor(starting, current decimal.Decimal) decimal.Decimal {
	if starting.LessThanOrEqual(decimal.Zero) {
		return factor(1.0)
	}
	r := current.Div(starting)
	switch {
	case r.LessThanOrEqual(decimal.RequireFromString("1.5")):
		return factor(1.0)
	case r.LessThanOrEqual(decimal.RequireFromString("2.0")):
		return factor(1.5)
	case r.LessThanOrEqual(decimal.RequireFromString("3.0")):
		return factor(2.0)
	case r.LessThanOrEqual(decimal.RequireFromString("5.0")):
		return factor(3.0)
	default:
		return factor(4.0)
	}
}

// velocityFactor scales with bids per minute over the last ten minutes.
// Thresholds of 0.5/1/2/5 per minute become bid counts over the window so
// the comparison stays integral.
func velocityFactor(recent []BidPoint, now time.Time) decimal.Decimal {
	cutoff := now.Add(-velocityWindow)
	count := 0
	for _, b := range recent {
		if b.At.After(cutoff) {
			count++
		}
	}
	switch {
	case count < 5:
		return factor(1.0)
	case count < 10:
		return factor(1.2)
	case count < 20:
		return factor(1.5)
	case count < 50:
		return factor(2.0)
	default:
		return factor(3.0)
	}
}

// timePressureFactor scales as the auction nears its end.
func timePressureFactor(remaining time.Duration) decimal.Decimal {
	switch {
	case remaining > 60*time.Minute:
		return factor(1.0)
	case remaining > 30*time.Minute:
		return factor(1.1)
	case remaining > 15*time.Minute:
		return factor(1.3)
	case remaining > 5*time.Minute:
		return factor(1.5)
	case remaining > time.Minute:
		return factor(2.0)
	default:
		return factor(3.0)
	}
}

// competitionFactor scales with distinct bidders among the last 20 bids.
func competitionFactor(recent []BidPoint) decimal.Decimal {
	if len(recent) > competitionDepth {
		recent = recent[len(recent)-competitionDepth:]
	}
	bidders := make(map[string]struct{}, len(recent))
	for _, b := range recent {
		bidders[b.BidderID] = struct{}{}
	}
	switch n := len(bidders); {
	case n <= 2:
		return factor(1.0)
	case n <= 4:
		return factor(1.2)
	case n <= 6:
		return factor(1.4)
	case n <= 10:
		return factor(1.6)
	default:
		return factor(2.0)
	}
}

func clamp(inc decimal.Decimal) decimal.Decimal {
	if inc.LessThan(minIncrement) {
		return minIncrement
	}
	if inc.GreaterThan(maxIncrement) {
		return maxIncrement
	}
	return inc
}

// roundToStep rounds an increment to the meaningful step for the price
// band: up to 100 the step is 1, up to 500 it is 5, and so on. The result
// never rounds below one step.
func roundToStep(inc, price decimal.Decimal) decimal.Decimal {
	step := bandStep(price)
	rounded := inc.Div(step).Round(0).Mul(step)
	if rounded.LessThan(step) {
		return step
	}
	return rounded
}

func bandStep(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThanOrEqual(decimal.NewFromInt(100)):
		return decimal.NewFromInt(1)
	case price.LessThanOrEqual(decimal.NewFromInt(500)):
		return decimal.NewFromInt(5)
	case price.LessThanOrEqual(decimal.NewFromInt(1000)):
		return decimal.NewFromInt(10)
	case price.LessThanOrEqual(decimal.NewFromInt(5000)):
		return decimal.NewFromInt(25)
	default:
		return decimal.NewFromInt(50)
	}
}

func factor(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
