package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/store"
)

// counterBid is the proxy engine's answer to a price change: the intent
// that should lead next and the amount it bids.
type counterBid struct {
	intent *store.ProxyIntent
	amount decimal.Decimal
}

// nextCounter computes the greedy automatic counter-bid for a new price.
// Qualifying intents are active, able to beat the new price, and not
// owned by the triggering bidder. The highest max wins, ties broken by
// earliest creation; it pays the minimum it must: one proxy increment
// over the price, or just enough to beat the runner-up's max. A top
// intent already holding the leading bid yields nothing, so a proxy
// never raises against its own standing bid.
func nextCounter(intents []*store.ProxyIntent, newPrice decimal.Decimal, trigger, lastBidder string, increment decimal.Decimal) *counterBid {
	qualifying := make([]*store.ProxyIntent, 0, len(intents))
	for _, intent := range intents {
		if !intent.Active || intent.BidderID == trigger {
			continue
		}
		if intent.MaxAmount.GreaterThan(newPrice) {
			qualifying = append(qualifying, intent)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		if !qualifying[i].MaxAmount.Equal(qualifying[j].MaxAmount) {
			return qualifying[i].MaxAmount.GreaterThan(qualifying[j].MaxAmount)
		}
		return qualifying[i].CreatedAt.Before(qualifying[j].CreatedAt)
	})

	top := qualifying[0]
	if top.BidderID == lastBidder {
		return nil
	}
	floor := newPrice.Add(increment)

	var counter decimal.Decimal
	if len(qualifying) == 1 {
		counter = floor
	} else {
		second := qualifying[1]
		counter = second.MaxAmount.Add(increment)
		if counter.GreaterThan(top.MaxAmount) {
			counter = top.MaxAmount
		}
		if counter.LessThan(floor) {
			counter = floor
		}
	}

	if counter.GreaterThan(top.MaxAmount) {
		return nil
	}
	return &counterBid{intent: top, amount: counter}
}
