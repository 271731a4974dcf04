package pricing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auction-engine/internal/pricing"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietTelemetry(starting, current string, remaining time.Duration) pricing.Telemetry {
	return pricing.Telemetry{
		StartingPrice: dec(starting),
		CurrentPrice:  dec(current),
		TimeRemaining: remaining,
		Now:           t0,
	}
}

func TestBidIncrement(t *testing.T) {
	tests := []struct {
		name string
		tel  pricing.Telemetry
		want string
	}{
		{
			name: "fresh auction at 100",
			tel:  quietTelemetry("100.00", "100.00", 2*time.Hour),
			want: "5",
		},
		{
			name: "after one bid at 110 rounds to band step 5",
			tel:  quietTelemetry("100.00", "110.00", 2*time.Hour),
			want: "5",
		},
		{
			name: "price doubled",
			tel:  quietTelemetry("100.00", "200.00", 2*time.Hour),
			want: "10", // 5 * 1.5, rounded to step 5 band
		},
		{
			name: "price five-fold under a minute left",
			tel:  quietTelemetry("100.00", "500.00", 30*time.Second),
			want: "45", // 5 * 3.0 * 3.0 = 45, band step 5
		},
		{
			name: "every factor maxed rounds to the 50 step",
			tel: func() pricing.Telemetry {
				tel := quietTelemetry("100.00", "10000.00", 30*time.Second)
				// 60 bids in the window from 12 bidders drives every factor up.
				for i := 0; i < 60; i++ {
					tel.Recent = append(tel.Recent, pricing.BidPoint{
						BidderID: string(rune('a' + i%12)),
						Amount:   dec("10000.00"),
						At:       t0.Add(-time.Duration(60-i) * time.Second),
					})
				}
				return tel
			}(),
			// 5 * 4.0 * 3.0 * 3.0 * 2.0 = 360, rounded down to the
			// 50 step above 5000.
			want: "350",
		},
		{
			name: "low price keeps the base increment",
			tel:  quietTelemetry("10.00", "10.00", 2*time.Hour),
			want: "5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pricing.BidIncrement(tt.tel)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("BidIncrement() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBidIncrementVelocity(t *testing.T) {
	tel := quietTelemetry("100.00", "110.00", 2*time.Hour)
	// 12 bids in the last ten minutes from two alternating bidders:
	// velocity factor 1.5, everything else 1.0.
	for i := 0; i < 12; i++ {
		tel.Recent = append(tel.Recent, pricing.BidPoint{
			BidderID: []string{"b1", "b2"}[i%2],
			Amount:   dec("110.00"),
			At:       t0.Add(-time.Duration(12-i) * 30 * time.Second),
		})
	}

	got := pricing.BidIncrement(tel)
	// 5 * 1.5 = 7.5, rounded to band step 5 -> 10 (half up).
	if !got.Equal(dec("10")) {
		t.Errorf("BidIncrement() = %s, want 10", got)
	}
}

func TestProxyIncrement(t *testing.T) {
	tests := []struct {
		name string
		tel  pricing.Telemetry
		want string
	}{
		{
			// 0.7 * 5 = 3.5, rounded half-up at step 1.
			name: "at starting price 100",
			tel:  quietTelemetry("100.00", "100.00", 2*time.Hour),
			want: "4",
		},
		{
			// 0.7 * 5 = 3.5 again but at price 110 the band step is 5.
			name: "above 100 rounds to band step",
			tel:  quietTelemetry("100.00", "110.00", 2*time.Hour),
			want: "5",
		},
		{
			name: "never below 1.00",
			tel:  quietTelemetry("50.00", "50.00", 2*time.Hour),
			want: "4", // 0.7*5=3.5 -> 4 at step 1; the 1.00 floor is untouched
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pricing.ProxyIncrement(tt.tel)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("ProxyIncrement() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSuggestedNextBid(t *testing.T) {
	tel := quietTelemetry("100.00", "110.00", 2*time.Hour)
	got := pricing.SuggestedNextBid(tel)
	if !got.Equal(dec("115")) {
		t.Errorf("SuggestedNextBid() = %s, want 115", got)
	}
}

func TestPredictedFinalPrice(t *testing.T) {
	t.Run("fewer than three bids", func(t *testing.T) {
		tel := quietTelemetry("100.00", "150.00", time.Hour)
		tel.Recent = []pricing.BidPoint{
			{BidderID: "b1", Amount: dec("150.00"), At: t0.Add(-time.Minute)},
		}
		got := pricing.PredictedFinalPrice(tel)
		if !got.Equal(dec("180.00")) {
			t.Errorf("PredictedFinalPrice() = %s, want 180.00", got)
		}
	})

	t.Run("projects from recent cadence", func(t *testing.T) {
		tel := quietTelemetry("100.00", "130.00", 10*time.Minute)
		// Three bids one minute apart, 10 apart in amount: avg gap 1m,
		// avg increment 10. Ten remaining gaps * 10 * 0.8 = 80.
		tel.Recent = []pricing.BidPoint{
			{BidderID: "b1", Amount: dec("110.00"), At: t0.Add(-2 * time.Minute)},
			{BidderID: "b2", Amount: dec("120.00"), At: t0.Add(-time.Minute)},
			{BidderID: "b1", Amount: dec("130.00"), At: t0},
		}
		got := pricing.PredictedFinalPrice(tel)
		if !got.Equal(dec("210.00")) {
			t.Errorf("PredictedFinalPrice() = %s, want 210.00", got)
		}
	})

	t.Run("identical timestamps fall back", func(t *testing.T) {
		tel := quietTelemetry("100.00", "130.00", 10*time.Minute)
		for _, amt := range []string{"110.00", "120.00", "130.00"} {
			tel.Recent = append(tel.Recent, pricing.BidPoint{BidderID: "b1", Amount: dec(amt), At: t0})
		}
		got := pricing.PredictedFinalPrice(tel)
		if !got.Equal(dec("156.00")) {
			t.Errorf("PredictedFinalPrice() = %s, want 156.00", got)
		}
	})
}

func TestDeterminism(t *testing.T) {
	tel := quietTelemetry("100.00", "347.00", 12*time.Minute)
	for i := 0; i < 8; i++ {
		tel.Recent = append(tel.Recent, pricing.BidPoint{
			BidderID: []string{"b1", "b2", "b3"}[i%3],
			Amount:   dec("300.00"),
			At:       t0.Add(-time.Duration(8-i) * time.Minute),
		})
	}

	first := pricing.BidIncrement(tel)
	for i := 0; i < 100; i++ {
		if got := pricing.BidIncrement(tel); !got.Equal(first) {
			t.Fatalf("BidIncrement() not deterministic: %s != %s", got, first)
		}
	}
}
