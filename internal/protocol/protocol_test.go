package protocol_test

import (
	"testing"

	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, cmd *protocol.Command)
	}{
		{
			name: "join",
			raw:  `{"type":"join_auction","auctionId":"a1"}`,
			check: func(t *testing.T, cmd *protocol.Command) {
				if cmd.AuctionID != "a1" {
					t.Errorf("auctionId = %s", cmd.AuctionID)
				}
			},
		},
		{
			name: "place bid",
			raw:  `{"type":"place_bid","auctionId":"a1","amount":"110.00"}`,
			check: func(t *testing.T, cmd *protocol.Command) {
				if cmd.Amount == nil || cmd.Amount.String() != "110" {
					t.Errorf("amount = %v", cmd.Amount)
				}
			},
		},
		{
			name: "set proxy",
			raw:  `{"type":"set_proxy","auctionId":"a1","maxAmount":"200.00"}`,
			check: func(t *testing.T, cmd *protocol.Command) {
				if cmd.MaxAmount == nil {
					t.Error("maxAmount missing")
				}
			},
		},
		{
			name:    "bid without amount",
			raw:     `{"type":"place_bid","auctionId":"a1"}`,
			wantErr: true,
		},
		{
			name:    "join without auction",
			raw:     `{"type":"join_auction"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			raw:     `{"type":"withdraw_bid","auctionId":"a1"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"type":`,
			wantErr: true,
		},
		{
			name:    "leave without auction",
			raw:     `{"type":"leave_auction"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := protocol.ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCommand(%s) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%s): %v", tt.raw, err)
			}
			if tt.check != nil {
				tt.check(t, cmd)
			}
		})
	}
}
