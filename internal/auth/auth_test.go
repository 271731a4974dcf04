package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/auth"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newVerifier(secret string, clk clock.Clock) *auth.Verifier {
	return auth.NewVerifier(config.AuthConfig{Secret: secret}, clk)
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newVerifier("test-secret", clock.Mock{T: t0})

	token, err := v.Issue(auth.Identity{
		ID:       "u1",
		Username: "alice",
		Email:    "alice@example.com",
		Role:     "bidder",
	}, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verifying token: %v", err)
	}
	if id.ID != "u1" || id.Username != "alice" || id.Role != "bidder" {
		t.Errorf("identity = %+v", id)
	}
	if id.IsAdmin() {
		t.Error("bidder identified as admin")
	}
}

func TestVerifyExpired(t *testing.T) {
	issuer := newVerifier("test-secret", clock.Mock{T: t0})
	token, err := issuer.Issue(auth.Identity{ID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	later := newVerifier("test-secret", clock.Mock{T: t0.Add(2 * time.Hour)})
	if _, err := later.Verify(token); !errors.Is(err, auth.ErrExpired) {
		t.Errorf("Verify() = %v, want ErrExpired", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := newVerifier("secret-a", clock.Mock{T: t0})
	token, err := issuer.Issue(auth.Identity{ID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	other := newVerifier("secret-b", clock.Mock{T: t0})
	if _, err := other.Verify(token); !errors.Is(err, auth.ErrInvalid) {
		t.Errorf("Verify() = %v, want ErrInvalid", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := newVerifier("test-secret", clock.Mock{T: t0})
	if _, err := v.Verify("not-a-token"); !errors.Is(err, auth.ErrInvalid) {
		t.Errorf("Verify() = %v, want ErrInvalid", err)
	}
}

func TestThrottleLocksOutAfterFailures(t *testing.T) {
	clk := &clock.Stepper{T: t0}
	th := auth.NewThrottle(5, 15*time.Minute, clk)

	for i := 0; i < 5; i++ {
		if !th.Allow("10.0.0.1") {
			t.Fatalf("attempt %d unexpectedly blocked", i)
		}
		th.Fail("10.0.0.1")
	}
	if th.Allow("10.0.0.1") {
		t.Error("sixth attempt allowed, want lockout")
	}

	// Another address is unaffected.
	if !th.Allow("10.0.0.2") {
		t.Error("unrelated address blocked")
	}

	// The lockout expires with the window.
	clk.Advance(15 * time.Minute)
	if !th.Allow("10.0.0.1") {
		t.Error("attempt blocked after window expiry")
	}
}

func TestThrottleResetOnSuccess(t *testing.T) {
	clk := &clock.Stepper{T: t0}
	th := auth.NewThrottle(5, 15*time.Minute, clk)

	for i := 0; i < 4; i++ {
		th.Fail("10.0.0.1")
	}
	th.Reset("10.0.0.1")
	th.Fail("10.0.0.1")

	if !th.Allow("10.0.0.1") {
		t.Error("address blocked after reset, want allowed")
	}
}
