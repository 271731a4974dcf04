package clock_test

import (
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
)

func TestRealNow(t *testing.T) {
	c := clock.Real{}
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockNow(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := clock.Mock{T: fixed}

	if got := c.Now(); !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}
}

func TestStepperAdvance(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := &clock.Stepper{T: start}

	s.Advance(90 * time.Second)
	if got := s.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Stepper.Now() after Advance = %v, want %v", got, start.Add(90*time.Second))
	}
}
