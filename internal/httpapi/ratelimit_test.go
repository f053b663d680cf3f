package httpapi

import (
	"testing"
	"time"
)

func TestLimiterBlocksOverLimit(t *testing.T) {
	rl := NewLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d blocked under limit", i)
		}
	}
	if rl.Allow("a") {
		t.Fatal("request over limit allowed")
	}
	// Other keys are independent.
	if !rl.Allow("b") {
		t.Fatal("unrelated key blocked")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	rl := NewLimiter(2, 50*time.Millisecond)

	rl.Allow("a")
	rl.Allow("a")
	if rl.Allow("a") {
		t.Fatal("over limit allowed")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("request blocked after window passed")
	}
}
