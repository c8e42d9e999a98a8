package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(perMinute, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

func TestAllowWithinBurst(t *testing.T) {
	l := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.Allow("client") {
		t.Error("request beyond burst should be denied")
	}
}

func TestKeysIndependent(t *testing.T) {
	l := newTestLimiter(60, 2)
	defer l.Stop()

	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Error("client a should be exhausted")
	}
	if !l.Allow("b") {
		t.Error("client b should be unaffected")
	}
}

func TestTokensRefill(t *testing.T) {
	l := newTestLimiter(6000, 2) // 100 tokens/sec, fast refill
	defer l.Stop()

	l.Allow("c")
	l.Allow("c")
	if l.Allow("c") {
		t.Fatal("burst should be exhausted")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow("c") {
		t.Error("expected refill after wait")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	l := newTestLimiter(6000, 3)
	defer l.Stop()

	l.Allow("d")
	time.Sleep(100 * time.Millisecond)

	// Long idle must not accumulate more than BurstSize tokens
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("d") {
			allowed++
		}
	}
	if allowed > 4 {
		t.Errorf("allowed %d requests after idle, want at most burst+refill", allowed)
	}
}
