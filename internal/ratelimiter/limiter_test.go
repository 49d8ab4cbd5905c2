package ratelimiter

import (
	"testing"
	"time"
)

func TestRequestsUnderLimitAllAllowed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{RequestsPerMinute: 3, Enabled: true}, WithNow(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}
}

func TestNPlus1thRequestWithinWindowIs429(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{RequestsPerMinute: 3, Enabled: true}, WithNow(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("expected the (RPM+1)th request within the window to be rejected")
	}
}

func TestRequestAllowedAgainAfterWindowSlides(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	l := New(Config{RequestsPerMinute: 1, Enabled: true}, WithNow(func() time.Time { return cur }))

	if !l.Allow("1.2.3.4") {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("expected second request within the window to be rejected")
	}

	cur = start.Add(61 * time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatal("expected request to be allowed once the 60s window has fully slid past")
	}
}

func TestDifferentKeysHaveIndependentBudgets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{RequestsPerMinute: 1, Enabled: true}, WithNow(func() time.Time { return now }))

	if !l.Allow("1.2.3.4") {
		t.Fatal("expected first key's request to be allowed")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatal("expected a different key to have its own independent budget")
	}
}

func TestLoopbackIsExempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{RequestsPerMinute: 1, Enabled: true}, WithNow(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if !l.Allow("127.0.0.1") {
			t.Fatalf("expected loopback request %d to be exempt", i+1)
		}
	}
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{RequestsPerMinute: 1, Enabled: false}, WithNow(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("expected request %d to be allowed when disabled", i+1)
		}
	}
}

func TestPruneDropsStaleBuckets(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	l := New(Config{RequestsPerMinute: 5, Enabled: true}, WithNow(func() time.Time { return cur }))

	l.Allow("stale-key")
	cur = start.Add(6 * time.Minute)

	pruned := l.Prune()
	if pruned != 1 {
		t.Fatalf("expected 1 pruned bucket, got %d", pruned)
	}
}
