package sshmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(cfg)
	rl.nowFn = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterPerMinute(t *testing.T) {
	rl, now := newTestLimiter(RateLimitConfig{MaxAttemptsPerMinute: 3, MaxConsecFailures: 100, BlockDuration: time.Minute})

	for i := 0; i < 3; i++ {
		if err := rl.Allow("web"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := rl.Allow("web"); !errors.Is(err, errdefs.ErrRateLimited) {
		t.Fatalf("4th attempt: got %v, want ErrRateLimited", err)
	}
	// Other ids have their own budget.
	if err := rl.Allow("db"); err != nil {
		t.Fatalf("other id: %v", err)
	}

	*now = now.Add(61 * time.Second)
	if err := rl.Allow("web"); err != nil {
		t.Fatalf("after window: %v", err)
	}
	if st := rl.Status("web"); st.RecentAttempts != 1 {
		t.Errorf("RecentAttempts = %d, want 1", st.RecentAttempts)
	}
}

func TestRateLimiterBlocksAfterFailures(t *testing.T) {
	rl, now := newTestLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 2, BlockDuration: 5 * time.Minute})

	rl.RecordFailure("web")
	if err := rl.Allow("web"); err != nil {
		t.Fatalf("one failure should not block: %v", err)
	}
	rl.RecordFailure("web")
	if err := rl.Allow("web"); !errors.Is(err, errdefs.ErrRateLimited) {
		t.Fatalf("got %v, want blocked", err)
	}
	st := rl.Status("web")
	if !st.Blocked || st.BlockedUntil == nil || st.ConsecFailures != 2 {
		t.Errorf("status = %+v", st)
	}

	*now = now.Add(5*time.Minute + time.Second)
	if err := rl.Allow("web"); err != nil {
		t.Fatalf("block should have expired: %v", err)
	}
}

func TestRateLimiterSuccessClearsBlock(t *testing.T) {
	rl, _ := newTestLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 1, BlockDuration: time.Hour})
	rl.RecordFailure("web")
	rl.RecordSuccess("web")
	if err := rl.Allow("web"); err != nil {
		t.Fatalf("success should clear block: %v", err)
	}
	rl.Reset("web")
	if st := rl.Status("web"); st.RecentAttempts != 0 || st.ConsecFailures != 0 {
		t.Errorf("status after reset = %+v", st)
	}
}
