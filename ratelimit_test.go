package main

import (
	"testing"
	"time"
)

// limiterAt returns a limiter with a controllable clock.
func limiterAt(start time.Time) (*RateLimiter, *time.Time) {
	now := start
	l := NewRateLimiter()
	l.lastCleanup = start
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRateLimiterBacksOffAfterFailures(t *testing.T) {
	l, now := limiterAt(date)

	for i := 0; i < maxFailedAttempts; i++ {
		l.RecordAttempt(1, false)
	}
	if limited, _, _ := l.Limited(1); limited {
		t.Error("should not be limited at the failure threshold")
	}

	// One more failure starts the backoff
	l.RecordAttempt(1, false)
	limited, reason, retryAfter := l.Limited(1)
	if !limited {
		t.Fatal("expected limited after exceeding the failure threshold")
	}
	if reason == "" || retryAfter != backoffBase {
		t.Errorf("got reason %q retryAfter %v, want non-empty reason and %v", reason, retryAfter, backoffBase)
	}

	// Block expires with time, and expiry clears the failure streak
	*now = now.Add(backoffBase + time.Second)
	if limited, _, _ := l.Limited(1); limited {
		t.Error("block should have expired")
	}
	l.RecordAttempt(1, false)
	if limited, _, _ := l.Limited(1); limited {
		t.Error("one failure after expiry should not re-block")
	}
}

func TestRateLimiterBackoffDoubles(t *testing.T) {
	cases := []struct {
		failed int
		want   time.Duration
	}{
		{maxFailedAttempts, 0},
		{maxFailedAttempts + 1, backoffBase},
		{maxFailedAttempts + 2, 2 * backoffBase},
		{maxFailedAttempts + 3, 4 * backoffBase},
		{maxFailedAttempts + 100, backoffMax},
	}
	for _, c := range cases {
		if got := backoffFor(c.failed); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.failed, got, c.want)
		}
	}
}

func TestRateLimiterSuccessResetsFailures(t *testing.T) {
	l, _ := limiterAt(date)

	for i := 0; i < maxFailedAttempts+1; i++ {
		l.RecordAttempt(1, false)
	}
	if limited, _, _ := l.Limited(1); !limited {
		t.Fatal("expected limited")
	}
	l.RecordAttempt(1, true)
	if limited, _, _ := l.Limited(1); limited {
		t.Error("a successful connection should clear the block")
	}
}

func TestRateLimiterPerMinuteCap(t *testing.T) {
	l, now := limiterAt(date)

	for i := 0; i < maxAttemptsPerMinute; i++ {
		l.RecordAttempt(2, true)
	}
	limited, _, retryAfter := l.Limited(2)
	if !limited || retryAfter != time.Minute {
		t.Errorf("limited=%v retryAfter=%v, want limited for a minute", limited, retryAfter)
	}

	// Other users are unaffected
	if limited, _, _ := l.Limited(3); limited {
		t.Error("limit must be per user")
	}

	*now = now.Add(61 * time.Second)
	if limited, _, _ := l.Limited(2); limited {
		t.Error("per-minute window should have rolled over")
	}
}

func TestRateLimiterReset(t *testing.T) {
	l, _ := limiterAt(date)

	if l.Reset(4) {
		t.Error("nothing to reset yet")
	}
	for i := 0; i < maxFailedAttempts+1; i++ {
		l.RecordAttempt(4, false)
	}
	if !l.Reset(4) {
		t.Error("expected counters to be cleared")
	}
	if limited, _, _ := l.Limited(4); limited {
		t.Error("reset should lift the block")
	}
}

func TestPollerProcessHonorsRateLimit(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		usr, _ := d.InsertUser("ratelimited@blah.com", []byte("blah"), false)
		cfg, _ := d.InsertImapConfig(&ImapConfig{
			UserId: usr.Id, Name: "throttled", Host: "imap.example.com",
			Username: "x", PasswordEnc: "x", Active: true,
		})
		p := NewPoller(d, plainKeyring{}, nil)
		for i := 0; i < maxFailedAttempts+1; i++ {
			p.limiter.RecordAttempt(usr.Id, false)
		}

		stats := p.Process(cfg)
		if stats.ErrorCount() != 1 {
			t.Fatalf("error count = %d, want 1", stats.ErrorCount())
		}
		if stats.Errors[0].Kind != ErrKindRateLimited {
			t.Errorf("error kind = %v, want %v", stats.Errors[0].Kind, ErrKindRateLimited)
		}
		if stats.MessagesSeen != 0 {
			t.Error("a limited run must not touch the mailbox")
		}
	})
}
