package main

import (
	"log"
	"sync"
	"time"
)

// Per-user limits on IMAP connection attempts. Kept in memory: a restart
// forgiving the counters is acceptable, the mailbox provider's own limits
// are the real backstop.
const (
	maxAttemptsPerMinute = 10
	maxAttemptsPerHour   = 60
	maxFailedAttempts    = 5
	backoffBase          = time.Minute
	backoffMax           = time.Hour
	cleanupInterval      = 10 * time.Minute
)

// RateLimiter throttles IMAP connection attempts per user and applies
// exponential backoff once authentication keeps failing, so a config with
// a stale password cannot hammer the provider every run.
type RateLimiter struct {
	mut          sync.Mutex
	attempts     map[int64][]time.Time
	failures     map[int64]int
	blockedUntil map[int64]time.Time
	lastCleanup  time.Time
	now          func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts:     map[int64][]time.Time{},
		failures:     map[int64]int{},
		blockedUntil: map[int64]time.Time{},
		lastCleanup:  time.Now(),
		now:          time.Now,
	}
}

// Limited reports whether the user must wait before the next connection
// attempt, with a reason and the remaining wait.
func (l *RateLimiter) Limited(usrId int64) (bool, string, time.Duration) {
	l.cleanup()
	now := l.now()

	l.mut.Lock()
	defer l.mut.Unlock()

	if until, ok := l.blockedUntil[usrId]; ok {
		if until.After(now) {
			return true, "too many failed authentication attempts", until.Sub(now)
		}
		delete(l.blockedUntil, usrId)
		delete(l.failures, usrId)
	}

	lastMinute := 0
	lastHour := 0
	for _, at := range l.attempts[usrId] {
		if at.After(now.Add(-time.Minute)) {
			lastMinute++
		}
		if at.After(now.Add(-time.Hour)) {
			lastHour++
		}
	}
	if lastMinute >= maxAttemptsPerMinute {
		return true, "too many connection attempts per minute", time.Minute
	}
	if lastHour >= maxAttemptsPerHour {
		return true, "too many connection attempts per hour", time.Hour
	}
	return false, "", 0
}

// RecordAttempt notes one connection attempt. A success clears any failure
// streak and block; a failure past the threshold starts exponential backoff.
func (l *RateLimiter) RecordAttempt(usrId int64, success bool) {
	now := l.now()

	l.mut.Lock()
	defer l.mut.Unlock()

	l.attempts[usrId] = append(l.attempts[usrId], now)

	if success {
		delete(l.failures, usrId)
		delete(l.blockedUntil, usrId)
		return
	}

	l.failures[usrId]++
	failed := l.failures[usrId]
	if failed > maxFailedAttempts {
		backoff := backoffFor(failed)
		l.blockedUntil[usrId] = now.Add(backoff)
		log.Printf("User %v blocked from IMAP connections for %v after %d failed attempts",
			usrId, backoff, failed)
	}
}

// Reset clears a user's counters and block. Returns whether there was
// anything to clear.
func (l *RateLimiter) Reset(usrId int64) bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	_, a := l.attempts[usrId]
	_, f := l.failures[usrId]
	_, b := l.blockedUntil[usrId]
	delete(l.attempts, usrId)
	delete(l.failures, usrId)
	delete(l.blockedUntil, usrId)
	return a || f || b
}

// UserStats summarises a user's current limiter state for the API.
func (l *RateLimiter) UserStats(usrId int64) map[string]interface{} {
	l.cleanup()
	now := l.now()

	l.mut.Lock()
	defer l.mut.Unlock()

	lastMinute := 0
	lastHour := 0
	for _, at := range l.attempts[usrId] {
		if at.After(now.Add(-time.Minute)) {
			lastMinute++
		}
		if at.After(now.Add(-time.Hour)) {
			lastHour++
		}
	}
	until, blocked := l.blockedUntil[usrId]
	wait := time.Duration(0)
	if blocked && until.After(now) {
		wait = until.Sub(now)
	} else {
		blocked = false
	}
	return map[string]interface{}{
		"attempts_last_minute": lastMinute,
		"attempts_last_hour":   lastHour,
		"failed_attempts":      l.failures[usrId],
		"is_blocked":           blocked,
		"retry_after_seconds":  int(wait.Seconds()),
	}
}

// backoffFor doubles per failure past the threshold, capped at 64x the
// base and at backoffMax.
func backoffFor(failed int) time.Duration {
	excess := failed - maxFailedAttempts
	if excess < 1 {
		return 0
	}
	if excess > 6 {
		excess = 6
	}
	backoff := backoffBase * time.Duration(1<<uint(excess))
	if backoff > backoffMax {
		backoff = backoffMax
	}
	return backoff
}

func (l *RateLimiter) cleanup() {
	now := l.now()

	l.mut.Lock()
	defer l.mut.Unlock()

	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	cutoff := now.Add(-time.Hour)
	for usrId, attempts := range l.attempts {
		kept := attempts[:0]
		for _, at := range attempts {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, usrId)
		} else {
			l.attempts[usrId] = kept
		}
	}
	for usrId, until := range l.blockedUntil {
		if !until.After(now) {
			delete(l.blockedUntil, usrId)
			delete(l.failures, usrId)
		}
	}
	l.lastCleanup = now
}
