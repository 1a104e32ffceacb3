package models

import "time"

// LockoutPolicy configures brute-force protection.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks for 30 minutes after 5 consecutive failures.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Duration: 30 * time.Minute}
}

// LockoutState is the counter state after a recorded failure.
type LockoutState struct {
	FailedLoginCount int
	LockedUntil      *time.Time
}

// Locked reports whether the state rejects password checks at now.
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// NextFailure computes the state after one more failed password check.
//
// A lock that already elapsed restarts counting from 1. The lock is set only
// on the failure that reaches the threshold; failures recorded while a lock
// is active do not extend it.
func (p LockoutPolicy) NextFailure(cur LockoutState, now time.Time) LockoutState {
	if cur.LockedUntil != nil && !cur.LockedUntil.After(now) {
		cur = LockoutState{}
	}

	next := LockoutState{FailedLoginCount: cur.FailedLoginCount + 1, LockedUntil: cur.LockedUntil}
	if next.LockedUntil == nil && next.FailedLoginCount >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}
	return next
}
