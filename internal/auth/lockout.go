package auth

import "time"

// LockoutPolicy decides when repeated credential failures lock an account.
// It is pure decision logic over the counter and timestamps carried on the
// user row; persistence is the caller's concern.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

// NewLockoutPolicy applies the reference defaults (5 attempts, 15 minutes)
// for non-positive parameters.
func NewLockoutPolicy(threshold int, window time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return LockoutPolicy{Threshold: threshold, Window: window}
}

// Locked reports whether the account is currently locked. A lockout end in
// the past means the account has reopened.
func (p LockoutPolicy) Locked(lockoutEnd *time.Time, now time.Time) bool {
	return lockoutEnd != nil && lockoutEnd.After(now)
}

// OnFailure returns the lockout expiry to record after a failed attempt, or
// nil while the counter is still below the threshold. failedAttempts is the
// counter value including the attempt that just failed.
func (p LockoutPolicy) OnFailure(failedAttempts int, now time.Time) *time.Time {
	if failedAttempts < p.Threshold {
		return nil
	}
	end := now.Add(p.Window)
	return &end
}
