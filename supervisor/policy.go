package supervisor

import "time"

// Policy holds the tunable restart timing constants. The exact values carry
// no invariant of their own; they are flags with defaults, tuned rather than
// derived.
type Policy struct {
	// RestartThrottle is the minimum spacing between consecutive
	// intentional restarts. It absorbs a child that asks to be replaced
	// immediately after boot without runaway respawn churn.
	RestartThrottle time.Duration

	// Tier1Crashes and Tier2Crashes bound the backoff tiers: consecutive
	// crash counts 1..Tier1Crashes wait Tier1Delay, counts up to
	// Tier2Crashes wait Tier2Delay, and everything beyond waits Tier3Delay.
	Tier1Crashes int
	Tier2Crashes int

	Tier1Delay time.Duration
	Tier2Delay time.Duration
	Tier3Delay time.Duration
}

// DefaultPolicy returns the tuned defaults used by the respawn binary.
func DefaultPolicy() Policy {
	return Policy{
		RestartThrottle: 5 * time.Second,
		Tier1Crashes:    3,
		Tier2Crashes:    6,
		Tier1Delay:      1 * time.Second,
		Tier2Delay:      5 * time.Second,
		Tier3Delay:      30 * time.Second,
	}
}

// CrashDelay is the respawn delay after the nth consecutive crash. It is a
// pure, non-decreasing step function of n; the supervisor's single sleep
// call site applies it.
func (p Policy) CrashDelay(n int) time.Duration {
	switch {
	case n <= p.Tier1Crashes:
		return p.Tier1Delay
	case n <= p.Tier2Crashes:
		return p.Tier2Delay
	default:
		return p.Tier3Delay
	}
}
