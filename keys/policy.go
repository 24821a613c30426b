package keys

import "time"

// Policy carries the numeric key-lifecycle thresholds. The zero value is not
// usable; construct with DefaultPolicy and override fields as needed.
type Policy struct {
	// PreKeyPoolTarget is the number of one-time prekeys the pool is topped
	// up to.
	PreKeyPoolTarget int
	// PreKeyLowWater is the pool size at or below which replenishment runs.
	// One threshold, applied everywhere a pool-health decision is made.
	PreKeyLowWater int
	// SignedPreKeyMaxAge is how old the current signed prekey may grow before
	// rotation is due.
	SignedPreKeyMaxAge time.Duration
}

// DefaultPolicy returns the reference thresholds.
func DefaultPolicy() Policy {
	return Policy{
		PreKeyPoolTarget:   110,
		PreKeyLowWater:     20,
		SignedPreKeyMaxAge: 7 * 24 * time.Hour,
	}
}
