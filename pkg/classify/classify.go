// Package classify maps a domain's expiry date to a lifecycle state.
package classify

import "time"

// Class is the lifecycle state of a domain relative to a reference time
type Class string

const (
	Active     Class = "active"
	NearExpiry Class = "near_expiry"
	Expired    Class = "expired"
	Unknown    Class = "unknown"
)

// DefaultThresholdDays is how close to expiry a domain has to be to count as near expiry
const DefaultThresholdDays = 10

// All lists every class in reporting order
var All = []Class{Active, NearExpiry, Expired, Unknown}

// Classify returns the lifecycle state of a domain expiring at expiry, as seen at now.
// A nil expiry means the date is not known.
func Classify(expiry *time.Time, now time.Time, thresholdDays int) Class {
	if expiry == nil {
		return Unknown
	}
	if !expiry.After(now) {
		return Expired
	}
	threshold := time.Duration(thresholdDays) * 24 * time.Hour
	if expiry.Add(-threshold).Before(now) {
		return NearExpiry
	}
	return Active
}

// IsExpired is the snapshot flag persisted alongside an expiry date
func IsExpired(expiry *time.Time, checkedAt time.Time) bool {
	return expiry != nil && expiry.Before(checkedAt)
}
