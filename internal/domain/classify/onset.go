package classify

import "time"

// Onset attributes a culture to healthcare or community acquisition based
// on time since admission. The threshold is configuration, not clinical
// doctrine; it only labels alerts.
type Onset string

const (
	OnsetHealthcare Onset = "healthcare-onset"
	OnsetCommunity  Onset = "community-onset"
	OnsetUnknown    Onset = "unknown"
)

// AttributeOnset compares collection time against admission time. Either
// timestamp missing yields unknown.
func AttributeOnset(admittedAt, collectedAt time.Time, thresholdDays int) Onset {
	if admittedAt.IsZero() || collectedAt.IsZero() {
		return OnsetUnknown
	}
	if collectedAt.Sub(admittedAt) > time.Duration(thresholdDays)*24*time.Hour {
		return OnsetHealthcare
	}
	return OnsetCommunity
}
