// File: internal/advisory/policy.go
package advisory

import (
	"fmt"
	"strings"
	"time"
)

// CriticalCVSS is the score at or above which a record qualifies on severity alone.
const CriticalCVSS = 9.0

// WithinWindow reports whether rec was published no later than now and no
// earlier than days before now. Records without a publication time are
// never considered recent.
func WithinWindow(rec Record, days int, now time.Time) bool {
	if rec.Published == nil {
		return false
	}
	published := *rec.Published
	if published.After(now) {
		return false
	}
	return now.Sub(published) <= time.Duration(days)*24*time.Hour
}

// MeetsPolicy reports whether rec is critical or known to be exploited.
func MeetsPolicy(rec Record) bool {
	return rec.Score() >= CriticalCVSS || rec.ExploitConfirmed
}

// PolicyReason explains the policy outcome for audit logs. A passing record
// lists every condition it satisfies, a rejected one every condition it fails.
func PolicyReason(rec Record) string {
	score := rec.Score()
	critical := score >= CriticalCVSS

	if critical || rec.ExploitConfirmed {
		var met []string
		if critical {
			met = append(met, fmt.Sprintf("CVSS %.1f>=%.1f", score, CriticalCVSS))
		}
		if rec.ExploitConfirmed {
			met = append(met, "exploitation confirmed")
		}
		return "eligible: " + strings.Join(met, " / ")
	}

	return fmt.Sprintf("excluded: CVSS %.1f<%.1f / exploitation not confirmed", score, CriticalCVSS)
}
