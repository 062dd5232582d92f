// File: internal/advisory/select.go
package advisory

import (
	"sort"
	"time"
)

// DailyLimit is the number of drafts that may be published per calendar day.
const DailyLimit = 5

// Funnel counts the records surviving each selection stage.
type Funnel struct {
	Fetched      int `json:"fetched"`
	AfterSeen    int `json:"after_seen"`
	AfterRecency int `json:"after_recency"`
	AfterPolicy  int `json:"after_policy"`
}

// SeenChecker reports whether a CVE was already published.
type SeenChecker interface {
	IsAlreadySeen(cve string) bool
}

// Candidates returns the unseen records that are recent and pass policy, in
// discovery order, together with the per-stage counts. A nil seen checker
// treats every record as unseen.
func Candidates(set *Set, seen SeenChecker, days int, now time.Time) ([]Record, Funnel) {
	funnel := Funnel{Fetched: set.Len()}
	var out []Record

	for _, rec := range set.Records() {
		if seen != nil && seen.IsAlreadySeen(rec.CVE) {
			continue
		}
		funnel.AfterSeen++

		if !WithinWindow(rec, days, now) {
			continue
		}
		funnel.AfterRecency++

		if !MeetsPolicy(rec) {
			continue
		}
		funnel.AfterPolicy++
		out = append(out, rec)
	}
	return out, funnel
}

// Rank orders records by CVSS descending, breaking ties by putting
// exploited records first. Equal keys keep their input order.
func Rank(records []Record) []Record {
	ranked := make([]Record, len(records))
	copy(ranked, records)

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].Score(), ranked[j].Score()
		if si != sj {
			return si > sj
		}
		return ranked[i].ExploitConfirmed && !ranked[j].ExploitConfirmed
	})
	return ranked
}

// Remaining returns how many more drafts may be published today.
func Remaining(publishedToday, limit int) int {
	if publishedToday >= limit {
		return 0
	}
	return limit - publishedToday
}

// Select returns the head of ranked that fits in the remaining quota.
func Select(ranked []Record, publishedToday, limit int) []Record {
	n := Remaining(publishedToday, limit)
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}
