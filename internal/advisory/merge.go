// File: internal/advisory/merge.go
package advisory

import "strings"

// Merge builds the merged set. The primary feed seeds one record per CVE with
// CISAKEV set by membership in kev. Each secondary feed is then folded in,
// in argument order: a field from the secondary record replaces the base
// value only when it is non-empty, and the exploitation flags are OR-ed, so
// they never revert to false. Records without a CVE are dropped.
func Merge(primary []Record, kev IDSet, secondaries ...[]Record) *Set {
	set := NewSet()

	for _, rec := range primary {
		fold(set, rec, kev)
	}
	for _, feed := range secondaries {
		for _, rec := range feed {
			fold(set, rec, kev)
		}
	}

	for _, cve := range set.order {
		rec := set.byCVE[cve]
		if rec.Description == "" {
			rec.Description = rec.Summary
		}
	}
	return set
}

func fold(set *Set, rec Record, kev IDSet) {
	rec.CVE = strings.TrimSpace(rec.CVE)
	if rec.CVE == "" {
		return
	}
	rec.References = cleanReferences(rec.References)

	base := set.lookup(rec.CVE)
	if base == nil {
		stored := set.insert(rec)
		stored.CISAKEV = stored.CISAKEV || kev.Has(rec.CVE)
		return
	}
	coalesce(base, rec.Clone())
	base.CISAKEV = base.CISAKEV || kev.Has(rec.CVE)
}

// coalesce applies the secondary-preferred-when-non-empty rule field by field.
func coalesce(base *Record, next Record) {
	if next.Summary != "" {
		base.Summary = next.Summary
	}
	if next.Description != "" {
		base.Description = next.Description
	}
	if next.Published != nil {
		base.Published = next.Published
	}
	if next.CVSS != nil {
		base.CVSS = next.CVSS
	}
	if next.Vendor != "" {
		base.Vendor = next.Vendor
	}
	if next.Product != "" {
		base.Product = next.Product
	}
	if len(next.References) > 0 {
		base.References = next.References
	}
	base.CISAKEV = base.CISAKEV || next.CISAKEV
	base.ExploitConfirmed = base.ExploitConfirmed || next.ExploitConfirmed
	base.Source = next.Source.Combine(base.Source)
}

// cleanReferences drops entries without a URL and fills empty labels.
func cleanReferences(refs []Reference) []Reference {
	if len(refs) == 0 {
		return nil
	}
	out := make([]Reference, 0, len(refs))
	for _, r := range refs {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, NewReference(r.Label, r.URL, r.Tags...))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
