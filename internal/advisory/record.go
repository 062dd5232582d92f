// File: internal/advisory/record.go
package advisory

import (
	"strings"
	"time"
)

// Source is the provenance tag of a record.
type Source string

const (
	SourceNVD       Source = "nvd"
	SourceSecGemini Source = "sec-gemini"
	SourceJVN       Source = "jvn"
)

// Combine returns the composite tag for a record that other already
// contributed to. The newest contributor comes first, as in "sec-gemini+nvd".
func (s Source) Combine(other Source) Source {
	switch {
	case other == "":
		return s
	case s == "", other.Includes(s):
		return other
	case s.Includes(other):
		return s
	}
	return Source(string(s) + "+" + string(other))
}

// Includes reports whether every feed of part also contributed to s.
func (s Source) Includes(part Source) bool {
	have := make(map[string]bool)
	for _, p := range strings.Split(string(s), "+") {
		have[p] = true
	}
	for _, p := range strings.Split(string(part), "+") {
		if !have[p] {
			return false
		}
	}
	return true
}

// DefaultReferenceLabel is used when a feed gives a URL without a name.
const DefaultReferenceLabel = "reference"

// Reference is a labelled link. The first reference of a record is its primary link.
type Reference struct {
	Label string   `json:"label"`
	URL   string   `json:"url"`
	Tags  []string `json:"tags,omitempty"`
}

// HasTag reports whether the reference carries the given tag, case-insensitively.
func (r Reference) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

// Record is the canonical advisory shape every feed is normalized into.
type Record struct {
	CVE              string      `json:"cve"`
	Summary          string      `json:"summary"`
	Description      string      `json:"description"`
	Published        *time.Time  `json:"published,omitempty"`
	CVSS             *float64    `json:"cvss,omitempty"`
	Vendor           string      `json:"vendor"`
	Product          string      `json:"product"`
	References       []Reference `json:"references"`
	CISAKEV          bool        `json:"cisa_kev"`
	ExploitConfirmed bool        `json:"exploit_confirmed"`
	Source           Source      `json:"source"`
}

// Score returns the CVSS score, treating an absent score as 0.0.
func (r Record) Score() float64 {
	if r.CVSS == nil {
		return 0
	}
	return *r.CVSS
}

// Clone returns a deep copy so merged records never alias feed data.
func (r Record) Clone() Record {
	out := r
	if r.Published != nil {
		p := *r.Published
		out.Published = &p
	}
	if r.CVSS != nil {
		c := *r.CVSS
		out.CVSS = &c
	}
	if r.References != nil {
		out.References = make([]Reference, len(r.References))
		for i, ref := range r.References {
			out.References[i] = ref
			if ref.Tags != nil {
				out.References[i].Tags = append([]string(nil), ref.Tags...)
			}
		}
	}
	return out
}

// IDSet is a set of CVE identifiers.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given identifiers, skipping blanks.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts a trimmed, non-empty identifier.
func (s IDSet) Add(id string) {
	id = strings.TrimSpace(id)
	if id != "" {
		s[id] = struct{}{}
	}
}

// Has reports membership. A nil set contains nothing.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Set is the merged mapping from CVE to record. It remembers the order in
// which identifiers were first seen so ranking ties stay deterministic.
type Set struct {
	order []string
	byCVE map[string]*Record
}

// NewSet returns an empty merged set.
func NewSet() *Set {
	return &Set{byCVE: make(map[string]*Record)}
}

// Len returns the number of distinct CVEs.
func (s *Set) Len() int {
	return len(s.order)
}

// Get returns a copy of the record for cve.
func (s *Set) Get(cve string) (Record, bool) {
	rec, ok := s.byCVE[cve]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns copies of all records in discovery order.
func (s *Set) Records() []Record {
	out := make([]Record, 0, len(s.order))
	for _, cve := range s.order {
		out = append(out, s.byCVE[cve].Clone())
	}
	return out
}

func (s *Set) lookup(cve string) *Record {
	return s.byCVE[cve]
}

func (s *Set) insert(rec Record) *Record {
	stored := rec.Clone()
	s.order = append(s.order, rec.CVE)
	s.byCVE[rec.CVE] = &stored
	return &stored
}
