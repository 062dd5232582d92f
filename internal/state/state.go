// File: internal/state/state.go
package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// dayZone is the fixed UTC+9 offset that calendar days are counted in,
// independent of the host's time zone.
var dayZone = time.FixedZone("UTC+9", 9*60*60)

// ErrConflict is returned when a concurrent writer keeps winning the
// compare-and-swap on the stored state.
var ErrConflict = errors.New("state was modified concurrently")

// Store loads and persists the selection state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

// Day returns the calendar day of t in UTC+9 as YYYY-MM-DD.
func Day(t time.Time) string {
	return t.In(dayZone).Format("2006-01-02")
}

// State records which CVEs were published, overall and per calendar day.
// Seen only ever grows.
type State struct {
	Seen  []string            `json:"seen"`
	Daily map[string][]string `json:"daily"`

	seen     map[string]struct{}
	revision int64
}

// New returns an empty state.
func New() *State {
	return &State{Seen: []string{}, Daily: map[string][]string{}, seen: map[string]struct{}{}}
}

// IsAlreadySeen reports whether cve was published on any day.
func (s *State) IsAlreadySeen(cve string) bool {
	s.index()
	_, ok := s.seen[cve]
	return ok
}

// MarkPublished records cve under day and in the seen set. Repeated calls
// with the same arguments change nothing.
func (s *State) MarkPublished(cve, day string) {
	s.index()
	if s.Daily == nil {
		s.Daily = map[string][]string{}
	}
	if !contains(s.Daily[day], cve) {
		s.Daily[day] = append(s.Daily[day], cve)
	}
	if _, ok := s.seen[cve]; !ok {
		s.Seen = append(s.Seen, cve)
		s.seen[cve] = struct{}{}
	}
}

// CountPublishedToday returns how many CVEs were published on day.
func (s *State) CountPublishedToday(day string) int {
	return len(s.Daily[day])
}

// Union folds other into s, keeping the entries of s first. It is how a
// writer that lost a compare-and-swap reconciles with the stored state.
func (s *State) Union(other *State) {
	if other == nil {
		return
	}
	merged := New()
	merged.revision = other.revision
	for _, src := range []*State{other, s} {
		for _, cve := range src.Seen {
			merged.addSeen(cve)
		}
		for day, cves := range src.Daily {
			for _, cve := range cves {
				if !contains(merged.Daily[day], cve) {
					merged.Daily[day] = append(merged.Daily[day], cve)
				}
			}
		}
	}
	*s = *merged
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := New()
	out.revision = s.revision
	for _, cve := range s.Seen {
		out.addSeen(cve)
	}
	for day, cves := range s.Daily {
		out.Daily[day] = append([]string(nil), cves...)
	}
	return out
}

func (s *State) addSeen(cve string) {
	s.index()
	if _, ok := s.seen[cve]; ok {
		return
	}
	s.Seen = append(s.Seen, cve)
	s.seen[cve] = struct{}{}
}

// index lazily builds the seen lookup, deduplicating Seen on the way.
func (s *State) index() {
	if s.seen != nil {
		return
	}
	s.seen = make(map[string]struct{}, len(s.Seen))
	deduped := s.Seen[:0]
	for _, cve := range s.Seen {
		if _, ok := s.seen[cve]; ok {
			continue
		}
		s.seen[cve] = struct{}{}
		deduped = append(deduped, cve)
	}
	s.Seen = deduped
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Decode parses a stored state document. A bare JSON list is read as the
// seen set of an older layout that had no per-day counts.
func Decode(data []byte) (*State, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return New(), nil
	}

	if trimmed[0] == '[' {
		var seen []string
		if err := jsonCodec.Unmarshal(trimmed, &seen); err != nil {
			return nil, fmt.Errorf("malformed state list: %w", err)
		}
		st := New()
		for _, cve := range seen {
			st.addSeen(cve)
		}
		return st, nil
	}

	var st State
	if err := jsonCodec.Unmarshal(trimmed, &st); err != nil {
		return nil, fmt.Errorf("malformed state document: %w", err)
	}
	if st.Seen == nil {
		st.Seen = []string{}
	}
	if st.Daily == nil {
		st.Daily = map[string][]string{}
	}
	st.index()
	return &st, nil
}

// Encode renders the state document.
func Encode(st *State) ([]byte, error) {
	data, err := jsonCodec.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}
