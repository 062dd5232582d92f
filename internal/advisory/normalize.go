// File: internal/advisory/normalize.go
package advisory

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// instantLayouts are tried in order. Layouts without a zone are read as UTC.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ToInstantUTC parses a date or ISO-8601 timestamp into a UTC instant.
// Date-only values mean midnight UTC. Unparsable or empty input yields nil.
func ToInstantUTC(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, layout := range instantLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		return &t
	}
	return nil
}

// ParseFloat coerces text such as "9.8" into a score. Non-numeric text,
// NaN and infinities yield nil.
func ParseFloat(raw string) *float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ToFloat coerces a JSON number or numeric string into a score.
func ToFloat(raw json.RawMessage) *float64 {
	switch classify(raw) {
	case kindNumber:
		var f float64
		if err := jsonCodec.Unmarshal(raw, &f); err != nil {
			return nil
		}
		return &f
	case kindString:
		var s string
		if err := jsonCodec.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return ParseFloat(s)
	default:
		return nil
	}
}

// ToString decodes a JSON scalar into text. Strings come back unquoted,
// numbers in their literal form, and anything else as "".
func ToString(raw json.RawMessage) string {
	switch classify(raw) {
	case kindString:
		var s string
		if err := jsonCodec.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case kindNumber:
		return string(bytes.TrimSpace(raw))
	default:
		return ""
	}
}

// ToBool reads a JSON boolean, treating "true"/"yes"/"1" strings and
// non-zero numbers as true as well.
func ToBool(raw json.RawMessage) bool {
	switch classify(raw) {
	case kindBool:
		return bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
	case kindNumber:
		f := ToFloat(raw)
		return f != nil && *f != 0
	case kindString:
		switch strings.ToLower(strings.TrimSpace(ToString(raw))) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}

type jsonKind int

const (
	kindOther jsonKind = iota
	kindObject
	kindArray
	kindString
	kindNumber
	kindBool
)

// classify looks at the first significant byte of a JSON value.
func classify(raw json.RawMessage) jsonKind {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return kindOther
	}
	switch c := b[0]; {
	case c == '{':
		return kindObject
	case c == '[':
		return kindArray
	case c == '"':
		return kindString
	case c == 't' || c == 'f':
		return kindBool
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	}
	return kindOther
}

type referenceObject struct {
	Title json.RawMessage `json:"title"`
	Name  json.RawMessage `json:"name"`
	URL   json.RawMessage `json:"url"`
	Tags  []string        `json:"tags"`
}

// ToReferenceList decodes the reference shapes feeds emit: a single object,
// a list of objects, a list of [label, url] pairs, or a list of bare URLs.
// Shapes can be mixed within a list. Entries without a usable URL are dropped.
func ToReferenceList(raw json.RawMessage) []Reference {
	var out []Reference
	switch classify(raw) {
	case kindObject:
		if ref, ok := referenceFromObject(raw); ok {
			out = append(out, ref)
		}
	case kindArray:
		var elems []json.RawMessage
		if err := jsonCodec.Unmarshal(raw, &elems); err != nil {
			return nil
		}
		for _, elem := range elems {
			if ref, ok := referenceFromElement(elem); ok {
				out = append(out, ref)
			}
		}
	case kindString:
		if ref, ok := referenceFromBareURL(raw); ok {
			out = append(out, ref)
		}
	}
	return out
}

func referenceFromElement(elem json.RawMessage) (Reference, bool) {
	switch classify(elem) {
	case kindObject:
		return referenceFromObject(elem)
	case kindArray:
		return referenceFromPair(elem)
	case kindString:
		return referenceFromBareURL(elem)
	default:
		return Reference{}, false
	}
}

func referenceFromObject(raw json.RawMessage) (Reference, bool) {
	var obj referenceObject
	if err := jsonCodec.Unmarshal(raw, &obj); err != nil {
		return Reference{}, false
	}
	url := strings.TrimSpace(ToString(obj.URL))
	if url == "" {
		return Reference{}, false
	}
	label := ToString(obj.Title)
	if label == "" {
		label = ToString(obj.Name)
	}
	return NewReference(label, url, obj.Tags...), true
}

func referenceFromPair(raw json.RawMessage) (Reference, bool) {
	var pair []json.RawMessage
	if err := jsonCodec.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return Reference{}, false
	}
	url := strings.TrimSpace(ToString(pair[1]))
	if url == "" {
		return Reference{}, false
	}
	return NewReference(ToString(pair[0]), url), true
}

func referenceFromBareURL(raw json.RawMessage) (Reference, bool) {
	url := strings.TrimSpace(ToString(raw))
	if !strings.HasPrefix(url, "http") {
		return Reference{}, false
	}
	return NewReference("", url), true
}

// NewReference builds a reference, defaulting an empty label.
func NewReference(label, url string, tags ...string) Reference {
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultReferenceLabel
	}
	ref := Reference{Label: label, URL: strings.TrimSpace(url)}
	if len(tags) > 0 {
		ref.Tags = tags
	}
	return ref
}

// ParseCPE extracts vendor and product from a CPE 2.3 formatted string
// ("cpe:2.3:a:vendor:product:...") or a CPE 2.2 URI ("cpe:/a:vendor:product").
// Underscores become spaces. Unrecognized input yields empty strings.
func ParseCPE(cpe string) (vendor, product string) {
	cpe = strings.TrimSpace(cpe)
	if strings.HasPrefix(cpe, "cpe:/") {
		parts := strings.Split(strings.TrimPrefix(cpe, "cpe:/"), ":")
		if len(parts) < 3 {
			return "", ""
		}
		return cpeField(parts[1]), cpeField(parts[2])
	}
	parts := strings.Split(cpe, ":")
	if len(parts) < 5 {
		return "", ""
	}
	return cpeField(parts[3]), cpeField(parts[4])
}

func cpeField(s string) string {
	if s == "*" || s == "-" {
		return ""
	}
	return strings.ReplaceAll(s, "_", " ")
}
