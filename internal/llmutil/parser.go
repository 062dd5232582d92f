// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedJSONRegex extracts the body of a markdown code fence, with or without
// a json language tag. \x60 is a backtick.
var fencedJSONRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSONResponse parses an LLM response into T. It tolerates the usual
// formatting noise: markdown fences and conversational text around the
// object or array.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate := ExtractJSON(response)

	var result T
	if err := jsonCodec.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(candidate, 500))
	}
	return &result, nil
}

// ExtractJSON returns the most likely JSON document inside response.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if m := fencedJSONRegex.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// Conversational wrapping: take the outermost object, then the outermost array.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(response, pair[0])
		last := strings.LastIndex(response, pair[1])
		if first != -1 && last > first {
			return response[first : last+1]
		}
	}
	return response
}

// Truncate shortens s to at most maxRunes runes, appending "..." when it cut.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
