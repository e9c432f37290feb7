// Copyright 2024-2026 Aiku AI

package relay

import (
	"regexp"
	"strings"
	"sync"
)

// zeroWidthSpace neutralizes a broadcast mention without changing how it looks.
const zeroWidthSpace = "\u200b"

// DefaultBroadcastMarkers is used for adapters that do not declare their own.
var DefaultBroadcastMarkers = []string{"@everyone", "@here"}

var markerPatterns sync.Map // string -> *regexp.Regexp

func markerPattern(marker string) *regexp.Regexp {
	if re, ok := markerPatterns.Load(marker); ok {
		return re.(*regexp.Regexp)
	}
	sigil, word := marker[:1], marker[1:]
	// Whatever precedes the sigil, the word must end at a word boundary.
	re := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(sigil) + `)(` + regexp.QuoteMeta(word) + `)\b`)
	actual, _ := markerPatterns.LoadOrStore(marker, re)
	return actual.(*regexp.Regexp)
}

// SanitizeMentions inserts a zero-width space after the sigil of every
// broadcast marker in text, including markers glued to a preceding word or
// to another marker.
func SanitizeMentions(text string, markers []string) string {
	for _, marker := range markers {
		if len(marker) < 2 || !strings.Contains(strings.ToLower(text), strings.ToLower(marker)) {
			continue
		}
		text = markerPattern(marker).ReplaceAllString(text, "${1}"+zeroWidthSpace+"${2}")
	}
	return text
}

// markersFor returns the broadcast markers of the adapter's service.
func markersFor(adapter Adapter) []string {
	if bm, ok := adapter.(BroadcastMarkers); ok {
		return bm.BroadcastMarkers()
	}
	return DefaultBroadcastMarkers
}
