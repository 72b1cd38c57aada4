package external

import (
	"fmt"
	"regexp"
)

// Sync markers ride in the external item's notes field so they survive
// round-trips through systems that only preserve title and notes.
const markerTag = "sync_id"

var markerRe = regexp.MustCompile(`\[` + markerTag + `::([^\]]+)\]`)

// FormatMarker renders a marker value for embedding in an item's notes.
func FormatMarker(marker string) string {
	return fmt.Sprintf("[%s::%s]", markerTag, marker)
}

// ParseMarker extracts the marker value from an item's notes.
func ParseMarker(notes string) (string, bool) {
	m := markerRe.FindStringSubmatch(notes)
	if m == nil {
		return "", false
	}
	return m[1], true
}
