package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

func newMillisTimer(ms int) *time.Timer {
	return time.NewTimer(time.Duration(ms) * time.Millisecond)
}

// recordingPath builds the final-recording path from spec.md §6's
// persisted-state layout: ./recordings/<kind>/<unique_id>_<caller_id>_<iso_timestamp>_<kind>.wav.
func recordingPath(kind, uniqueID, callerID string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	caller := sanitizeForPath(callerID)
	if caller == "" {
		caller = "unknown"
	}
	name := fmt.Sprintf("%s_%s_%s_%s.wav", sanitizeForPath(uniqueID), caller, ts, kind)
	return filepath.Join("recordings", kind, name)
}

func sanitizeForPath(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
