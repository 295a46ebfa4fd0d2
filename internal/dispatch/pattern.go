package dispatch

import "strings"

// Match reports whether a dot-path pattern matches an event type.
// "*" matches exactly one segment; segment counts must agree. The type
// naming convention "{subject}.{action}.{phase}" is load-bearing here —
// cross-cutting listeners subscribe to forms like "*.*.requested".
func Match(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(eventType, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
