package sync

import (
	"strings"

	"github.com/AniOM76/om76-mcss/internal/calendar"
)

// Marker is the product tag stamped into generated block event descriptions.
const Marker = "OM76.MCSS"

var blockCompanionTokens = []string{"calendar", "om76", "mcss"}

// IsBlockEvent reports whether the event is a generated placeholder rather
// than a genuine user event. It must be evaluated before any event is queued
// so that placeholders never re-trigger fan-out.
//
// The stamped marker property is checked exactly first; the title and
// description heuristics remain as a fallback for placeholders created before
// the marker existed. Events with neither title nor description classify as
// genuine and propagate by default.
func IsBlockEvent(event calendar.Event, sourceAlias string) bool {
	if event.HasMarker() {
		return true
	}

	if event.Summary != "" {
		summary := strings.ToLower(event.Summary)
		if strings.Contains(summary, "block") {
			for _, token := range blockCompanionTokens {
				if strings.Contains(summary, token) {
					return true
				}
			}
			alias := strings.ToLower(strings.TrimSpace(sourceAlias))
			if alias != "" && strings.Contains(summary, alias) {
				return true
			}
		}
	}

	return strings.Contains(event.Description, Marker)
}
