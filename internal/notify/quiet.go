package notify

import (
	"time"

	"github.com/taskline/taskline/internal/database"
)

// QuietWindow is a daily time-of-day window during which non-urgent sends
// are suppressed. Start and End are zero-padded "HH:MM" strings; the
// comparison below deliberately relies on their lexicographic ordering,
// which the config layer validates at setup time.
type QuietWindow struct {
	Start string
	End   string
}

// WindowFor returns the integration's configured quiet window.
func WindowFor(integ *database.Integration) QuietWindow {
	return QuietWindow{Start: integ.QuietStart, End: integ.QuietEnd}
}

// Configured reports whether both bounds are set. An unconfigured window
// never suppresses.
func (w QuietWindow) Configured() bool {
	return w.Start != "" && w.End != ""
}

// Suppressed reports whether now falls inside the window. A window whose
// start precedes its end is a same-day interval; otherwise it wraps past
// midnight and covers now >= start or now <= end.
func (w QuietWindow) Suppressed(now time.Time) bool {
	if !w.Configured() {
		return false
	}

	hhmm := now.Format("15:04")
	if w.Start < w.End {
		return w.Start <= hhmm && hhmm <= w.End
	}
	return hhmm >= w.Start || hhmm <= w.End
}
