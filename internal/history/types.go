// Package history keeps the bounded, most-recent-first log of processed
// notifications.
package history

import (
	"strings"
	"time"

	"notivox/internal/apps"
	"notivox/internal/event"
	"notivox/internal/rules"
)

const timeFormat = "15:04:05 02 Jan"

// Entry is one processed notification. Entries are created at rule-evaluation
// time and mutated once afterwards, when speech completion or interruption
// status becomes known. Mutate only through Log.Update.
type Entry struct {
	// App is the settings snapshot at evaluation time; zero PackageID means
	// the app could not be resolved.
	App apps.App

	Time         string
	Notification event.Notification

	TTSMessage    string
	IgnoreReasons []rules.Reason

	// IsInterrupted is set when the entry was speaking and got cut off. It can
	// only be true for entries whose IgnoreReasons is empty.
	IsInterrupted bool
}

// NewEntry captures a notification and its evaluation outcome.
func NewEntry(app apps.App, n event.Notification, reasons []rules.Reason, msg string) *Entry {
	at := n.PostTime
	if at.IsZero() {
		at = time.Now()
	}
	return &Entry{
		App:           app,
		Time:          at.Format(timeFormat),
		Notification:  n,
		TTSMessage:    msg,
		IgnoreReasons: reasons,
	}
}

// Spoken reports whether the entry was (or is being) spoken.
func (e *Entry) Spoken() bool { return len(e.IgnoreReasons) == 0 }

// LogText renders the display text: the non-empty message fields, one per
// line, in field order.
func (e *Entry) LogText() string {
	var b strings.Builder
	for _, f := range e.Notification.SpeakableFields() {
		if f == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f)
	}
	return b.String()
}

// ReasonsText renders the ignore reasons for display.
func (e *Entry) ReasonsText() string { return rules.ReasonsText(e.IgnoreReasons) }
