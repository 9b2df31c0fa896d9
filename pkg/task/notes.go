package task

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// noteLocales are the locales with a known timestamp layout. The first entry
// is the fallback when nothing matches.
var noteLocales = []language.Tag{
	language.AmericanEnglish,
	language.BritishEnglish,
	language.MustParse("en-SG"),
	language.German,
	language.French,
	language.Japanese,
}

var noteLayouts = []string{
	"1/2/2006, 3:04:05 PM",
	"02/01/2006, 15:04:05",
	"2/1/2006, 3:04:05 pm",
	"2.1.2006, 15:04:05",
	"02/01/2006 15:04:05",
	"2006/1/2 15:04:05",
}

var noteMatcher = language.NewMatcher(noteLocales)

// NoteComposer renders audit-log entries for a task's note history.
type NoteComposer struct {
	layout string
	loc    *time.Location
	now    func() time.Time
}

// NewNoteComposer returns a composer whose timestamps follow the given BCP 47
// locale (e.g. "en-US", "en-SG"). Unsupported locales fall back to en-US.
func NewNoteComposer(locale string) (*NoteComposer, error) {
	c := &NoteComposer{layout: noteLayouts[0], loc: time.Local, now: time.Now}
	if locale == "" {
		return c, nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("parse note locale %q: %w", locale, err)
	}
	_, idx, _ := noteMatcher.Match(tag)
	c.layout = noteLayouts[idx]
	return c, nil
}

// WithClock returns a copy of c that reads the time from now in loc.
func (c *NoteComposer) WithClock(now func() time.Time, loc *time.Location) *NoteComposer {
	cp := *c
	cp.now = now
	if loc != nil {
		cp.loc = loc
	}
	return &cp
}

// Entry renders a single log entry. Every entry starts with a newline so that
// prepending keeps entries on separate lines.
func (c *NoteComposer) Entry(principal string, state State, text string) string {
	ts := c.now().In(c.loc).Format(c.layout)
	return fmt.Sprintf("\n[%s] (%s - %s): %s", ts, principal, state, text)
}

// Append adds a new entry in front of the existing log. The existing log is
// always preserved as a suffix of the result.
func (c *NoteComposer) Append(existing, principal string, state State, text string) string {
	return c.Entry(principal, state, text) + existing
}
