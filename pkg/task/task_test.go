package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPromote(t *testing.T) {
	cases := []struct {
		from State
		want State
		ok   bool
	}{
		{Open, Todo, true},
		{Todo, Doing, true},
		{Doing, Done, true},
		{Done, Close, true},
		{Close, "", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			got, ok := Next(tc.from, Promote)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextDemote(t *testing.T) {
	cases := []struct {
		from State
		want State
		ok   bool
	}{
		{Open, "", false},
		{Todo, Open, true},
		{Doing, Todo, true},
		{Done, Doing, true},
		{Close, Done, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			got, ok := Next(tc.from, Demote)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// Every state except the boundaries returns to itself after a move and its
// inverse.
func TestTransitionsRoundTrip(t *testing.T) {
	for _, s := range States {
		if up, ok := Next(s, Promote); ok {
			back, ok := Next(up, Demote)
			require.True(t, ok, "demote from %s", up)
			assert.Equal(t, s, back, "demote(promote(%s))", s)
		} else {
			assert.Equal(t, Close, s)
		}
		if down, ok := Next(s, Demote); ok {
			back, ok := Next(down, Promote)
			require.True(t, ok, "promote from %s", down)
			assert.Equal(t, s, back, "promote(demote(%s))", s)
		} else {
			assert.Equal(t, Open, s)
		}
	}
}

func TestNextUnknownStateHasNoTarget(t *testing.T) {
	_, ok := Next(State("archived"), Promote)
	assert.False(t, ok)
	_, ok = Next(State(""), Demote)
	assert.False(t, ok)
}

func TestParseState(t *testing.T) {
	for _, s := range States {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("todolist")
	assert.Error(t, err)
}

func TestFormatAndParseID(t *testing.T) {
	id := FormatID("ACR", 7)
	assert.Equal(t, "ACR_7", id)

	acr, n, err := ParseID(id)
	require.NoError(t, err)
	assert.Equal(t, "ACR", acr)
	assert.Equal(t, 7, n)

	acr, n, err = ParseID("MY_APP_12")
	require.NoError(t, err)
	assert.Equal(t, "MY_APP", acr)
	assert.Equal(t, 12, n)

	for _, bad := range []string{"", "ACR", "_1", "ACR_", "ACR_x", "ACR_0"} {
		_, _, err := ParseID(bad)
		assert.Error(t, err, "ParseID(%q)", bad)
	}
}

func fixedComposer(t *testing.T, locale string) *NoteComposer {
	t.Helper()
	c, err := NewNoteComposer(locale)
	require.NoError(t, err)
	at := time.Date(2026, 10, 14, 15, 4, 5, 0, time.UTC)
	return c.WithClock(func() time.Time { return at }, time.UTC)
}

func TestNoteEntryFormat(t *testing.T) {
	c := fixedComposer(t, "en-US")
	got := c.Entry("alice", Doing, "looks good")
	assert.Equal(t, "\n[10/14/2026, 3:04:05 PM] (alice - doing): looks good", got)
}

func TestNoteEntryLocales(t *testing.T) {
	cases := []struct {
		locale string
		want   string
	}{
		{"", "10/14/2026, 3:04:05 PM"},
		{"en-US", "10/14/2026, 3:04:05 PM"},
		{"en-GB", "14/10/2026, 15:04:05"},
		{"en-SG", "14/10/2026, 3:04:05 pm"},
		{"de-DE", "14.10.2026, 15:04:05"},
		{"ja", "2026/10/14 15:04:05"},
	}
	for _, tc := range cases {
		t.Run(tc.locale, func(t *testing.T) {
			c := fixedComposer(t, tc.locale)
			got := c.Entry("bob", Open, "x")
			assert.Equal(t, "\n["+tc.want+"] (bob - open): x", got)
		})
	}
}

func TestNewNoteComposerRejectsMalformedLocale(t *testing.T) {
	_, err := NewNoteComposer("not a locale!")
	assert.Error(t, err)
}

func TestAppendPrependsAndKeepsHistory(t *testing.T) {
	c := fixedComposer(t, "en-US")
	log := ""
	for i, text := range []string{"first", "second", "third"} {
		prev := log
		log = c.Append(log, "alice", States[i], text)
		assert.True(t, strings.HasSuffix(log, prev), "old log must be a suffix")
		assert.Greater(t, len(log), len(prev))
	}
	assert.True(t, strings.HasPrefix(log, "\n[10/14/2026, 3:04:05 PM] (alice - doing): third"))
	assert.Equal(t, 3, strings.Count(log, "\n["))
	assert.Less(t, strings.Index(log, "third"), strings.Index(log, "first"))
}
