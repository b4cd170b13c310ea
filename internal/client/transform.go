package client

import (
	"regexp"
	"strings"
	"time"

	"github.com/studentcorner/corner-chat/internal/chat"
)

// Presentation transforms over the reconciled log. These are pure
// functions of timestamp and content; they carry no state of their own.

// DayGroup is one calendar day's worth of messages.
type DayGroup struct {
	Day      time.Time // midnight at the start of the day, in loc
	Messages []chat.Message
}

// GroupByDay splits an ordered message slice on day boundaries in the
// given location. Input order is preserved within each group.
func GroupByDay(msgs []chat.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DayGroup
	for _, msg := range msgs {
		t := time.UnixMilli(msg.Timestamp).In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day})
		}
		last := len(groups) - 1
		groups[last].Messages = append(groups[last].Messages, msg)
	}
	return groups
}

// Segment is one run of message content: plain text when URL is empty,
// otherwise a link whose Text is what was written and whose URL is where
// it should point.
type Segment struct {
	Text string
	URL  string
}

var urlPattern = regexp.MustCompile(`\b(?:https?://)?(?:www\.)?[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}(?:/\S*)?`)

// Linkify splits content into plain and link segments. Bare domains get an
// https:// prefix in the URL while the visible text stays as written.
func Linkify(content string) []Segment {
	var segments []Segment
	last := 0

	for _, loc := range urlPattern.FindAllStringIndex(content, -1) {
		if loc[0] > last {
			segments = append(segments, Segment{Text: content[last:loc[0]]})
		}

		match := content[loc[0]:loc[1]]
		target := match
		if !strings.HasPrefix(match, "http://") && !strings.HasPrefix(match, "https://") {
			target = "https://" + match
		}
		segments = append(segments, Segment{Text: match, URL: target})
		last = loc[1]
	}

	if last < len(content) {
		segments = append(segments, Segment{Text: content[last:]})
	}
	return segments
}
