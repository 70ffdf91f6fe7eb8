package calendar

import (
	"strings"

	"golang.org/x/net/html"
)

// BusyTitle is the placeholder for events whose summary the provider
// withheld (private events on shared calendars).
const BusyTitle = "Busy"

// normalizeGoogleEvent flattens a wire event into the uniform shape.
func normalizeGoogleEvent(g googleEvent) Event {
	ev := Event{
		ID:    g.ID,
		Title: g.Summary,
	}
	if ev.Title == "" {
		ev.Title = BusyTitle
	}

	if g.Start != nil {
		if g.Start.Date != "" {
			ev.Start = g.Start.Date
			ev.AllDay = true
		} else {
			ev.Start = g.Start.DateTime
		}
	}
	if g.End != nil {
		if g.End.Date != "" {
			ev.End = g.End.Date
		} else {
			ev.End = g.End.DateTime
		}
	}

	ev.Extended.Description = StripHTML(g.Description)
	for _, a := range g.Attendees {
		ev.Extended.Attendees = append(ev.Extended.Attendees, a.Email)
		if a.Self {
			ev.Extended.ResponseStatus = a.ResponseStatus
		}
	}
	if len(g.Recurrence) > 0 {
		ev.Extended.Recurrence = g.Recurrence[0]
	}
	ev.Extended.ConferenceLink = g.HangoutLink

	return ev
}

// StripHTML reduces markup-laden descriptions to plain text. Providers
// commonly store rich-text descriptions as HTML fragments; the model
// only needs the text.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			b.Write(tokenizer.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimSpace(b.String())
}
