// Package calendar defines the calendar provider boundary: a uniform
// event shape, the four provider operations, and a structured provider
// error. Two implementations ship: a Google-style REST client and a
// CalDAV client.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event is the normalized event shape handed to the model. Provider
// quirks (date vs dateTime fields, attendee objects, conference
// metadata) are flattened here so tool results look the same regardless
// of backend.
type Event struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	AllDay   bool     `json:"allDay"`
	Extended Extended `json:"extended"`
}

// Extended carries the secondary event properties.
type Extended struct {
	Description    string   `json:"description,omitempty"`
	Attendees      []string `json:"attendees,omitempty"`
	Recurrence     string   `json:"recurrence,omitempty"`
	ConferenceLink string   `json:"conferenceLink,omitempty"`
	ResponseStatus string   `json:"responseStatus,omitempty"`
}

// EventTime is one boundary of an event: either a zoned instant
// (DateTime set) or an all-day date (Date set), never both.
type EventTime struct {
	DateTime string // RFC 3339
	Date     string // YYYY-MM-DD
	TimeZone string // IANA name, optional
}

// EventData is the writable field set for insert and update. On update,
// zero-valued fields are left untouched by the provider.
type EventData struct {
	Summary         string
	Description     string
	Start           *EventTime
	End             *EventTime
	Attendees       []string
	Recurrence      string
	ReminderMinutes *int
}

// Provider is the calendar backend. The token is the session's access
// token; backends with their own credentials ignore it.
type Provider interface {
	List(ctx context.Context, token, calendarID string, start, end time.Time) ([]Event, error)
	Insert(ctx context.Context, token, calendarID string, data *EventData) (*Event, error)
	Update(ctx context.Context, token, calendarID, eventID string, data *EventData) (*Event, error)
	Delete(ctx context.Context, token, calendarID, eventID string) error

	// TimeZone returns the calendar's configured IANA zone, or "" when
	// the backend does not expose one.
	TimeZone(ctx context.Context, token, calendarID string) (string, error)
}

// ProviderError is a rejection from the calendar backend, preserving
// whatever structure the backend offered.
type ProviderError struct {
	StatusCode int
	Code       string
	Reasons    []string
	Message    string
}

// Error renders the human-readable diagnostic returned to the model:
// status code, provider error code, and the reason list when available.
func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "calendar provider rejected the request (HTTP %d", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, ", code %s", e.Code)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, " [reasons: %s]", strings.Join(e.Reasons, ", "))
	}
	return b.String()
}
