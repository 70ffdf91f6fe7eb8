package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/almanac-ai/almanac/internal/httpkit"
)

const googleAPIBase = "https://www.googleapis.com/calendar/v3"

// GoogleProvider talks to a Google Calendar v3 style REST API using the
// session's access token.
type GoogleProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewGoogleProvider creates a provider. baseURL overrides the API
// endpoint (mainly for tests); empty means the public API.
func NewGoogleProvider(baseURL string) *GoogleProvider {
	if baseURL == "" {
		baseURL = googleAPIBase
	}
	return &GoogleProvider{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

// Wire shapes for the events resource.

type googleEventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleAttendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Self           bool   `json:"self,omitempty"`
}

type googleEvent struct {
	ID          string           `json:"id,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Description string           `json:"description,omitempty"`
	Start       *googleEventTime `json:"start,omitempty"`
	End         *googleEventTime `json:"end,omitempty"`
	Attendees   []googleAttendee `json:"attendees,omitempty"`
	Recurrence  []string         `json:"recurrence,omitempty"`
	HangoutLink string           `json:"hangoutLink,omitempty"`
	Reminders   *googleReminders `json:"reminders,omitempty"`
}

type googleReminders struct {
	UseDefault bool                     `json:"useDefault"`
	Overrides  []googleReminderOverride `json:"overrides,omitempty"`
}

type googleReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type googleEventList struct {
	Items []googleEvent `json:"items"`
}

type googleCalendarMeta struct {
	ID       string `json:"id"`
	TimeZone string `json:"timeZone"`
}

type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// List returns normalized events in [start, end) on the calendar.
func (p *GoogleProvider) List(ctx context.Context, token, calendarID string, start, end time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", start.Format(time.RFC3339))
	q.Set("timeMax", end.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")

	var list googleEventList
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), q.Encode())
	if err := p.do(ctx, token, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(list.Items))
	for _, item := range list.Items {
		events = append(events, normalizeGoogleEvent(item))
	}
	return events, nil
}

// Insert creates an event and returns its normalized form.
func (p *GoogleProvider) Insert(ctx context.Context, token, calendarID string, data *EventData) (*Event, error) {
	var created googleEvent
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := p.do(ctx, token, http.MethodPost, path, toGoogleEvent(data), &created); err != nil {
		return nil, err
	}
	ev := normalizeGoogleEvent(created)
	return &ev, nil
}

// Update patches an existing event; fields absent from data stay
// untouched on the provider side.
func (p *GoogleProvider) Update(ctx context.Context, token, calendarID, eventID string, data *EventData) (*Event, error) {
	var updated googleEvent
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := p.do(ctx, token, http.MethodPatch, path, toGoogleEvent(data), &updated); err != nil {
		return nil, err
	}
	ev := normalizeGoogleEvent(updated)
	return &ev, nil
}

// Delete removes an event.
func (p *GoogleProvider) Delete(ctx context.Context, token, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return p.do(ctx, token, http.MethodDelete, path, nil, nil)
}

// TimeZone returns the calendar's configured zone.
func (p *GoogleProvider) TimeZone(ctx context.Context, token, calendarID string) (string, error) {
	var meta googleCalendarMeta
	path := fmt.Sprintf("/calendars/%s", url.PathEscape(calendarID))
	if err := p.do(ctx, token, http.MethodGet, path, nil, &meta); err != nil {
		return "", err
	}
	return meta.TimeZone, nil
}

// do performs one authenticated API call, decoding into out when non-nil.
func (p *GoogleProvider) do(ctx context.Context, token, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseGoogleError(resp)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseGoogleError converts a non-2xx response into a ProviderError,
// keeping whatever structure the error body carried.
func parseGoogleError(resp *http.Response) error {
	body := httpkit.ReadErrorBody(resp.Body, 4096)

	perr := &ProviderError{StatusCode: resp.StatusCode, Message: body}
	var parsed googleErrorBody
	if json.Unmarshal([]byte(body), &parsed) == nil && parsed.Error.Message != "" {
		perr.Message = parsed.Error.Message
		perr.Code = parsed.Error.Status
		for _, e := range parsed.Error.Errors {
			if e.Reason != "" {
				perr.Reasons = append(perr.Reasons, e.Reason)
			}
		}
	}
	return perr
}

// toGoogleEvent converts writable fields to the wire shape. Zero-valued
// fields stay absent so PATCH semantics leave them untouched.
func toGoogleEvent(data *EventData) *googleEvent {
	ev := &googleEvent{
		Summary:     data.Summary,
		Description: data.Description,
	}
	if data.Start != nil {
		ev.Start = &googleEventTime{
			DateTime: data.Start.DateTime,
			Date:     data.Start.Date,
			TimeZone: data.Start.TimeZone,
		}
	}
	if data.End != nil {
		ev.End = &googleEventTime{
			DateTime: data.End.DateTime,
			Date:     data.End.Date,
			TimeZone: data.End.TimeZone,
		}
	}
	for _, a := range data.Attendees {
		ev.Attendees = append(ev.Attendees, googleAttendee{Email: a})
	}
	if data.Recurrence != "" {
		ev.Recurrence = []string{data.Recurrence}
	}
	if data.ReminderMinutes != nil {
		ev.Reminders = &googleReminders{
			Overrides: []googleReminderOverride{
				{Method: "popup", Minutes: *data.ReminderMinutes},
			},
		}
	}
	return ev
}
