package calendar

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/almanac-ai/almanac/internal/config"
	"github.com/almanac-ai/almanac/internal/httpkit"
)

// CalDAVProvider stores events on a CalDAV server. Credentials come
// from configuration, so the session token is ignored. Event
// identifiers are iCalendar UIDs; object hrefs are derived as
// <calendar path>/<uid>.ics, which matches how the provider itself
// names the objects it creates.
type CalDAVProvider struct {
	client       *caldav.Client
	calendarPath string
}

// NewCalDAVProvider connects to the configured CalDAV endpoint.
func NewCalDAVProvider(cfg config.CalDAVConfig) (*CalDAVProvider, error) {
	opts := []httpkit.ClientOption{httpkit.WithTimeout(30 * time.Second)}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	var hc webdav.HTTPClient = httpkit.NewClient(opts...)
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	return &CalDAVProvider{
		client:       client,
		calendarPath: cfg.CalendarPath,
	}, nil
}

// List queries VEVENTs overlapping [start, end).
func (p *CalDAVProvider) List(ctx context.Context, _, calendarID string, start, end time.Time) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objs, err := p.client.QueryCalendar(ctx, p.path(calendarID), query)
	if err != nil {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	var events []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			events = append(events, normalizeICalEvent(ve))
		}
	}
	return events, nil
}

// Insert creates a new VEVENT object.
func (p *CalDAVProvider) Insert(ctx context.Context, _, calendarID string, data *EventData) (*Event, error) {
	uid := uuid.New().String()

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	applyICalFields(ev, data)

	cal := newICalContainer(ev)
	if _, err := p.client.PutCalendarObject(ctx, p.objectPath(calendarID, uid), cal); err != nil {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	out := normalizeICalEvent(*ev)
	return &out, nil
}

// Update fetches the existing object, applies the provided fields, and
// writes it back. Fields absent from data are preserved.
func (p *CalDAVProvider) Update(ctx context.Context, _, calendarID, eventID string, data *EventData) (*Event, error) {
	href := p.objectPath(calendarID, eventID)
	obj, err := p.client.GetCalendarObject(ctx, href)
	if err != nil {
		return nil, &ProviderError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("event %s: %v", eventID, err)}
	}
	if obj.Data == nil || len(obj.Data.Events()) == 0 {
		return nil, &ProviderError{StatusCode: http.StatusNotFound, Message: "object holds no event: " + eventID}
	}

	ev := obj.Data.Events()[0]
	applyICalFields(&ev, data)
	ev.Props.SetDateTime(ical.PropLastModified, time.Now().UTC())

	cal := newICalContainer(&ev)
	if _, err := p.client.PutCalendarObject(ctx, href, cal); err != nil {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	out := normalizeICalEvent(ev)
	return &out, nil
}

// Delete removes the event object.
func (p *CalDAVProvider) Delete(ctx context.Context, _, calendarID, eventID string) error {
	if err := p.client.RemoveAll(ctx, p.objectPath(calendarID, eventID)); err != nil {
		return &ProviderError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	return nil
}

// TimeZone is unsupported on CalDAV; the configured default applies.
func (p *CalDAVProvider) TimeZone(ctx context.Context, _, _ string) (string, error) {
	return "", nil
}

// path maps a calendar id to the server path. The configured path wins;
// otherwise the id itself is treated as a path.
func (p *CalDAVProvider) path(calendarID string) string {
	if p.calendarPath != "" {
		return p.calendarPath
	}
	return calendarID
}

func (p *CalDAVProvider) objectPath(calendarID, uid string) string {
	return path.Join(p.path(calendarID), uid+".ics")
}

// newICalContainer wraps a single event in a VCALENDAR.
func newICalContainer(ev *ical.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//almanac//calendar//EN")
	cal.Children = append(cal.Children, ev.Component)
	return cal
}

// applyICalFields writes the non-zero writable fields onto the event.
func applyICalFields(ev *ical.Event, data *EventData) {
	if data.Summary != "" {
		ev.Props.SetText(ical.PropSummary, data.Summary)
	}
	if data.Description != "" {
		ev.Props.SetText(ical.PropDescription, data.Description)
	}
	setICalTime(ev, ical.PropDateTimeStart, data.Start)
	setICalTime(ev, ical.PropDateTimeEnd, data.End)
	if data.Recurrence != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = strings.TrimPrefix(data.Recurrence, "RRULE:")
		ev.Props.Set(prop)
	}
	for _, a := range data.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + a
		ev.Props.Add(prop)
	}
}

// setICalTime writes one event boundary, using a DATE value for all-day
// forms and a UTC DATE-TIME otherwise.
func setICalTime(ev *ical.Event, name string, t *EventTime) {
	if t == nil {
		return
	}
	if t.Date != "" {
		prop := ical.NewProp(name)
		prop.SetValueType(ical.ValueDate)
		prop.Value = strings.ReplaceAll(t.Date, "-", "")
		ev.Props.Set(prop)
		return
	}
	if t.DateTime == "" {
		return
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return
	}
	ev.Props.SetDateTime(name, parsed.UTC())
}

// normalizeICalEvent flattens a VEVENT into the uniform shape.
func normalizeICalEvent(ev ical.Event) Event {
	out := Event{Title: BusyTitle}

	if uid, err := ev.Props.Text(ical.PropUID); err == nil {
		out.ID = uid
	}
	if summary, err := ev.Props.Text(ical.PropSummary); err == nil && summary != "" {
		out.Title = summary
	}
	if desc, err := ev.Props.Text(ical.PropDescription); err == nil {
		out.Extended.Description = StripHTML(desc)
	}

	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		out.AllDay = prop.ValueType() == ical.ValueDate
	}
	if start, err := ev.DateTimeStart(time.UTC); err == nil && !start.IsZero() {
		out.Start = formatICalTime(start, out.AllDay)
	}
	if end, err := ev.DateTimeEnd(time.UTC); err == nil && !end.IsZero() {
		out.End = formatICalTime(end, out.AllDay)
	}

	if prop := ev.Props.Get(ical.PropRecurrenceRule); prop != nil {
		out.Extended.Recurrence = "RRULE:" + prop.Value
	}
	for _, prop := range ev.Props.Values(ical.PropAttendee) {
		out.Extended.Attendees = append(out.Extended.Attendees,
			strings.TrimPrefix(prop.Value, "mailto:"))
	}
	if link, err := ev.Props.Text(ical.PropURL); err == nil {
		out.Extended.ConferenceLink = link
	}

	return out
}

func formatICalTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
