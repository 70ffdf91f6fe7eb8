package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/almanac-ai/almanac/internal/args"
	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/calendar"
	"github.com/almanac-ai/almanac/internal/contacts"
	"github.com/almanac-ai/almanac/internal/gate"
	"github.com/almanac-ai/almanac/internal/invite"
)

// Result is the outcome of one tool call. Output goes back to the
// model verbatim as the tool result; DidMutate drives side-effect
// accounting only, never correctness gating.
type Result struct {
	Output    string
	IsError   bool
	DidMutate bool
}

// errorResult formats a failure for the model. The loop never sees a
// Go error from Execute: every failure becomes a result the model can
// read and adapt to.
func errorResult(err error) Result {
	return Result{Output: "Error: " + err.Error(), IsError: true}
}

// Dispatcher executes named tool calls against the calendar provider.
type Dispatcher struct {
	provider        calendar.Provider
	book            *contacts.Book
	mailer          *invite.Mailer
	defaultCalendar string
	defaultZone     string
	logger          *slog.Logger
}

// NewDispatcher wires the dispatcher to its collaborators. book and
// mailer may be nil; attendee resolution and invitations degrade
// gracefully without them.
func NewDispatcher(provider calendar.Provider, book *contacts.Book, mailer *invite.Mailer, defaultCalendar, defaultZone string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultCalendar == "" {
		defaultCalendar = "primary"
	}
	return &Dispatcher{
		provider:        provider,
		book:            book,
		mailer:          mailer,
		defaultCalendar: defaultCalendar,
		defaultZone:     defaultZone,
		logger:          logger.With("component", "tools"),
	}
}

// Execute runs one named tool call for the session. It never returns a
// Go error: unsupported names, malformed arguments, and provider
// rejections all come back as error results so one failing call cannot
// abort the remaining calls in a round.
func (d *Dispatcher) Execute(ctx context.Context, session *auth.Session, name, rawArgs string) Result {
	a := args.Parse(rawArgs)

	start := time.Now()
	var res Result
	switch name {
	case gate.ToolGetCalendar:
		res = d.getCalendar(ctx, session, a)
	case gate.ToolScheduleEvent:
		res = d.scheduleEvent(ctx, session, a)
	case gate.ToolEditEvent:
		res = d.editEvent(ctx, session, a)
	case gate.ToolDeleteEvent:
		res = d.deleteEvent(ctx, session, a)
	default:
		res = errorResult(&ErrUnsupportedTool{ToolName: name})
	}

	d.logger.Debug("tool executed",
		"tool", name,
		"ok", !res.IsError,
		"mutated", res.DidMutate,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (d *Dispatcher) calendarID(a map[string]any) string {
	if id := args.String(a, "calendarId"); id != "" {
		return id
	}
	return d.defaultCalendar
}

// getCalendar lists events in [start, end). Read-only: never flips the
// mutation flag, even on success.
func (d *Dispatcher) getCalendar(ctx context.Context, session *auth.Session, a map[string]any) Result {
	start, err := time.Parse(time.RFC3339, args.String(a, "start"))
	if err != nil {
		return errorResult(fmt.Errorf("get_calendar requires a valid RFC 3339 start: %w", err))
	}
	end, err := time.Parse(time.RFC3339, args.String(a, "end"))
	if err != nil {
		return errorResult(fmt.Errorf("get_calendar requires a valid RFC 3339 end: %w", err))
	}

	events, err := d.provider.List(ctx, session.AccessToken, d.calendarID(a), start, end)
	if err != nil {
		return errorResult(err)
	}

	if len(events) == 0 {
		return Result{Output: "No events in this window."}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return errorResult(fmt.Errorf("encode events: %w", err))
	}
	return Result{Output: string(payload)}
}

// scheduleEvent creates an event. The effective time zone is the
// explicit argument, else the primary calendar's configured zone, else
// the fixed default.
func (d *Dispatcher) scheduleEvent(ctx context.Context, session *auth.Session, a map[string]any) Result {
	summary := args.String(a, "summary")
	if summary == "" {
		return errorResult(errors.New("schedule_event requires a summary"))
	}

	allDay := args.Bool(a, "allDay")
	zone := d.effectiveZone(ctx, session, a)

	startField, err := eventTime(args.String(a, "start"), allDay, zone)
	if err != nil {
		return errorResult(fmt.Errorf("schedule_event start: %w", err))
	}
	endField, err := eventTime(args.String(a, "end"), allDay, zone)
	if err != nil {
		return errorResult(fmt.Errorf("schedule_event end: %w", err))
	}

	attendees := d.resolveAttendees(args.Strings(a, "attendees"))
	// The caller belongs on their own invitation when others are invited.
	if len(attendees) > 0 && session.Email != "" && !containsFold(attendees, session.Email) {
		attendees = append(attendees, session.Email)
	}

	data := &calendar.EventData{
		Summary:     summary,
		Description: args.String(a, "description"),
		Start:       startField,
		End:         endField,
		Attendees:   attendees,
		Recurrence:  args.String(a, "recurrence"),
	}
	if minutes, ok := args.Int(a, "reminderMinutes"); ok {
		data.ReminderMinutes = &minutes
	}

	created, err := d.provider.Insert(ctx, session.AccessToken, d.calendarID(a), data)
	if err != nil {
		return errorResult(err)
	}

	d.sendInvitation(ctx, session, created, data)

	payload, _ := json.Marshal(created)
	return Result{Output: string(payload), DidMutate: true}
}

// editEvent applies a partial update. Absent fields stay untouched on
// the provider side.
func (d *Dispatcher) editEvent(ctx context.Context, session *auth.Session, a map[string]any) Result {
	eventID := args.String(a, "eventId")
	if eventID == "" {
		return errorResult(errors.New("edit_event requires an eventId"))
	}

	allDay := args.Bool(a, "allDay")
	zone := d.effectiveZone(ctx, session, a)

	data := &calendar.EventData{
		Summary:     args.String(a, "summary"),
		Description: args.String(a, "description"),
	}
	if raw := args.String(a, "start"); raw != "" {
		field, err := eventTime(raw, allDay, zone)
		if err != nil {
			return errorResult(fmt.Errorf("edit_event start: %w", err))
		}
		data.Start = field
	}
	if raw := args.String(a, "end"); raw != "" {
		field, err := eventTime(raw, allDay, zone)
		if err != nil {
			return errorResult(fmt.Errorf("edit_event end: %w", err))
		}
		data.End = field
	}

	updated, err := d.provider.Update(ctx, session.AccessToken, d.calendarID(a), eventID, data)
	if err != nil {
		return errorResult(err)
	}

	payload, _ := json.Marshal(updated)
	return Result{Output: string(payload), DidMutate: true}
}

func (d *Dispatcher) deleteEvent(ctx context.Context, session *auth.Session, a map[string]any) Result {
	eventID := args.String(a, "eventId")
	if eventID == "" {
		return errorResult(errors.New("delete_event requires an eventId"))
	}

	if err := d.provider.Delete(ctx, session.AccessToken, d.calendarID(a), eventID); err != nil {
		return errorResult(err)
	}

	return Result{
		Output:    fmt.Sprintf(`{"deleted": %q}`, eventID),
		DidMutate: true,
	}
}

// effectiveZone resolves the time zone for event fields: explicit
// argument, else the calendar's own zone, else the configured default.
func (d *Dispatcher) effectiveZone(ctx context.Context, session *auth.Session, a map[string]any) string {
	if zone := args.String(a, "timeZone"); zone != "" {
		return zone
	}
	if zone, err := d.provider.TimeZone(ctx, session.AccessToken, d.defaultCalendar); err == nil && zone != "" {
		return zone
	}
	return d.defaultZone
}

// resolveAttendees maps names through the address book; references
// that resolve to nothing are dropped.
func (d *Dispatcher) resolveAttendees(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if email := d.book.Resolve(ref); email != "" {
			out = append(out, email)
		} else {
			d.logger.Debug("attendee not resolvable", "ref", ref)
		}
	}
	return out
}

// sendInvitation emails attendees after a successful insert.
// Best-effort: the event already exists, so a mail failure is logged,
// never surfaced as a tool error.
func (d *Dispatcher) sendInvitation(ctx context.Context, session *auth.Session, created *calendar.Event, data *calendar.EventData) {
	if !d.mailer.Enabled() || len(data.Attendees) == 0 {
		return
	}

	start, end, ok := invitationWindow(data)
	if !ok {
		return
	}
	err := d.mailer.Send(ctx, invite.Invitation{
		EventID:     created.ID,
		Summary:     data.Summary,
		Description: data.Description,
		Start:       start,
		End:         end,
		AllDay:      created.AllDay,
		Organizer:   session.Email,
		Attendees:   data.Attendees,
	})
	if err != nil {
		d.logger.Warn("invitation delivery failed", "event", created.ID, "error", err)
	}
}

// invitationWindow recovers concrete times from the writable fields.
func invitationWindow(data *calendar.EventData) (time.Time, time.Time, bool) {
	parse := func(t *calendar.EventTime) (time.Time, bool) {
		if t == nil {
			return time.Time{}, false
		}
		if t.Date != "" {
			parsed, err := time.Parse("2006-01-02", t.Date)
			return parsed, err == nil
		}
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		return parsed, err == nil
	}
	start, ok := parse(data.Start)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	end, ok := parse(data.End)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// eventTime builds one event boundary from a raw argument. All-day
// events carry a bare date; timed events carry an RFC 3339 instant
// tagged with the effective zone.
func eventTime(raw string, allDay bool, zone string) (*calendar.EventTime, error) {
	if raw == "" {
		return nil, errors.New("missing timestamp")
	}
	if allDay {
		date := raw
		if len(date) > 10 {
			date = date[:10]
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("invalid date %q", raw)
		}
		return &calendar.EventTime{Date: date}, nil
	}
	if _, err := time.Parse(time.RFC3339, raw); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", raw)
	}
	return &calendar.EventTime{DateTime: raw, TimeZone: zone}, nil
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
