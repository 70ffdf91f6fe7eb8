// Package invite emails iCalendar invitations for newly scheduled
// events. Sending is best-effort: the scheduling tool call has already
// succeeded by the time an invitation goes out, so a mail failure is
// logged and swallowed rather than surfaced as a tool error.
package invite

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"

	"github.com/almanac-ai/almanac/internal/config"
)

// Invitation describes one scheduled event to announce.
type Invitation struct {
	EventID     string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Organizer   string
	Attendees   []string
}

// Mailer composes and delivers invitations over SMTP.
type Mailer struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

// NewMailer creates a mailer. It is inert when no SMTP host is
// configured.
func NewMailer(cfg config.SMTPConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger.With("component", "invite")}
}

// Enabled reports whether invitation delivery is configured.
func (m *Mailer) Enabled() bool {
	return m != nil && m.cfg.Host != ""
}

// Send composes the invitation message and delivers it to every
// attendee except the organizer.
func (m *Mailer) Send(ctx context.Context, inv Invitation) error {
	recipients := make([]string, 0, len(inv.Attendees))
	for _, a := range inv.Attendees {
		if !strings.EqualFold(a, inv.Organizer) {
			recipients = append(recipients, a)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	msg, err := Compose(m.cfg.From, recipients, inv)
	if err != nil {
		return fmt.Errorf("compose invitation: %w", err)
	}

	if err := sendMail(ctx, m.cfg, m.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("deliver invitation: %w", err)
	}

	m.logger.Info("invitation sent",
		"event", inv.EventID,
		"summary", inv.Summary,
		"recipients", len(recipients),
	)
	return nil
}

// Compose builds the complete RFC 5322 message: a text/plain summary
// plus a text/calendar REQUEST part carrying the event.
func Compose(from string, to []string, inv Invitation) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject("Invitation: " + inv.Summary)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddrs := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", addr, err)
		}
		toAddrs = append(toAddrs, parsed)
	}
	h.SetAddressList("To", toAddrs)

	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	// Plain text part.
	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := w.CreateSingleInline(textHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	fmt.Fprintf(tw, "You are invited: %s\n%s\n", inv.Summary, formatWindow(inv))
	if inv.Description != "" {
		fmt.Fprintf(tw, "\n%s\n", inv.Description)
	}
	tw.Close()

	// Calendar part.
	ics, err := buildICS(inv)
	if err != nil {
		return nil, fmt.Errorf("build ics: %w", err)
	}
	var calHeader mail.AttachmentHeader
	calHeader.SetContentType("text/calendar", map[string]string{
		"charset": "utf-8",
		"method":  "REQUEST",
	})
	calHeader.SetFilename("invite.ics")
	cw, err := w.CreateAttachment(calHeader)
	if err != nil {
		return nil, fmt.Errorf("create calendar part: %w", err)
	}
	cw.Write(ics)
	cw.Close()

	w.Close()
	return buf.Bytes(), nil
}

// buildICS encodes the invitation as a single-event VCALENDAR.
func buildICS(inv Invitation) ([]byte, error) {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, inv.EventID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetText(ical.PropSummary, inv.Summary)
	if inv.Description != "" {
		ev.Props.SetText(ical.PropDescription, inv.Description)
	}
	if inv.AllDay {
		setDate(ev, ical.PropDateTimeStart, inv.Start)
		setDate(ev, ical.PropDateTimeEnd, inv.End)
	} else {
		ev.Props.SetDateTime(ical.PropDateTimeStart, inv.Start.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeEnd, inv.End.UTC())
	}
	if inv.Organizer != "" {
		prop := ical.NewProp(ical.PropOrganizer)
		prop.Value = "mailto:" + inv.Organizer
		ev.Props.Set(prop)
	}
	for _, a := range inv.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + a
		ev.Props.Add(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//almanac//invite//EN")
	cal.Props.SetText(ical.PropMethod, "REQUEST")
	cal.Children = append(cal.Children, ev.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setDate(ev *ical.Event, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.SetValueType(ical.ValueDate)
	prop.Value = t.Format("20060102")
	ev.Props.Set(prop)
}

func formatWindow(inv Invitation) string {
	if inv.AllDay {
		return fmt.Sprintf("%s to %s (all day)",
			inv.Start.Format("2006-01-02"), inv.End.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s to %s",
		inv.Start.Format(time.RFC1123), inv.End.Format(time.RFC1123))
}
