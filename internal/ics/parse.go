package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
)

// mailboxEvent is the stored form of one VEVENT in a mailbox file.
type mailboxEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	Categories  []string

	Start  time.Time
	End    time.Time
	AllDay bool

	Transparent bool
	Tentative   bool
}

// parseMailbox parses a mailbox file body. Floating and all-day values are
// read in loc. Malformed events are logged and skipped.
func parseMailbox(name string, body []byte, loc *time.Location) ([]mailboxEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", name)
		return nil, err
	}

	events := make([]mailboxEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "calendar", name)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "calendar", name, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (mailboxEvent, error) {
	var out mailboxEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		if p.Value != "" {
			out.Categories = append(out.Categories, p.Value)
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil {
		out.Transparent = strings.EqualFold(p.Value, string(ical.TransparencyTransparent))
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Tentative = strings.EqualFold(p.Value, string(ical.ObjectStatusTentative))
	}

	start, allDay, err := timeProp(ve, ical.ComponentPropertyDtStart, loc)
	if err != nil {
		return out, err
	}
	end, _, err := timeProp(ve, ical.ComponentPropertyDtEnd, loc)
	if err != nil {
		return out, err
	}
	out.Start, out.End, out.AllDay = start, end, allDay
	return out, nil
}

// timeProp reads a DATE or DATE-TIME property, honouring TZID. It reports
// whether the value was a DATE.
func timeProp(ve *ical.VEvent, prop ical.ComponentProperty, loc *time.Location) (time.Time, bool, error) {
	p := ve.GetProperty(prop)
	if p == nil {
		return time.Time{}, false, errors.New("missing " + string(prop))
	}

	propLoc := loc
	if params := p.ICalParameters; params != nil {
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			l, err := time.LoadLocation(tzs[0])
			if err != nil {
				return time.Time{}, false, err
			}
			propLoc = l
		}
	}

	allDay := !strings.Contains(p.Value, "T")
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
	}

	t, err := parseICSTime(p.Value, propLoc)
	return t, allDay, err
}

// parseICSTime parses a basic ICS date/date-time string. Floating values
// are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, loc)
}

// render serialises events into a fresh VCALENDAR.
func render(name string, events []mailboxEvent, stamp time.Time) string {
	cal := ical.NewCalendarFor("calsync")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(name)

	for _, ev := range events {
		ve := cal.AddEvent(ev.UID)
		ve.SetDtStampTime(stamp)
		ve.SetSequence(ev.Seq)
		ve.SetSummary(ev.Summary)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start)
			ve.SetAllDayEndAt(ev.End)
		} else {
			tz := ev.Start.Location().String()
			ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.Format("20060102T150405"), ical.WithTZID(tz))
			ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.In(ev.Start.Location()).Format("20060102T150405"), ical.WithTZID(tz))
		}
		for _, c := range ev.Categories {
			ve.AddCategory(c)
		}
		if ev.Transparent {
			ve.SetTimeTransparency(ical.TransparencyTransparent)
		} else {
			ve.SetTimeTransparency(ical.TransparencyOpaque)
		}
		if ev.Tentative {
			ve.SetStatus(ical.ObjectStatusTentative)
		} else {
			ve.SetStatus(ical.ObjectStatusConfirmed)
		}
	}
	return cal.Serialize()
}
