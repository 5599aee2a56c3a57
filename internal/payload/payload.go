// Package payload turns a normalized event into the content written to a
// destination calendar: subject, HTML body with a link back to the system,
// augmented categories, local start/end and presence.
package payload

import (
	"html"
	"strconv"
	"strings"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/identity"
	"calsync/internal/model"
	"calsync/internal/route"
	"calsync/internal/source"
)

// Builder builds payloads for one deployment.
type Builder struct {
	router    route.Router
	loc       *time.Location
	systemURL string
	augment   AugmentOptions
}

// NewBuilder returns a Builder. systemURL is the base of "view in system"
// links; public and board configure category augmentation.
func NewBuilder(router route.Router, loc *time.Location, systemURL string, public []string, board string) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{
		router:    router,
		loc:       loc,
		systemURL: strings.TrimRight(systemURL, "/"),
		augment:   AugmentOptions{Public: public, Board: board},
	}
}

// Build returns the payload for ev's copy in calendar.
func (b *Builder) Build(ev model.NormalizedEvent, cal string) (calendar.Payload, error) {
	if err := source.Validate(ev); err != nil {
		return calendar.Payload{}, err
	}

	start, end, allDay := b.LocalSpan(ev)

	opts := b.augment
	opts.SuppressPublic = cal == b.router.Calendars().Primary && b.router.InBothSchools(ev)

	return calendar.Payload{
		Subject:    ev.Name,
		BodyHTML:   b.Body(ev),
		Start:      start,
		End:        end,
		TimeZone:   b.loc.String(),
		Location:   ev.Location,
		Categories: AugmentCategories(ev.Categories, ev.ColourCategory, ev.DisplayPublic, ev.Approved, ev.PushPublic, opts),
		IsAllDay:   allDay,
		ShowAs:     ShowAsFor(ev, b.loc),
	}, nil
}

// LocalSpan converts ev into the business timezone. All-day spans start at
// midnight, and an end landing on 23:59 moves to 00:00 the next day.
func (b *Builder) LocalSpan(ev model.NormalizedEvent) (time.Time, time.Time, bool) {
	start, end := ev.StartUTC.In(b.loc), ev.EndUTC.In(b.loc)
	allDay := ev.IsAllDay || identity.IsAllDay(start, end)
	if !allDay {
		return start, end, false
	}
	first, last := identity.AllDayDates(start, end)
	start = time.Date(first.Year, first.Month, first.Day, 0, 0, 0, 0, b.loc)
	end = time.Date(last.Year, last.Month, last.Day+1, 0, 0, 0, 0, b.loc)
	return start, end, true
}

// Body returns the HTML body: the description followed by a link back to
// the entity in the system.
func (b *Builder) Body(ev model.NormalizedEvent) string {
	var sb strings.Builder
	if d := strings.TrimSpace(ev.Description); d != "" {
		sb.WriteString(d)
		sb.WriteString("<br><br>")
	}
	link := b.systemURL + "/" + string(ev.EntityType.RecordType()) + "/" + strconv.FormatInt(ev.ID, 10)
	sb.WriteString(`<a href="` + html.EscapeString(link) + `">View in system</a>`)
	return sb.String()
}

// ShowAsFor returns tentative for unapproved events, free for approved events
// spanning more than one day, and busy otherwise. Assessments always count
// as approved.
func ShowAsFor(ev model.NormalizedEvent, loc *time.Location) calendar.ShowAs {
	approved := ev.Approved || ev.EntityType == model.EntityAssessment
	if !approved {
		return calendar.ShowAsTentative
	}
	start, end := ev.StartUTC.In(loc), ev.EndUTC.In(loc)
	allDay := ev.IsAllDay || identity.IsAllDay(start, end)
	if identity.SpanDays(start, end, allDay) > 1 {
		return calendar.ShowAsFree
	}
	return calendar.ShowAsBusy
}
