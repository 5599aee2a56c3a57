// Package identity derives content identity keys for calendar entries.
//
// The internal store and the remote calendar share no primary key, so an
// entry is identified by a hash of what it looks like: subject, temporal
// signature and location. All-day spans collapse to their covered dates so
// the two all-day encodings hash identically; timed spans use their local
// wall-clock start and end.
//
// A Slot key is the same hash without the location. It lets the planner pair
// an entry whose only change is its location.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"calsync/internal/model"
)

// Domain prefixes keep the two key spaces disjoint.
const (
	domainContent = "calsync/content/v1"
	domainSlot    = "calsync/slot/v1"
)

const localLayout = "2006-01-02T15:04:05"

// Key is a content-derived identity.
type Key string

// Short returns an abbreviated key for logs.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Matcher computes keys in a fixed business timezone.
type Matcher struct {
	loc *time.Location
}

// NewMatcher returns a Matcher for loc. A nil loc means time.Local.
func NewMatcher(loc *time.Location) *Matcher {
	if loc == nil {
		loc = time.Local
	}
	return &Matcher{loc: loc}
}

// Location returns the business timezone.
func (m *Matcher) Location() *time.Location {
	return m.loc
}

// hashWithDomain computes SHA256(domain + 0x00 + field + 0x00 + field ...).
func hashWithDomain(domain string, fields ...string) Key {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, f := range fields {
		h.Write([]byte{0x00})
		h.Write([]byte(f))
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Signature returns the temporal signature of a span. start and end are
// converted into the business timezone first.
func (m *Matcher) Signature(start, end time.Time, allDay bool) string {
	ls, le := start.In(m.loc), end.In(m.loc)
	if allDay || IsAllDay(ls, le) {
		first, last := AllDayDates(ls, le)
		if first == last {
			return "ALLDAY\x1f" + first.String()
		}
		return "ALLDAY\x1f" + first.String() + "\x1f" + last.String()
	}
	return ls.Format(localLayout) + "\x1f" + le.Format(localLayout)
}

// Of returns the content identity key for a span.
func (m *Matcher) Of(subject string, start, end time.Time, allDay bool, location string) Key {
	return hashWithDomain(domainContent, clean(subject), m.Signature(start, end, allDay), clean(location))
}

// SlotOf returns the location-free key for a span.
func (m *Matcher) SlotOf(subject string, start, end time.Time, allDay bool) Key {
	return hashWithDomain(domainSlot, clean(subject), m.Signature(start, end, allDay))
}

// EventKey returns the content identity key of an internal event.
func (m *Matcher) EventKey(ev model.NormalizedEvent) Key {
	return m.Of(ev.Name, ev.StartUTC, ev.EndUTC, ev.IsAllDay, ev.Location)
}

// EventSlot returns the slot key of an internal event.
func (m *Matcher) EventSlot(ev model.NormalizedEvent) Key {
	return m.SlotOf(ev.Name, ev.StartUTC, ev.EndUTC, ev.IsAllDay)
}

// ExternalKey returns the content identity key of a remote event.
func (m *Matcher) ExternalKey(ev model.ExternalEvent) Key {
	return m.Of(ev.Subject, ev.Start, ev.End, false, ev.Location)
}

// ExternalSlot returns the slot key of a remote event.
func (m *Matcher) ExternalSlot(ev model.ExternalEvent) Key {
	return m.SlotOf(ev.Subject, ev.Start, ev.End, false)
}
