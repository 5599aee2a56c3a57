// Package ics implements calendar.Client on local .ics files, one file per
// destination calendar. It backs development and test deployments where no
// remote calendar service is available.
package ics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/calendar"
	"calsync/internal/config"
	"calsync/internal/model"
)

// Mailbox stores calendars as .ics files under a directory. Every call reads
// and rewrites the whole file, so it suits small calendars only.
type Mailbox struct {
	dir string
	loc *time.Location
	now func() time.Time

	mu sync.Mutex
}

var _ calendar.Client = (*Mailbox)(nil)

// New returns a Mailbox rooted at dir, creating it if needed. loc is used
// for floating and all-day values.
func New(dir string, loc *time.Location) (*Mailbox, error) {
	if dir == "" {
		return nil, errors.New("ics: mailbox dir is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ics: create mailbox dir: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Mailbox{dir: dir, loc: loc, now: time.Now}, nil
}

// Path returns the file backing cal.
func (m *Mailbox) Path(cal string) string {
	return filepath.Join(m.dir, url.PathEscape(cal)+".ics")
}

func (m *Mailbox) ListEvents(ctx context.Context, cal string, start, end time.Time) ([]model.ExternalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := m.load(cal)
	if err != nil {
		return nil, &calendar.Error{Kind: calendar.KindTransient, Op: "list", Calendar: cal, Err: err}
	}
	var out []model.ExternalEvent
	for _, ev := range events {
		if ev.End.Before(start) || ev.Start.After(end) {
			continue
		}
		out = append(out, m.external(cal, ev))
	}
	return out, nil
}

func (m *Mailbox) CreateEvent(ctx context.Context, cal string, p calendar.Payload) (model.ExternalEvent, error) {
	if err := validate(p); err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindValidation, Op: "create", Calendar: cal, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := m.load(cal)
	if err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindTransient, Op: "create", Calendar: cal, Err: err}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindTransient, Op: "create", Calendar: cal, Err: err}
	}
	ev := fromPayload(id.String(), 0, p)
	events = append(events, ev)
	if err := m.save(cal, events); err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindTransient, Op: "create", Calendar: cal, ExternalID: ev.UID, Err: err}
	}
	return m.external(cal, ev), nil
}

func (m *Mailbox) UpdateEvent(ctx context.Context, cal, externalID string, p calendar.Payload) (model.ExternalEvent, error) {
	if err := validate(p); err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindValidation, Op: "update", Calendar: cal, ExternalID: externalID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := m.load(cal)
	if err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindTransient, Op: "update", Calendar: cal, ExternalID: externalID, Err: err}
	}
	i := indexOf(events, externalID)
	if i < 0 {
		return model.ExternalEvent{}, calendar.Errorf(calendar.KindNotFound, "update", cal, externalID, "no such event")
	}
	events[i] = fromPayload(externalID, events[i].Seq+1, p)
	if err := m.save(cal, events); err != nil {
		return model.ExternalEvent{}, &calendar.Error{Kind: calendar.KindTransient, Op: "update", Calendar: cal, ExternalID: externalID, Err: err}
	}
	return m.external(cal, events[i]), nil
}

func (m *Mailbox) DeleteEvent(ctx context.Context, cal, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := m.load(cal)
	if err != nil {
		return &calendar.Error{Kind: calendar.KindTransient, Op: "delete", Calendar: cal, ExternalID: externalID, Err: err}
	}
	i := indexOf(events, externalID)
	if i < 0 {
		return calendar.Errorf(calendar.KindNotFound, "delete", cal, externalID, "no such event")
	}
	events = append(events[:i], events[i+1:]...)
	if err := m.save(cal, events); err != nil {
		return &calendar.Error{Kind: calendar.KindTransient, Op: "delete", Calendar: cal, ExternalID: externalID, Err: err}
	}
	return nil
}

func (m *Mailbox) load(cal string) ([]mailboxEvent, error) {
	body, err := os.ReadFile(m.Path(cal))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	events, err := parseMailbox(cal, body, m.loc)
	if err != nil {
		return nil, fmt.Errorf("parse mailbox: %w", err)
	}
	return events, nil
}

func (m *Mailbox) save(cal string, events []mailboxEvent) error {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].UID < events[j].UID
	})
	body := render(cal, events, m.now())
	return config.WriteFileAtomic(m.Path(cal), []byte(body), ".mailbox-*.ics")
}

func (m *Mailbox) external(cal string, ev mailboxEvent) model.ExternalEvent {
	return model.ExternalEvent{
		ExternalID: ev.UID,
		ChangeKey:  strconv.Itoa(ev.Seq),
		WebLink:    "file://" + filepath.ToSlash(m.Path(cal)) + "#" + ev.UID,
		Subject:    ev.Summary,
		Start:      ev.Start,
		End:        ev.End,
		Location:   ev.Location,
		Categories: ev.Categories,
	}
}

func validate(p calendar.Payload) error {
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("subject is empty")
	}
	if p.Start.IsZero() || p.End.IsZero() || p.End.Before(p.Start) {
		return errors.New("invalid start/end")
	}
	return nil
}

func fromPayload(uid string, seq int, p calendar.Payload) mailboxEvent {
	start, end := p.Start, p.End
	if p.TimeZone != "" {
		if loc, err := time.LoadLocation(p.TimeZone); err == nil {
			start, end = start.In(loc), end.In(loc)
		}
	}
	return mailboxEvent{
		UID:         uid,
		Seq:         seq,
		Summary:     p.Subject,
		Description: p.BodyHTML,
		Location:    p.Location,
		Categories:  append([]string(nil), p.Categories...),
		Start:       start,
		End:         end,
		AllDay:      p.IsAllDay,
		Transparent: p.ShowAs == calendar.ShowAsFree,
		Tentative:   p.ShowAs == calendar.ShowAsTentative,
	}
}

func indexOf(events []mailboxEvent, uid string) int {
	for i := range events {
		if events[i].UID == uid {
			return i
		}
	}
	return -1
}
