// Package calendartest provides an in-memory calendar.Client with failure
// injection for tests.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/model"
)

// Op names a client operation for failure injection and call counting.
type Op string

const (
	OpList   Op = "list"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Failure makes matching calls fail with Err. Empty fields match anything.
// Times limits how often it fires; zero means always.
type Failure struct {
	Op         Op
	Calendar   string
	Subject    string
	ExternalID string
	Err        error
	Times      int

	fired int
}

func (f *Failure) matches(op Op, cal, subject, externalID string) bool {
	if f.Times > 0 && f.fired >= f.Times {
		return false
	}
	return (f.Op == "" || f.Op == op) &&
		(f.Calendar == "" || f.Calendar == cal) &&
		(f.Subject == "" || f.Subject == subject) &&
		(f.ExternalID == "" || f.ExternalID == externalID)
}

// Fake stores events per calendar in memory. The zero value is not usable;
// call New.
type Fake struct {
	mu       sync.Mutex
	events   map[string]map[string]model.ExternalEvent
	seq      int
	calls    map[Op]int
	failures []*Failure
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		events: make(map[string]map[string]model.ExternalEvent),
		calls:  make(map[Op]int),
	}
}

var _ calendar.Client = (*Fake)(nil)

// Fail registers a failure.
func (f *Fake) Fail(fl Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, &fl)
}

// ClearFailures removes every registered failure.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
}

// Seed inserts ev as is, assigning an id if it has none. It returns the
// stored event.
func (f *Fake) Seed(cal string, ev model.ExternalEvent) model.ExternalEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ExternalID == "" {
		ev.ExternalID = f.nextID()
	}
	if ev.ChangeKey == "" {
		ev.ChangeKey = f.nextChangeKey()
	}
	f.calendar(cal)[ev.ExternalID] = ev
	return ev
}

// Events returns the events of cal ordered by start then id.
func (f *Fake) Events(cal string) []model.ExternalEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.events[cal])
}

// Calls returns how many times op was invoked, failures included.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[Op]int)
}

func (f *Fake) ListEvents(ctx context.Context, cal string, start, end time.Time) ([]model.ExternalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpList]++
	if err := f.injected(OpList, cal, "", ""); err != nil {
		return nil, err
	}
	var out []model.ExternalEvent
	for _, ev := range sorted(f.events[cal]) {
		if ev.End.Before(start) || ev.Start.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *Fake) CreateEvent(ctx context.Context, cal string, p calendar.Payload) (model.ExternalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpCreate]++
	if err := f.injected(OpCreate, cal, p.Subject, ""); err != nil {
		return model.ExternalEvent{}, err
	}
	ev := fromPayload(f.nextID(), f.nextChangeKey(), p)
	f.calendar(cal)[ev.ExternalID] = ev
	return ev, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, cal, externalID string, p calendar.Payload) (model.ExternalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpUpdate]++
	if err := f.injected(OpUpdate, cal, p.Subject, externalID); err != nil {
		return model.ExternalEvent{}, err
	}
	if _, ok := f.events[cal][externalID]; !ok {
		return model.ExternalEvent{}, calendar.Errorf(calendar.KindNotFound, "update", cal, externalID, "no such event")
	}
	ev := fromPayload(externalID, f.nextChangeKey(), p)
	f.events[cal][externalID] = ev
	return ev, nil
}

func (f *Fake) DeleteEvent(ctx context.Context, cal, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpDelete]++
	subject := f.events[cal][externalID].Subject
	if err := f.injected(OpDelete, cal, subject, externalID); err != nil {
		return err
	}
	if _, ok := f.events[cal][externalID]; !ok {
		return calendar.Errorf(calendar.KindNotFound, "delete", cal, externalID, "no such event")
	}
	delete(f.events[cal], externalID)
	return nil
}

func (f *Fake) injected(op Op, cal, subject, externalID string) error {
	for _, fl := range f.failures {
		if fl.matches(op, cal, subject, externalID) {
			fl.fired++
			return fl.Err
		}
	}
	return nil
}

func (f *Fake) calendar(cal string) map[string]model.ExternalEvent {
	m, ok := f.events[cal]
	if !ok {
		m = make(map[string]model.ExternalEvent)
		f.events[cal] = m
	}
	return m
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("evt-%04d", f.seq)
}

func (f *Fake) nextChangeKey() string {
	f.seq++
	return fmt.Sprintf("ck-%04d", f.seq)
}

func fromPayload(id, changeKey string, p calendar.Payload) model.ExternalEvent {
	return model.ExternalEvent{
		ExternalID: id,
		ChangeKey:  changeKey,
		WebLink:    "https://calendar.test/" + id,
		Subject:    p.Subject,
		Start:      p.Start,
		End:        p.End,
		Location:   p.Location,
		Categories: append([]string(nil), p.Categories...),
	}
}

func sorted(m map[string]model.ExternalEvent) []model.ExternalEvent {
	out := make([]model.ExternalEvent, 0, len(m))
	for _, ev := range m {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}
