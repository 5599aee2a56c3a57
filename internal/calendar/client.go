// Package calendar defines the client abstraction used to read and mutate
// destination calendars, and the error taxonomy every backend maps onto.
package calendar

import (
	"context"
	"time"

	"calsync/internal/model"
)

// ShowAs is the free/busy presence of an event.
type ShowAs string

const (
	ShowAsFree      ShowAs = "free"
	ShowAsBusy      ShowAs = "busy"
	ShowAsTentative ShowAs = "tentative"
)

// Payload is the content written to a remote event on create or update.
type Payload struct {
	Subject string
	// BodyHTML is the description with the "view in system" link appended.
	BodyHTML string
	// Start / End carry the business timezone in their Location.
	Start      time.Time
	End        time.Time
	TimeZone   string
	Location   string
	Categories []string
	IsAllDay   bool
	ShowAs     ShowAs
}

// Client lists and mutates events in named calendars. Implementations block
// per call and own their network timeout/retry policy.
type Client interface {
	ListEvents(ctx context.Context, calendar string, start, end time.Time) ([]model.ExternalEvent, error)
	CreateEvent(ctx context.Context, calendar string, p Payload) (model.ExternalEvent, error)
	UpdateEvent(ctx context.Context, calendar, externalID string, p Payload) (model.ExternalEvent, error)
	DeleteEvent(ctx context.Context, calendar, externalID string) error
}
