// Package google implements calendar.Client on the Google Calendar API.
// Destination calendar names are Google calendar ids.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/calendar"
	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	maxResults = 250 // Google Calendar API max per page

	// categoriesKey holds the JSON category list in private extended
	// properties; Google events have no native categories.
	categoriesKey = "calsync.categories"

	dateLayout = "2006-01-02"
)

// Client talks to Google Calendar.
type Client struct {
	svc *gcal.Service
	loc *time.Location
}

var _ calendar.Client = (*Client)(nil)

// New builds an authenticated client from the OAuth settings. The token file
// must hold a JSON oauth2.Token with a refresh token.
func New(ctx context.Context, cfg config.GoogleConfig, loc *time.Location) (*Client, error) {
	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauthgoogle.Endpoint,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
	svc, err := gcal.NewService(ctx, option.WithTokenSource(oc.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewWithService(svc, loc), nil
}

// NewWithService wraps an existing service.
func NewWithService(svc *gcal.Service, loc *time.Location) *Client {
	if loc == nil {
		loc = time.Local
	}
	return &Client{svc: svc, loc: loc}
}

func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, errors.New("google: token_file is not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("google: read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("google: parse token: %w", err)
	}
	return &tok, nil
}

func (c *Client) ListEvents(ctx context.Context, cal string, start, end time.Time) ([]model.ExternalEvent, error) {
	call := c.svc.Events.List(cal).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(maxResults)

	var out []model.ExternalEvent
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			ev, err := fromEvent(item, c.loc)
			if err != nil {
				appLog.Error("google: skipping unreadable event", err, "calendar", cal, "id", item.Id)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list", cal, "", err)
	}
	return out, nil
}

func (c *Client) CreateEvent(ctx context.Context, cal string, p calendar.Payload) (model.ExternalEvent, error) {
	created, err := c.svc.Events.Insert(cal, toEvent(p)).Context(ctx).Do()
	if err != nil {
		return model.ExternalEvent{}, classify("create", cal, "", err)
	}
	ev, err := fromEvent(created, c.loc)
	if err != nil {
		return model.ExternalEvent{}, calendar.Errorf(calendar.KindPermanent, "create", cal, created.Id, "read created event: %v", err)
	}
	return ev, nil
}

func (c *Client) UpdateEvent(ctx context.Context, cal, externalID string, p calendar.Payload) (model.ExternalEvent, error) {
	updated, err := c.svc.Events.Update(cal, externalID, toEvent(p)).Context(ctx).Do()
	if err != nil {
		return model.ExternalEvent{}, classify("update", cal, externalID, err)
	}
	ev, err := fromEvent(updated, c.loc)
	if err != nil {
		return model.ExternalEvent{}, calendar.Errorf(calendar.KindPermanent, "update", cal, externalID, "read updated event: %v", err)
	}
	return ev, nil
}

func (c *Client) DeleteEvent(ctx context.Context, cal, externalID string) error {
	if err := c.svc.Events.Delete(cal, externalID).Context(ctx).Do(); err != nil {
		return classify("delete", cal, externalID, err)
	}
	return nil
}

// classify maps transport errors onto calendar error kinds.
func classify(op, cal, externalID string, err error) error {
	kind := calendar.KindPermanent

	var apiErr *googleapi.Error
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Code == http.StatusNotFound, apiErr.Code == http.StatusGone:
			kind = calendar.KindNotFound
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			kind = calendar.KindTransient
		case apiErr.Code == http.StatusForbidden && rateLimited(apiErr):
			kind = calendar.KindTransient
		case apiErr.Code == http.StatusBadRequest:
			kind = calendar.KindValidation
		}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		kind = calendar.KindTransient
	}

	return &calendar.Error{Kind: kind, Op: op, Calendar: cal, ExternalID: externalID, Err: err}
}

// rateLimited reports whether a 403 is Google's usage-limit flavour.
func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func toEvent(p calendar.Payload) *gcal.Event {
	ev := &gcal.Event{
		Summary:     p.Subject,
		Description: p.BodyHTML,
		Location:    p.Location,
		Status:      "confirmed",
		// Busy and tentative events block time.
		Transparency: "opaque",
	}
	switch p.ShowAs {
	case calendar.ShowAsFree:
		ev.Transparency = "transparent"
	case calendar.ShowAsTentative:
		ev.Status = "tentative"
	}

	if p.IsAllDay {
		ev.Start = &gcal.EventDateTime{Date: p.Start.Format(dateLayout)}
		ev.End = &gcal.EventDateTime{Date: p.End.Format(dateLayout)}
	} else {
		ev.Start = &gcal.EventDateTime{DateTime: p.Start.Format(time.RFC3339), TimeZone: p.TimeZone}
		ev.End = &gcal.EventDateTime{DateTime: p.End.Format(time.RFC3339), TimeZone: p.TimeZone}
	}

	if len(p.Categories) > 0 {
		data, _ := json.Marshal(p.Categories)
		ev.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{categoriesKey: string(data)},
		}
	}
	return ev
}

func fromEvent(e *gcal.Event, loc *time.Location) (model.ExternalEvent, error) {
	start, err := parseEventTime(e.Start, loc)
	if err != nil {
		return model.ExternalEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseEventTime(e.End, loc)
	if err != nil {
		return model.ExternalEvent{}, fmt.Errorf("end: %w", err)
	}

	ev := model.ExternalEvent{
		ExternalID: e.Id,
		ChangeKey:  e.Etag,
		WebLink:    e.HtmlLink,
		Subject:    e.Summary,
		Start:      start,
		End:        end,
		Location:   e.Location,
	}
	if e.ExtendedProperties != nil {
		if raw, ok := e.ExtendedProperties.Private[categoriesKey]; ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &ev.Categories); err != nil {
				return model.ExternalEvent{}, fmt.Errorf("categories: %w", err)
			}
		}
	}
	return ev, nil
}

// parseEventTime reads a timed or all-day value. All-day dates become local
// midnight in loc, so an all-day event spans midnight to midnight.
func parseEventTime(dt *gcal.EventDateTime, loc *time.Location) (time.Time, error) {
	if dt == nil {
		return time.Time{}, errors.New("missing")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		if dt.TimeZone != "" {
			if l, err := time.LoadLocation(dt.TimeZone); err == nil {
				loc = l
			}
		}
		return time.ParseInLocation(dateLayout, dt.Date, loc)
	}
	return time.Time{}, errors.New("neither date nor dateTime set")
}
