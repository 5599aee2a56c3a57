// Package route decides which destination calendars an event belongs in.
package route

import (
	"calsync/internal/config"
	"calsync/internal/model"
)

// Category names that drive routing.
const (
	CategoryExternalEvents   = "External Events"
	CategoryCampusManagement = "Campus Management"
	CategoryPrimarySchool    = "Primary School"
	CategorySeniorSchool     = "Senior School"
	CategoryWholeSchool      = "Whole School"
)

// Router maps events to calendars. It holds no state beyond its calendar
// names; routes are recomputed on every pass.
type Router struct {
	cals config.CalendarsConfig
}

// New returns a Router for the configured calendars.
func New(cals config.CalendarsConfig) Router {
	return Router{cals: cals}
}

// Calendars returns the configured calendar names.
func (r Router) Calendars() config.CalendarsConfig {
	return r.cals
}

// Routable reports whether an event may appear in any calendar at all.
func Routable(ev model.NormalizedEvent) bool {
	return !ev.Deleted && (ev.Approved || ev.InReview)
}

// Route returns the destination calendars for ev in a stable order. Deleted
// events and events that are neither approved nor in review route nowhere.
func (r Router) Route(ev model.NormalizedEvent) []string {
	if !Routable(ev) {
		return nil
	}
	if r.cals.Override != "" {
		return []string{r.cals.Override}
	}

	has := make(map[string]bool, len(ev.Categories))
	for _, c := range ev.Categories {
		has[c] = true
	}

	// Campus Management is exclusive: the Planning calendar is not added.
	if has[CategoryExternalEvents] || has[CategoryCampusManagement] {
		return compact(r.cals.CampusManagement)
	}

	var out []string
	if has[CategoryPrimarySchool] || has[CategoryWholeSchool] {
		out = append(out, r.cals.Primary)
	}
	if has[CategorySeniorSchool] || has[CategoryWholeSchool] {
		out = append(out, r.cals.Senior)
	}
	if len(out) == 0 {
		out = append(out, r.cals.Senior)
	}
	out = append(out, r.cals.Planning)
	return compact(out...)
}

// Includes reports whether ev routes to calendar.
func (r Router) Includes(ev model.NormalizedEvent, calendar string) bool {
	for _, c := range r.Route(ev) {
		if c == calendar {
			return true
		}
	}
	return false
}

// InBothSchools reports whether ev would appear in both the Primary and the
// Senior calendar.
func (r Router) InBothSchools(ev model.NormalizedEvent) bool {
	if r.cals.Primary == "" || r.cals.Senior == "" || r.cals.Primary == r.cals.Senior {
		return false
	}
	return r.Includes(ev, r.cals.Primary) && r.Includes(ev, r.cals.Senior)
}

// compact drops empty names and repeats, keeping order.
func compact(names ...string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
