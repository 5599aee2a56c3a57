package route

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"calsync/internal/config"
	"calsync/internal/model"
)

var cals = config.CalendarsConfig{
	Primary:          "primary",
	Senior:           "senior",
	CampusManagement: "cm",
	Planning:         "planning",
}

func approved(categories ...string) model.NormalizedEvent {
	return model.NormalizedEvent{ID: 1, EntityType: model.EntityActivity, Approved: true, Categories: categories}
}

func TestRoute(t *testing.T) {
	r := New(cals)
	cases := []struct {
		name string
		ev   model.NormalizedEvent
		want []string
	}{
		{"external events is exclusive", approved("External Events"), []string{"cm"}},
		{"campus management is exclusive", approved("Campus Management", "Senior School"), []string{"cm"}},
		{"primary", approved("Primary School"), []string{"primary", "planning"}},
		{"senior", approved("Senior School"), []string{"senior", "planning"}},
		{"whole school", approved("Whole School"), []string{"primary", "senior", "planning"}},
		{"primary and senior", approved("Senior School", "Primary School"), []string{"primary", "senior", "planning"}},
		{"default is senior", approved("Sport"), []string{"senior", "planning"}},
		{"no categories", approved(), []string{"senior", "planning"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Route(tc.ev))
		})
	}
}

func TestRouteExternalEventsExcludesPlanning(t *testing.T) {
	got := New(cals).Route(approved("External Events"))
	assert.Equal(t, []string{"cm"}, got)
	assert.NotContains(t, got, "planning")
}

func TestRouteEmptyForDeletedOrUnapproved(t *testing.T) {
	r := New(cals)

	deleted := approved("Senior School")
	deleted.Deleted = true
	assert.Empty(t, r.Route(deleted))

	draft := approved("Senior School")
	draft.Approved = false
	assert.Empty(t, r.Route(draft))

	inReview := draft
	inReview.InReview = true
	assert.Equal(t, []string{"senior", "planning"}, r.Route(inReview))
}

func TestRouteOverride(t *testing.T) {
	c := cals
	c.Override = "sandbox"
	r := New(c)

	assert.Equal(t, []string{"sandbox"}, r.Route(approved("External Events")))
	assert.Equal(t, []string{"sandbox"}, r.Route(approved("Whole School")))

	deleted := approved("Whole School")
	deleted.Deleted = true
	assert.Empty(t, r.Route(deleted))
}

func TestInBothSchools(t *testing.T) {
	r := New(cals)
	assert.True(t, r.InBothSchools(approved("Whole School")))
	assert.False(t, r.InBothSchools(approved("Senior School")))
	assert.False(t, r.InBothSchools(approved("External Events", "Whole School")))
}
