package identity

import (
	"sort"

	"calsync/internal/model"
)

// DuplicateGroups maps a key to every external event sharing it. Only keys
// seen more than once appear.
type DuplicateGroups map[Key][]model.ExternalEvent

// ExternalLookup indexes one calendar's remote events by content key.
type ExternalLookup struct {
	// ByKey holds the first event seen for each key.
	ByKey map[Key]model.ExternalEvent
	// Duplicates holds all members of any colliding key, first one included.
	Duplicates DuplicateGroups
	// Slots maps each key to its location-free slot key.
	Slots map[Key]Key
}

// IsDuplicate reports whether k belongs to a duplicate group.
func (l ExternalLookup) IsDuplicate(k Key) bool {
	return len(l.Duplicates[k]) > 1
}

// Keys returns the lookup's keys in sorted order.
func (l ExternalLookup) Keys() []Key {
	return sortedKeys(l.ByKey)
}

// BuildExternalLookup hashes remote events and detects collisions. A second
// event with an already-seen key turns the key into a duplicate group.
func (m *Matcher) BuildExternalLookup(events []model.ExternalEvent) ExternalLookup {
	l := ExternalLookup{
		ByKey:      make(map[Key]model.ExternalEvent, len(events)),
		Duplicates: make(DuplicateGroups),
		Slots:      make(map[Key]Key, len(events)),
	}
	for _, ev := range events {
		k := m.ExternalKey(ev)
		first, seen := l.ByKey[k]
		if !seen {
			l.ByKey[k] = ev
			l.Slots[k] = m.ExternalSlot(ev)
			continue
		}
		if _, grouped := l.Duplicates[k]; !grouped {
			l.Duplicates[k] = []model.ExternalEvent{first}
		}
		l.Duplicates[k] = append(l.Duplicates[k], ev)
	}
	return l
}

// InternalLookup indexes the internal events destined for one calendar.
type InternalLookup struct {
	ByKey map[Key]model.NormalizedEvent
	Slots map[Key]Key
	// Collisions are internal events whose key was already taken by another
	// internal event. They are not synced separately.
	Collisions []model.NormalizedEvent
}

// Keys returns the lookup's keys in sorted order.
func (l InternalLookup) Keys() []Key {
	return sortedKeys(l.ByKey)
}

// BuildInternalLookup hashes internal events. Events are taken in input order;
// later events with a taken key are reported as collisions.
func (m *Matcher) BuildInternalLookup(events []model.NormalizedEvent) InternalLookup {
	l := InternalLookup{
		ByKey: make(map[Key]model.NormalizedEvent, len(events)),
		Slots: make(map[Key]Key, len(events)),
	}
	for _, ev := range events {
		k := m.EventKey(ev)
		if _, taken := l.ByKey[k]; taken {
			l.Collisions = append(l.Collisions, ev)
			continue
		}
		l.ByKey[k] = ev
		l.Slots[k] = m.EventSlot(ev)
	}
	return l
}

func sortedKeys[V any](m map[Key]V) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
