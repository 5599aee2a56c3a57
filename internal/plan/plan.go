// Package plan computes the actions that converge one destination calendar
// with the internal events routed to it.
//
// Build diffs two lookups keyed by content identity:
//
//   - Deletes: external keys absent internally, plus every member of a
//     duplicate group (duplicate groups are purged, never partially reused).
//   - Creates: internal keys absent externally, plus internal keys whose
//     external counterpart was a duplicate group (recreate after purge).
//   - Updates: an internal and an external event that differ only in
//     location. The content key covers location, so these are paired through
//     their location-free slot key when the slot is unambiguous on both sides.
//   - Links: exact matches. They need no remote call; the executor only makes
//     sure a sync record points at them.
//
// The executor must apply deletes, then creates, then updates.
package plan

import (
	"sort"

	"calsync/internal/identity"
	"calsync/internal/model"
)

// Reason explains why an action was planned.
type Reason string

const (
	ReasonStale     Reason = "stale"     // external entry has no internal counterpart
	ReasonDuplicate Reason = "duplicate" // member of a duplicate group
	ReasonMissing   Reason = "missing"   // internal entry has no external counterpart
	ReasonRecreate  Reason = "recreate"  // recreated after a duplicate purge
	ReasonLocation  Reason = "location"  // only the location differs
	ReasonRecord    Reason = "record"    // driven by a sync record (incremental pass)
	ReasonUnrouted  Reason = "unrouted"  // entity no longer routes to the calendar
)

// Delete removes an external event.
type Delete struct {
	Key      identity.Key
	External model.ExternalEvent
	// Record is set when the delete is driven by a sync record.
	Record *model.SyncRecord
	Reason Reason
}

// Create writes a new external event.
type Create struct {
	Key    identity.Key
	Event  model.NormalizedEvent
	Reason Reason
}

// Update rewrites an existing external event in place.
type Update struct {
	Key      identity.Key
	Event    model.NormalizedEvent
	External model.ExternalEvent
	Reason   Reason
}

// Link records an exact match between an internal and an external event.
type Link struct {
	Key      identity.Key
	Event    model.NormalizedEvent
	External model.ExternalEvent
}

// Plan is the ordered action list for one calendar.
type Plan struct {
	Calendar string
	Deletes  []Delete
	Creates  []Create
	Updates  []Update
	Links    []Link
}

// Empty reports whether the plan mutates nothing remotely.
func (p Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Creates) == 0 && len(p.Updates) == 0
}

// Build diffs internal against external for calendar.
func Build(calendar string, internal identity.InternalLookup, external identity.ExternalLookup) Plan {
	p := Plan{Calendar: calendar}

	var pendingInternal []identity.Key
	for _, k := range internal.Keys() {
		ev := internal.ByKey[k]
		if external.IsDuplicate(k) {
			for _, dup := range external.Duplicates[k] {
				p.Deletes = append(p.Deletes, Delete{Key: k, External: dup, Reason: ReasonDuplicate})
			}
			p.Creates = append(p.Creates, Create{Key: k, Event: ev, Reason: ReasonRecreate})
			continue
		}
		ext, ok := external.ByKey[k]
		if !ok {
			pendingInternal = append(pendingInternal, k)
			continue
		}
		// The key covers location, so an exact match is always a link.
		p.Links = append(p.Links, Link{Key: k, Event: ev, External: ext})
	}

	var pendingExternal []identity.Key
	for _, k := range external.Keys() {
		if _, ok := internal.ByKey[k]; ok {
			continue
		}
		if external.IsDuplicate(k) {
			for _, dup := range external.Duplicates[k] {
				p.Deletes = append(p.Deletes, Delete{Key: k, External: dup, Reason: ReasonStale})
			}
			continue
		}
		pendingExternal = append(pendingExternal, k)
	}

	// Pair location-only changes through their slot key.
	internalBySlot := groupBySlot(pendingInternal, internal.Slots)
	externalBySlot := groupBySlot(pendingExternal, external.Slots)
	paired := make(map[identity.Key]bool)
	for slot, ik := range internalBySlot {
		ek := externalBySlot[slot]
		if len(ik) != 1 || len(ek) != 1 {
			continue
		}
		p.Updates = append(p.Updates, Update{
			Key:      ik[0],
			Event:    internal.ByKey[ik[0]],
			External: external.ByKey[ek[0]],
			Reason:   ReasonLocation,
		})
		paired[ik[0]] = true
		paired[ek[0]] = true
	}

	for _, k := range pendingExternal {
		if !paired[k] {
			p.Deletes = append(p.Deletes, Delete{Key: k, External: external.ByKey[k], Reason: ReasonStale})
		}
	}
	for _, k := range pendingInternal {
		if !paired[k] {
			p.Creates = append(p.Creates, Create{Key: k, Event: internal.ByKey[k], Reason: ReasonMissing})
		}
	}

	p.sort()
	return p
}

func groupBySlot(keys []identity.Key, slots map[identity.Key]identity.Key) map[identity.Key][]identity.Key {
	out := make(map[identity.Key][]identity.Key, len(keys))
	for _, k := range keys {
		s := slots[k]
		out[s] = append(out[s], k)
	}
	return out
}

func (p *Plan) sort() {
	sort.SliceStable(p.Deletes, func(i, j int) bool {
		if p.Deletes[i].Key != p.Deletes[j].Key {
			return p.Deletes[i].Key < p.Deletes[j].Key
		}
		return p.Deletes[i].External.ExternalID < p.Deletes[j].External.ExternalID
	})
	sort.SliceStable(p.Creates, func(i, j int) bool { return p.Creates[i].Key < p.Creates[j].Key })
	sort.SliceStable(p.Updates, func(i, j int) bool { return p.Updates[i].Key < p.Updates[j].Key })
	sort.SliceStable(p.Links, func(i, j int) bool { return p.Links[i].Key < p.Links[j].Key })
}
