/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ofnet

import "sync"

// FlowEntry is the desired-state unit the flow managers emit and
// TableState diffs against what's already on the switch.
type FlowEntry struct {
	Table    TableID
	Priority uint16
	Cookie   uint64
	Match    Match
	Actions  []Action
}

// MatchEq reports whether e and o match the same packets, ignoring
// actions and cookie. Grounded on original_source TableState.h's
// FlowEntry::matchEq.
func (e *FlowEntry) MatchEq(o *FlowEntry) bool {
	return e.Table == o.Table && e.Priority == o.Priority && e.Match.MatchEq(o.Match)
}

// ActionEq reports whether e and o apply the same actions.
func (e *FlowEntry) ActionEq(o *FlowEntry) bool {
	return ActionsEq(e.Actions, o.Actions)
}

// FlowEntryList is an owner's complete set of desired flow entries.
type FlowEntryList []*FlowEntry

// EditType names the kind of change a FlowEdit describes.
type EditType uint8

const (
	EditAdd EditType = iota
	EditMod
	EditDel
)

// FlowEdit is one add/modify/delete operation against the switch,
// carrying the old entry (for Mod/Del, to locate the flow by its
// match) and the new one (for Add/Mod, to write).
type FlowEdit struct {
	Type  EditType
	Old   *FlowEntry
	New   *FlowEntry
}

// FlowEditList is an ordered batch of edits, applied by the flow
// executor (C7) within a single barrier round-trip.
type FlowEditList []FlowEdit

// GroupBucket is one weighted/ordered output path within a group.
type GroupBucket struct {
	Weight  uint16
	Actions []Action
}

// GroupType names the OpenFlow group semantics (all/select/indirect/
// fast-failover).
type GroupType uint8

const (
	GroupAll GroupType = iota
	GroupSelect
	GroupIndirect
	GroupFastFailover
)

// GroupEntry is the desired state of one group-table entry (used for
// flood/multicast replication groups).
type GroupEntry struct {
	GroupID uint32
	Type    GroupType
	Buckets []GroupBucket
}

// GroupEq reports whether g and o have identical type and bucket lists.
func (g *GroupEntry) GroupEq(o *GroupEntry) bool {
	if g.GroupID != o.GroupID || g.Type != o.Type || len(g.Buckets) != len(o.Buckets) {
		return false
	}
	for i := range g.Buckets {
		if g.Buckets[i].Weight != o.Buckets[i].Weight {
			return false
		}
		if !ActionsEq(g.Buckets[i].Actions, o.Buckets[i].Actions) {
			return false
		}
	}
	return true
}

// GroupEditType mirrors EditType for group-table operations.
type GroupEditType uint8

const (
	GroupEditAdd GroupEditType = iota
	GroupEditMod
	GroupEditDel
)

// GroupEdit is one add/modify/delete operation against the group table.
type GroupEdit struct {
	Type GroupEditType
	Old  *GroupEntry
	New  *GroupEntry
}

// TableState tracks, per owning object ID, the flow entries last
// written on its behalf, so a subsequent call with a new desired set
// can be diffed down to the minimal edit list. Grounded on
// original_source TableState.h's TableState::apply/diffSnapshot.
type TableState struct {
	mu    sync.Mutex
	byObj map[string]FlowEntryList
}

// NewTableState builds an empty table-state tracker.
func NewTableState() *TableState {
	return &TableState{byObj: make(map[string]FlowEntryList)}
}

// Apply replaces objID's tracked entry set with newEntries and returns
// the edits needed to bring the switch from the old set to the new one.
// The new set becomes the tracked state regardless of whether the
// edits are later applied successfully; callers that need atomicity
// with the switch write should only call Apply once the executor (C7)
// has confirmed success, or roll back by calling Apply again with the
// previous set.
func (ts *TableState) Apply(objID string, newEntries FlowEntryList) FlowEditList {
	ts.mu.Lock()
	old := ts.byObj[objID]
	if len(newEntries) == 0 {
		delete(ts.byObj, objID)
	} else {
		cp := make(FlowEntryList, len(newEntries))
		copy(cp, newEntries)
		ts.byObj[objID] = cp
	}
	ts.mu.Unlock()

	return DiffSnapshot(old, newEntries)
}

// Get returns the currently-tracked entry set for objID.
func (ts *TableState) Get(objID string) FlowEntryList {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.byObj[objID]
}

// ForEachCookieMatch invokes cb for every currently-tracked entry
// across all owners whose cookie, masked by mask, equals value. Used
// by the round-based cookie sweep to find flows belonging to a stale
// round regardless of which object owns them.
func (ts *TableState) ForEachCookieMatch(value, mask uint64, cb func(objID string, e *FlowEntry)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for objID, entries := range ts.byObj {
		for _, e := range entries {
			if e.Cookie&mask == value&mask {
				cb(objID, e)
			}
		}
	}
}

// DiffSnapshot computes the edit list that transforms oldEntries into
// newEntries: entries present in both (matched by MatchEq) that differ
// in actions or cookie become Mod; entries only in newEntries become Add;
// entries only in oldEntries become Del.
func DiffSnapshot(oldEntries, newEntries FlowEntryList) FlowEditList {
	var edits FlowEditList
	matchedOld := make([]bool, len(oldEntries))

	for _, ne := range newEntries {
		found := -1
		for i, oe := range oldEntries {
			if matchedOld[i] {
				continue
			}
			if oe.MatchEq(ne) {
				found = i
				break
			}
		}
		if found == -1 {
			edits = append(edits, FlowEdit{Type: EditAdd, New: ne})
			continue
		}
		matchedOld[found] = true
		oe := oldEntries[found]
		if !oe.ActionEq(ne) || oe.Cookie != ne.Cookie {
			edits = append(edits, FlowEdit{Type: EditMod, Old: oe, New: ne})
		}
	}

	for i, oe := range oldEntries {
		if !matchedOld[i] {
			edits = append(edits, FlowEdit{Type: EditDel, Old: oe})
		}
	}
	return edits
}
