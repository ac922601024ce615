package ofnet

import (
	"testing"

	. "github.com/onsi/gomega"
)

func entry(table TableID, prio uint16, port uint32) *FlowEntry {
	return &FlowEntry{
		Table:    table,
		Priority: prio,
		Cookie:   1,
		Match:    Match{InPort: port},
		Actions:  []Action{Output(port + 100)},
	}
}

func TestDiffSnapshotAddOnly(t *testing.T) {
	RegisterTestingT(t)

	edits := DiffSnapshot(nil, FlowEntryList{entry(1, 100, 1)})
	Expect(edits).To(HaveLen(1))
	Expect(edits[0].Type).To(Equal(EditAdd))
}

func TestDiffSnapshotDelOnly(t *testing.T) {
	RegisterTestingT(t)

	edits := DiffSnapshot(FlowEntryList{entry(1, 100, 1)}, nil)
	Expect(edits).To(HaveLen(1))
	Expect(edits[0].Type).To(Equal(EditDel))
}

func TestDiffSnapshotModWhenActionsChange(t *testing.T) {
	RegisterTestingT(t)

	oldE := entry(1, 100, 1)
	newE := entry(1, 100, 1)
	newE.Actions = []Action{Output(999)}

	edits := DiffSnapshot(FlowEntryList{oldE}, FlowEntryList{newE})
	Expect(edits).To(HaveLen(1))
	Expect(edits[0].Type).To(Equal(EditMod))
}

func TestDiffSnapshotNoopWhenIdentical(t *testing.T) {
	RegisterTestingT(t)

	e := entry(1, 100, 1)
	same := entry(1, 100, 1)

	edits := DiffSnapshot(FlowEntryList{e}, FlowEntryList{same})
	Expect(edits).To(BeEmpty())
}

func TestTableStateApplyTracksOwner(t *testing.T) {
	RegisterTestingT(t)

	ts := NewTableState()
	edits := ts.Apply("ep1", FlowEntryList{entry(1, 100, 1)})
	Expect(edits).To(HaveLen(1))
	Expect(edits[0].Type).To(Equal(EditAdd))

	edits = ts.Apply("ep1", nil)
	Expect(edits).To(HaveLen(1))
	Expect(edits[0].Type).To(Equal(EditDel))
	Expect(ts.Get("ep1")).To(BeEmpty())
}

func TestForEachCookieMatch(t *testing.T) {
	RegisterTestingT(t)

	ts := NewTableState()
	e1 := entry(1, 100, 1)
	e1.Cookie = 0x1_00000000
	e2 := entry(1, 100, 2)
	e2.Cookie = 0x2_00000000
	ts.Apply("ep1", FlowEntryList{e1})
	ts.Apply("ep2", FlowEntryList{e2})

	var matched []string
	ts.ForEachCookieMatch(0x1_00000000, 0xffffffff_00000000, func(objID string, e *FlowEntry) {
		matched = append(matched, objID)
	})
	Expect(matched).To(ConsistOf("ep1"))
}
