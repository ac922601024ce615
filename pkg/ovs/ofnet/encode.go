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

import (
	"fmt"
	"net"
	"sync"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
)

// Encoder renders FlowEntry/GroupEntry values against a live
// ofctrl.OFSwitch's table set, translating our match/action vocabulary
// into the contiv/ofnet wire types. Grounded on everoute's
// policyBridge.go AddMicroSegmentRule, which builds an ofctrl.FlowMatch
// from the same field set and calls Next(table)/DropAction() to
// install the flow.
type Encoder struct {
	sw     *ofctrl.OFSwitch
	tables map[TableID]*ofctrl.Table

	mu              sync.Mutex
	installed       map[string]*ofctrl.Flow
	installedGroups map[uint32]*ofctrl.Group
}

// NewEncoder builds an Encoder over sw's already-created tables, keyed
// by the TableID the caller assigned them at BridgeInit time.
func NewEncoder(sw *ofctrl.OFSwitch, tables map[TableID]*ofctrl.Table) *Encoder {
	return &Encoder{
		sw:              sw,
		tables:          tables,
		installed:       make(map[string]*ofctrl.Flow),
		installedGroups: make(map[uint32]*ofctrl.Group),
	}
}

// flowKey identifies a flow by the fields that select it on the
// switch (table, priority, match), independent of its actions or
// cookie, so Install can find and replace an existing handle instead
// of leaking one on every Mod.
func flowKey(table TableID, priority uint16, m Match) string {
	return fmt.Sprintf("%d/%d/%+v", table, priority, m)
}

func (enc *Encoder) table(id TableID) (*ofctrl.Table, error) {
	t, ok := enc.tables[id]
	if !ok {
		return nil, fmt.Errorf("ofnet: no table registered for id %d", id)
	}
	return t, nil
}

func toMatchFields(m Match) ofctrl.FlowMatch {
	fm := ofctrl.FlowMatch{
		Ethertype: m.EtherType,
		InputPort: m.InPort,
		IpProto:   m.IPProto,
	}
	if m.IsIPv6 {
		fm.Ethertype = 0x86DD
	}
	if (m.IPSrc != [4]byte{}) || (m.IPSrcMask != [4]byte{}) {
		fm.IpSa = ipPtr(m.IPSrc)
		fm.IpSaMask = ipPtr(m.IPSrcMask)
	}
	if (m.IPDst != [4]byte{}) || (m.IPDstMask != [4]byte{}) {
		fm.IpDa = ipPtr(m.IPDst)
		fm.IpDaMask = ipPtr(m.IPDstMask)
	}
	if m.TCPSrcPort != 0 || m.TCPSrcMask != 0 {
		fm.TcpSrcPort = m.TCPSrcPort
		fm.TcpSrcPortMask = m.TCPSrcMask
	}
	if m.TCPDstPort != 0 || m.TCPDstMask != 0 {
		fm.TcpDstPort = m.TCPDstPort
		fm.TcpDstPortMask = m.TCPDstMask
	}
	if m.UDPSrcPort != 0 || m.UDPSrcMask != 0 {
		fm.UdpSrcPort = m.UDPSrcPort
		fm.UdpSrcPortMask = m.UDPSrcMask
	}
	if m.UDPDstPort != 0 || m.UDPDstMask != 0 {
		fm.UdpDstPort = m.UDPDstPort
		fm.UdpDstPortMask = m.UDPDstMask
	}
	if m.HasVlan {
		fm.VlanId = m.VlanID
	}
	if m.TunnelID != 0 {
		fm.TunnelId = m.TunnelID
	}
	if m.CTStateMask != 0 {
		fm.CtStates = openflow13.NewCTStates()
		applyCTState(fm.CtStates, m.CTState, m.CTStateMask)
	}
	for reg := range m.Regs {
		if m.RegMasks[reg] == 0 {
			continue
		}
		lo, hi := bitRange(m.RegMasks[reg])
		fm.Regs = append(fm.Regs, &ofctrl.NXRegister{
			RegID: reg,
			Data:  m.Regs[reg],
			Range: openflow13.NewNXRange(lo, hi),
		})
	}
	return fm
}

// bitRange returns the [lo, hi] bit positions spanned by mask, for
// building an openflow13.NXRange the way policyBridge.go's register
// matches do (e.g. NewNXRange(0, 15) for a 16-bit field).
func bitRange(mask uint32) (lo, hi int) {
	hi = 31
	for hi > 0 && mask&(1<<uint(hi)) == 0 {
		hi--
	}
	lo = 0
	for lo < hi && mask&(1<<uint(lo)) == 0 {
		lo++
	}
	return lo, hi
}

func ipPtr(b [4]byte) net.IP {
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	return ip
}

// applyCTState sets the well-known conntrack state bits (established,
// invalid, new, tracked) matched by AccessFlowManager's ct-state table.
// Bit assignment mirrors openflow13.CTState's New/Est/Rel/Rpl/Inv/Trk.
func applyCTState(cts *openflow13.CTStates, state, mask uint32) {
	const (
		ctNew = 1 << iota
		ctEst
		ctRel
		ctRpl
		ctInv
		ctTrk
	)
	if mask&ctNew != 0 {
		cts.SetNew(state&ctNew != 0)
	}
	if mask&ctEst != 0 {
		cts.SetEst(state&ctEst != 0)
	}
	if mask&ctRel != 0 {
		cts.SetRel(state&ctRel != 0)
	}
	if mask&ctRpl != 0 {
		cts.SetRpl(state&ctRpl != 0)
	}
	if mask&ctInv != 0 {
		cts.SetInv(state&ctInv != 0)
	}
	if mask&ctTrk != 0 {
		cts.SetTrk(state&ctTrk != 0)
	}
}

// Install renders e against the switch: creates an ofctrl.Flow in e's
// table with e's priority/match/cookie and applies e's action list in
// order, returning the live flow handle for later modification/deletion.
// If a flow already exists for e's (table, priority, match) — the Mod
// case — the old handle is deleted first so the switch never carries
// two competing entries for the same key.
func (enc *Encoder) Install(e *FlowEntry) (*ofctrl.Flow, error) {
	t, err := enc.table(e.Table)
	if err != nil {
		return nil, err
	}
	key := flowKey(e.Table, e.Priority, e.Match)

	enc.mu.Lock()
	old, hadOld := enc.installed[key]
	enc.mu.Unlock()
	if hadOld {
		if err := old.Delete(); err != nil {
			return nil, fmt.Errorf("ofnet: replacing existing flow in table %d: %w", e.Table, err)
		}
	}

	fm := toMatchFields(e.Match)
	fm.Priority = e.Priority
	flow, err := t.NewFlow(fm)
	if err != nil {
		return nil, fmt.Errorf("ofnet: creating flow in table %d: %w", e.Table, err)
	}
	flow.CookieID = e.Cookie

	for _, a := range e.Actions {
		if err := enc.applyAction(flow, a); err != nil {
			return nil, err
		}
	}

	enc.mu.Lock()
	enc.installed[key] = flow
	enc.mu.Unlock()
	return flow, nil
}

// Delete removes the flow matching e's (table, priority, match), a
// no-op if no such flow is currently tracked.
func (enc *Encoder) Delete(e *FlowEntry) error {
	key := flowKey(e.Table, e.Priority, e.Match)

	enc.mu.Lock()
	flow, ok := enc.installed[key]
	if ok {
		delete(enc.installed, key)
	}
	enc.mu.Unlock()
	if !ok {
		return nil
	}
	return flow.Delete()
}

func (enc *Encoder) applyAction(flow *ofctrl.Flow, a Action) error {
	switch a.Type {
	case ActionOutput:
		out, err := enc.sw.OutputPort(a.Port)
		if err != nil {
			return fmt.Errorf("ofnet: resolving output port %d: %w", a.Port, err)
		}
		return flow.Next(out)
	case ActionGroup:
		group, err := enc.sw.GetGroup(a.GroupID)
		if err != nil {
			return fmt.Errorf("ofnet: resolving group %d: %w", a.GroupID, err)
		}
		return flow.Next(group)
	case ActionDrop:
		return flow.Next(ofctrl.NewDropAction())
	case ActionGotoTable:
		t, err := enc.table(a.Table)
		if err != nil {
			return err
		}
		return flow.Next(t)
	case ActionResubmit:
		t, err := enc.table(a.Table)
		if err != nil {
			return err
		}
		return flow.Resubmit(nil, t)
	case ActionSetEthSrc:
		mac := net.HardwareAddr(a.EthAddr[:])
		return flow.SetMacSa(mac)
	case ActionSetEthDst:
		mac := net.HardwareAddr(a.EthAddr[:])
		return flow.SetMacDa(mac)
	case ActionSetIPSrc:
		return flow.SetIPField(ipPtr(a.IPAddr), "Src")
	case ActionSetIPDst:
		return flow.SetIPField(ipPtr(a.IPAddr), "Dst")
	case ActionDecTTL:
		return flow.DecTTL()
	case ActionLoadReg:
		return flow.LoadReg(a.RegID, a.RegValue, a.RegMask)
	case ActionSetTunnelID:
		return flow.SetTunnelId(a.TunnelID)
	case ActionCTCommit:
		zone := a.CTZone
		return flow.SetConntrack(ofctrl.NewConntrackAction(true, false, nil, &zone))
	case ActionCTClear:
		tableID := uint8(a.CTTable)
		zone := a.CTZone
		return flow.SetConntrack(ofctrl.NewConntrackAction(false, false, &tableID, &zone))
	case ActionController:
		return flow.Next(ofctrl.NewControllerAction(a.ControllerReason))
	default:
		return fmt.Errorf("ofnet: unsupported action type %d", a.Type)
	}
}

// InstallGroup renders g against the switch, replacing any previously
// installed group with the same GroupID (a group-mod MODIFY in effect,
// since ofctrl models a group update as delete-then-recreate).
func (enc *Encoder) InstallGroup(g *GroupEntry) (*ofctrl.Group, error) {
	enc.mu.Lock()
	old, hadOld := enc.installedGroups[g.GroupID]
	enc.mu.Unlock()
	if hadOld {
		if err := old.Delete(); err != nil {
			return nil, fmt.Errorf("ofnet: replacing existing group %d: %w", g.GroupID, err)
		}
	}

	var groupType ofctrl.GroupType
	switch g.Type {
	case GroupAll:
		groupType = ofctrl.GroupAll
	case GroupSelect:
		groupType = ofctrl.GroupSelect
	case GroupIndirect:
		groupType = ofctrl.GroupIndirect
	case GroupFastFailover:
		groupType = ofctrl.GroupFf
	}
	group, err := enc.sw.NewGroup(g.GroupID, groupType)
	if err != nil {
		return nil, fmt.Errorf("ofnet: creating group %d: %w", g.GroupID, err)
	}
	for _, b := range g.Buckets {
		bucket := group.NewBucket(b.Weight)
		for _, a := range b.Actions {
			if a.Type == ActionOutput {
				bucket.AddAction(ofctrl.NewOutputPort(a.Port))
			}
		}
	}

	enc.mu.Lock()
	enc.installedGroups[g.GroupID] = group
	enc.mu.Unlock()
	return group, nil
}

// DeleteGroup removes a previously installed group, a no-op if id is
// not currently tracked.
func (enc *Encoder) DeleteGroup(id uint32) error {
	enc.mu.Lock()
	group, ok := enc.installedGroups[id]
	if ok {
		delete(enc.installedGroups, id)
	}
	enc.mu.Unlock()
	if !ok {
		return nil
	}
	return group.Delete()
}
