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

// ActionType names one instruction/action a flow entry applies.
type ActionType uint8

const (
	ActionOutput ActionType = iota
	ActionOutputReg
	ActionGroup
	ActionDrop
	ActionGotoTable
	ActionSetEthSrc
	ActionSetEthDst
	ActionSetIPSrc
	ActionSetIPDst
	ActionDecTTL
	ActionPushVlan
	ActionPopVlan
	ActionSetVlan
	ActionLoadReg
	ActionMoveReg
	ActionSetTunnelID
	ActionCTCommit
	ActionCTClear
	ActionResubmit
	ActionController
)

// Action is a value-comparable description of a single flow
// instruction. Flow-entry actions are compared as an ordered slice of
// Action, element by element with == in ActionsEq (called by
// FlowEntry.ActionEq), matching
// original_source TableState.h's actionEq.
type Action struct {
	Type       ActionType
	Port       uint32
	GroupID    uint32
	Table      TableID
	EthAddr    [6]byte
	IPAddr     [4]byte
	VlanID     uint16
	RegID      int
	RegValue   uint32
	RegMask    uint32
	SrcRegID   int
	DstRegID   int
	TunnelID   uint64
	CTZone     uint16
	CTTable    TableID
	CTZoneFlag bool
	ControllerReason uint8
}

// Output builds an output-to-port action.
func Output(port uint32) Action { return Action{Type: ActionOutput, Port: port} }

// Group builds an output-to-group action.
func Group(groupID uint32) Action { return Action{Type: ActionGroup, GroupID: groupID} }

// Drop builds a drop (no instructions) action.
func Drop() Action { return Action{Type: ActionDrop} }

// GotoTable builds a goto-table instruction.
func GotoTable(t TableID) Action { return Action{Type: ActionGotoTable, Table: t} }

// Resubmit builds a resubmit-to-table action (NX extension).
func Resubmit(t TableID) Action { return Action{Type: ActionResubmit, Table: t} }

// LoadReg builds a load-into-register action, used for carrying VNID,
// EPG identity, and tunnel metadata across tables.
func LoadReg(regID int, value, mask uint32) Action {
	return Action{Type: ActionLoadReg, RegID: regID, RegValue: value, RegMask: mask}
}

// CTCommit builds a commit-to-conntrack action scoped to zone.
func CTCommit(zone uint16) Action {
	return Action{Type: ActionCTCommit, CTZone: zone, CTZoneFlag: true}
}

// CTClear builds a recirculate-through-conntrack (ct_state check only,
// no commit) action scoped to zone, optionally recirculating to table.
func CTClear(zone uint16, table TableID) Action {
	return Action{Type: ActionCTClear, CTZone: zone, CTZoneFlag: true, CTTable: table}
}

// Controller builds a send-to-controller (packet-in) action.
func Controller(reason uint8) Action {
	return Action{Type: ActionController, ControllerReason: reason}
}

// ActionsEq reports whether two ordered action lists are identical.
func ActionsEq(a, b []Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
