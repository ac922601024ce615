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

// Package ofnet wraps contiv/ofnet/ofctrl and contiv/libOpenflow's
// openflow13 encoding with the match/action/flow-entry vocabulary the
// flow-programming algorithms are written against, and implements the
// table-state diffing that turns a desired flow snapshot into the
// minimal set of OpenFlow edits.
package ofnet

// TableID names an OpenFlow flow table within a bridge's pipeline.
type TableID uint8

// Match is a value-comparable description of an OpenFlow match. All
// fields are plain values (rather than pointers) so two Match values
// can be compared for exact equality with ==, which is what
// FlowEntry.MatchEq relies on.
type Match struct {
	InPort        uint32
	EthSrc        [6]byte
	EthSrcMask    [6]byte
	EthDst        [6]byte
	EthDstMask    [6]byte
	EtherType     uint16
	VlanID        uint16
	HasVlan       bool
	IPProto       uint8
	IPSrc         [4]byte
	IPSrcMask     [4]byte
	IPDst         [4]byte
	IPDstMask     [4]byte
	IPv6Src       [16]byte
	IPv6SrcMask   [16]byte
	IPv6Dst       [16]byte
	IPv6DstMask   [16]byte
	IsIPv6        bool
	TCPSrcPort    uint16
	TCPSrcMask    uint16
	TCPDstPort    uint16
	TCPDstMask    uint16
	UDPSrcPort    uint16
	UDPSrcMask    uint16
	UDPDstPort    uint16
	UDPDstMask    uint16
	TCPFlags      uint16
	TCPFlagsMask  uint16
	ICMPType      uint8
	ICMPCode      uint8
	TunnelID      uint64
	CTState       uint32
	CTStateMask   uint32
	CTMark        uint32
	CTMarkMask    uint32
	CTZone        uint16
	Regs          [8]uint32
	RegMasks      [8]uint32
	ARPOp         uint16
	ARPSpa        [4]byte
	ARPTpa        [4]byte
	ARPSha        [6]byte
	ARPTha        [6]byte
}

// MatchEq reports whether two matches describe the same set of fields.
// Matches original_source TableState.h's matchEq: plain field-by-field
// comparison, no normalization.
func (m Match) MatchEq(o Match) bool {
	return m == o
}
