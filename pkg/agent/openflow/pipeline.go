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

// Package openflow renders the policy object model into the two fixed
// OpenFlow table pipelines the agent programs on the integration and
// access bridges. Grounded on everoute's multiBridgeDatapath.go/
// policyBridge.go table layout and jwsui-antrea's pipeline.go table
// organization (regType-style typed register helpers), applied to
// this spec's component boundary between the Integration Flow Manager
// (C10) and the Access Flow Manager (C11).
package openflow

import "github.com/opendaylight/opflex-agent-ovs/pkg/ovs/ofnet"

// Integration bridge table IDs (C10), in pipeline order.
const (
	IntSecTable          ofnet.TableID = 0
	IntSrcTable          ofnet.TableID = 10
	IntBridgeTable       ofnet.TableID = 20
	IntRouteTable        ofnet.TableID = 30
	IntNatInTable        ofnet.TableID = 40
	IntLearnTable        ofnet.TableID = 50
	IntServiceMapDstTable ofnet.TableID = 60
	IntPolTable          ofnet.TableID = 70
	IntStatsTable        ofnet.TableID = 80
	IntOutTable          ofnet.TableID = 90
)

// Access bridge table IDs (C11), in pipeline order.
const (
	AccGroupMapTable  ofnet.TableID = 0
	AccSecGroupInTable  ofnet.TableID = 10
	AccSecGroupOutTable ofnet.TableID = 20
	AccOutTable       ofnet.TableID = 30
)

// Register assignments used to carry EPG/VNID/source-port identity
// across tables, mirroring antrea pipeline.go's regType helper idiom
// (a typed wrapper over the raw NXM register number). Numbering
// follows spec 4.10's register convention directly: REG0=src EPG
// VNID, REG2=dst EPG VNID, REG4=BD-id, REG5=FD-id, REG6=RD-id,
// REG7=output-port or group-id.
type regType int

const (
	regSrcEPG         regType = 0
	regPolicyDecision regType = 1
	regDstEPG         regType = 2
	regSrcPort        regType = 3 // access bridge only: GROUP_MAP's source-port identity
	regBD             regType = 4
	regFD             regType = 5
	regRD             regType = 6
	regOutPort        regType = 7
)

func (r regType) number() int { return int(r) }

// promiscuousGroupFlag distinguishes an FD-id's promiscuous flood
// group (delivers to taps as well as ordinary members) from its
// ordinary flood group, per spec 4.10 step 9.
const promiscuousGroupFlag uint32 = 0x80000000

// conntrackZoneForBridge names a default conntrack zone for flows with
// no routing-domain zone from pkg/ctzone; no flow currently uses it.
const conntrackZoneForBridge uint16 = 65520

// PolicyTier names the three rule-evaluation tiers the access bridge's
// security-group flows render into, highest priority first.
type PolicyTier int

const (
	PolicyTier0 PolicyTier = iota
	PolicyTier1
	PolicyTier2
)

// tierPriorityBase returns the priority band a tier's rules occupy
// within AccSecGroupInTable/AccSecGroupOutTable, matching
// everoute policyBridge.go's GetTierTable priority spacing (50/100/150
// there; widened here to 1000/2000/3000 to leave headroom for
// per-rule priority within a tier).
func tierPriorityBase(t PolicyTier) uint16 {
	switch t {
	case PolicyTier0:
		return 3000
	case PolicyTier1:
		return 2000
	default:
		return 1000
	}
}
