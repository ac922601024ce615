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

package openflow

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/opendaylight/opflex-agent-ovs/pkg/ctzone"
	"github.com/opendaylight/opflex-agent-ovs/pkg/idgen"
	"github.com/opendaylight/opflex-agent-ovs/pkg/modb"
	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/ofnet"
	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/portmapper"
	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

// switchWriter is the subset of switchmanager.SwitchManager the
// integration flow manager needs, kept as an interface so tests can
// supply a fake rather than standing up a real ofctrl session.
type switchWriter interface {
	WriteFlow(ctx context.Context, objID string, entries ofnet.FlowEntryList) error
	WriteGroup(ctx context.Context, g *ofnet.GroupEntry) error
	DeleteGroup(ctx context.Context, groupID uint32) error
}

// maxPolicyRulePriority is the highest priority a contract rule can
// render at in POL; rule index 0 renders here, later rules step
// downward.
const maxPolicyRulePriority = 8192

// floodMember is one endpoint's current membership in an FD-id's
// flood group.
type floodMember struct {
	port        uint32
	promiscuous bool
}

// IntegrationManager renders policy objects resolved from the MODB
// onto the integration bridge's 10-table pipeline. Grounded on
// everoute multiBridgeDatapath.go's endpoint/rule lifecycle and
// jwsui-antrea pipeline.go's table-by-table flow construction, adapted
// to this spec's EPG/BD/FD/RD object model.
type IntegrationManager struct {
	sw    switchWriter
	store *modb.Store
	ports *portmapper.PortMapper
	ids   *idgen.IDGenerator
	zones *ctzone.Manager

	floodMu      sync.Mutex
	floodMembers map[uint32]map[string]floodMember // FD-id -> endpoint UUID -> member
	epFloodGroup map[string]uint32                 // endpoint UUID -> FD-id, for RemoveEndpoint
}

// NewIntegrationManager wires an IntegrationManager over the given
// collaborators. ids must already have had the "epg", "bd", "fd",
// "rd", and "contract" namespaces initialized by the caller.
func NewIntegrationManager(sw switchWriter, store *modb.Store, ports *portmapper.PortMapper, ids *idgen.IDGenerator, zones *ctzone.Manager) *IntegrationManager {
	return &IntegrationManager{
		sw:           sw,
		store:        store,
		ports:        ports,
		ids:          ids,
		zones:        zones,
		floodMembers: make(map[uint32]map[string]floodMember),
		epFloodGroup: make(map[string]uint32),
	}
}

// UpdateEndpoint renders (or re-renders) the complete flow set owned
// by one endpoint: port-security admission, source-table admission,
// learning-table MAC/IP binding, bridge-table L2 forwarding, route-
// table L3 forwarding when its bridge domain has routing enabled, and
// the endpoint's membership in its flood domain's group. Mirrors spec
// 4.10's "Endpoint update" algorithm.
func (im *IntegrationManager) UpdateEndpoint(ctx context.Context, ep *policy.Endpoint) error {
	epg, ok := im.store.EndpointGroup(ep.EndpointGroup)
	if !ok {
		return fmt.Errorf("openflow: endpoint %s references unresolved endpoint group %s", ep.UUID, ep.EndpointGroup)
	}
	bd, ok := im.store.Resolve(modb.ClassBridgeDomain, epg.BridgeDomain)
	if !ok {
		return fmt.Errorf("openflow: endpoint group %s references unresolved bridge domain %s", epg.URI, epg.BridgeDomain)
	}
	bridgeDomain := bd.(*policy.BridgeDomain)

	port, err := im.ports.MustGetPort(ep.InterfaceName)
	if err != nil {
		return fmt.Errorf("openflow: endpoint %s: %w", ep.UUID, err)
	}

	bdID := im.ids.GetID("bd", string(epg.BridgeDomain))
	fdID := im.ids.GetID("fd", string(floodKey(epg)))
	rdID := im.ids.GetID("rd", string(bridgeDomain.RoutingDomain))

	var entries ofnet.FlowEntryList
	entries = append(entries, im.secTableEntries(ep, port)...)
	entries = append(entries, im.sourceTableEntry(ep, port, epg, bdID, fdID, rdID))
	entries = append(entries, im.learnTableEntries(ep, port, epg)...)
	entries = append(entries, im.bridgeTableEntries(ep, port, epg, bdID)...)
	if bridgeDomain.RoutingMode == policy.RoutingEnabled {
		entries = append(entries, im.routeTableEntries(ep, epg, rdID)...)
	}

	objID := "endpoint/" + ep.UUID
	if err := im.sw.WriteFlow(ctx, objID, entries); err != nil {
		return fmt.Errorf("openflow: writing endpoint %s flows: %w", ep.UUID, err)
	}

	if err := im.updateFloodMember(ctx, fdID, ep.UUID, port, ep.Promiscuous); err != nil {
		return fmt.Errorf("openflow: updating flood group for endpoint %s: %w", ep.UUID, err)
	}
	return nil
}

// RemoveEndpoint withdraws every flow owned by uuid and drops it from
// whichever flood group it last belonged to.
func (im *IntegrationManager) RemoveEndpoint(ctx context.Context, uuid string) error {
	objID := "endpoint/" + uuid
	if err := im.sw.WriteFlow(ctx, objID, nil); err != nil {
		return fmt.Errorf("openflow: removing endpoint %s flows: %w", uuid, err)
	}
	if err := im.removeFloodMember(ctx, uuid); err != nil {
		return fmt.Errorf("openflow: removing endpoint %s from flood group: %w", uuid, err)
	}
	return nil
}

// floodKey is the object a flood group is scoped to: the EPG's flood
// domain if it has one, else its bridge domain.
func floodKey(epg *policy.EndpointGroup) policy.URI {
	if epg.FloodDomain != "" {
		return epg.FloodDomain
	}
	return epg.BridgeDomain
}

// Controller punt reasons used by the SEC and BRIDGE tables.
const (
	reasonVIPPunt uint8 = iota + 1
	reasonProxyARP
	reasonProxyND
)

// secTableEntries renders port-security admission for ep: mac-only,
// mac+ip, and ARP-SPA allow entries at escalating priority, a
// wildcard allow for promiscuous ports, and a controller punt for
// each of its virtual IPs. Mirrors spec 4.10 step 3 and concrete
// scenario 1's SEC flow set.
func (im *IntegrationManager) secTableEntries(ep *policy.Endpoint, port uint32) ofnet.FlowEntryList {
	var entries ofnet.FlowEntryList
	if len(ep.MAC) != 6 {
		return entries
	}
	var mac [6]byte
	copy(mac[:], ep.MAC)
	allOnesMAC := [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	entries = append(entries, &ofnet.FlowEntry{
		Table:    IntSecTable,
		Priority: 20,
		Match:    ofnet.Match{InPort: port, EthSrc: mac, EthSrcMask: allOnesMAC},
		Actions:  []ofnet.Action{ofnet.GotoTable(IntSrcTable)},
	})

	for _, ip := range ep.IPs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		var addr [4]byte
		copy(addr[:], v4)
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntSecTable,
			Priority: 30,
			Match:    ofnet.Match{InPort: port, EthSrc: mac, EthSrcMask: allOnesMAC, EtherType: 0x0800, IPSrc: addr, IPSrcMask: [4]byte{255, 255, 255, 255}},
			Actions:  []ofnet.Action{ofnet.GotoTable(IntSrcTable)},
		})
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntSecTable,
			Priority: 40,
			Match:    ofnet.Match{InPort: port, EthSrc: mac, EthSrcMask: allOnesMAC, EtherType: 0x0806, ARPOp: 1, ARPSpa: addr},
			Actions:  []ofnet.Action{ofnet.GotoTable(IntSrcTable)},
		})
	}

	if ep.Promiscuous {
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntSecTable,
			Priority: 50,
			Match:    ofnet.Match{InPort: port},
			Actions:  []ofnet.Action{ofnet.GotoTable(IntSrcTable)},
		})
	}

	for _, vip := range ep.VirtualIPs {
		if len(vip.MAC) != 6 {
			continue
		}
		var vmac [6]byte
		copy(vmac[:], vip.MAC)
		cookie := uint64(im.ids.GetID("vip", vip.MAC.String()+vip.CIDR.String()))
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntSecTable,
			Priority: 60,
			Cookie:   cookie,
			Match:    ofnet.Match{InPort: port, EthSrc: vmac, EthSrcMask: allOnesMAC},
			Actions:  []ofnet.Action{ofnet.Controller(reasonVIPPunt)},
		})
	}
	return entries
}

func (im *IntegrationManager) sourceTableEntry(ep *policy.Endpoint, port uint32, epg *policy.EndpointGroup, bdID, fdID, rdID uint32) *ofnet.FlowEntry {
	cookie := uint64(im.ids.GetID("epg", string(epg.URI)))
	return &ofnet.FlowEntry{
		Table:    IntSrcTable,
		Priority: 140,
		Cookie:   cookie,
		Match:    ofnet.Match{InPort: port},
		Actions: []ofnet.Action{
			ofnet.LoadReg(regSrcEPG.number(), epg.VNID, 0xFFFFFF),
			ofnet.LoadReg(regBD.number(), bdID, 0xFFFFFFFF),
			ofnet.LoadReg(regFD.number(), fdID, 0xFFFFFFFF),
			ofnet.LoadReg(regRD.number(), rdID, 0xFFFFFFFF),
			ofnet.GotoTable(IntBridgeTable),
		},
	}
}

func (im *IntegrationManager) learnTableEntries(ep *policy.Endpoint, port uint32, epg *policy.EndpointGroup) ofnet.FlowEntryList {
	var entries ofnet.FlowEntryList
	if len(ep.MAC) != 6 {
		return entries
	}
	var mac [6]byte
	copy(mac[:], ep.MAC)
	entries = append(entries, &ofnet.FlowEntry{
		Table:    IntLearnTable,
		Priority: 100,
		Match:    ofnet.Match{EthSrc: mac, InPort: port},
		Actions:  []ofnet.Action{ofnet.GotoTable(IntServiceMapDstTable)},
	})
	return entries
}

func (im *IntegrationManager) bridgeTableEntries(ep *policy.Endpoint, port uint32, epg *policy.EndpointGroup, bdID uint32) ofnet.FlowEntryList {
	var entries ofnet.FlowEntryList
	if len(ep.MAC) != 6 {
		return entries
	}
	var mac [6]byte
	copy(mac[:], ep.MAC)
	match := ofnet.Match{EthDst: mac, EthDstMask: [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
	match.Regs[regBD.number()] = bdID
	match.RegMasks[regBD.number()] = 0xFFFFFFFF
	entries = append(entries, &ofnet.FlowEntry{
		Table:    IntBridgeTable,
		Priority: 10,
		Match:    match,
		Actions: []ofnet.Action{
			ofnet.LoadReg(regDstEPG.number(), epg.VNID, 0xFFFFFF),
			ofnet.LoadReg(regOutPort.number(), port, 0xFFFFFFFF),
			ofnet.GotoTable(IntPolTable),
		},
	})
	return entries
}

func (im *IntegrationManager) routeTableEntries(ep *policy.Endpoint, epg *policy.EndpointGroup, rdID uint32) ofnet.FlowEntryList {
	var entries ofnet.FlowEntryList
	for _, ip := range ep.IPs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		var addr [4]byte
		copy(addr[:], v4)
		match := ofnet.Match{EtherType: 0x0800, IPDst: addr, IPDstMask: [4]byte{255, 255, 255, 255}}
		match.Regs[regRD.number()] = rdID
		match.RegMasks[regRD.number()] = 0xFFFFFFFF
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntRouteTable,
			Priority: 500,
			Match:    match,
			Actions: []ofnet.Action{
				ofnet.LoadReg(regDstEPG.number(), epg.VNID, 0xFFFFFF),
				ofnet.GotoTable(IntPolTable),
			},
		})
	}
	return entries
}

// updateFloodMember upserts uuid's membership in fdID's flood group
// and (re-)installs both the ordinary and promiscuous-variant group-
// mods, per spec 4.10 step 9.
func (im *IntegrationManager) updateFloodMember(ctx context.Context, fdID uint32, uuid string, port uint32, promiscuous bool) error {
	im.floodMu.Lock()
	members, ok := im.floodMembers[fdID]
	if !ok {
		members = make(map[string]floodMember)
		im.floodMembers[fdID] = members
	}
	if prevFD, had := im.epFloodGroup[uuid]; had && prevFD != fdID {
		im.unlockedRemoveMember(prevFD, uuid)
	}
	members[uuid] = floodMember{port: port, promiscuous: promiscuous}
	im.epFloodGroup[uuid] = fdID
	floodBuckets, promiscBuckets := floodGroupBuckets(members)
	im.floodMu.Unlock()

	if err := im.sw.WriteGroup(ctx, &ofnet.GroupEntry{GroupID: fdID, Type: ofnet.GroupAll, Buckets: floodBuckets}); err != nil {
		return err
	}
	return im.sw.WriteGroup(ctx, &ofnet.GroupEntry{GroupID: fdID | promiscuousGroupFlag, Type: ofnet.GroupAll, Buckets: promiscBuckets})
}

// removeFloodMember drops uuid from whichever flood group it last
// belonged to, deleting both group variants if it was the last member.
func (im *IntegrationManager) removeFloodMember(ctx context.Context, uuid string) error {
	im.floodMu.Lock()
	fdID, ok := im.epFloodGroup[uuid]
	if !ok {
		im.floodMu.Unlock()
		return nil
	}
	delete(im.epFloodGroup, uuid)
	im.unlockedRemoveMember(fdID, uuid)
	members := im.floodMembers[fdID]
	empty := len(members) == 0
	var floodBuckets, promiscBuckets []ofnet.GroupBucket
	if !empty {
		floodBuckets, promiscBuckets = floodGroupBuckets(members)
	}
	im.floodMu.Unlock()

	if empty {
		if err := im.sw.DeleteGroup(ctx, fdID); err != nil {
			return err
		}
		return im.sw.DeleteGroup(ctx, fdID|promiscuousGroupFlag)
	}
	if err := im.sw.WriteGroup(ctx, &ofnet.GroupEntry{GroupID: fdID, Type: ofnet.GroupAll, Buckets: floodBuckets}); err != nil {
		return err
	}
	return im.sw.WriteGroup(ctx, &ofnet.GroupEntry{GroupID: fdID | promiscuousGroupFlag, Type: ofnet.GroupAll, Buckets: promiscBuckets})
}

// unlockedRemoveMember deletes uuid from fdID's member set. Callers
// must hold floodMu.
func (im *IntegrationManager) unlockedRemoveMember(fdID uint32, uuid string) {
	members, ok := im.floodMembers[fdID]
	if !ok {
		return
	}
	delete(members, uuid)
	if len(members) == 0 {
		delete(im.floodMembers, fdID)
	}
}

// floodGroupBuckets splits a flood group's members into the ordinary
// bucket list (non-promiscuous members only) and the promiscuous-
// variant bucket list (every member, so taps see everything the
// ordinary group floods plus each other).
func floodGroupBuckets(members map[string]floodMember) (flood, promisc []ofnet.GroupBucket) {
	for _, m := range members {
		bucket := ofnet.GroupBucket{Weight: 1, Actions: []ofnet.Action{ofnet.Output(m.port)}}
		promisc = append(promisc, bucket)
		if !m.promiscuous {
			flood = append(flood, bucket)
		}
	}
	return flood, promisc
}

// UpdateEndpointGroup renders epg's shared (per-EPG, not per-endpoint)
// flows: the static SEC floor, the BRIDGE unknown-unicast fallback,
// per-subnet ARP/ND responders, the SRC ingress-from-tunnel flow, and
// intra-group policy, then re-renders every endpoint the EPG (or an
// IP-address-mapping referencing it) affects. Mirrors spec 4.10's
// "Endpoint-group update" algorithm.
func (im *IntegrationManager) UpdateEndpointGroup(ctx context.Context, epg *policy.EndpointGroup) error {
	if err := im.sw.WriteFlow(ctx, "sec-floor", secFloorEntries()); err != nil {
		return fmt.Errorf("openflow: writing SEC floor: %w", err)
	}

	bdID := im.ids.GetID("bd", string(epg.BridgeDomain))
	bd, ok := im.store.Resolve(modb.ClassBridgeDomain, epg.BridgeDomain)
	var entries ofnet.FlowEntryList
	entries = append(entries, unknownUnicastFallback(bdID, ok && bd.(*policy.BridgeDomain).UnknownFloodMode == policy.UnknownFloodProxyUnicast))

	if ok {
		bridgeDomain := bd.(*policy.BridgeDomain)
		rdID := im.ids.GetID("rd", string(bridgeDomain.RoutingDomain))
		for _, subnetURI := range bridgeDomain.Subnets {
			sn, ok := im.store.Resolve(modb.ClassSubnet, subnetURI)
			if !ok {
				continue
			}
			subnet := sn.(*policy.Subnet)
			entries = append(entries, im.subnetResponderEntries(subnet, bdID, rdID)...)
		}
	}

	fdID := im.ids.GetID("fd", string(floodKey(epg)))
	entries = append(entries, &ofnet.FlowEntry{
		Table:    IntSrcTable,
		Priority: 149,
		Match:    ofnet.Match{TunnelID: uint64(epg.VNID)},
		Actions: []ofnet.Action{
			ofnet.LoadReg(regSrcEPG.number(), epg.VNID, 0xFFFFFF),
			ofnet.LoadReg(regBD.number(), bdID, 0xFFFFFFFF),
			ofnet.LoadReg(regFD.number(), fdID, 0xFFFFFFFF),
			ofnet.GotoTable(IntBridgeTable),
		},
	})

	if epg.IntraGroupPolicy == policy.ActionAllow {
		match := ofnet.Match{}
		match.Regs[regSrcEPG.number()] = epg.VNID
		match.RegMasks[regSrcEPG.number()] = 0xFFFFFF
		match.Regs[regDstEPG.number()] = epg.VNID
		match.RegMasks[regDstEPG.number()] = 0xFFFFFF
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntPolTable,
			Priority: 100,
			Match:    match,
			Actions:  []ofnet.Action{ofnet.GotoTable(IntStatsTable)},
		})
	}

	objID := "epg/" + string(epg.URI)
	if err := im.sw.WriteFlow(ctx, objID, entries); err != nil {
		return fmt.Errorf("openflow: writing endpoint group %s flows: %w", epg.URI, err)
	}

	return im.reenqueueEndpointGroup(ctx, epg.URI)
}

// secFloorEntries is the static priority-5/6 SEC-table baseline every
// EPG update re-asserts under the fixed "sec-floor" key: bare
// IPv4/IPv6/ARP with no more specific endpoint-admission match is
// dropped; DHCPv4 client traffic and ICMPv6 router solicitations are
// let through to source lookup regardless of endpoint identity.
func secFloorEntries() ofnet.FlowEntryList {
	return ofnet.FlowEntryList{
		{Table: IntSecTable, Priority: 5, Match: ofnet.Match{EtherType: 0x0800}, Actions: []ofnet.Action{ofnet.Drop()}},
		{Table: IntSecTable, Priority: 5, Match: ofnet.Match{EtherType: 0x86DD}, Actions: []ofnet.Action{ofnet.Drop()}},
		{Table: IntSecTable, Priority: 5, Match: ofnet.Match{EtherType: 0x0806}, Actions: []ofnet.Action{ofnet.Drop()}},
		{Table: IntSecTable, Priority: 6, Match: ofnet.Match{EtherType: 0x0800, IPProto: 17, UDPSrcPort: 68, UDPSrcMask: 0xFFFF, UDPDstPort: 67, UDPDstMask: 0xFFFF}, Actions: []ofnet.Action{ofnet.GotoTable(IntSrcTable)}},
		{Table: IntSecTable, Priority: 6, Match: ofnet.Match{EtherType: 0x86DD, IPProto: 58, ICMPType: 133}, Actions: []ofnet.Action{ofnet.GotoTable(IntSrcTable)}},
	}
}

// unknownUnicastFallback is BRIDGE's priority-1 catch-all for frames
// that miss every per-endpoint dst-mac entry: proxy-unicast mode punts
// to the controller for tunnel forwarding, anything else drops.
func unknownUnicastFallback(bdID uint32, proxyUnicast bool) *ofnet.FlowEntry {
	match := ofnet.Match{}
	match.Regs[regBD.number()] = bdID
	match.RegMasks[regBD.number()] = 0xFFFFFFFF
	action := ofnet.Drop()
	if proxyUnicast {
		action = ofnet.Controller(reasonProxyARP)
	}
	return &ofnet.FlowEntry{Table: IntBridgeTable, Priority: 1, Match: match, Actions: []ofnet.Action{action}}
}

// subnetResponderEntries renders BRIDGE-table proxy-ARP/ND flows for
// subnet's router IP, punted to the controller for reply synthesis
// (no ARP/ND packet-construction action exists in this agent's
// OpenFlow action vocabulary). Matches concrete scenario 1's "(20 ARP
// dst=bcast tpa=<router-ip> REG6=<rd>) -> proxy-ARP reply".
func (im *IntegrationManager) subnetResponderEntries(subnet *policy.Subnet, bdID, rdID uint32) ofnet.FlowEntryList {
	var entries ofnet.FlowEntryList
	if subnet.RouterIP == nil {
		return entries
	}

	if v4 := subnet.RouterIP.To4(); v4 != nil {
		var routerIP [4]byte
		copy(routerIP[:], v4)
		arpMatch := ofnet.Match{EtherType: 0x0806, ARPOp: 1, ARPTpa: routerIP}
		arpMatch.Regs[regRD.number()] = rdID
		arpMatch.RegMasks[regRD.number()] = 0xFFFFFFFF
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntBridgeTable,
			Priority: 20,
			Match:    arpMatch,
			Actions:  []ofnet.Action{ofnet.Controller(reasonProxyARP)},
		})
		return entries
	}

	ndMatch := ofnet.Match{EtherType: 0x86DD, IPProto: 58, ICMPType: 135, IPv6Dst: expandIPv6(subnet.RouterIP)}
	ndMatch.Regs[regRD.number()] = rdID
	ndMatch.RegMasks[regRD.number()] = 0xFFFFFFFF
	entries = append(entries, &ofnet.FlowEntry{
		Table:    IntBridgeTable,
		Priority: 20,
		Match:    ndMatch,
		Actions:  []ofnet.Action{ofnet.Controller(reasonProxyND)},
	})
	return entries
}

func expandIPv6(ip net.IP) [16]byte {
	var out [16]byte
	v6 := ip.To16()
	if v6 != nil {
		copy(out[:], v6)
	}
	return out
}

// reenqueueEndpointGroup re-renders every endpoint that is a direct
// member of epgURI, plus every endpoint whose IP-address-mapping names
// epgURI as its NAT EPG, per spec 4.10 step 6.
func (im *IntegrationManager) reenqueueEndpointGroup(ctx context.Context, epgURI policy.URI) error {
	for _, uri := range im.store.List(modb.ClassEndpoint) {
		ep, ok := im.store.Endpoint(uri)
		if !ok {
			continue
		}
		affected := ep.EndpointGroup == epgURI
		for _, ipm := range ep.IPAddressMappings {
			if ipm.NatEPG == epgURI {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}
		if err := im.UpdateEndpoint(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContract renders contract's rule list onto POL, one flow per
// (provider-VNID, consumer-VNID, direction, classifier-expansion)
// combination, cookie-tagged with the contract's own ID so a later
// update can be diffed and re-rendered atomically. Mirrors spec 4.10's
// "Contract update" algorithm and concrete scenario 3.
func (im *IntegrationManager) UpdateContract(ctx context.Context, contract *policy.Contract) error {
	cookie := uint64(im.ids.GetID("contract", string(contract.URI)))

	var entries ofnet.FlowEntryList
	for ruleIndex, rule := range contract.Rules {
		prio := contractRulePriority(ruleIndex)
		for _, provURI := range contract.Providers {
			provEPG, ok := im.store.EndpointGroup(provURI)
			if !ok {
				continue
			}
			for _, consURI := range contract.Consumers {
				consEPG, ok := im.store.EndpointGroup(consURI)
				if !ok {
					continue
				}
				mutual := containsURI(contract.Consumers, provURI) && containsURI(contract.Providers, consURI)
				for _, dir := range ruleDirections(rule.Direction) {
					if mutual && rule.Direction == policy.DirectionBi && dir == policy.DirectionOut {
						continue // collapsed to `in` only between mutual provider/consumer EPGs
					}
					srcVNID, dstVNID := provEPG.VNID, consEPG.VNID
					if dir == policy.DirectionOut {
						srcVNID, dstVNID = consEPG.VNID, provEPG.VNID
					}
					base := ofnet.Match{}
					base.Regs[regSrcEPG.number()] = srcVNID
					base.RegMasks[regSrcEPG.number()] = 0xFFFFFF
					base.Regs[regDstEPG.number()] = dstVNID
					base.RegMasks[regDstEPG.number()] = 0xFFFFFF

					for _, m := range expandClassifierMatches(base, rule.Classifier, rule.RemoteSubnets, false) {
						entries = append(entries, &ofnet.FlowEntry{
							Table:    IntPolTable,
							Priority: prio,
							Cookie:   cookie,
							Match:    m,
							Actions:  policyRuleActions(rule),
						})
					}
				}
			}
		}
	}

	objID := "contract/" + string(contract.URI)
	if err := im.sw.WriteFlow(ctx, objID, entries); err != nil {
		return fmt.Errorf("openflow: writing contract %s flows: %w", contract.URI, err)
	}
	return nil
}

// contractRulePriority computes MAX_POLICY_RULE_PRIORITY - ruleIndex,
// capped so a malformed (very large or negative-after-wrap) index
// never escapes the POL priority band reserved for contracts.
func contractRulePriority(ruleIndex int) uint16 {
	prio := maxPolicyRulePriority - ruleIndex
	if prio > maxPolicyRulePriority {
		prio = maxPolicyRulePriority
	}
	if prio < 1 {
		prio = 1
	}
	return uint16(prio)
}

func policyRuleActions(rule policy.Rule) []ofnet.Action {
	if rule.Action == policy.ActionDeny {
		return []ofnet.Action{ofnet.Drop()}
	}
	return []ofnet.Action{ofnet.GotoTable(IntStatsTable)}
}

func ruleDirections(d policy.RuleDirection) []policy.RuleDirection {
	switch d {
	case policy.DirectionIn:
		return []policy.RuleDirection{policy.DirectionIn}
	case policy.DirectionOut:
		return []policy.RuleDirection{policy.DirectionOut}
	default:
		return []policy.RuleDirection{policy.DirectionIn, policy.DirectionOut}
	}
}

func containsURI(list []policy.URI, u policy.URI) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

// UpdateRoutingDomain renders the conntrack-zone binding and any
// RDConfig-supplied extra internal subnets for rd, per spec 4.10's
// "Routing-domain update" algorithm, supplemented with RDConfig per
// SPEC_FULL.md section 3 item 6.
func (im *IntegrationManager) UpdateRoutingDomain(ctx context.Context, rd *policy.RoutingDomain, cfg *policy.RDConfig) error {
	zone, err := im.zones.ZoneFor(rd.URI)
	if err != nil {
		return fmt.Errorf("openflow: routing domain %s: %w", rd.URI, err)
	}

	var entries ofnet.FlowEntryList
	internal := append([]*net.IPNet{}, rd.InternalSubnets...)
	if cfg != nil {
		internal = append(internal, cfg.InternalCIDRs...)
	}
	for _, subnet := range internal {
		v4 := subnet.IP.To4()
		if v4 == nil {
			continue
		}
		var addr, mask [4]byte
		copy(addr[:], v4)
		copy(mask[:], net.IP(subnet.Mask).To4())
		ones, _ := subnet.Mask.Size()
		entries = append(entries, &ofnet.FlowEntry{
			Table:    IntRouteTable,
			Priority: uint16(300 + ones),
			Cookie:   uint64(zone),
			Match:    ofnet.Match{EtherType: 0x0800, IPDst: addr, IPDstMask: mask},
			Actions:  []ofnet.Action{ofnet.GotoTable(IntNatInTable)},
		})
	}

	objID := "rd/" + string(rd.URI)
	if err := im.sw.WriteFlow(ctx, objID, entries); err != nil {
		return fmt.Errorf("openflow: writing routing domain %s flows: %w", rd.URI, err)
	}
	return nil
}
