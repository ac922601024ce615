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

// Package policy holds the declarative policy objects resolved by the
// policy element and read by the agent through the MODB listener facade
// in pkg/modb. These types are read-only inputs to the flow-programming
// engine; nothing in this package mutates switch state.
package policy

import (
	"net"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// URI identifies a managed object in the MODB. It is opaque outside of
// comparisons and use as a map/ObjectKey.
type URI string

// RoutingMode controls whether a domain forwards at L3.
type RoutingMode string

const (
	RoutingEnabled  RoutingMode = "enabled"
	RoutingDisabled RoutingMode = "disabled"
)

// UnknownFloodMode controls how unknown-unicast traffic is handled within
// a flood domain.
type UnknownFloodMode string

const (
	UnknownFloodDrop          UnknownFloodMode = "drop"
	UnknownFloodFlood         UnknownFloodMode = "flood"
	UnknownFloodProxyUnicast  UnknownFloodMode = "proxy-unicast"
)

// ArpMode controls how ARP/ND requests are answered within a domain.
type ArpMode string

const (
	ArpModeUnicast       ArpMode = "unicast"
	ArpModeFlood         ArpMode = "flood"
	ArpModeUnicastProxy  ArpMode = "unicast-proxy"
)

// PolicyAction is the outcome of an allow/deny rule.
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionDeny  PolicyAction = "deny"
)

// RuleDirection is the direction a contract/security-group rule applies to.
type RuleDirection string

const (
	DirectionIn  RuleDirection = "in"
	DirectionOut RuleDirection = "out"
	DirectionBi  RuleDirection = "bi"
)

// ConntrackMode selects how a rule interacts with connection tracking.
type ConntrackMode string

const (
	ConntrackNormal    ConntrackMode = "normal"
	ConntrackReflexive ConntrackMode = "reflexive"
)

// PortRange is an inclusive L4 port range; Start==End for a single port.
type PortRange struct {
	Start uint16
	End   uint16
}

// L24Classifier matches L2 through L4 header fields.
type L24Classifier struct {
	EtherType   uint16
	IPProto     uint8
	SrcPorts    []PortRange
	DstPorts    []PortRange
	TCPFlags    uint16
	TCPFlagsMask uint16
}

// Rule is a single entry in a Contract or SecurityGroup rule list.
type Rule struct {
	Direction     RuleDirection
	Action        PolicyAction
	Classifier    L24Classifier
	RemoteSubnets []*net.IPNet
	Conntrack     ConntrackMode
}

// Contract is a policy relation between provider and consumer EPGs.
type Contract struct {
	URI       URI
	Providers []URI
	Consumers []URI
	Rules     []Rule
}

// SecurityGroup carries an ordered rule list, same shape as a Contract's.
type SecurityGroup struct {
	URI   URI
	Rules []Rule
}

// Subnet is a CIDR with an optional gateway/router IP, owned by a
// BridgeDomain or RoutingDomain.
type Subnet struct {
	URI       URI
	CIDR      *net.IPNet
	RouterIP  net.IP
	RouterMAC net.HardwareAddr
}

// BridgeDomain is an L2 broadcast scope.
type BridgeDomain struct {
	URI              URI
	RoutingDomain    URI
	Subnets          []URI
	RoutingMode      RoutingMode
	UnknownFloodMode UnknownFloodMode
	ArpMode          ArpMode
}

// FloodDomain is a finer-grained flood scope, typically a subset of a BD.
type FloodDomain struct {
	URI              URI
	BridgeDomain     URI
	UnknownFloodMode UnknownFloodMode
	ArpMode          ArpMode
}

// RoutingDomain is an L3 (VRF) scope.
type RoutingDomain struct {
	URI                   URI
	InternalSubnets       []*net.IPNet
	L3ExternalDomains     []URI
}

// L3ExternalNetwork is a set of external CIDRs, optionally NAT'd via an EPG.
type L3ExternalNetwork struct {
	URI            URI
	ExternalDomain URI
	ExternalSubnet []*net.IPNet
	NatEPG         URI // optional, empty if unset
}

// L3ExternalDomain groups L3ExternalNetworks under a routing domain.
type L3ExternalDomain struct {
	URI                URI
	RoutingDomain      URI
	L3ExternalNetworks []URI
}

// RDConfig names extra CIDRs to treat as "internal" within a routing domain.
type RDConfig struct {
	RoutingDomain URI
	InternalCIDRs []*net.IPNet
}

// EndpointGroup carries a VNID and membership in exactly one each of
// bridge-domain, (optional) flood-domain, and routing-domain.
type EndpointGroup struct {
	URI              URI
	VNID             uint32 // 24-bit
	BridgeDomain     URI
	FloodDomain      URI // optional, empty if unset
	RoutingDomain    URI
	IntraGroupPolicy PolicyAction
	MulticastGroupIP net.IP // optional
}

// VirtualIP is a MAC+CIDR pair an endpoint may additionally answer for.
type VirtualIP struct {
	MAC  net.HardwareAddr
	CIDR *net.IPNet
}

// IPAddressMapping binds a floating IP to a mapped IP via NAT, optionally
// through another EPG and next-hop.
type IPAddressMapping struct {
	URI       URI
	FloatingIP net.IP
	MappedIP   net.IP
	NatEPG     URI
	NextHopIP  net.IP // optional
}

// DHCPv4Config / DHCPv6Config are per-endpoint DHCP server behaviors.
type DHCPv4Config struct {
	Enabled    bool
	ServerIP   net.IP
	Routers    []net.IP
	DNSServers []net.IP
	Domain     string
	StaticIP   net.IP
	LeaseTime  uint32
}

type DHCPv6Config struct {
	Enabled    bool
	DNSServers []net.IP
	SearchList []string
}

// Endpoint is a single workload attachment point.
type Endpoint struct {
	UUID               string
	MAC                net.HardwareAddr // optional, nil if not yet learned
	IPs                []net.IP
	InterfaceName      string
	AccessInterface    string // optional
	EndpointGroup      URI
	SecurityGroups     sets.String // set of SecurityGroup URIs
	VirtualIPs         []VirtualIP
	IPAddressMappings  []IPAddressMapping
	DHCPv4             *DHCPv4Config
	DHCPv6             *DHCPv6Config
	Promiscuous        bool
	DiscoveryProxyMode bool
}

// ServiceMapping is a single anycast-service virtual-IP to real-endpoint
// binding.
type ServiceMapping struct {
	ServiceIP net.IP
	NextHopIP net.IP // optional
	GatewayIP net.IP
}

// AnycastService fronts a set of service mappings behind one interface.
type AnycastService struct {
	UUID          string
	InterfaceName string
	Domain        URI
	Mappings      []ServiceMapping
}

// SecurityGroupSetKey deterministically identifies the union of SG URIs
// an endpoint references — the key used for per-set re-render triggers
// (spec 4.11 "Security-group set updates").
func SecurityGroupSetKey(sgs sets.String) string {
	return strings.Join(sgs.List(), ",")
}
