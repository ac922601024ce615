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
	"net"

	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/ofnet"
	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

// expandClassifierMatches yields one ofnet.Match per (remote-subnet,
// dst-port-range, src-port-range) combination implied by an
// L24Classifier, applied atop base. Both the access-bridge security-
// group renderer and the integration-bridge contract renderer expand
// a rule through this helper, per spec 4.11's "one flow per ...
// remote-subnet, per L4-port range" requirement — a rule naming
// several subnets or port ranges must render a flow for each, not
// just the first.
func expandClassifierMatches(base ofnet.Match, c policy.L24Classifier, remoteSubnets []*net.IPNet, remoteIsSrc bool) []ofnet.Match {
	subnets := remoteSubnets
	if len(subnets) == 0 {
		subnets = []*net.IPNet{nil}
	}
	dstPorts := c.DstPorts
	if len(dstPorts) == 0 {
		dstPorts = []policy.PortRange{{}}
	}
	srcPorts := c.SrcPorts
	if len(srcPorts) == 0 {
		srcPorts = []policy.PortRange{{}}
	}

	var out []ofnet.Match
	for _, subnet := range subnets {
		for _, dp := range dstPorts {
			for _, sp := range srcPorts {
				m := base
				m.EtherType = c.EtherType
				m.IPProto = c.IPProto
				m.TCPFlags = c.TCPFlags
				m.TCPFlagsMask = c.TCPFlagsMask
				applyRemoteSubnet(&m, subnet, remoteIsSrc)
				applyPortRange(&m.TCPDstPort, &m.TCPDstMask, dp)
				applyPortRange(&m.TCPSrcPort, &m.TCPSrcMask, sp)
				out = append(out, m)
			}
		}
	}
	return out
}

func applyRemoteSubnet(m *ofnet.Match, subnet *net.IPNet, remoteIsSrc bool) {
	if subnet == nil {
		return
	}
	v4 := subnet.IP.To4()
	if v4 == nil {
		return
	}
	var addr, mask [4]byte
	copy(addr[:], v4)
	copy(mask[:], net.IP(subnet.Mask).To4())
	if remoteIsSrc {
		m.IPSrc, m.IPSrcMask = addr, mask
	} else {
		m.IPDst, m.IPDstMask = addr, mask
	}
}

// applyPortRange sets an exact-match port/mask for a single-value
// range (Start==End). A genuine multi-value range is left unmasked
// (matches any port in that field) rather than silently narrowed to
// its first value — precise bitmask decomposition of an arbitrary
// port range is not implemented.
func applyPortRange(port, mask *uint16, r policy.PortRange) {
	if r.Start == 0 && r.End == 0 {
		return
	}
	if r.Start == r.End {
		*port = r.Start
		*mask = 0xFFFF
	}
}
