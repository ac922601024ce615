package openflow

import (
	"context"
	"net"
	"testing"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/opendaylight/opflex-agent-ovs/pkg/idgen"
	"github.com/opendaylight/opflex-agent-ovs/pkg/modb"
	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/ofnet"
	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/portmapper"
	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

type fakeSwitchWriter struct {
	writes map[string]ofnet.FlowEntryList
	groups map[uint32]*ofnet.GroupEntry
}

func newFakeSwitchWriter() *fakeSwitchWriter {
	return &fakeSwitchWriter{writes: make(map[string]ofnet.FlowEntryList), groups: make(map[uint32]*ofnet.GroupEntry)}
}

func (f *fakeSwitchWriter) WriteFlow(ctx context.Context, objID string, entries ofnet.FlowEntryList) error {
	if len(entries) == 0 {
		delete(f.writes, objID)
		return nil
	}
	f.writes[objID] = entries
	return nil
}

func (f *fakeSwitchWriter) WriteGroup(ctx context.Context, g *ofnet.GroupEntry) error {
	f.groups[g.GroupID] = g
	return nil
}

func (f *fakeSwitchWriter) DeleteGroup(ctx context.Context, groupID uint32) error {
	delete(f.groups, groupID)
	return nil
}

func TestUpdateEndpointRendersSourceAndBridgeFlows(t *testing.T) {
	RegisterTestingT(t)

	store := modb.NewStore()
	ports := portmapper.New()
	ports.Update("veth0", 5)
	ids := idgen.New("")
	Expect(ids.InitNamespace("epg")).To(Succeed())

	bd := &policy.BridgeDomain{URI: "/bd1", RoutingMode: policy.RoutingEnabled}
	store.Put(modb.ClassBridgeDomain, bd.URI, bd)
	epg := &policy.EndpointGroup{URI: "/epg1", VNID: 42, BridgeDomain: bd.URI}
	store.Put(modb.ClassEndpointGroup, epg.URI, epg)

	sw := newFakeSwitchWriter()
	im := NewIntegrationManager(sw, store, ports, ids, nil)

	ep := &policy.Endpoint{
		UUID:          "ep1",
		MAC:           net.HardwareAddr{0, 1, 2, 3, 4, 5},
		IPs:           []net.IP{net.ParseIP("10.0.0.5")},
		InterfaceName: "veth0",
		EndpointGroup: epg.URI,
	}
	Expect(im.UpdateEndpoint(context.Background(), ep)).To(Succeed())

	entries := sw.writes["endpoint/ep1"]
	Expect(entries).NotTo(BeEmpty())

	var sawSrc, sawBridge, sawRoute bool
	for _, e := range entries {
		switch e.Table {
		case IntSrcTable:
			sawSrc = true
		case IntBridgeTable:
			sawBridge = true
		case IntRouteTable:
			sawRoute = true
		}
	}
	Expect(sawSrc).To(BeTrue())
	Expect(sawBridge).To(BeTrue())
	Expect(sawRoute).To(BeTrue())
}

func TestRemoveEndpointClearsFlows(t *testing.T) {
	RegisterTestingT(t)

	sw := newFakeSwitchWriter()
	sw.writes["endpoint/ep1"] = ofnet.FlowEntryList{{Table: IntSrcTable}}
	im := NewIntegrationManager(sw, modb.NewStore(), portmapper.New(), idgen.New(""), nil)

	Expect(im.RemoveEndpoint(context.Background(), "ep1")).To(Succeed())
	_, ok := sw.writes["endpoint/ep1"]
	Expect(ok).To(BeFalse())
}

func TestUpdateEndpointSecurityGroupsRendersAllowAndDeny(t *testing.T) {
	RegisterTestingT(t)

	store := modb.NewStore()
	ports := portmapper.New()
	ports.Update("access0", 7)
	ids := idgen.New("")
	Expect(ids.InitNamespace("secgrouprule")).To(Succeed())

	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	sg := &policy.SecurityGroup{
		URI: "/sg1",
		Rules: []policy.Rule{
			{Direction: policy.DirectionIn, Action: policy.ActionAllow, RemoteSubnets: []*net.IPNet{cidr}},
			{Direction: policy.DirectionOut, Action: policy.ActionDeny, RemoteSubnets: []*net.IPNet{cidr}},
		},
	}
	store.Put(modb.ClassSecurityGroup, sg.URI, sg)

	sw := newFakeSwitchWriter()
	am := NewAccessManager(sw, store, ports, ids)

	ep := &policy.Endpoint{
		UUID:            "ep1",
		AccessInterface: "access0",
		SecurityGroups:  sets.NewString("/sg1"),
	}
	Expect(am.UpdateEndpointSecurityGroups(context.Background(), ep, 100)).To(Succeed())

	key := securityGroupSetKey(ep)
	entries := sw.writes[key]
	// group-map + commit bootstrap + check bootstrap + allow + deny
	Expect(entries).To(HaveLen(5))

	var sawIn, sawOut, sawCommit, sawCheck bool
	for _, e := range entries {
		if e.Table == AccSecGroupInTable {
			sawIn = true
		}
		if e.Table == AccSecGroupOutTable {
			sawOut = true
		}
		if e.Priority == bootstrapPriority && e.Table == AccSecGroupInTable {
			sawCommit = true
		}
		if e.Priority == bootstrapPriority && e.Table == AccSecGroupOutTable {
			sawCheck = true
		}
	}
	Expect(sawIn).To(BeTrue())
	Expect(sawOut).To(BeTrue())
	Expect(sawCommit).To(BeTrue())
	Expect(sawCheck).To(BeTrue())
}

func TestUpdateEndpointGroupRendersIntraGroupPolicy(t *testing.T) {
	RegisterTestingT(t)

	store := modb.NewStore()
	ports := portmapper.New()
	ids := idgen.New("")
	Expect(ids.InitNamespace("bd")).To(Succeed())
	Expect(ids.InitNamespace("fd")).To(Succeed())
	Expect(ids.InitNamespace("rd")).To(Succeed())

	bd := &policy.BridgeDomain{URI: "/bd1", RoutingMode: policy.RoutingEnabled}
	store.Put(modb.ClassBridgeDomain, bd.URI, bd)
	epg := &policy.EndpointGroup{URI: "/epg1", VNID: 42, BridgeDomain: bd.URI, IntraGroupPolicy: policy.ActionAllow}
	store.Put(modb.ClassEndpointGroup, epg.URI, epg)

	sw := newFakeSwitchWriter()
	im := NewIntegrationManager(sw, store, ports, ids, nil)

	Expect(im.UpdateEndpointGroup(context.Background(), epg)).To(Succeed())

	entries := sw.writes["epg//epg1"]
	var sawIntraGroupAllow bool
	for _, e := range entries {
		if e.Table == IntPolTable && e.Priority == 100 {
			sawIntraGroupAllow = true
		}
	}
	Expect(sawIntraGroupAllow).To(BeTrue())
	Expect(sw.writes["sec-floor"]).NotTo(BeEmpty())
}

func TestUpdateContractRendersPriorityAndCookie(t *testing.T) {
	RegisterTestingT(t)

	store := modb.NewStore()
	ids := idgen.New("")
	Expect(ids.InitNamespace("contract")).To(Succeed())

	provEPG := &policy.EndpointGroup{URI: "/epg0", VNID: 0xA0A}
	consEPG := &policy.EndpointGroup{URI: "/epg1", VNID: 0xB0B}
	store.Put(modb.ClassEndpointGroup, provEPG.URI, provEPG)
	store.Put(modb.ClassEndpointGroup, consEPG.URI, consEPG)

	contract := &policy.Contract{
		URI:       "/c1",
		Providers: []policy.URI{provEPG.URI},
		Consumers: []policy.URI{consEPG.URI},
		Rules: []policy.Rule{
			{
				Direction: policy.DirectionIn,
				Action:    policy.ActionAllow,
				Classifier: policy.L24Classifier{
					EtherType: 0x0800,
					IPProto:   6,
					DstPorts:  []policy.PortRange{{Start: 80, End: 80}},
				},
			},
		},
	}

	sw := newFakeSwitchWriter()
	im := NewIntegrationManager(sw, store, portmapper.New(), ids, nil)
	Expect(im.UpdateContract(context.Background(), contract)).To(Succeed())

	entries := sw.writes["contract//c1"]
	Expect(entries).To(HaveLen(1))
	e := entries[0]
	Expect(e.Priority).To(Equal(uint16(8192)))
	Expect(e.Cookie).To(Equal(uint64(ids.GetID("contract", "/c1"))))
	Expect(e.Match.Regs[regSrcEPG.number()]).To(Equal(provEPG.VNID))
	Expect(e.Match.Regs[regDstEPG.number()]).To(Equal(consEPG.VNID))
	Expect(e.Match.TCPDstPort).To(Equal(uint16(80)))
}
