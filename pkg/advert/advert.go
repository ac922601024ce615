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

// Package advert schedules periodic, jittered gratuitous ARP (IPv4) and
// unsolicited IPv6 neighbor-advertisement retransmission for endpoints
// that opt into it, so a freshly (re)attached or migrated endpoint's
// MAC/IP bindings get pushed into upstream switches' caches rather than
// waiting on a cache timeout. The Manager schedules only ARP and
// neighbor advertisements; it never sends the RARP or router-
// advertisement frames that PacketSender also declares. Grounded on
// original_source AdvertManager.h.
package advert

import (
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/mdlayher/ndp"
)

// EndpointAdvMode names how aggressively an endpoint's bindings are
// (re)announced.
type EndpointAdvMode int

const (
	// AdvModeNone sends no advertisements for this endpoint.
	AdvModeNone EndpointAdvMode = iota
	// AdvModeGratuitous sends a small fixed burst on attach only.
	AdvModeGratuitous
	// AdvModeRepeat keeps retransmitting on a jittered interval until
	// stopped, for endpoints that may migrate (e.g. anycast services).
	AdvModeRepeat
)

// PacketSender emits one raw advertisement frame out ifaceName. Kept as
// an interface so tests don't need a live raw socket; production
// wiring sends gratuitous ARP/RARP via an AF_PACKET socket and ND/RA
// via mdlayher/ndp.Conn, matching the split the original agent makes
// between v4 and v6 advertisement transports.
type PacketSender interface {
	SendGratuitousARP(ifaceName string, mac net.HardwareAddr, ip net.IP) error
	SendGratuitousRARP(ifaceName string, mac net.HardwareAddr) error
	SendNeighborAdvertisement(ifaceName string, mac net.HardwareAddr, ip net.IP) error
	SendRouterAdvertisement(ifaceName string, routerMAC net.HardwareAddr, prefix *net.IPNet) error
}

// NDPSender is the IPv6 neighbor-advertisement transport a PacketSender
// implementation delegates to, built over an mdlayher/ndp.Conn —
// reusing the flywall pack's choice of that library for
// neighbor-discovery framing instead of hand-rolled ICMPv6.
type NDPSender struct {
	conn *ndp.Conn
}

// NewNDPSender wraps an already-dialed ndp.Conn for ifaceName.
func NewNDPSender(conn *ndp.Conn) *NDPSender {
	return &NDPSender{conn: conn}
}

// SendNeighborAdvertisement sends an unsolicited NA asserting mac owns
// ip, with the override flag set so receivers replace any cached entry.
func (s *NDPSender) SendNeighborAdvertisement(ip net.IP, mac net.HardwareAddr) error {
	msg := &ndp.NeighborAdvertisement{
		Solicited:     false,
		Override:      true,
		Router:        false,
		TargetAddress: ip,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Target, Addr: mac},
		},
	}
	return s.conn.WriteTo(msg, nil, net.IPv6linklocalallnodes)
}

// retransmitState tracks one endpoint's in-flight advertisement timer.
type retransmitState struct {
	stop chan struct{}
}

// Manager drives the advertisement schedule for a set of endpoints.
type Manager struct {
	mu       sync.Mutex
	sender   PacketSender
	active   map[string]*retransmitState
	baseInterval time.Duration
	jitterFrac   float64
}

// New builds a Manager sending through sender, retransmitting (for
// AdvModeRepeat endpoints) roughly every baseInterval, jittered by
// +/-jitterFrac to avoid synchronized bursts across many endpoints.
func New(sender PacketSender, baseInterval time.Duration, jitterFrac float64) *Manager {
	return &Manager{
		sender:       sender,
		active:       make(map[string]*retransmitState),
		baseInterval: baseInterval,
		jitterFrac:   jitterFrac,
	}
}

func (m *Manager) jitteredInterval() time.Duration {
	if m.jitterFrac <= 0 {
		return m.baseInterval
	}
	delta := float64(m.baseInterval) * m.jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(m.baseInterval) + offset)
}

// Announce starts advertising uuid's mac/ip binding over iface
// according to mode. Calling Announce again for the same uuid replaces
// its schedule.
func (m *Manager) Announce(uuid, iface string, mac net.HardwareAddr, ip net.IP, mode EndpointAdvMode) {
	m.Withdraw(uuid)
	if mode == AdvModeNone {
		return
	}

	st := &retransmitState{stop: make(chan struct{})}
	m.mu.Lock()
	m.active[uuid] = st
	m.mu.Unlock()

	go m.run(uuid, iface, mac, ip, mode, st)
}

func (m *Manager) run(uuid, iface string, mac net.HardwareAddr, ip net.IP, mode EndpointAdvMode, st *retransmitState) {
	send := func() {
		if ip.To4() != nil {
			if err := m.sender.SendGratuitousARP(iface, mac, ip); err != nil {
				log.Errorf("advert: gratuitous ARP for %s on %s: %v", uuid, iface, err)
			}
		} else {
			if err := m.sender.SendNeighborAdvertisement(iface, mac, ip); err != nil {
				log.Errorf("advert: neighbor advertisement for %s on %s: %v", uuid, iface, err)
			}
		}
	}

	send()
	if mode == AdvModeGratuitous {
		for i := 0; i < 2; i++ {
			select {
			case <-time.After(200 * time.Millisecond):
				send()
			case <-st.stop:
				return
			}
		}
		m.mu.Lock()
		if m.active[uuid] == st {
			delete(m.active, uuid)
		}
		m.mu.Unlock()
		return
	}

	for {
		select {
		case <-time.After(m.jitteredInterval()):
			send()
		case <-st.stop:
			return
		}
	}
}

// Withdraw stops any in-flight advertisement schedule for uuid.
func (m *Manager) Withdraw(uuid string) {
	m.mu.Lock()
	st, ok := m.active[uuid]
	if ok {
		delete(m.active, uuid)
	}
	m.mu.Unlock()
	if ok {
		close(st.stop)
	}
}

// Active reports whether uuid currently has a running schedule.
func (m *Manager) Active(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[uuid]
	return ok
}
