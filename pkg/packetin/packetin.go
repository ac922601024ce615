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

// Package packetin dispatches OpenFlow packet-ins by the cookie a
// reactive flow tagged them with. It handles MAC learning for
// not-yet-bound endpoints and DHCPv4 replies. Neighbor-discovery and
// virtual-IP packet-ins are only logged, with no reply sent, and
// packet-ins carrying CookieICMP fall through to the unhandled case.
// Grounded on original_source PacketInHandler.h.
package packetin

import (
	"fmt"
	"net"
	"sync"

	"github.com/contiv/ofnet/ofctrl"
	"github.com/insomniacslk/dhcp/dhcpv4"
	log "github.com/Sirupsen/logrus"
)

// Cookie values a reactive flow tags a packet-in with, read from the
// low bits of the OpenFlow cookie field (the round-number bits set by
// pkg/ovs/switchmanager occupy the high bits and are masked off before
// dispatch).
const (
	CookieLearn uint64 = iota + 1
	CookieDHCP
	CookieICMP
	CookieND
	CookieVIP
)

// LearnSink is notified when a new source MAC/port/VLAN binding is
// observed, so the integration flow manager can render the
// corresponding learn-table flow.
type LearnSink interface {
	MACLearned(port uint32, mac net.HardwareAddr, vlan uint16)
}

// DHCPResponder builds a DHCPv4 reply for an incoming request, given
// the requesting endpoint's interface name.
type DHCPResponder interface {
	BuildReply(ifaceName string, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error)
}

// PacketOutSender emits a raw Ethernet frame out a specific OpenFlow
// port, used to reply to DHCP/ARP/ND requests the controller handles
// directly rather than installing a reactive flow for.
type PacketOutSender interface {
	SendPacketOut(port uint32, frame []byte) error
}

// Handler dispatches packet-ins to the behavior their cookie selects.
type Handler struct {
	mu          sync.Mutex
	learn       LearnSink
	dhcp        DHCPResponder
	out         PacketOutSender
	portToIface func(port uint32) (string, bool)
	reconcile   func(port uint32, mac net.HardwareAddr)
}

// New builds a Handler. portToIface resolves an OpenFlow port to its
// interface name for the DHCP responder; reconcile is invoked after a
// learn event so the caller's reactive-flow reconciliation hook (the
// learn-table flow install) can run — corresponding to
// original_source's reconcileReactiveFlow.
func New(learn LearnSink, dhcp DHCPResponder, out PacketOutSender, portToIface func(uint32) (string, bool), reconcile func(uint32, net.HardwareAddr)) *Handler {
	return &Handler{learn: learn, dhcp: dhcp, out: out, portToIface: portToIface, reconcile: reconcile}
}

// Dispatch routes pkt according to the cookie bits a reactive flow
// tagged it with, masking off the switch manager's round-number bits
// first.
func (h *Handler) Dispatch(pkt *ofctrl.PacketIn, roundMask uint64) error {
	cookie := pkt.Cookie &^ roundMask
	switch cookie {
	case CookieLearn:
		return h.handleLearn(pkt)
	case CookieDHCP:
		return h.handleDHCP(pkt)
	case CookieND:
		return h.handleND(pkt)
	case CookieVIP:
		return h.handleVIP(pkt)
	default:
		log.Debugf("packetin: unhandled cookie %x", cookie)
		return nil
	}
}

func (h *Handler) handleLearn(pkt *ofctrl.PacketIn) error {
	srcMAC, err := extractEthSrc(pkt.Data)
	if err != nil {
		return fmt.Errorf("packetin: learn: %w", err)
	}
	port := pkt.Match.InPort()
	if h.learn != nil {
		h.learn.MACLearned(port, srcMAC, 0)
	}
	if h.reconcile != nil {
		h.reconcile(port, srcMAC)
	}
	return nil
}

func (h *Handler) handleDHCP(pkt *ofctrl.PacketIn) error {
	if h.dhcp == nil || h.out == nil {
		return nil
	}
	port := pkt.Match.InPort()
	iface, ok := h.portToIface(port)
	if !ok {
		return fmt.Errorf("packetin: dhcp: no interface known for port %d", port)
	}

	req, err := dhcpv4.FromBytes(pkt.Data)
	if err != nil {
		return fmt.Errorf("packetin: dhcp: decoding request: %w", err)
	}
	reply, err := h.dhcp.BuildReply(iface, req)
	if err != nil {
		return fmt.Errorf("packetin: dhcp: building reply for %s: %w", iface, err)
	}
	return h.out.SendPacketOut(port, reply.ToBytes())
}

func (h *Handler) handleND(pkt *ofctrl.PacketIn) error {
	log.Debugf("packetin: neighbor-discovery packet-in on port %d", pkt.Match.InPort())
	return nil
}

func (h *Handler) handleVIP(pkt *ofctrl.PacketIn) error {
	log.Debugf("packetin: virtual-ip packet-in on port %d", pkt.Match.InPort())
	return nil
}

func extractEthSrc(data []byte) (net.HardwareAddr, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("ethernet frame too short: %d bytes", len(data))
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, data[6:12])
	return mac, nil
}
