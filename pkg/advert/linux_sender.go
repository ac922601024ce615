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

package advert

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// LinuxPacketSender implements PacketSender's ARP/RARP half over a raw
// AF_PACKET socket, bypassing the kernel's own ARP handling so the
// gratuitous announcement always goes out exactly as constructed
// (the kernel's ARP stack may otherwise suppress a duplicate
// announcement it thinks it already sent).
type LinuxPacketSender struct {
	ndp *NDPSender
}

// NewLinuxPacketSender builds a sender whose IPv6 half delegates to
// ndp (nil is valid if only ARP/RARP is needed).
func NewLinuxPacketSender(ndp *NDPSender) *LinuxPacketSender {
	return &LinuxPacketSender{ndp: ndp}
}

func openRawSocket(ifaceName string) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ARP)))
	if err != nil {
		return -1, fmt.Errorf("advert: opening AF_PACKET socket: %w", err)
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("advert: looking up interface %s: %w", ifaceName, err)
	}
	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ARP),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("advert: binding AF_PACKET socket to %s: %w", ifaceName, err)
	}
	return fd, nil
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// SendGratuitousARP builds and transmits an ARP reply announcing that
// mac owns ip, with both sender and target protocol address set to ip
// per RFC 5227's gratuitous-ARP convention.
func (s *LinuxPacketSender) SendGratuitousARP(ifaceName string, mac net.HardwareAddr, ip net.IP) error {
	fd, err := openRawSocket(ifaceName)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	frame := buildARPFrame(mac, ip, ip, 2) // opcode 2 = reply
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("advert: looking up interface %s: %w", ifaceName, err)
	}
	addr := unix.SockaddrLinklayer{Ifindex: iface.Index, Halen: 6}
	copy(addr.Addr[:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	if err := unix.Sendto(fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("advert: sending gratuitous arp on %s: %w", ifaceName, err)
	}
	return nil
}

// SendGratuitousRARP builds and transmits a RARP request for mac, used
// by bridges/hypervisors that still honor RARP-triggered MAC-table
// flush on live migration.
func (s *LinuxPacketSender) SendGratuitousRARP(ifaceName string, mac net.HardwareAddr) error {
	fd, err := openRawSocket(ifaceName)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	frame := buildARPFrame(mac, net.IPv4zero, net.IPv4zero, 3) // opcode 3 = RARP request
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("advert: looking up interface %s: %w", ifaceName, err)
	}
	addr := unix.SockaddrLinklayer{Ifindex: iface.Index, Halen: 6}
	copy(addr.Addr[:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	if err := unix.Sendto(fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("advert: sending gratuitous rarp on %s: %w", ifaceName, err)
	}
	return nil
}

// SendNeighborAdvertisement delegates to the wrapped NDPSender.
func (s *LinuxPacketSender) SendNeighborAdvertisement(ifaceName string, mac net.HardwareAddr, ip net.IP) error {
	if s.ndp == nil {
		return fmt.Errorf("advert: no NDP sender configured for %s", ifaceName)
	}
	return s.ndp.SendNeighborAdvertisement(ip, mac)
}

// SendRouterAdvertisement is not yet implemented: router advertisement
// framing needs the full prefix-information-option builder, tracked
// against the endpoint advertisement mode work rather than this
// transport layer.
func (s *LinuxPacketSender) SendRouterAdvertisement(ifaceName string, routerMAC net.HardwareAddr, prefix *net.IPNet) error {
	return fmt.Errorf("advert: router advertisement not yet implemented")
}

func buildARPFrame(mac net.HardwareAddr, senderIP, targetIP net.IP, opcode uint16) []byte {
	eth := make([]byte, 14)
	copy(eth[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(eth[6:12], mac)
	binary.BigEndian.PutUint16(eth[12:14], unix.ETH_P_ARP)

	arp := make([]byte, 28)
	binary.BigEndian.PutUint16(arp[0:2], 1)      // hardware type: ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // protocol type: ipv4
	arp[4] = 6                                   // hardware address length
	arp[5] = 4                                   // protocol address length
	binary.BigEndian.PutUint16(arp[6:8], opcode)
	copy(arp[8:14], mac)
	copy(arp[14:18], senderIP.To4())
	copy(arp[18:24], mac)
	copy(arp[24:28], targetIP.To4())

	return append(eth, arp...)
}
