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

// Package tunnelep discovers the local uplink interface's address so
// the integration bridge's tunnel port can be bound to it, and
// periodically rechecks for address changes (DHCP renewal, manual
// reconfiguration) that would otherwise strand existing tunnels.
// Grounded on original_source TunnelEpManager.h/.cpp.
package tunnelep

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// Endpoint is the locally-discovered uplink binding: the interface
// name and the IP address tunnels should use as their local endpoint.
type Endpoint struct {
	IfaceName string
	IP        net.IP
}

// Listener is notified when the discovered uplink endpoint changes.
type Listener interface {
	UplinkChanged(ep Endpoint)
}

// Manager periodically scans uplinkIface for its current address.
type Manager struct {
	uplinkIface string
	interval    time.Duration
	listeners   []Listener
	last        Endpoint
}

// New builds a Manager that scans uplinkIface every interval.
func New(uplinkIface string, interval time.Duration) *Manager {
	return &Manager{uplinkIface: uplinkIface, interval: interval}
}

// RegisterListener subscribes l to uplink-endpoint change events.
func (m *Manager) RegisterListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// ScanOnce reads uplinkIface's current first global-unicast IPv4
// address via netlink and, if it differs from the last observed
// value, notifies listeners.
func (m *Manager) ScanOnce() error {
	link, err := netlink.LinkByName(m.uplinkIface)
	if err != nil {
		return fmt.Errorf("tunnelep: looking up uplink interface %s: %w", m.uplinkIface, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("tunnelep: listing addresses on %s: %w", m.uplinkIface, err)
	}

	var found net.IP
	for _, a := range addrs {
		if a.IP.IsGlobalUnicast() {
			found = a.IP
			break
		}
	}
	if found == nil {
		return fmt.Errorf("tunnelep: no global-unicast IPv4 address on %s", m.uplinkIface)
	}

	ep := Endpoint{IfaceName: m.uplinkIface, IP: found}
	if m.last.IP != nil && m.last.IP.Equal(found) {
		return nil
	}
	m.last = ep
	log.Infof("tunnelep: uplink endpoint on %s is now %s", m.uplinkIface, found)
	for _, l := range m.listeners {
		l.UplinkChanged(ep)
	}
	return nil
}

// Current returns the last discovered uplink endpoint.
func (m *Manager) Current() (Endpoint, bool) {
	if m.last.IP == nil {
		return Endpoint{}, false
	}
	return m.last, true
}

// Run scans on m.interval until ctx is cancelled, logging (but not
// stopping on) scan errors since a transiently-unready uplink is a
// normal boot-race condition, not a fatal one.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	if err := m.ScanOnce(); err != nil {
		log.Warnf("tunnelep: initial scan: %v", err)
	}
	for {
		select {
		case <-ticker.C:
			if err := m.ScanOnce(); err != nil {
				log.Warnf("tunnelep: scan: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
