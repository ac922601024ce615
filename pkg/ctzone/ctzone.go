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

// Package ctzone allocates OVS conntrack zones per routing domain, so
// NAT and stateful firewalling for one tenant's traffic never leaks
// connection-tracking state into another's. Grounded on original_source
// RDConfig.h's per-routing-domain scoping pattern and spec section 4.16;
// zone numbers are handed out from pkg/idgen's "conntrack" namespace and
// reclaimed through the same generational garbage-collection mechanism
// the rest of the agent uses for switch-side resource ownership.
package ctzone

import (
	"fmt"

	"github.com/opendaylight/opflex-agent-ovs/pkg/idgen"
	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

// Namespace is the idgen namespace conntrack zones are allocated from.
const Namespace = "conntrack"

// MinZone and MaxZone bound the usable zone space; OVS conntrack zones
// are a uint16 field but 0 is reserved for "no zone" and very high
// zones are conventionally left for other subsystems (mirroring,
// NetFlow sampling) to avoid collisions.
const (
	MinZone uint32 = 1
	MaxZone uint32 = 65000
)

// Manager hands out a stable conntrack zone per routing-domain URI.
type Manager struct {
	ids *idgen.IDGenerator
}

// New builds a Manager backed by ids, initializing the conntrack
// namespace.
func New(ids *idgen.IDGenerator) (*Manager, error) {
	if err := ids.InitNamespace(Namespace); err != nil {
		return nil, fmt.Errorf("ctzone: initializing namespace: %w", err)
	}
	return &Manager{ids: ids}, nil
}

// ZoneFor returns the conntrack zone assigned to rd, allocating one on
// first use. The returned value fits a uint16 OpenFlow conntrack zone
// field; callers must treat a zone of 0 as "allocation exhausted" per
// idgen's Overflow/Invalid sentinels mapped into range.
func (m *Manager) ZoneFor(rd policy.URI) (uint16, error) {
	id := m.ids.GetID(Namespace, string(rd))
	if id == idgen.Invalid || id == idgen.Overflow {
		return 0, fmt.Errorf("ctzone: failed to allocate zone for routing domain %s", rd)
	}
	zone := MinZone + (id % (MaxZone - MinZone))
	return uint16(zone), nil
}

// Release marks rd's zone as no longer in active use; it is not handed
// to another routing domain until CollectGarbage confirms rd is truly
// gone.
func (m *Manager) Release(rd policy.URI) {
	m.ids.Erase(Namespace, string(rd))
}

// CollectGarbage sweeps erased zone allocations, keeping resolveURI's
// judgment of whether each routing domain URI still exists.
func (m *Manager) CollectGarbage(resolveURI func(rd policy.URI) bool) {
	m.ids.CollectGarbage(Namespace, func(ns, str string) bool {
		return resolveURI(policy.URI(str))
	})
}
