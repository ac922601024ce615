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

// Package modb stands in for the OpFlex managed-object database: the
// out-of-scope runtime that resolves policy objects and notifies the
// agent of changes. It is a plain listener-registration/resolve facade
// so the rest of the agent can be built and tested without a live
// OpFlex proxy connection.
package modb

import (
	cmap "github.com/streamrail/concurrent-map"

	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

// Class identifies the managed-object type a URI belongs to. Listeners
// register per-class so they aren't woken for updates they don't care
// about.
type Class string

const (
	ClassEndpoint          Class = "Endpoint"
	ClassEndpointGroup     Class = "EndpointGroup"
	ClassBridgeDomain      Class = "BridgeDomain"
	ClassFloodDomain       Class = "FloodDomain"
	ClassRoutingDomain     Class = "RoutingDomain"
	ClassSubnet            Class = "Subnet"
	ClassContract          Class = "Contract"
	ClassSecurityGroup     Class = "SecurityGroup"
	ClassL3ExternalNetwork Class = "L3ExternalNetwork"
	ClassL3ExternalDomain  Class = "L3ExternalDomain"
	ClassRDConfig          Class = "RDConfig"
	ClassAnycastService    Class = "AnycastService"
)

// Listener is notified when an object of a class it registered for
// changes or is removed. Implementations must not block: callers run
// notification inline with the store update.
type Listener interface {
	ObjectUpdated(class Class, uri policy.URI)
	ObjectRemoved(class Class, uri policy.URI)
}

// Store holds the locally-resolved view of the managed-object database,
// keyed by class then URI, and fans out updates to registered listeners.
// A real OpFlex proxy would fill this from the wire; in this repository
// it is fed directly by tests.
type Store struct {
	byClass   map[Class]cmap.ConcurrentMap
	listeners map[Class][]Listener
}

// NewStore builds an empty object store.
func NewStore() *Store {
	s := &Store{
		byClass:   make(map[Class]cmap.ConcurrentMap),
		listeners: make(map[Class][]Listener),
	}
	for _, c := range allClasses {
		s.byClass[c] = cmap.New()
	}
	return s
}

var allClasses = []Class{
	ClassEndpoint, ClassEndpointGroup, ClassBridgeDomain, ClassFloodDomain,
	ClassRoutingDomain, ClassSubnet, ClassContract, ClassSecurityGroup,
	ClassL3ExternalNetwork, ClassL3ExternalDomain, ClassRDConfig,
	ClassAnycastService,
}

// RegisterListener subscribes l to updates for class. Safe to call
// before any objects of that class exist.
func (s *Store) RegisterListener(class Class, l Listener) {
	s.listeners[class] = append(s.listeners[class], l)
}

// Resolve returns the object at uri in class, if present.
func (s *Store) Resolve(class Class, uri policy.URI) (interface{}, bool) {
	m, ok := s.byClass[class]
	if !ok {
		return nil, false
	}
	return m.Get(string(uri))
}

// Put inserts or replaces the object at uri and notifies listeners of
// class. Callers own the concrete object type (e.g. *policy.Endpoint).
func (s *Store) Put(class Class, uri policy.URI, obj interface{}) {
	m, ok := s.byClass[class]
	if !ok {
		return
	}
	m.Set(string(uri), obj)
	for _, l := range s.listeners[class] {
		l.ObjectUpdated(class, uri)
	}
}

// Delete removes the object at uri and notifies listeners of class.
func (s *Store) Delete(class Class, uri policy.URI) {
	m, ok := s.byClass[class]
	if !ok {
		return
	}
	if !m.Has(string(uri)) {
		return
	}
	m.Remove(string(uri))
	for _, l := range s.listeners[class] {
		l.ObjectRemoved(class, uri)
	}
}

// List returns every URI currently resolved for class.
func (s *Store) List(class Class) []policy.URI {
	m, ok := s.byClass[class]
	if !ok {
		return nil
	}
	keys := m.Keys()
	uris := make([]policy.URI, len(keys))
	for i, k := range keys {
		uris[i] = policy.URI(k)
	}
	return uris
}

// Endpoint is a typed convenience wrapper over Resolve for the
// Endpoint class, used pervasively by the flow managers.
func (s *Store) Endpoint(uri policy.URI) (*policy.Endpoint, bool) {
	v, ok := s.Resolve(ClassEndpoint, uri)
	if !ok {
		return nil, false
	}
	ep, ok := v.(*policy.Endpoint)
	return ep, ok
}

// EndpointGroup is a typed convenience wrapper over Resolve for the
// EndpointGroup class.
func (s *Store) EndpointGroup(uri policy.URI) (*policy.EndpointGroup, bool) {
	v, ok := s.Resolve(ClassEndpointGroup, uri)
	if !ok {
		return nil, false
	}
	epg, ok := v.(*policy.EndpointGroup)
	return epg, ok
}
