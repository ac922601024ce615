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

// Package netflow renders NetFlow export policy onto the bridge's
// OVSDB NetFlow table, the sibling renderer to
// pkg/span sharing the same OVSDB-JSON-RPC transport. Grounded on
// original_source SpanRenderer.cpp's sibling NetFlow handling.
package netflow

import (
	"fmt"

	"github.com/contiv/libovsdb"
)

// Session is a netflow-rendering OVSDB session, scoped to one bridge.
type Session struct {
	client *libovsdb.OvsdbClient
	bridge string
}

// Dial connects to the local vswitchd OVSDB management socket.
func Dial(sockPath, bridge string) (*Session, error) {
	client, err := libovsdb.ConnectUnix(sockPath)
	if err != nil {
		return nil, fmt.Errorf("netflow: connecting to ovsdb at %s: %w", sockPath, err)
	}
	return &Session{client: client, bridge: bridge}, nil
}

// Target is the desired NetFlow export configuration.
type Target struct {
	Collectors     []string // host:port
	ActiveTimeout  int
	AddIDToIface   bool
}

// Apply renders t onto the bridge's Bridge.netflow column via an
// insert-and-link transaction.
func (s *Session) Apply(t Target) error {
	row := map[string]interface{}{
		"targets":               t.Collectors,
		"active_timeout":        t.ActiveTimeout,
		"add_id_to_interface":   t.AddIDToIface,
	}
	insertOp := libovsdb.Operation{
		Op:       "insert",
		Table:    "NetFlow",
		Row:      row,
		UUIDName: "netflow_" + s.bridge,
	}
	mutateOp := libovsdb.Operation{
		Op:    "mutate",
		Table: "Bridge",
		Where: []interface{}{[]interface{}{"name", "==", s.bridge}},
		Mutations: []interface{}{
			[]interface{}{"netflow", "insert", libovsdb.UUID{GoUUID: insertOp.UUIDName}},
		},
	}

	replies, err := s.client.Transact("Open_vSwitch", insertOp, mutateOp)
	if err != nil {
		return fmt.Errorf("netflow: transacting netflow update on bridge %s: %w", s.bridge, err)
	}
	for i, r := range replies {
		if r.Error != "" {
			return fmt.Errorf("netflow: op %d on bridge %s failed: %s (%s)", i, s.bridge, r.Error, r.Details)
		}
	}
	return nil
}

// Close releases the OVSDB session.
func (s *Session) Close() {
	s.client.Disconnect()
}
